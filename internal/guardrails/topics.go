package guardrails

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

// TopicDetector blocks on word-boundary, case-insensitive matches against a
// profile-supplied block list.
type TopicDetector struct {
	pattern *regexp.Regexp
}

func NewTopicDetector(blockList []string) *TopicDetector {
	if len(blockList) == 0 {
		return &TopicDetector{}
	}
	quoted := make([]string, len(blockList))
	for i, w := range blockList {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return &TopicDetector{
		pattern: regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`),
	}
}

func (d *TopicDetector) Name() string    { return "topics" }
func (d *TopicDetector) InputOnly() bool { return false }

func (d *TopicDetector) Validate(ctx context.Context, text string) (Verdict, error) {
	if d.pattern == nil {
		return pass(text), nil
	}
	matches := d.pattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return pass(text), nil
	}

	seen := make(map[string]bool)
	var unique []string
	for _, m := range matches {
		lower := strings.ToLower(m)
		if !seen[lower] {
			seen[lower] = true
			unique = append(unique, lower)
		}
	}
	sort.Strings(unique)

	return Verdict{
		Valid:         false,
		Action:        ActionBlocked,
		SanitizedText: text,
		Reason:        "Topic:" + strings.Join(unique, ","),
		Metadata:      map[string]interface{}{"topics": unique},
	}, nil
}
