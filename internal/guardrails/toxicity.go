package guardrails

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// DefaultToxicityThreshold is the score above which text is blocked.
const DefaultToxicityThreshold = 0.5

// Fallback word list used when no scoring model is available.
var toxicWordDefaults = []string{"badword", "offensive", "toxic", "violence"}

// ToxicityDetector blocks text whose toxicity score meets the threshold.
// Without a ToxicityScorer capability it degrades to a word-list heuristic.
type ToxicityDetector struct {
	scorer    ToxicityScorer
	threshold float64
	fallback  *regexp.Regexp
}

func NewToxicityDetector(scorer ToxicityScorer, threshold float64, logger *zap.Logger) *ToxicityDetector {
	if threshold <= 0 {
		threshold = DefaultToxicityThreshold
	}
	d := &ToxicityDetector{scorer: scorer, threshold: threshold}
	if scorer == nil {
		logger.Warn("toxicity scorer not configured, degrading to word-list heuristic")
		quoted := make([]string, len(toxicWordDefaults))
		for i, w := range toxicWordDefaults {
			quoted[i] = regexp.QuoteMeta(w)
		}
		d.fallback = regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
	}
	return d
}

func (d *ToxicityDetector) Name() string    { return "toxicity" }
func (d *ToxicityDetector) InputOnly() bool { return false }

func (d *ToxicityDetector) Validate(ctx context.Context, text string) (Verdict, error) {
	if d.scorer == nil {
		return d.validateWords(text), nil
	}

	var score float64
	err := withModelGate(ctx, func() error {
		var scoreErr error
		score, scoreErr = d.scorer.Score(ctx, text)
		return scoreErr
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("toxicity scoring failed: %w", err)
	}

	if score >= d.threshold {
		return Verdict{
			Valid:         false,
			Action:        ActionBlocked,
			SanitizedText: text,
			Reason:        fmt.Sprintf("Toxicity:score %.2f exceeds threshold %.2f", score, d.threshold),
			Metadata:      map[string]interface{}{"toxicity_score": score},
		}, nil
	}
	v := pass(text)
	v.Metadata = map[string]interface{}{"toxicity_score": score}
	return v, nil
}

func (d *ToxicityDetector) validateWords(text string) Verdict {
	matches := d.fallback.FindAllString(text, -1)
	if len(matches) == 0 {
		return pass(text)
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
		Reason:        "Profanity detected: " + strings.Join(unique, ", "),
	}
}
