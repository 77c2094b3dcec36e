package guardrails

import (
	"context"
	"fmt"
	"regexp"
)

// Default jailbreak/override phrases. Custom keywords from the profile are
// appended after these, so the built-in set keeps priority on first match.
var injectionDefaults = []string{
	"ignore previous instructions",
	"ignore all instructions",
	"system override",
	"do anything now",
	"jailbreak",
	"developer mode",
	"system prompt",
}

// InjectionDetector blocks on case-insensitive word-boundary matches against
// a keyword list. The first matching keyword (in list order) wins.
type InjectionDetector struct {
	keywords []string
	patterns []*regexp.Regexp
}

func NewInjectionDetector(extraKeywords []string) *InjectionDetector {
	keywords := make([]string, 0, len(injectionDefaults)+len(extraKeywords))
	seen := make(map[string]bool)
	for _, kw := range append(append([]string{}, injectionDefaults...), extraKeywords...) {
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		keywords = append(keywords, kw)
	}

	patterns := make([]*regexp.Regexp, len(keywords))
	for i, kw := range keywords {
		patterns[i] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
	}
	return &InjectionDetector{keywords: keywords, patterns: patterns}
}

func (d *InjectionDetector) Name() string    { return "injection" }
func (d *InjectionDetector) InputOnly() bool { return true }

func (d *InjectionDetector) Validate(ctx context.Context, text string) (Verdict, error) {
	for i, re := range d.patterns {
		if re.MatchString(text) {
			return Verdict{
				Valid:         false,
				Action:        ActionBlocked,
				SanitizedText: text,
				Reason:        fmt.Sprintf("Prompt Injection Detected: '%s'", d.keywords[i]),
			}, nil
		}
	}
	return pass(text), nil
}
