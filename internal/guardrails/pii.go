package guardrails

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// piiPattern binds a PII kind to its pre-compiled pattern. Order matters:
// redaction walks the table in declaration order so results are
// deterministic for a given configuration.
type piiPattern struct {
	kind string
	re   *regexp.Regexp
}

// Regex-backed kinds. PHONE is deliberately permissive (can match 7-digit
// local numbers); over-matching favors recall for redaction.
var piiDefaults = []piiPattern{
	{"EMAIL", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{"PHONE", regexp.MustCompile(`\b(\+\d{1,2}\s?)?1?-?\.?\s?(\(?\d{3}\)?[\s.-]?)?\d{3}[\s.-]?\d{4}\b`)},
	{"SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"CREDIT_CARD", regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)},
}

// PIIDetector finds and redacts personally identifiable information. It is
// a transforming detector: it always returns Valid=true and never blocks.
//
// When an EntityTagger (NER backend) is configured it is authoritative and
// the regex table is bypassed; a tagger failure at validate time falls back
// to regex for that call so redaction is never silently skipped.
type PIIDetector struct {
	patterns []piiPattern
	tagger   EntityTagger
	logger   *zap.Logger
}

// NewPIIDetector builds the detector with the requested pattern kinds.
// An empty kinds list enables the full default table.
func NewPIIDetector(kinds []string, tagger EntityTagger, logger *zap.Logger) *PIIDetector {
	patterns := piiDefaults
	if len(kinds) > 0 {
		enabled := make(map[string]bool, len(kinds))
		for _, k := range kinds {
			enabled[strings.ToUpper(k)] = true
		}
		patterns = nil
		for _, p := range piiDefaults {
			if enabled[p.kind] {
				patterns = append(patterns, p)
			}
		}
	}
	return &PIIDetector{patterns: patterns, tagger: tagger, logger: logger}
}

func (d *PIIDetector) Name() string    { return "pii" }
func (d *PIIDetector) InputOnly() bool { return false }

func (d *PIIDetector) Validate(ctx context.Context, text string) (Verdict, error) {
	var sanitized string
	var kinds []string

	if d.tagger != nil {
		var err error
		sanitized, kinds, err = d.redactEntities(ctx, text)
		if err != nil {
			d.logger.Warn("NER tagger failed, falling back to regex", zap.Error(err))
			sanitized, kinds = d.redactRegex(text)
		}
	} else {
		sanitized, kinds = d.redactRegex(text)
	}

	if len(kinds) == 0 {
		return pass(text), nil
	}

	sort.Strings(kinds)
	return Verdict{
		Valid:         true,
		Action:        ActionRedacted,
		SanitizedText: sanitized,
		Reason:        "PII Redacted",
		Metadata:      map[string]interface{}{"pii_kinds": kinds},
	}, nil
}

func (d *PIIDetector) redactRegex(text string) (string, []string) {
	sanitized := text
	var kinds []string
	for _, p := range d.patterns {
		if p.re.MatchString(sanitized) {
			sanitized = p.re.ReplaceAllString(sanitized, fmt.Sprintf("<%s_REDACTED>", p.kind))
			kinds = append(kinds, p.kind)
		}
	}
	return sanitized, kinds
}

func (d *PIIDetector) redactEntities(ctx context.Context, text string) (string, []string, error) {
	var entities []Entity
	err := withModelGate(ctx, func() error {
		var tagErr error
		entities, tagErr = d.tagger.Tag(ctx, text)
		return tagErr
	})
	if err != nil {
		return "", nil, err
	}
	if len(entities) == 0 {
		return text, nil, nil
	}

	// Replace spans right to left so earlier offsets stay valid.
	sort.Slice(entities, func(i, j int) bool { return entities[i].Start > entities[j].Start })

	sanitized := text
	seen := make(map[string]bool)
	var kinds []string
	lastStart := len(sanitized) + 1
	for _, e := range entities {
		if e.Start < 0 || e.End > len(sanitized) || e.Start >= e.End || e.End > lastStart {
			continue // malformed or overlapping span
		}
		sanitized = sanitized[:e.Start] + fmt.Sprintf("<%s_REDACTED>", e.Kind) + sanitized[e.End:]
		lastStart = e.Start
		if !seen[e.Kind] {
			seen[e.Kind] = true
			kinds = append(kinds, e.Kind)
		}
	}
	return sanitized, kinds, nil
}
