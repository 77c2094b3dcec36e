package guardrails

import (
	"context"
	"regexp"
	"strings"
)

// Secret patterns for common key formats. Go's RE2 has no lookaround, so the
// AWS patterns anchor on non-member neighbors instead of the original
// lookbehind/lookahead pair; match semantics are equivalent.
//
// The AWS access key pattern matches any bare 20-char uppercase/digit run
// and is noisy; kept for behavioral parity.
var secretPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"AWS Access Key", regexp.MustCompile(`(^|[^A-Z0-9])[A-Z0-9]{20}([^A-Z0-9]|$)`)},
	{"AWS Secret Key", regexp.MustCompile(`(^|[^A-Za-z0-9/+=])[A-Za-z0-9/+=]{40}([^A-Za-z0-9/+=]|$)`)},
	{"OpenAI Key", regexp.MustCompile(`sk-[a-zA-Z0-9]{32,}`)},
	{"GitHub Token", regexp.MustCompile(`ghp_[a-zA-Z0-9]{36}`)},
	{"Google API Key", regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`)},
	{"Google Service Account", regexp.MustCompile(`"type":\s*"service_account"`)},
	{"Slack Token", regexp.MustCompile(`xox[baprs]-([0-9a-zA-Z]{10,48})?`)},
	{"Stripe Secret", regexp.MustCompile(`(sk|rk)_live_[0-9a-zA-Z]{24}`)},
	{"Private Key", regexp.MustCompile(`-----BEGIN (RSA |EC )?PRIVATE KEY-----`)},
	{"Env File Pattern", regexp.MustCompile(`(?m)^[A-Z_]+=([^=\n].*)?$`)},
}

// SecretDetector blocks text containing API keys or credential material.
type SecretDetector struct{}

func NewSecretDetector() *SecretDetector { return &SecretDetector{} }

func (d *SecretDetector) Name() string    { return "secrets" }
func (d *SecretDetector) InputOnly() bool { return false }

func (d *SecretDetector) Validate(ctx context.Context, text string) (Verdict, error) {
	var found []string
	for _, p := range secretPatterns {
		if p.re.MatchString(text) {
			found = append(found, p.kind)
		}
	}
	if len(found) == 0 {
		return pass(text), nil
	}
	return Verdict{
		Valid:         false,
		Action:        ActionBlocked,
		SanitizedText: text,
		Reason:        "Secrets detected: " + strings.Join(found, ", "),
		Metadata:      map[string]interface{}{"secret_kinds": found},
	}, nil
}
