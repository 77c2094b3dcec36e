package guardrails

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"aegis-gw/internal/audit"
)

// scriptedDetector drives engine tests with canned behavior while recording
// the exact text each Validate call received.
type scriptedDetector struct {
	name      string
	inputOnly bool
	validate  func(text string) (Verdict, error)

	mu    sync.Mutex
	calls []string
}

func (d *scriptedDetector) Name() string    { return d.name }
func (d *scriptedDetector) InputOnly() bool { return d.inputOnly }

func (d *scriptedDetector) Validate(ctx context.Context, text string) (Verdict, error) {
	d.mu.Lock()
	d.calls = append(d.calls, text)
	d.mu.Unlock()
	return d.validate(text)
}

func passDetector(name string) *scriptedDetector {
	return &scriptedDetector{name: name, validate: func(text string) (Verdict, error) {
		return pass(text), nil
	}}
}

func blockDetector(name, reason string) *scriptedDetector {
	return &scriptedDetector{name: name, validate: func(text string) (Verdict, error) {
		return Verdict{Valid: false, Action: ActionBlocked, SanitizedText: text, Reason: reason}, nil
	}}
}

func redactDetector(name, from, to string) *scriptedDetector {
	return &scriptedDetector{name: name, validate: func(text string) (Verdict, error) {
		replaced := strings.ReplaceAll(text, from, to)
		if replaced == text {
			return pass(text), nil
		}
		return Verdict{Valid: true, Action: ActionRedacted, SanitizedText: replaced, Reason: "PII Redacted"}, nil
	}}
}

// captureSink records every event it receives.
type captureSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *captureSink) Log(ev audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) all() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Event{}, s.events...)
}

func TestEngine_AllowedPassthrough(t *testing.T) {
	e := NewEngine("test", false, []Detector{passDetector("a"), passDetector("b")}, nil, zap.NewNop())
	v := e.Validate(context.Background(), "hello there", SourceInput)
	if !v.Valid || v.Action != ActionAllowed {
		t.Fatalf("expected allowed, got %+v", v)
	}
	if v.SanitizedText != "hello there" {
		t.Fatalf("allowed text must be unchanged, got %q", v.SanitizedText)
	}
}

func TestEngine_BlockShortCircuits(t *testing.T) {
	first := blockDetector("first", "no")
	second := passDetector("second")
	e := NewEngine("test", false, []Detector{first, second}, nil, zap.NewNop())

	v := e.Validate(context.Background(), "text", SourceInput)
	if v.Valid || v.Action != ActionBlocked {
		t.Fatalf("expected block, got %+v", v)
	}
	if v.Reason != "no" {
		t.Fatalf("unexpected reason %q", v.Reason)
	}
	if len(second.calls) != 0 {
		t.Fatal("block must short-circuit later detectors")
	}
}

func TestEngine_RedactionsAccumulateDownstream(t *testing.T) {
	redact := redactDetector("redact", "secret", "<X>")
	after := passDetector("after")
	e := NewEngine("test", false, []Detector{redact, after}, nil, zap.NewNop())

	v := e.Validate(context.Background(), "my secret plan", SourceInput)
	if v.Action != ActionRedacted {
		t.Fatalf("expected redacted, got %+v", v)
	}
	if v.SanitizedText != "my <X> plan" {
		t.Fatalf("unexpected sanitized text %q", v.SanitizedText)
	}
	if len(after.calls) != 1 || after.calls[0] != "my <X> plan" {
		t.Fatalf("downstream detector must see sanitized text, saw %v", after.calls)
	}
}

func TestEngine_BlockAfterRedactionKeepsSanitizedText(t *testing.T) {
	redact := redactDetector("redact", "secret", "<X>")
	block := blockDetector("block", "forbidden")
	e := NewEngine("test", false, []Detector{redact, block}, nil, zap.NewNop())

	v := e.Validate(context.Background(), "my secret plan", SourceInput)
	if v.Valid {
		t.Fatal("expected block")
	}
	if v.SanitizedText != "my <X> plan" {
		t.Fatalf("block must preserve redactions applied so far, got %q", v.SanitizedText)
	}
}

func TestEngine_DetectorErrorFailsOpen(t *testing.T) {
	broken := &scriptedDetector{name: "broken", validate: func(text string) (Verdict, error) {
		return Verdict{}, errors.New("model down")
	}}
	after := passDetector("after")
	e := NewEngine("test", false, []Detector{broken, after}, nil, zap.NewNop())

	v := e.Validate(context.Background(), "text", SourceInput)
	if !v.Valid {
		t.Fatalf("detector error must fail open, got %+v", v)
	}
	if len(after.calls) != 1 {
		t.Fatal("pipeline must continue after a failing detector")
	}
}

func TestEngine_InputOnlySkippedOnOutput(t *testing.T) {
	inOnly := &scriptedDetector{name: "inonly", inputOnly: true, validate: func(text string) (Verdict, error) {
		return Verdict{Valid: false, Action: ActionBlocked, SanitizedText: text, Reason: "input rule"}, nil
	}}
	e := NewEngine("test", false, []Detector{inOnly}, nil, zap.NewNop())

	if v := e.Validate(context.Background(), "text", SourceOutput); !v.Valid {
		t.Fatalf("input-only detector ran on output: %+v", v)
	}
	if v := e.Validate(context.Background(), "text", SourceInput); v.Valid {
		t.Fatal("input-only detector should still run on input")
	}
}

func TestEngine_ShadowModeSuppressesBlock(t *testing.T) {
	e := NewEngine("test", true, []Detector{blockDetector("b", "bad stuff")}, nil, zap.NewNop())

	v := e.Validate(context.Background(), "text", SourceInput)
	if !v.Valid {
		t.Fatal("shadow mode must not block")
	}
	if v.Action != ActionShadowBlock {
		t.Fatalf("expected %q, got %q", ActionShadowBlock, v.Action)
	}
	if v.Reason != "bad stuff" {
		t.Fatalf("shadow block must carry the original reason, got %q", v.Reason)
	}
}

func TestEngine_ShadowModeKeepsRedactions(t *testing.T) {
	e := NewEngine("test", true, []Detector{redactDetector("r", "secret", "<X>")}, nil, zap.NewNop())

	v := e.Validate(context.Background(), "a secret here", SourceInput)
	if v.Action != ActionRedacted {
		t.Fatalf("redaction applies in shadow mode too, got %+v", v)
	}
	if v.SanitizedText != "a <X> here" {
		t.Fatalf("unexpected sanitized text %q", v.SanitizedText)
	}
}

func TestEngine_EmitsOneAuditEventPerValidate(t *testing.T) {
	sink := &captureSink{}
	e := NewEngine("audit-profile", false, []Detector{blockDetector("b", "nope")}, sink, zap.NewNop())

	e.Validate(context.Background(), "text", SourceInput)
	e.Validate(context.Background(), "text", SourceOutput)

	events := sink.all()
	if len(events) != 2 {
		t.Fatalf("expected 2 audit events, got %d", len(events))
	}
	ev := events[0]
	if ev.Profile != "audit-profile" || ev.Source != "input" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Valid || ev.Action != "blocked" || ev.Reason != "nope" {
		t.Fatalf("event must mirror the verdict, got %+v", ev)
	}
	if ev.ID == "" {
		t.Fatal("event must carry an ID")
	}
	if ev.InputLen != len("text") {
		t.Fatalf("unexpected input length %d", ev.InputLen)
	}
}

func TestEngine_DetectorNames(t *testing.T) {
	e := NewEngine("test", false, []Detector{passDetector("a"), passDetector("b")}, nil, zap.NewNop())
	names := e.DetectorNames()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected names %v", names)
	}
}
