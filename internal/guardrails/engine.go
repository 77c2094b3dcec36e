// Package guardrails implements the content-safety pipeline: the detector
// contract, the concrete detectors, the ordered short-circuiting engine,
// the streaming sanitizer, and the profile loader that assembles them.
package guardrails

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aegis-gw/internal/audit"
	"aegis-gw/internal/metrics"
)

// Engine runs a fixed ordered list of detectors over a text and produces a
// single aggregate verdict, subject to shadow-mode policy.
//
// The engine and its detectors are shared read-only across requests; Validate
// is safe for concurrent use. Every Validate call emits exactly one audit
// event through the (non-blocking) sink.
type Engine struct {
	profileName string
	shadowMode  bool
	detectors   []Detector
	sink        audit.Sink
	logger      *zap.Logger
}

func NewEngine(profileName string, shadowMode bool, detectors []Detector, sink audit.Sink, logger *zap.Logger) *Engine {
	if sink == nil {
		sink = audit.NullSink{}
	}
	if shadowMode {
		logger.Warn("SHADOW MODE ENABLED: violations will be recorded but not blocked",
			zap.String("profile", profileName))
	}
	return &Engine{
		profileName: profileName,
		shadowMode:  shadowMode,
		detectors:   detectors,
		sink:        sink,
		logger:      logger,
	}
}

func (e *Engine) ProfileName() string { return e.profileName }
func (e *Engine) ShadowMode() bool    { return e.shadowMode }

// DetectorNames returns the pipeline order, for introspection.
func (e *Engine) DetectorNames() []string {
	names := make([]string, len(e.detectors))
	for i, d := range e.detectors {
		names[i] = d.Name()
	}
	return names
}

// Validate walks the pipeline in order, feeding each detector the sanitized
// text of the previous one so redactions accumulate. The first blocking
// detector short-circuits the walk. A detector that errors is treated as a
// pass (fail-open within that detector) and the walk continues.
func (e *Engine) Validate(ctx context.Context, text string, source Source) Verdict {
	start := time.Now()

	sanitized := text
	changed := false
	var changeReasons []string
	var blockReason string
	blocked := false

	for _, det := range e.detectors {
		if source == SourceOutput && det.InputOnly() {
			continue
		}

		v, err := det.Validate(ctx, sanitized)
		if err != nil {
			e.logger.Warn("detector error, failing open",
				zap.String("detector", det.Name()),
				zap.Error(err),
			)
			continue
		}

		if !v.Valid {
			// Block wins; sanitized stays the text as of the moment of block.
			blocked = true
			blockReason = v.Reason
			break
		}

		if v.Action == ActionRedacted && v.SanitizedText != sanitized {
			sanitized = v.SanitizedText
			changed = true
			if v.Reason != "" {
				changeReasons = append(changeReasons, v.Reason)
			}
		}
	}

	verdict := e.aggregate(text, sanitized, blocked, blockReason, changed, changeReasons)

	latency := time.Since(start)
	metrics.VerdictsTotal.WithLabelValues(string(source), string(verdict.Action)).Inc()
	metrics.ValidateDuration.WithLabelValues(string(source)).Observe(latency.Seconds())

	e.sink.Log(audit.Event{
		Timestamp:  time.Now().UTC(),
		ID:         uuid.NewString(),
		Profile:    e.profileName,
		Source:     string(source),
		Valid:      verdict.Valid,
		Action:     string(verdict.Action),
		Reason:     verdict.Reason,
		LatencyMS:  float64(latency.Microseconds()) / 1000.0,
		ShadowMode: e.shadowMode,
		InputLen:   len(text),
	})

	return verdict
}

// aggregate builds the engine-level verdict. Shadow mode is applied here, as
// a post-processing step on the aggregate, never inside detectors: detection
// stays identical, only enforcement changes.
func (e *Engine) aggregate(input, sanitized string, blocked bool, blockReason string, changed bool, changeReasons []string) Verdict {
	if blocked {
		if e.shadowMode {
			return Verdict{
				Valid:         true,
				Action:        ActionShadowBlock,
				SanitizedText: sanitized,
				Reason:        blockReason,
			}
		}
		return Verdict{
			Valid:         false,
			Action:        ActionBlocked,
			SanitizedText: sanitized,
			Reason:        blockReason,
		}
	}

	if changed {
		reason := "PII Redacted"
		if len(changeReasons) > 0 {
			reason = strings.Join(changeReasons, "; ")
		}
		return Verdict{
			Valid:         true,
			Action:        ActionRedacted,
			SanitizedText: sanitized,
			Reason:        reason,
		}
	}

	return Verdict{Valid: true, Action: ActionAllowed, SanitizedText: input}
}
