package guardrails

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Detector is one validation stage in the pipeline.
//
// Implementations must be safe for concurrent use: they are shared across
// requests and must not mutate internal state during Validate. A returned
// error is treated as a pass for that detector (fail-open) and logged by
// the engine.
type Detector interface {
	// Name returns the detector's unique identifier (e.g. "injection").
	Name() string

	// InputOnly reports whether this detector is skipped on output text.
	InputOnly() bool

	// Validate runs the detection logic over text and returns a verdict.
	Validate(ctx context.Context, text string) (Verdict, error)
}

// Embedder maps text to a dense vector. Implementations must be reentrant.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Entity is a span found by an EntityTagger.
type Entity struct {
	Kind  string
	Start int
	End   int
}

// EntityTagger is an NER capability used by the PII detector. When present
// it is authoritative and replaces the regex path entirely.
type EntityTagger interface {
	Tag(ctx context.Context, text string) ([]Entity, error)
}

// ToxicityScorer scores text in [0,1]; higher is more toxic.
type ToxicityScorer interface {
	Score(ctx context.Context, text string) (float64, error)
}

// modelGate bounds concurrent model inference so CPU-bound embedding or NER
// work cannot monopolize the scheduler under load.
var modelGate = semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0)))

// withModelGate runs fn while holding a model worker slot.
func withModelGate(ctx context.Context, fn func() error) error {
	if err := modelGate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer modelGate.Release(1)
	return fn()
}
