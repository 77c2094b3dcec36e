package guardrails

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// Base jailbreak intents, always checked when semantic blocking is enabled.
var baseJailbreakIntents = []string{
	"ignore previous instructions",
	"jailbreak attempt",
	"bypassing safety guardrails",
	"revealing system prompt",
	"acting as an unfiltered AI",
	"performing restricted actions",
}

// DefaultSemanticThreshold is the cosine similarity above which an input is
// considered a match for a forbidden intent.
const DefaultSemanticThreshold = 0.45

// SemanticDetector blocks inputs whose embedding is close to any forbidden
// intent. Intent embeddings are computed once at construction; validate-time
// work is one embedding call plus a cosine scan. Ties resolve to the lowest
// intent index.
type SemanticDetector struct {
	embedder  Embedder
	intents   []string
	vectors   [][]float32
	threshold float64
	logger    *zap.Logger
}

// NewSemanticDetector embeds the merged intent list (profile-supplied first,
// then the built-in jailbreak set). An embedding failure here is a model
// init error: the caller should log it and run without semantic blocking.
func NewSemanticDetector(ctx context.Context, embedder Embedder, intents []string, threshold float64, logger *zap.Logger) (*SemanticDetector, error) {
	if threshold <= 0 {
		threshold = DefaultSemanticThreshold
	}

	merged := make([]string, 0, len(intents)+len(baseJailbreakIntents))
	seen := make(map[string]bool)
	for _, it := range append(append([]string{}, intents...), baseJailbreakIntents...) {
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		merged = append(merged, it)
	}

	vectors := make([][]float32, len(merged))
	for i, intent := range merged {
		vec, err := embedder.Embed(ctx, intent)
		if err != nil {
			return nil, fmt.Errorf("failed to embed intent %q: %w", intent, err)
		}
		vectors[i] = vec
	}

	logger.Info("semantic detector ready",
		zap.Int("intents", len(merged)),
		zap.Float64("threshold", threshold),
	)

	return &SemanticDetector{
		embedder:  embedder,
		intents:   merged,
		vectors:   vectors,
		threshold: threshold,
		logger:    logger,
	}, nil
}

func (d *SemanticDetector) Name() string    { return "semantic_blocking" }
func (d *SemanticDetector) InputOnly() bool { return true }

func (d *SemanticDetector) Validate(ctx context.Context, text string) (Verdict, error) {
	var inputVec []float32
	err := withModelGate(ctx, func() error {
		var embErr error
		inputVec, embErr = d.embedder.Embed(ctx, text)
		return embErr
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("embedding failed: %w", err)
	}

	maxScore := math.Inf(-1)
	maxIndex := 0
	for i, vec := range d.vectors {
		score := cosineSimilarity(inputVec, vec)
		if score > maxScore {
			maxScore = score
			maxIndex = i
		}
	}

	d.logger.Debug("semantic check",
		zap.Float64("max_score", maxScore),
		zap.String("intent", d.intents[maxIndex]),
		zap.Float64("threshold", d.threshold),
	)

	if maxScore >= d.threshold {
		return Verdict{
			Valid:         false,
			Action:        ActionBlocked,
			SanitizedText: text,
			Reason:        fmt.Sprintf("Semantic:Intent violation (matched '%s', score %.2f)", d.intents[maxIndex], maxScore),
			Metadata:      map[string]interface{}{"similarity": maxScore, "intent": d.intents[maxIndex]},
		}, nil
	}

	v := pass(text)
	v.Metadata = map[string]interface{}{"similarity": maxScore}
	return v, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
