package guardrails

import (
	"context"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"aegis-gw/internal/audit"
)

// Profile is the declarative configuration a gateway engine is built from.
// It is parsed once at startup and immutable for the engine's life. Unknown
// keys are ignored for forward compatibility.
type Profile struct {
	ProfileName string                  `yaml:"profile_name"`
	ShadowMode  bool                    `yaml:"shadow_mode"`
	Detectors   DetectorSettings        `yaml:"detectors"`
	Plugins     map[string]PluginConfig `yaml:"plugins"`
}

type DetectorSettings struct {
	PII              *PIISettings       `yaml:"pii"`
	Injection        *InjectionSettings `yaml:"injection"`
	Secrets          *SecretsSettings   `yaml:"secrets"`
	Topics           *TopicsSettings    `yaml:"topics"`
	SemanticBlocking *SemanticSettings  `yaml:"semantic_blocking"`
	Toxicity         *ToxicitySettings  `yaml:"toxicity"`
}

type PIISettings struct {
	Enabled  bool     `yaml:"enabled"`
	Engine   string   `yaml:"engine"` // regex | ner
	Patterns []string `yaml:"patterns"`
}

type InjectionSettings struct {
	Enabled  bool     `yaml:"enabled"`
	Keywords []string `yaml:"keywords"`
}

type SecretsSettings struct {
	Enabled bool `yaml:"enabled"`
}

type TopicsSettings struct {
	Enabled   bool     `yaml:"enabled"`
	BlockList []string `yaml:"block_list"`
}

type SemanticSettings struct {
	Enabled          bool     `yaml:"enabled"`
	ForbiddenIntents []string `yaml:"forbidden_intents"`
	Threshold        float64  `yaml:"threshold"`
}

type ToxicitySettings struct {
	Enabled   bool    `yaml:"enabled"`
	Threshold float64 `yaml:"threshold"`
}

// LoadProfile reads and parses a profile document. A read or parse failure
// here is fatal to startup.
func LoadProfile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile %s: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	if p.ProfileName == "" {
		p.ProfileName = "Unknown"
	}
	return &p, nil
}

// Capabilities are the ML model handles detectors may consume. Any of them
// may be nil; the affected detector degrades with a warning, never a hard
// startup failure.
type Capabilities struct {
	Embedder Embedder
	Tagger   EntityTagger
	Scorer   ToxicityScorer
}

// BuildEngine assembles the detector pipeline from a profile. Blocking
// stages come before transforming stages: injection, secrets, topics,
// semantic, toxicity, plugins, then PII last so that redaction tokens never
// mask earlier semantic intent.
func BuildEngine(ctx context.Context, p *Profile, caps Capabilities, sink audit.Sink, logger *zap.Logger) *Engine {
	var detectors []Detector
	d := p.Detectors

	if d.Injection != nil && d.Injection.Enabled {
		detectors = append(detectors, NewInjectionDetector(d.Injection.Keywords))
	}

	if d.Secrets != nil && d.Secrets.Enabled {
		detectors = append(detectors, NewSecretDetector())
	}

	if d.Topics != nil && d.Topics.Enabled {
		detectors = append(detectors, NewTopicDetector(d.Topics.BlockList))
	}

	if d.SemanticBlocking != nil && d.SemanticBlocking.Enabled {
		if caps.Embedder == nil {
			logger.Warn("semantic blocking enabled but no embedding capability configured, skipping")
		} else {
			sem, err := NewSemanticDetector(ctx, caps.Embedder, d.SemanticBlocking.ForbiddenIntents, d.SemanticBlocking.Threshold, logger)
			if err != nil {
				logger.Warn("failed to initialize semantic detector, running without it", zap.Error(err))
			} else {
				detectors = append(detectors, sem)
			}
		}
	}

	if d.Toxicity != nil && d.Toxicity.Enabled {
		detectors = append(detectors, NewToxicityDetector(caps.Scorer, d.Toxicity.Threshold, logger))
	}

	// Plugins run after the built-in blocking stages, in name order so the
	// pipeline is deterministic across restarts.
	names := make([]string, 0, len(p.Plugins))
	for name, cfg := range p.Plugins {
		if cfg.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		det, err := NewPluginDetector(name, p.Plugins[name])
		if err != nil {
			logger.Warn("failed to initialize plugin detector, skipping", zap.String("plugin", name), zap.Error(err))
			continue
		}
		detectors = append(detectors, det)
	}

	if d.PII != nil && d.PII.Enabled {
		var tagger EntityTagger
		if d.PII.Engine == "ner" {
			if caps.Tagger == nil {
				logger.Warn("NER engine requested but not available, falling back to regex")
			} else {
				tagger = caps.Tagger
			}
		}
		detectors = append(detectors, NewPIIDetector(d.PII.Patterns, tagger, logger))
	}

	logger.Info("guardrails engine built",
		zap.String("profile", p.ProfileName),
		zap.Bool("shadow_mode", p.ShadowMode),
		zap.Int("detectors", len(detectors)),
	)

	return NewEngine(p.ProfileName, p.ShadowMode, detectors, sink, logger)
}
