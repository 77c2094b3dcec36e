package guardrails

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// PluginConfig is the free-form configuration of one named external rule.
type PluginConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Type        string   `yaml:"type"` // competitor_check | schema
	Competitors []string `yaml:"competitors"`
	Schema      string   `yaml:"schema"`
}

// NewPluginDetector wires a third-party rule into the detector contract.
// Supported rule types:
//
//   - competitor_check: blocks on case-insensitive competitor mentions.
//   - schema: blocks JSON payloads that fail the configured JSON Schema;
//     non-JSON text passes untouched.
func NewPluginDetector(name string, cfg PluginConfig) (Detector, error) {
	switch cfg.Type {
	case "competitor_check":
		if len(cfg.Competitors) == 0 {
			return nil, fmt.Errorf("plugin %q: competitor_check requires a competitors list", name)
		}
		lowered := make([]string, len(cfg.Competitors))
		for i, c := range cfg.Competitors {
			lowered[i] = strings.ToLower(c)
		}
		return &competitorDetector{name: name, competitors: lowered}, nil
	case "schema":
		if cfg.Schema == "" {
			return nil, fmt.Errorf("plugin %q: schema rule requires a schema document", name)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(cfg.Schema))
		if err != nil {
			return nil, fmt.Errorf("plugin %q: invalid schema: %w", name, err)
		}
		return &schemaDetector{name: name, schema: schema}, nil
	default:
		return nil, fmt.Errorf("plugin %q: unknown rule type %q", name, cfg.Type)
	}
}

type competitorDetector struct {
	name        string
	competitors []string
}

func (d *competitorDetector) Name() string    { return d.name }
func (d *competitorDetector) InputOnly() bool { return false }

func (d *competitorDetector) Validate(ctx context.Context, text string) (Verdict, error) {
	lower := strings.ToLower(text)
	var found []string
	for _, c := range d.competitors {
		if strings.Contains(lower, c) {
			found = append(found, c)
		}
	}
	if len(found) == 0 {
		return pass(text), nil
	}
	return Verdict{
		Valid:         false,
		Action:        ActionBlocked,
		SanitizedText: text,
		Reason:        fmt.Sprintf("External: Competitor mentions detected: %s", strings.Join(found, ", ")),
	}, nil
}

type schemaDetector struct {
	name   string
	schema *gojsonschema.Schema
}

func (d *schemaDetector) Name() string    { return d.name }
func (d *schemaDetector) InputOnly() bool { return false }

func (d *schemaDetector) Validate(ctx context.Context, text string) (Verdict, error) {
	var js interface{}
	if json.Unmarshal([]byte(text), &js) != nil {
		return pass(text), nil // not JSON, nothing to validate
	}

	result, err := d.schema.Validate(gojsonschema.NewStringLoader(text))
	if err != nil {
		return Verdict{}, fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return pass(text), nil
	}

	var msgs []string
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return Verdict{
		Valid:         false,
		Action:        ActionBlocked,
		SanitizedText: text,
		Reason:        fmt.Sprintf("External: Schema violation: %s", strings.Join(msgs, "; ")),
	}, nil
}
