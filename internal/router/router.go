// Package router maps requested model names to concrete upstream endpoints,
// credential headers, and wire dialects. The mapping is prefix-based and
// case-insensitive; unknown models fall through to the configured local
// OpenAI-compatible endpoint.
package router

import (
	"fmt"
	"strings"

	"aegis-gw/internal/config"
)

// Dialect identifies an upstream provider's native wire shape. The set is
// closed; adapters switch over it.
type Dialect string

const (
	DialectOpenAI    Dialect = "openai"
	DialectAnthropic Dialect = "anthropic"
	DialectGemini    Dialect = "gemini"
	DialectBedrock   Dialect = "bedrock"
)

// Target is the routed destination for one request. Immutable and
// request-scoped.
type Target struct {
	URL     string
	Headers map[string]string
	Dialect Dialect
}

// Router holds the credential set read once at startup. Immutable.
type Router struct {
	openaiKey    string
	anthropicKey string
	geminiKey    string
	xaiKey       string
	localURL     string
}

func New(cfg *config.Config) *Router {
	return &Router{
		openaiKey:    cfg.OpenAIKey,
		anthropicKey: cfg.AnthropicKey,
		geminiKey:    cfg.GeminiKey,
		xaiKey:       cfg.XAIKey,
		localURL:     cfg.TargetLLMURL,
	}
}

// Route determines the destination endpoint from the model name.
func (r *Router) Route(model string) Target {
	m := strings.ToLower(model)

	switch {
	case strings.HasPrefix(m, "gpt-") || strings.HasPrefix(m, "o1-"):
		return Target{
			URL: "https://api.openai.com/v1/chat/completions",
			Headers: map[string]string{
				"Authorization": "Bearer " + r.openaiKey,
				"Content-Type":  "application/json",
			},
			Dialect: DialectOpenAI,
		}

	case strings.HasPrefix(m, "claude-"):
		return Target{
			URL: "https://api.anthropic.com/v1/messages",
			Headers: map[string]string{
				"x-api-key":         r.anthropicKey,
				"anthropic-version": "2023-06-01",
				"Content-Type":      "application/json",
			},
			Dialect: DialectAnthropic,
		}

	case strings.HasPrefix(m, "gemini-"):
		// Gemini carries the key in the query string, not a header. The
		// lowercased name goes into the URL on purpose: published Gemini
		// model IDs are lowercase, so routing and dispatch stay consistent.
		return Target{
			URL: fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent?key=%s", m, r.geminiKey),
			Headers: map[string]string{
				"Content-Type": "application/json",
			},
			Dialect: DialectGemini,
		}

	case strings.HasPrefix(m, "grok-"):
		// Grok is OpenAI compatible.
		return Target{
			URL: "https://api.x.ai/v1/chat/completions",
			Headers: map[string]string{
				"Authorization": "Bearer " + r.xaiKey,
				"Content-Type":  "application/json",
			},
			Dialect: DialectOpenAI,
		}

	case strings.HasPrefix(m, "bedrock/"):
		// Dispatched through the AWS SDK, not plain HTTP.
		return Target{Dialect: DialectBedrock}

	default:
		// Local fallback (Ollama, LocalAI, vLLM), usually unauthenticated.
		return Target{
			URL: r.localURL,
			Headers: map[string]string{
				"Content-Type": "application/json",
			},
			Dialect: DialectOpenAI,
		}
	}
}
