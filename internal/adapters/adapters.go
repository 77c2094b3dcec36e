// Package adapters translates between the canonical OpenAI-style chat shape
// and each upstream dialect's native request/response format.
package adapters

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"aegis-gw/internal/models"
	"aegis-gw/internal/router"
)

// anthropicDefaultMaxTokens is applied when the client leaves max_tokens
// unset; the Anthropic Messages API mandates the field.
const anthropicDefaultMaxTokens = 1024

// AdaptRequest converts a canonical request into the upstream dialect's
// request body. OpenAI-dialect targets get the canonical body unchanged.
func AdaptRequest(d router.Dialect, req *models.ChatRequest) (interface{}, error) {
	switch d {
	case router.DialectAnthropic:
		return toAnthropic(req), nil
	case router.DialectGemini:
		return toGemini(req), nil
	case router.DialectOpenAI:
		return req, nil
	default:
		return nil, fmt.Errorf("no request adapter for dialect %q", d)
	}
}

// AdaptResponse converts an upstream response body back into the canonical
// shape. The model argument is echoed into responses for dialects that do
// not repeat it.
func AdaptResponse(d router.Dialect, body []byte, model string) (*models.ChatResponse, error) {
	switch d {
	case router.DialectAnthropic:
		return fromAnthropic(body)
	case router.DialectGemini:
		return fromGemini(body, model), nil
	case router.DialectOpenAI:
		var resp models.ChatResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode upstream response: %w", err)
		}
		return &resp, nil
	default:
		return nil, fmt.Errorf("no response adapter for dialect %q", d)
	}
}

// --- Anthropic ---

type anthropicRequest struct {
	Model       string               `json:"model"`
	System      string               `json:"system,omitempty"`
	Messages    []models.ChatMessage `json:"messages"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature float64              `json:"temperature,omitempty"`
	TopP        float64              `json:"top_p,omitempty"`
	Stream      bool                 `json:"stream,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// toAnthropic extracts the first system message into the top-level system
// field and drops system messages from the message list.
func toAnthropic(req *models.ChatRequest) anthropicRequest {
	var system string
	filtered := make([]models.ChatMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if system == "" {
				system = msg.Content
			}
			continue
		}
		filtered = append(filtered, models.ChatMessage{Role: msg.Role, Content: msg.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	return anthropicRequest{
		Model:       req.Model,
		System:      system,
		Messages:    filtered,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
}

// fromAnthropic concatenates all text-typed content blocks into a single
// assistant message. Total token usage is unknown and reported as 0.
func fromAnthropic(body []byte) (*models.ChatResponse, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode anthropic response: %w", err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &models.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: 0,
		Model:   resp.Model,
		Choices: []models.ChatChoice{{
			Index:        0,
			Message:      models.ChatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: models.ChatUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      0,
		},
	}, nil
}

// --- Gemini ---

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  map[string]interface{} `json:"generationConfig,omitempty"`
}

// toGemini maps system messages into systemInstruction and remaps the
// assistant role to "model".
func toGemini(req *models.ChatRequest) geminiRequest {
	var system *geminiContent
	var contents []geminiContent

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if system == nil {
				system = &geminiContent{Parts: []geminiPart{{Text: msg.Content}}}
			}
			continue
		}
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiContent{Role: role, Parts: []geminiPart{{Text: msg.Content}}})
	}

	genCfg := map[string]interface{}{}
	if req.MaxTokens > 0 {
		genCfg["maxOutputTokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		genCfg["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		genCfg["topP"] = req.TopP
	}
	if len(genCfg) == 0 {
		genCfg = nil
	}

	return geminiRequest{SystemInstruction: system, Contents: contents, GenerationConfig: genCfg}
}

// fromGemini never fails: a malformed body yields the sentinel content
// string so the gateway can still return a well-formed response.
func fromGemini(body []byte, model string) *models.ChatResponse {
	content := "Error parsing Gemini response"

	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []geminiPart `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(body, &resp); err == nil {
		if len(resp.Candidates) > 0 && len(resp.Candidates[0].Content.Parts) > 0 {
			content = resp.Candidates[0].Content.Parts[0].Text
		}
	}

	return &models.ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: 0,
		Model:   model,
		Choices: []models.ChatChoice{{
			Index:        0,
			Message:      models.ChatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: models.ChatUsage{},
	}
}

// AdaptErrorBody shapes a non-2xx upstream body into the OpenAI error
// envelope, preserving the upstream message when one can be extracted.
func AdaptErrorBody(status int, body []byte) models.ErrorResponse {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err == nil {
		if errField, ok := raw["error"]; ok {
			if errMap, ok := errField.(map[string]interface{}); ok {
				if msg, ok := errMap["message"].(string); ok {
					return models.ErrorResponse{Error: models.ErrorDetail{
						Message: msg,
						Type:    "upstream_error",
					}}
				}
			}
			return models.ErrorResponse{Error: models.ErrorDetail{
				Message: fmt.Sprintf("Upstream Error: %v", errField),
				Type:    "upstream_error",
			}}
		}
	}
	return models.ErrorResponse{Error: models.ErrorDetail{
		Message: fmt.Sprintf("Upstream Error (%d): %s", status, string(body)),
		Type:    "upstream_error",
	}}
}
