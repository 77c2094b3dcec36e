// Package ai holds clients for the ML capabilities the guardrails consume.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EmbeddingsConfig points at an OpenAI-compatible /embeddings endpoint
// (OpenAI, Ollama, LocalAI, TEI behind a shim).
type EmbeddingsConfig struct {
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// EmbeddingsClient implements guardrails.Embedder over HTTP.
type EmbeddingsClient struct {
	config EmbeddingsConfig
	client *http.Client
}

func NewEmbeddingsClient(cfg EmbeddingsConfig) *EmbeddingsClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &EmbeddingsClient{
		config: cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Embed returns the dense vector for text.
func (c *EmbeddingsClient) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model": c.config.Model,
		"input": text,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embeddings endpoint returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embeddings response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embeddings response contained no data")
	}
	return parsed.Data[0].Embedding, nil
}
