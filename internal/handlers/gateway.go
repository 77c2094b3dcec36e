// Package handlers wires the HTTP surface: the chat completion gateway and
// the admin/introspection endpoints.
package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aegis-gw/internal/adapters"
	"aegis-gw/internal/audit"
	"aegis-gw/internal/config"
	"aegis-gw/internal/guardrails"
	"aegis-gw/internal/metrics"
	"aegis-gw/internal/models"
	"aegis-gw/internal/ratelimit"
	"aegis-gw/internal/router"
	"aegis-gw/internal/upstream"
)

// Gateway is the request orchestrator: rate limit, input guardrails, route,
// dispatch, output guardrails. The engine pointer is swapped atomically by
// /admin/reload; every request reads it once and uses that engine throughout.
type Gateway struct {
	cfg     *config.Config
	engine  *atomic.Pointer[guardrails.Engine]
	router  *router.Router
	client  *upstream.Client
	bedrock *upstream.BedrockClient
	limiter *ratelimit.Limiter
	sink    audit.Sink
	logger  *zap.Logger
}

func NewGateway(cfg *config.Config, engine *atomic.Pointer[guardrails.Engine], rt *router.Router, client *upstream.Client, bedrock *upstream.BedrockClient, limiter *ratelimit.Limiter, sink audit.Sink, logger *zap.Logger) *Gateway {
	if sink == nil {
		sink = audit.NullSink{}
	}
	return &Gateway{
		cfg:     cfg,
		engine:  engine,
		router:  rt,
		client:  client,
		bedrock: bedrock,
		limiter: limiter,
		sink:    sink,
		logger:  logger,
	}
}

// ChatCompletions handles POST /v1/chat/completions.
func (g *Gateway) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "method_not_allowed")
		return
	}

	if !g.limiter.Allow(r.Context(), clientKey(r)) {
		metrics.RateLimited.Inc()
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Please slow down.", "rate_limit_exceeded")
		metrics.RequestsTotal.WithLabelValues("429").Inc()
		return
	}

	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body: "+err.Error(), "invalid_request_error")
		metrics.RequestsTotal.WithLabelValues("400").Inc()
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "'messages' array is required", "invalid_request_error")
		metrics.RequestsTotal.WithLabelValues("400").Inc()
		return
	}

	engine := g.engine.Load()

	// Input guardrails run over the newest user turn; earlier turns were
	// already validated when they first passed through the gateway.
	idx := lastUserMessage(req.Messages)
	verdict := engine.Validate(r.Context(), req.Messages[idx].Content, guardrails.SourceInput)
	if !verdict.Valid {
		g.logger.Info("request blocked",
			zap.String("model", req.Model),
			zap.String("reason", verdict.Reason),
		)
		writeError(w, http.StatusBadRequest,
			"Request blocked by security guardrails: "+verdict.Reason,
			"security_policy_violation")
		metrics.RequestsTotal.WithLabelValues("400").Inc()
		return
	}
	req.Messages[idx].Content = verdict.SanitizedText

	if g.cfg.UseMockLLM {
		g.serveMock(w, r, engine, &req)
		return
	}

	target := g.router.Route(req.Model)

	if req.Stream && target.Dialect != router.DialectOpenAI {
		writeError(w, http.StatusBadRequest,
			"Streaming is not supported for this provider.", "streaming_not_supported")
		metrics.RequestsTotal.WithLabelValues("400").Inc()
		return
	}

	if target.Dialect == router.DialectBedrock {
		g.serveBedrock(w, r, engine, &req)
		return
	}

	if req.Stream {
		g.serveStream(w, r, engine, &req, target)
		return
	}

	g.serveNonStream(w, r, engine, &req, target)
}

// serveNonStream dispatches one request/response exchange and applies output
// guardrails on every returned choice.
func (g *Gateway) serveNonStream(w http.ResponseWriter, r *http.Request, engine *guardrails.Engine, req *models.ChatRequest, target router.Target) {
	payload, err := adapters.AdaptRequest(target.Dialect, req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "internal_error")
		metrics.RequestsTotal.WithLabelValues("500").Inc()
		return
	}

	resp, err := g.client.Do(r.Context(), target, payload)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Gateway Connection Failed: "+err.Error(), "upstream_unreachable")
		metrics.RequestsTotal.WithLabelValues("502").Inc()
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		g.relayUpstreamError(w, engine, resp)
		return
	}

	canonical, err := adapters.AdaptResponse(target.Dialect, resp.Body, req.Model)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Failed to parse upstream response: "+err.Error(), "upstream_read_error")
		metrics.RequestsTotal.WithLabelValues("502").Inc()
		return
	}

	g.applyOutputGuardrails(r, engine, canonical)
	writeJSON(w, http.StatusOK, canonical)
	metrics.RequestsTotal.WithLabelValues("200").Inc()
}

// relayUpstreamError passes a non-2xx upstream status through in the OpenAI
// error envelope and records the failure in the audit trail.
func (g *Gateway) relayUpstreamError(w http.ResponseWriter, engine *guardrails.Engine, resp *upstream.Response) {
	g.sink.Log(audit.Event{
		Timestamp: time.Now().UTC(),
		ID:        uuid.NewString(),
		Profile:   engine.ProfileName(),
		Source:    "gateway",
		Valid:     false,
		Action:    "upstream_error",
		Reason:    fmt.Sprintf("FAILED_UPSTREAM_%d", resp.StatusCode),
	})
	writeJSON(w, resp.StatusCode, adapters.AdaptErrorBody(resp.StatusCode, resp.Body))
	metrics.RequestsTotal.WithLabelValues(fmt.Sprintf("%d", resp.StatusCode)).Inc()
}

// serveBedrock dispatches through the AWS SDK instead of plain HTTP.
func (g *Gateway) serveBedrock(w http.ResponseWriter, r *http.Request, engine *guardrails.Engine, req *models.ChatRequest) {
	if g.bedrock == nil {
		writeError(w, http.StatusBadRequest,
			"Bedrock models require AWS_BEDROCK_REGION to be configured.", "bedrock_not_configured")
		metrics.RequestsTotal.WithLabelValues("400").Inc()
		return
	}

	resp, err := g.bedrock.Chat(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Gateway Connection Failed: "+err.Error(), "upstream_unreachable")
		metrics.RequestsTotal.WithLabelValues("502").Inc()
		return
	}

	g.applyOutputGuardrails(r, engine, resp)
	writeJSON(w, http.StatusOK, resp)
	metrics.RequestsTotal.WithLabelValues("200").Inc()
}

// applyOutputGuardrails validates every assistant choice of a canonical
// response in place.
func (g *Gateway) applyOutputGuardrails(r *http.Request, engine *guardrails.Engine, resp *models.ChatResponse) {
	for i := range resp.Choices {
		content := resp.Choices[i].Message.Content
		if content == "" {
			continue
		}
		v := engine.Validate(r.Context(), content, guardrails.SourceOutput)
		if !v.Valid {
			resp.Choices[i].Message.Content = "[BLOCKED: " + v.Reason + "]"
			continue
		}
		resp.Choices[i].Message.Content = v.SanitizedText
	}
}

// serveMock synthesizes a completion without any upstream call. Useful for
// demos and for exercising the full guardrails path in integration tests.
func (g *Gateway) serveMock(w http.ResponseWriter, r *http.Request, engine *guardrails.Engine, req *models.ChatRequest) {
	resp := &models.ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []models.ChatChoice{{
			Index: 0,
			Message: models.ChatMessage{
				Role:    "assistant",
				Content: "This is a mock response from the gateway. No upstream model was called.",
			},
			FinishReason: "stop",
		}},
		Usage: models.ChatUsage{PromptTokens: 9, CompletionTokens: 14, TotalTokens: 23},
	}
	g.applyOutputGuardrails(r, engine, resp)
	writeJSON(w, http.StatusOK, resp)
	metrics.RequestsTotal.WithLabelValues("200").Inc()
}

// serveStream proxies an SSE stream, re-chunking the upstream deltas through
// the sentence-level sanitizer so only validated text reaches the client.
func (g *Gateway) serveStream(w http.ResponseWriter, r *http.Request, engine *guardrails.Engine, req *models.ChatRequest, target router.Target) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported by server", "internal_error")
		metrics.RequestsTotal.WithLabelValues("500").Inc()
		return
	}

	resp, err := g.client.DoStream(r.Context(), target, req)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Gateway Connection Failed: "+err.Error(), "upstream_unreachable")
		metrics.RequestsTotal.WithLabelValues("502").Inc()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		g.relayUpstreamError(w, engine, &upstream.Response{StatusCode: resp.StatusCode, Body: body})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	streamID := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	sanitizer := guardrails.NewStreamSanitizer(engine)

	emit := func(content string, finish *string) {
		chunk := models.StreamEvent{
			ID:      streamID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []models.StreamChoice{{
				Index:        0,
				Delta:        models.StreamDelta{Content: content},
				FinishReason: finish,
			}},
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var event models.StreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			g.logger.Warn("failed to parse upstream stream event", zap.Error(err))
			continue
		}
		if len(event.Choices) == 0 {
			continue
		}

		for _, piece := range sanitizer.Process(r.Context(), event.Choices[0].Delta.Content) {
			emit(piece, nil)
		}
	}
	if err := scanner.Err(); err != nil {
		g.logger.Warn("upstream stream read error", zap.Error(err))
	}

	if tail, ok := sanitizer.Flush(r.Context()); ok {
		emit(tail, nil)
	}

	finish := "stop"
	emit("", &finish)
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
	metrics.RequestsTotal.WithLabelValues("200").Inc()
}

// lastUserMessage returns the index of the newest user message, falling back
// to the last message of any role.
func lastUserMessage(messages []models.ChatMessage) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return i
		}
	}
	return len(messages) - 1
}

// clientKey identifies the caller for rate limiting: API key when present,
// remote address otherwise.
func clientKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return auth
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// errorType maps a response status to the OpenAI error taxonomy: client
// faults are invalid requests, throttling is its own class, and anything
// 5xx (including upstream transport failures) is an api_error.
func errorType(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

// writeError writes an OpenAI-compatible error envelope.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, models.ErrorResponse{Error: models.ErrorDetail{
		Message: message,
		Type:    errorType(status),
		Code:    code,
	}})
}
