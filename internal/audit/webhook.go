package audit

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookSink delivers events to a SIEM webhook endpoint. Delivery is
// fire-and-forget with a short timeout; failures are logged and dropped.
type WebhookSink struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

func NewWebhookSink(endpoint string, logger *zap.Logger) *WebhookSink {
	return &WebhookSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 2 * time.Second},
		logger:   logger,
	}
}

func (s *WebhookSink) Log(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("SIEM marshal error", zap.Error(err))
		return
	}

	req, err := http.NewRequest(http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		s.logger.Error("SIEM publish error", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("SIEM delivery failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
}
