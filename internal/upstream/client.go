// Package upstream dispatches sanitized requests to provider endpoints. The
// HTTP path shares one pooled client; Bedrock goes through the AWS SDK.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"aegis-gw/internal/router"
)

// Response is the provider-agnostic result of one upstream call.
type Response struct {
	StatusCode int
	Body       []byte
}

// Client sends JSON payloads to routed HTTP targets. The underlying
// transport is pooled and shared; Client is safe for concurrent use.
type Client struct {
	http    *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

func NewClient(timeout time.Duration, logger *zap.Logger) *Client {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		http:    &http.Client{Transport: transport},
		timeout: timeout,
		logger:  logger,
	}
}

// Do marshals payload and posts it to the target. A transport-level failure
// returns an error; a non-2xx upstream status does not, the caller decides
// how to relay it.
func (c *Client) Do(ctx context.Context, target router.Target, payload interface{}) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upstream payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("upstream request failed",
			zap.String("url", target.URL),
			zap.Error(err),
		)
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// DoStream posts the payload and hands the open response body back to the
// caller. The caller owns resp.Body and must close it. Non-2xx statuses are
// returned with the body fully read so error relaying matches Do.
func (c *Client) DoStream(ctx context.Context, target router.Target, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upstream payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("upstream stream request failed",
			zap.String("url", target.URL),
			zap.Error(err),
		)
		return nil, err
	}
	return resp, nil
}
