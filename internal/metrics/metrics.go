// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts gateway requests by response status class.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Chat completion requests handled, by status class.",
	}, []string{"status"})

	// VerdictsTotal counts engine verdicts by source and action.
	VerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardrails_verdicts_total",
		Help: "Engine verdicts, by source (input/output) and action.",
	}, []string{"source", "action"})

	// ValidateDuration observes full pipeline latency per source.
	ValidateDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guardrails_validate_seconds",
		Help:    "Wall-clock latency of a full engine validation pass.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"source"})

	// AuditDropped counts audit events discarded under queue overload.
	AuditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_events_dropped_total",
		Help: "Audit events dropped by the async sink's bounded queue.",
	})

	// RateLimited counts requests rejected by the rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_rate_limited_total",
		Help: "Requests rejected with 429 by the rate limiter.",
	})
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
