// Package metrics exposes Prometheus instruments for outbound calls and
// ticket outcomes.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OutboundRequests counts HTTP calls by API and status code.
	// status is "0" when no response was received.
	OutboundRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servicecert",
			Subsystem: "outbound",
			Name:      "requests_total",
			Help:      "Outbound HTTP requests by API and status code",
		},
		[]string{"api", "status"},
	)

	// Retries counts backoff retries by API.
	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servicecert",
			Subsystem: "outbound",
			Name:      "retries_total",
			Help:      "Retries performed by the resilience stack",
		},
		[]string{"api"},
	)

	// TokenRefreshes counts OAuth token fetches.
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servicecert",
			Subsystem: "auth",
			Name:      "token_refreshes_total",
			Help:      "OAuth client-credentials token fetches by result",
		},
		[]string{"result"},
	)

	// Extractions counts extraction results by method (no_data, regex, llm).
	Extractions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servicecert",
			Subsystem: "extraction",
			Name:      "results_total",
			Help:      "Extraction results by method",
		},
		[]string{"method"},
	)

	// Outcomes counts terminal ticket outcomes.
	Outcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servicecert",
			Subsystem: "processing",
			Name:      "outcomes_total",
			Help:      "Ticket processing outcomes (skipped, success, needs_review, failed, error)",
		},
		[]string{"outcome"},
	)

	// ProcessingDuration tracks per-ticket processing time.
	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "servicecert",
			Subsystem: "processing",
			Name:      "duration_seconds",
			Help:      "Duration of ticket processing in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
)

// ObserveRequest records one outbound call.
func ObserveRequest(api string, status int) {
	OutboundRequests.WithLabelValues(api, strconv.Itoa(status)).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
