// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	HelixRequests     *prometheus.CounterVec // labels: method, status
	TokenRefreshes    *prometheus.CounterVec // labels: result
	AdmissionTimeouts *prometheus.CounterVec // labels: stage
	TransportErrors   prometheus.Counter

	// Histograms (seconds)
	HelixRequestDuration prometheus.Observer
	RateLimitWait        prometheus.Observer

	// Gauges
	RateLimitRemaining *prometheus.GaugeVec // labels: session
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		HelixRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "helix_requests_total", Help: "Helix responses received, by method and status"}, []string{"method", "status"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "helix_token_refresh_total", Help: "Token refresh outcomes (refreshed, shared, failed)"}, []string{"result"})
		AdmissionTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "helix_admission_timeouts_total", Help: "Calls abandoned while waiting locally, by stage"}, []string{"stage"})
		TransportErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "helix_transport_errors_total", Help: "Requests that failed before a response was received"})
		HelixRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "helix_request_duration_seconds", Help: "Helix round trip duration seconds", Buckets: prometheus.DefBuckets})
		RateLimitWait = promauto.NewHistogram(prometheus.HistogramOpts{Name: "helix_ratelimit_wait_seconds", Help: "Time spent waiting for a rate limit token", Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60}})
		RateLimitRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "helix_ratelimit_remaining", Help: "Tokens left in the session bucket after the last response"}, []string{"session"})
	})
}

// ObserveHelixRequest records one completed round trip.
func ObserveHelixRequest(method string, status int, d time.Duration) {
	if HelixRequests != nil {
		HelixRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	}
	if HelixRequestDuration != nil {
		HelixRequestDuration.Observe(d.Seconds())
	}
}

// ObserveRateLimitWait records how long a call waited for admission.
func ObserveRateLimitWait(d time.Duration) {
	if RateLimitWait != nil {
		RateLimitWait.Observe(d.Seconds())
	}
}

// SetRateLimitRemaining publishes the bucket level of a session.
func SetRateLimitRemaining(session string, n int) {
	if RateLimitRemaining != nil {
		RateLimitRemaining.WithLabelValues(session).Set(float64(n))
	}
}

// CountTokenRefresh increments the refresh outcome counter.
func CountTokenRefresh(result string) {
	if TokenRefreshes != nil {
		TokenRefreshes.WithLabelValues(result).Inc()
	}
}

// CountAdmissionTimeout increments the local give-up counter for stage.
func CountAdmissionTimeout(stage string) {
	if AdmissionTimeouts != nil {
		AdmissionTimeouts.WithLabelValues(stage).Inc()
	}
}

// CountTransportError increments the transport failure counter.
func CountTransportError() {
	if TransportErrors != nil {
		TransportErrors.Inc()
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
