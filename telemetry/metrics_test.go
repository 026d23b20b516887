package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsInitialized(t *testing.T) {
	Init()
	Init() // second call must not re-register

	if HelixRequests == nil || TokenRefreshes == nil || AdmissionTimeouts == nil {
		t.Fatal("counter vectors not initialized")
	}
	if HelixRequestDuration == nil || RateLimitWait == nil {
		t.Fatal("histograms not initialized")
	}
	if RateLimitRemaining == nil || TransportErrors == nil {
		t.Fatal("gauge/counter not initialized")
	}
}

func TestObserveHelixRequestCountsByStatus(t *testing.T) {
	Init()
	before := testutil.ToFloat64(HelixRequests.WithLabelValues("GET", "429"))
	ObserveHelixRequest("GET", 429, 20*time.Millisecond)
	ObserveHelixRequest("GET", 429, 20*time.Millisecond)
	if got := testutil.ToFloat64(HelixRequests.WithLabelValues("GET", "429")) - before; got != 2 {
		t.Errorf("helix_requests_total{GET,429} delta = %v, want 2", got)
	}
}

func TestCountersIncrement(t *testing.T) {
	Init()
	tests := []struct {
		name string
		inc  func()
		read func() float64
	}{
		{"refresh", func() { CountTokenRefresh("refreshed") }, func() float64 { return testutil.ToFloat64(TokenRefreshes.WithLabelValues("refreshed")) }},
		{"admission", func() { CountAdmissionTimeout("rate_limit") }, func() float64 { return testutil.ToFloat64(AdmissionTimeouts.WithLabelValues("rate_limit")) }},
		{"transport", CountTransportError, func() float64 { return testutil.ToFloat64(TransportErrors) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.read()
			tt.inc()
			if got := tt.read() - before; got != 1 {
				t.Errorf("delta = %v, want 1", got)
			}
		})
	}
}

func TestSetRateLimitRemaining(t *testing.T) {
	Init()
	SetRateLimitRemaining("bot", 42)
	if got := testutil.ToFloat64(RateLimitRemaining.WithLabelValues("bot")); got != 42 {
		t.Errorf("helix_ratelimit_remaining{bot} = %v, want 42", got)
	}
}

func TestObserveRateLimitWaitRecordsObservation(t *testing.T) {
	Init()
	hist, ok := RateLimitWait.(prometheus.Histogram)
	if !ok {
		t.Fatalf("RateLimitWait is %T, want prometheus.Histogram", RateLimitWait)
	}
	count := func() uint64 {
		m := &dto.Metric{}
		if err := hist.Write(m); err != nil {
			t.Fatalf("write metric: %v", err)
		}
		return m.GetHistogram().GetSampleCount()
	}

	before := count()
	ObserveRateLimitWait(250 * time.Millisecond)
	if got := count(); got != before+1 {
		t.Errorf("sample count = %d, want %d", got, before+1)
	}
}

func TestInitTracingDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := InitTracing("test", "0.0.0")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	shutdown()

	// Span helpers work on the no-op provider.
	ctx, span := StartSpan(WithCorrelation(context.Background(), "c1"), "test", "op", SessionAttr("bot"))
	SetSpanHTTPStatus(span, 503)
	SetSpanSuccess(span)
	RecordError(span, nil)
	span.End()
	if GetCorrelation(ctx) != "c1" {
		t.Errorf("correlation lost across StartSpan")
	}
}

func TestSamplingRatio(t *testing.T) {
	tests := []struct {
		env  string
		want float64
	}{
		{"", 1},
		{"0.25", 0.25},
		{"abc", 1},
		{"2", 1},
		{"-1", 1},
	}
	for _, tt := range tests {
		t.Setenv("OTEL_TRACES_SAMPLER_ARG", tt.env)
		if got := samplingRatio(); got != tt.want {
			t.Errorf("samplingRatio(%q) = %v, want %v", tt.env, got, tt.want)
		}
	}
}

func TestCorrelationRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("GetCorrelation(empty) = %q", got)
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("GetCorrelation() = %q, want abc-123", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
