// Package server exposes the operational HTTP surface of the bot: liveness,
// readiness, a session status snapshot and Prometheus metrics. Every request gets
// a correlation ID in its context for consistent logging.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/twitch-chatbot/backend/ratelimit"
	"github.com/onnwee/twitch-chatbot/backend/twitchapi"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the handler dependencies. DB may be nil when persistence is disabled.
type Deps struct {
	DB       Pinger
	Sessions func() []*twitchapi.Session
	Auth     AuthConfig
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewMux returns the HTTP handler with all routes.
func NewMux(deps Deps) http.Handler {
	if deps.Sessions == nil {
		deps.Sessions = func() []*twitchapi.Session { return nil }
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	h := &handlers{deps: deps}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.healthz)
	mux.HandleFunc("/readyz", h.readyz)
	mux.Handle("/status", adminAuth(http.HandlerFunc(h.status), deps.Auth))
	return withCorrelation(mux)
}

type handlers struct {
	deps Deps
}

// healthz answers liveness probes; the process being able to serve is enough.
func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readyz responds to readiness probe requests with database and credential checks.
func (h *handlers) readyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.deps.DB == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			return h.deps.DB.PingContext(ctx)
		}},
		{"credentials", func() error {
			var errs []error
			for _, s := range h.deps.Sessions() {
				if s.Anonymous() {
					continue
				}
				if tok := s.Token(); tok == nil || tok.AccessToken == "" {
					errs = append(errs, fmt.Errorf("session %q has no access token", s.Name()))
				}
			}
			return errors.Join(errs...)
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// sessionStatus never carries token material.
type sessionStatus struct {
	Name       string          `json:"name"`
	Anonymous  bool            `json:"anonymous"`
	RateLimit  ratelimit.State `json:"rate_limit"`
	Token      *tokenStatus    `json:"token,omitempty"`
	Configured bool            `json:"configured"`
}

type tokenStatus struct {
	Identity         string     `json:"identity,omitempty"`
	Scopes           []string   `json:"scopes"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	ExpiresInSeconds *int64     `json:"expires_in_seconds,omitempty"`
	Refreshable      bool       `json:"refreshable"`
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	now := h.deps.Now()
	sessions := h.deps.Sessions()
	out := make([]sessionStatus, 0, len(sessions))
	for _, s := range sessions {
		st := sessionStatus{
			Name:       s.Name(),
			Anonymous:  s.Anonymous(),
			RateLimit:  s.RateLimiter().Snapshot(),
			Configured: s.Anonymous(),
		}
		if tok := s.Token(); tok != nil {
			ts := &tokenStatus{
				Identity:    tok.Identity,
				Scopes:      tok.Scopes,
				Refreshable: tok.RefreshToken != "",
			}
			if ts.Scopes == nil {
				ts.Scopes = []string{}
			}
			if !tok.ExpiresAt.IsZero() {
				exp := tok.ExpiresAt.UTC()
				secs := int64(tok.ExpiresAt.Sub(now) / time.Second)
				ts.ExpiresAt, ts.ExpiresInSeconds = &exp, &secs
			}
			st.Token = ts
			st.Configured = tok.AccessToken != ""
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.String("component", "http"), slog.Any("err", err))
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, handler http.Handler, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Shutdown goroutine
	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("component", "http"), slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
