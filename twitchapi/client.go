// Package twitchapi is the shared request-execution core for Helix calls: each call
// passes a session's rate limit bucket, carries the session's bearer token, refreshes
// that token at most once per expiry across concurrent callers, and comes back as a
// normalized Response. Thin endpoint bindings live beside it.
package twitchapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/twitch-chatbot/backend/ratelimit"
)

const (
	// DefaultBaseURL is the Helix API root.
	DefaultBaseURL = "https://api.twitch.tv/helix/"

	// DefaultBucketCapacity and DefaultBucketPeriod match the Helix per-token quota
	// until the first response headers say otherwise.
	DefaultBucketCapacity = 800
	DefaultBucketPeriod   = time.Minute

	defaultWait = 30 * time.Second
)

var (
	// ErrNotConfigured is returned when a call is made without a constructed client.
	ErrNotConfigured = errors.New("twitchapi: client not configured")
	// ErrMissingToken is returned when an authenticated session has no token.
	ErrMissingToken = errors.New("twitchapi: session has no access token")
	// ErrAdmissionTimeout marks calls abandoned locally, before the server answered.
	ErrAdmissionTimeout = errors.New("twitchapi: gave up waiting")
	// ErrRateLimitWait is returned when no rate limit token arrived in time.
	ErrRateLimitWait = fmt.Errorf("rate limit token wait exceeded: %w", ErrAdmissionTimeout)
	// ErrRefreshLockWait is returned when another refresh held the session lock too long.
	ErrRefreshLockWait = fmt.Errorf("token refresh lock wait exceeded: %w", ErrAdmissionTimeout)
	// ErrRefreshFailed wraps a refresher failure.
	ErrRefreshFailed = errors.New("twitchapi: token refresh failed")
)

// ClientConfig is the process-wide Helix configuration. ClientID and BaseURL are required.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	HTTPClient   *http.Client
	Refresher    Refresher

	AcquireTimeout     time.Duration
	RefreshLockTimeout time.Duration
	RequestTimeout     time.Duration
	RateLimitHeaders   ratelimit.HeaderNames

	Logger *slog.Logger
}

// Client executes Helix calls. Build it with NewClient; the zero value fails every
// call with ErrNotConfigured.
type Client struct {
	cfg  *ClientConfig
	base *url.URL
	http *http.Client
	log  *slog.Logger

	mu     sync.Mutex
	subs   []subscriber
	nextID int
}

// NewClient validates cfg, fills defaults and returns a ready client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, fmt.Errorf("%w: missing client id", ErrNotConfigured)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrNotConfigured)
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base url %q: %w", ErrNotConfigured, cfg.BaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: base url %q is not absolute", ErrNotConfigured, cfg.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultWait
	}
	if cfg.RefreshLockTimeout <= 0 {
		cfg.RefreshLockTimeout = defaultWait
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultWait
	}
	if cfg.RateLimitHeaders == (ratelimit.HeaderNames{}) {
		cfg.RateLimitHeaders = ratelimit.DefaultHeaderNames
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:  &cfg,
		base: base,
		http: hc,
		log:  log.With(slog.String("component", "helix")),
	}, nil
}

// ClientID returns the configured Client-Id.
func (c *Client) ClientID() string {
	if c == nil || c.cfg == nil {
		return ""
	}
	return c.cfg.ClientID
}

func (c *Client) configured() bool { return c != nil && c.cfg != nil && c.base != nil }

// resolve turns uri into an absolute URL. Relative paths are taken relative to the
// base URL even when they start with a slash.
func (c *Client) resolve(uri string) (*url.URL, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid request uri %q: %w", uri, err)
	}
	if u.IsAbs() {
		return u, nil
	}
	rel, err := url.Parse(strings.TrimLeft(uri, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid request uri %q: %w", uri, err)
	}
	return c.base.ResolveReference(rel), nil
}
