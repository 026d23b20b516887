package twitchapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/onnwee/twitch-chatbot/backend/telemetry"
)

// ExecuteOption adjusts a single call.
type ExecuteOption func(*execOptions)

type execOptions struct {
	noRefresh bool
	header    http.Header
}

// WithoutRefresh returns a 401 to the caller instead of refreshing the token.
func WithoutRefresh() ExecuteOption {
	return func(o *execOptions) { o.noRefresh = true }
}

// WithHeader adds a request header. Client-Id and Authorization are always set by
// the client and cannot be overridden.
func WithHeader(key, value string) ExecuteOption {
	return func(o *execOptions) {
		if o.header == nil {
			o.header = http.Header{}
		}
		o.header.Add(key, value)
	}
}

// Execute runs one logical Helix call as session s.
//
// The call takes one token from the session bucket, sends the request and, on a 401
// while the session holds a refresh token, refreshes the token (once across all
// concurrent callers) and replays the request a single time without taking a second
// bucket token. Transport failures come back as a Response with StatusTransportError;
// the error return is reserved for configuration problems and local give-ups
// (ErrRateLimitWait, ErrRefreshLockWait, or the caller's context ending).
func (c *Client) Execute(ctx context.Context, method, uri string, s *Session, body []byte, opts ...ExecuteOption) (*Response, error) {
	if !c.configured() {
		return nil, ErrNotConfigured
	}
	if s == nil {
		return nil, fmt.Errorf("%w: nil session", ErrMissingToken)
	}
	if !s.Anonymous() {
		if tok := s.Token(); tok == nil || tok.AccessToken == "" {
			return nil, fmt.Errorf("%w: session %q", ErrMissingToken, s.Name())
		}
	}
	target, err := c.resolve(uri)
	if err != nil {
		return nil, err
	}
	var o execOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := telemetry.StartSpan(ctx, "twitchapi", "helix.execute",
		telemetry.HTTPMethodAttr(method),
		telemetry.HTTPURLAttr(target.Path),
		telemetry.SessionAttr(s.Name()),
	)
	defer span.End()

	if err := c.acquire(ctx, s); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	var resp *Response
	for attempt := 0; attempt < 2; attempt++ {
		tok := s.Token()
		resp = c.send(ctx, method, target, s, tok, body, o.header)
		resp.Retried = attempt > 0
		if resp.Err == nil {
			s.RateLimiter().ParseHeaders(resp.Header, c.cfg.RateLimitHeaders)
		}
		if resp.StatusCode != http.StatusUnauthorized || attempt > 0 || o.noRefresh || tok == nil || tok.RefreshToken == "" {
			break
		}
		retry, err := c.refreshFrom(ctx, s, tok)
		if errors.Is(err, ErrRefreshFailed) {
			telemetry.LoggerWithCorr(ctx).Warn("token refresh failed, returning 401",
				slog.String("component", "helix"), slog.String("session", s.Name()), slog.Any("err", err))
			break
		}
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		if !retry {
			break
		}
	}

	telemetry.SetRateLimitRemaining(s.Name(), s.RateLimiter().Snapshot().Remaining)
	telemetry.SetSpanHTTPStatus(span, resp.StatusCode)
	if resp.OK() {
		telemetry.SetSpanSuccess(span)
	}
	return resp, nil
}

// RefreshSession refreshes s through the same single-flight path used for
// in-band 401s. It returns nil when the session ends up with a token newer than
// the one it held when the call started.
func (c *Client) RefreshSession(ctx context.Context, s *Session) error {
	if !c.configured() {
		return ErrNotConfigured
	}
	tok := s.Token()
	if tok == nil || tok.RefreshToken == "" {
		return fmt.Errorf("%w: session %q has no refresh token", ErrMissingToken, s.Name())
	}
	_, err := c.refreshFrom(ctx, s, tok)
	return err
}

func (c *Client) acquire(ctx context.Context, s *Session) error {
	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, c.cfg.AcquireTimeout)
	defer cancel()
	err := s.RateLimiter().Acquire(actx)
	telemetry.ObserveRateLimitWait(time.Since(start))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	telemetry.CountAdmissionTimeout("rate_limit")
	return fmt.Errorf("%w: session %q after %s", ErrRateLimitWait, s.Name(), c.cfg.AcquireTimeout)
}

// refreshFrom makes sure s holds a token newer than sent, the snapshot the caller
// used. Only the first caller to take the session lock while the session still
// holds sent talks to the refresher; later callers see the swapped snapshot and
// return true without network I/O. A refresher error is wrapped in ErrRefreshFailed.
func (c *Client) refreshFrom(ctx context.Context, s *Session, sent *AccessToken) (bool, error) {
	lctx, cancel := context.WithTimeout(ctx, c.cfg.RefreshLockTimeout)
	defer cancel()
	if err := s.refreshLock.Acquire(lctx, 1); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		telemetry.CountAdmissionTimeout("refresh_lock")
		return false, fmt.Errorf("%w: session %q after %s", ErrRefreshLockWait, s.Name(), c.cfg.RefreshLockTimeout)
	}

	next, retry, err := c.refreshLocked(ctx, s, sent)
	s.refreshLock.Release(1)

	if next != nil {
		c.log.Info("token refreshed", slog.String("session", s.Name()), slog.String("tail", next.Masked()))
		c.publish(TokenRefreshed{Session: s, Token: next})
	}
	return retry, err
}

// refreshLocked must be called with the session refresh lock held.
// Snapshots are immutable, so pointer identity tells whether another caller (or
// ReplaceToken) already swapped the token.
func (c *Client) refreshLocked(ctx context.Context, s *Session, sent *AccessToken) (*AccessToken, bool, error) {
	cur := s.Token()
	if cur == nil {
		return nil, false, nil
	}
	if cur != sent {
		telemetry.CountTokenRefresh("shared")
		return nil, true, nil
	}
	if c.cfg.Refresher == nil {
		telemetry.CountTokenRefresh("failed")
		return nil, false, fmt.Errorf("%w: no refresher configured", ErrRefreshFailed)
	}
	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	res, err := c.cfg.Refresher.Refresh(rctx, sent.RefreshToken)
	if err == nil && (res == nil || res.AccessToken == "") {
		err = errors.New("empty access_token in refresh response")
	}
	if err != nil {
		telemetry.CountTokenRefresh("failed")
		return nil, false, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	next := cur.withRefresh(res, time.Now())
	s.token.Store(next)
	telemetry.CountTokenRefresh("refreshed")
	return next, true, nil
}

func (c *Client) send(ctx context.Context, method string, target *url.URL, s *Session, tok *AccessToken, body []byte, extra http.Header) *Response {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var rdr io.Reader
	if len(body) > 0 {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), rdr)
	if err != nil {
		return transportFailure(err)
	}
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Client-Id", c.cfg.ClientID)
	if !s.Anonymous() && tok != nil {
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	}
	if len(body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	hr, err := c.http.Do(req)
	if err != nil {
		telemetry.CountTransportError()
		telemetry.LoggerWithCorr(ctx).Warn("helix request failed",
			slog.String("component", "helix"), slog.String("method", method), slog.String("path", target.Path), slog.Any("err", err))
		return transportFailure(err)
	}
	defer func() {
		if err := hr.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	data, err := io.ReadAll(hr.Body)
	if err != nil {
		telemetry.CountTransportError()
		return transportFailure(fmt.Errorf("read helix response: %w", err))
	}
	telemetry.ObserveHelixRequest(method, hr.StatusCode, time.Since(start))

	resp := &Response{StatusCode: hr.StatusCode, Header: hr.Header, Body: data}
	resp.normalize()
	return resp
}
