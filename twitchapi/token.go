package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/twitch"

	"github.com/onnwee/twitch-chatbot/backend/ratelimit"
)

// AccessToken is an immutable credential snapshot. A refresh produces a new value;
// fields of a published token are never modified.
type AccessToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
	// Identity names whose token this is (bot login, user id or provider key).
	Identity string
}

// Expired reports whether the token is past its expiry. Unknown expiry never expires.
func (t *AccessToken) Expired(now time.Time) bool {
	return t.ExpiresWithin(now, 0)
}

// ExpiresWithin reports whether the token expires before now+d.
func (t *AccessToken) ExpiresWithin(now time.Time, d time.Duration) bool {
	if t == nil || t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(d).Before(t.ExpiresAt)
}

// HasScope reports whether scope was granted to the token.
func (t *AccessToken) HasScope(scope string) bool {
	return t != nil && slices.Contains(t.Scopes, scope)
}

// Masked returns the last characters of the access token for logs.
func (t *AccessToken) Masked() string {
	if t == nil || len(t.AccessToken) <= 6 {
		return "***"
	}
	return "***" + t.AccessToken[len(t.AccessToken)-6:]
}

// withRefresh builds the successor of t from a refresh result. Fields the
// refresh endpoint omitted carry over from t.
func (t *AccessToken) withRefresh(res *RefreshResult, now time.Time) *AccessToken {
	next := &AccessToken{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ExpiresAt:    computeExpiryAt(now, res.ExpiresIn),
		Scopes:       slices.Clone(res.Scopes),
		Identity:     t.Identity,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = t.RefreshToken
	}
	if len(next.Scopes) == 0 {
		next.Scopes = slices.Clone(t.Scopes)
	}
	return next
}

// AppTokenSource fetches and caches a Twitch app access (client credentials) token.
// NOTE: App tokens carry no refresh token; a 401 on an app session is returned to the
// caller and the next Get mints a fresh token once the cached one is dropped.
type AppTokenSource struct {
	ClientID     string
	ClientSecret string
	// TokenURL overrides the Twitch token endpoint (tests).
	TokenURL   string
	HTTPClient *http.Client

	mu    sync.RWMutex
	token *AccessToken
}

// Get returns a valid (fresh or cached) app access token.
func (ts *AppTokenSource) Get(ctx context.Context) (*AccessToken, error) {
	ts.mu.RLock()
	if tok := ts.token; tok != nil && !tok.ExpiresWithin(time.Now(), 60*time.Second) { // 1 min buffer
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()
	return ts.fetch(ctx)
}

// Invalidate drops the cached token so the next Get mints a new one.
func (ts *AppTokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token = nil
	ts.mu.Unlock()
}

// Session mints (or reuses) an app token and wraps it in a Session named name.
func (ts *AppTokenSource) Session(ctx context.Context, name string, bucket *ratelimit.Bucket) (*Session, error) {
	tok, err := ts.Get(ctx)
	if err != nil {
		return nil, err
	}
	return NewSession(name, tok, bucket), nil
}

func (ts *AppTokenSource) fetch(ctx context.Context) (*AccessToken, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if tok := ts.token; tok != nil && !tok.ExpiresWithin(time.Now(), 60*time.Second) {
		return tok, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return nil, errors.New("missing client id/secret for twitch app token")
	}
	tokenURL := ts.TokenURL
	if tokenURL == "" {
		tokenURL = twitch.Endpoint.TokenURL
	}
	cc := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("twitch app token request failed: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("empty access_token in twitch response")
	}
	ts.token = &AccessToken{
		AccessToken: tok.AccessToken,
		ExpiresAt:   tok.Expiry,
		Scopes:      scopesFromExtra(tok.Extra("scope")),
		Identity:    "app:" + ts.ClientID,
	}
	return ts.token, nil
}
