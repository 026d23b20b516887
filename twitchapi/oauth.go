package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, refreshToken string) (*RefreshResult, error)

func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	return f(ctx, refreshToken)
}

// RefreshResult represents the response from a refresh_token grant.
type RefreshResult struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	Scopes       []string `json:"scope"`
	ExpiresIn    int      `json:"expires_in"`
}

// OAuthRefresher runs the refresh_token grant against the Twitch token endpoint.
type OAuthRefresher struct {
	ClientID     string
	ClientSecret string
	// TokenURL overrides the Twitch token endpoint (tests).
	TokenURL   string
	HTTPClient *http.Client
}

// Refresh exchanges refreshToken for a new token pair.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	if r.ClientID == "" || r.ClientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	endpoint := twitch.Endpoint
	if r.TokenURL != "" {
		endpoint.TokenURL = r.TokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	oc := &oauth2.Config{ClientID: r.ClientID, ClientSecret: r.ClientSecret, Endpoint: endpoint}
	if r.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTPClient)
	}
	tok, err := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("twitch refresh failed: %w", err)
	}
	res := &RefreshResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scopes:       scopesFromExtra(tok.Extra("scope")),
	}
	if !tok.Expiry.IsZero() {
		res.ExpiresIn = int(time.Until(tok.Expiry).Round(time.Second).Seconds())
	}
	return res, nil
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	return computeExpiryAt(time.Now(), seconds)
}

func computeExpiryAt(now time.Time, seconds int) time.Time {
	if seconds <= 0 {
		return now.Add(60 * time.Minute)
	}
	return now.Add(time.Duration(seconds) * time.Second)
}

// scopesFromExtra reads the scope field of a token response. Twitch sends a JSON
// array; form-encoded responses carry a space separated string.
func scopesFromExtra(v any) []string {
	switch s := v.(type) {
	case []any:
		out := make([]string, 0, len(s))
		for _, x := range s {
			if str, ok := x.(string); ok && str != "" {
				out = append(out, str)
			}
		}
		return out
	case []string:
		return s
	case string:
		return strings.Fields(s)
	}
	return nil
}
