package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/twitch-chatbot/backend/config"
	"github.com/onnwee/twitch-chatbot/backend/twitchapi"
)

const (
	appSessionName       = "app"
	anonymousSessionName = "anonymous"
)

// tokenStore is satisfied by *db.TokenStore.
type tokenStore interface {
	Load(ctx context.Context, provider string) (*twitchapi.AccessToken, error)
	Save(ctx context.Context, provider string, tok *twitchapi.AccessToken) error
}

// sessionSet is the process-wide list of Helix sessions.
type sessionSet struct {
	mu       sync.RWMutex
	sessions []*twitchapi.Session
}

func (s *sessionSet) Add(sess *twitchapi.Session) {
	s.mu.Lock()
	s.sessions = append(s.sessions, sess)
	s.mu.Unlock()
}

// All returns a copy of the sessions in registration order.
func (s *sessionSet) All() []*twitchapi.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*twitchapi.Session(nil), s.sessions...)
}

// Get returns the session called name, nil if none.
func (s *sessionSet) Get(name string) *twitchapi.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.Name() == name {
			return sess
		}
	}
	return nil
}

// bootstrap builds the shared client and registers the bot, app and anonymous sessions.
// A missing bot or app token is logged, not fatal: /readyz reports it.
func bootstrap(ctx context.Context, cfg *config.Config, store tokenStore) (*twitchapi.Client, *sessionSet, error) {
	cc := cfg.ClientConfig()
	if cfg.CanRefresh() {
		cc.Refresher = &twitchapi.OAuthRefresher{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			TokenURL:     cfg.TwitchTokenURL,
		}
	}
	client, err := twitchapi.NewClient(cc)
	if err != nil {
		return nil, nil, err
	}

	sessions := &sessionSet{}
	botTok, err := loadBotToken(ctx, store, cfg)
	if err != nil {
		return nil, nil, err
	}
	if botTok == nil {
		slog.Warn("no bot token stored or configured; set TWITCH_BOT_ACCESS_TOKEN",
			slog.String("component", "bootstrap"), slog.String("provider", cfg.TwitchBotProvider))
	}
	sessions.Add(twitchapi.NewSession(cfg.TwitchBotProvider, botTok, cfg.NewBucket()))

	if cfg.CanRefresh() {
		ts := &twitchapi.AppTokenSource{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			TokenURL:     cfg.TwitchTokenURL,
		}
		actx, cancel := context.WithTimeout(ctx, 8*time.Second)
		app, err := ts.Session(actx, appSessionName, cfg.NewBucket())
		cancel()
		if err != nil {
			slog.Warn("twitch app token fetch failed", slog.String("component", "bootstrap"), slog.Any("err", err))
		} else {
			slog.Info("twitch app token acquired", slog.String("component", "bootstrap"), slog.String("token", app.Token().Masked()))
			sessions.Add(app)
			go renewAppSession(ctx, ts, app, cfg.TokenRefreshInterval, cfg.TokenRefreshWindow)
		}
	}

	sessions.Add(twitchapi.NewAnonymousSession(anonymousSessionName, cfg.NewBucket()))
	return client, sessions, nil
}

// loadBotToken prefers the stored token; without one it seeds from
// TWITCH_BOT_ACCESS_TOKEN/TWITCH_BOT_REFRESH_TOKEN and saves the seed.
// Returns nil, nil when neither exists.
func loadBotToken(ctx context.Context, store tokenStore, cfg *config.Config) (*twitchapi.AccessToken, error) {
	tok, err := store.Load(ctx, cfg.TwitchBotProvider)
	if err != nil {
		return nil, fmt.Errorf("load bot token: %w", err)
	}
	if tok != nil && tok.AccessToken != "" {
		return tok, nil
	}
	if cfg.TwitchBotAccessToken == "" && cfg.TwitchBotRefreshToken == "" {
		return nil, nil
	}
	seed := &twitchapi.AccessToken{
		AccessToken:  cfg.TwitchBotAccessToken,
		RefreshToken: cfg.TwitchBotRefreshToken,
	}
	if err := store.Save(ctx, cfg.TwitchBotProvider, seed); err != nil {
		return nil, fmt.Errorf("save seed bot token: %w", err)
	}
	slog.Info("seeded bot token from environment", slog.String("component", "bootstrap"), slog.String("provider", cfg.TwitchBotProvider))
	return seed, nil
}

// renewAppSession swaps in a fresh app token whenever the current one is inside
// window. App tokens have no refresh grant, so the proactive refresher skips them.
func renewAppSession(ctx context.Context, ts *twitchapi.AppTokenSource, s *twitchapi.Session, interval, window time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if tok := s.Token(); tok != nil && !tok.ExpiresWithin(time.Now(), window) {
			continue
		}
		if err := renewAppToken(ctx, ts, s); err != nil {
			slog.Warn("app token renewal failed", slog.String("component", "bootstrap"), slog.Any("err", err))
		}
	}
}

func renewAppToken(ctx context.Context, ts *twitchapi.AppTokenSource, s *twitchapi.Session) error {
	ts.Invalidate()
	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	tok, err := ts.Get(cctx)
	if err != nil {
		return err
	}
	s.ReplaceToken(tok)
	return nil
}
