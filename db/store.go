package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/twitch-chatbot/backend/crypto"
	"github.com/onnwee/twitch-chatbot/backend/twitchapi"
)

// persistTimeout bounds the write done for each refresh event.
const persistTimeout = 10 * time.Second

// TokenStore maps session tokens onto oauth_tokens rows keyed by provider.
type TokenStore struct {
	DB *sql.DB
	// Keys seals stored secrets; nil stores plaintext.
	Keys *crypto.Keyring
}

// Load returns the stored token for provider, nil if none has been saved.
func (s *TokenStore) Load(ctx context.Context, provider string) (*twitchapi.AccessToken, error) {
	row, err := GetOAuthToken(ctx, s.DB, s.Keys, provider)
	if err != nil || row == nil {
		return nil, err
	}
	return toAccessToken(row), nil
}

// Save writes tok under provider.
func (s *TokenStore) Save(ctx context.Context, provider string, tok *twitchapi.AccessToken) error {
	if tok == nil {
		return fmt.Errorf("save token %q: nil token", provider)
	}
	return UpsertOAuthToken(ctx, s.DB, s.Keys, fromAccessToken(provider, tok))
}

// PersistRefreshed returns a subscriber that saves every refreshed token under its
// session's name. Write failures are logged; the in-memory token stays in use.
func (s *TokenStore) PersistRefreshed(ctx context.Context) func(twitchapi.TokenRefreshed) {
	return func(ev twitchapi.TokenRefreshed) {
		if ev.Session == nil || ev.Session.Anonymous() || ev.Token == nil {
			return
		}
		wctx, cancel := context.WithTimeout(ctx, persistTimeout)
		defer cancel()
		if err := s.Save(wctx, ev.Session.Name(), ev.Token); err != nil {
			slog.Error("persist refreshed token failed",
				slog.String("component", "token_store"), slog.String("session", ev.Session.Name()), slog.Any("err", err))
			return
		}
		slog.Debug("persisted refreshed token",
			slog.String("component", "token_store"), slog.String("session", ev.Session.Name()), slog.Time("expires_at", ev.Token.ExpiresAt))
	}
}

func toAccessToken(row *OAuthToken) *twitchapi.AccessToken {
	return &twitchapi.AccessToken{
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		ExpiresAt:    row.Expiry,
		Scopes:       strings.Fields(row.Scope),
		Identity:     row.Identity,
	}
}

func fromAccessToken(provider string, tok *twitchapi.AccessToken) OAuthToken {
	return OAuthToken{
		Provider:     provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.ExpiresAt,
		Scope:        strings.Join(tok.Scopes, " "),
		Identity:     tok.Identity,
	}
}
