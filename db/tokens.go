package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/twitch-chatbot/backend/crypto"
)

const (
	encryptionNone = 0
	// encryptionAESGCM rows hold base64 AES-GCM ciphertext bound to the row's provider.
	encryptionAESGCM = 1
)

// ErrEncryptedWithoutKey is returned when an encrypted row is read without a keyring.
var ErrEncryptedWithoutKey = errors.New("db: token is encrypted but ENCRYPTION_KEY not configured")

// OAuthToken is one stored credential row, in plaintext.
type OAuthToken struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
	Identity     string
	UpdatedAt    time.Time
}

// UpsertOAuthToken stores or updates the token for t.Provider. With a non-nil keyring
// both secrets are sealed with its primary key and the row is marked
// encryption_version=1; otherwise they are stored in plaintext (version 0).
func UpsertOAuthToken(ctx context.Context, dbx *sql.DB, keys *crypto.Keyring, t OAuthToken) error {
	if t.Provider == "" {
		return fmt.Errorf("upsert oauth token: empty provider")
	}
	sealed, err := seal(keys, t)
	if err != nil {
		return err
	}

	var expiry sql.NullTime
	if !t.Expiry.IsZero() {
		expiry = sql.NullTime{Time: t.Expiry, Valid: true}
	}

	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, identity, encryption_version, encryption_key_id, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,$8,NOW())
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    identity=EXCLUDED.identity,
		    encryption_version=EXCLUDED.encryption_version,
		    encryption_key_id=EXCLUDED.encryption_key_id,
		    updated_at=NOW()`
	if _, err := dbx.ExecContext(ctx, q, t.Provider, sealed.access, sealed.refresh, expiry, t.Scope, t.Identity, sealed.version, sealed.keyID); err != nil {
		return fmt.Errorf("upsert oauth token %q: %w", t.Provider, err)
	}
	return nil
}

// sealedSecrets are the column values for a token's secrets.
type sealedSecrets struct {
	access, refresh string
	version         int
	keyID           sql.NullString
}

// seal encrypts both secrets with the keyring's primary key, bound to t.Provider.
// A nil keyring leaves them in plaintext.
func seal(keys *crypto.Keyring, t OAuthToken) (sealedSecrets, error) {
	out := sealedSecrets{access: t.AccessToken, refresh: t.RefreshToken, version: encryptionNone}
	if keys == nil {
		return out, nil
	}
	enc := keys.Primary()
	out.version = encryptionAESGCM
	out.keyID = sql.NullString{String: enc.KeyID(), Valid: true}
	var err error
	if out.access, err = crypto.EncryptString(enc, t.AccessToken, t.Provider); err != nil {
		return sealedSecrets{}, fmt.Errorf("encrypt access token: %w", err)
	}
	if out.refresh, err = crypto.EncryptString(enc, t.RefreshToken, t.Provider); err != nil {
		return sealedSecrets{}, fmt.Errorf("encrypt refresh token: %w", err)
	}
	return out, nil
}

// GetOAuthToken retrieves the row for provider; returns nil, nil if not found.
// Encrypted rows are opened with the key named by encryption_key_id, plaintext rows
// are returned as stored.
func GetOAuthToken(ctx context.Context, dbx *sql.DB, keys *crypto.Keyring, provider string) (*OAuthToken, error) {
	var (
		t          = OAuthToken{Provider: provider}
		access     sql.NullString
		refresh    sql.NullString
		expiry     sql.NullTime
		scope      sql.NullString
		identity   sql.NullString
		updated    sql.NullTime
		encVersion int
		encKeyID   sql.NullString
	)
	row := dbx.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, identity, updated_at,
		        COALESCE(encryption_version, 0), encryption_key_id
		 FROM oauth_tokens WHERE provider = $1`, provider)
	err := row.Scan(&access, &refresh, &expiry, &scope, &identity, &updated, &encVersion, &encKeyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth token %q: %w", provider, err)
	}
	t.AccessToken, t.RefreshToken = access.String, refresh.String
	t.Expiry, t.UpdatedAt = expiry.Time, updated.Time
	t.Scope, t.Identity = scope.String, identity.String

	switch encVersion {
	case encryptionNone:
	case encryptionAESGCM:
		if keys == nil {
			return nil, ErrEncryptedWithoutKey
		}
		enc, err := keys.Lookup(encKeyID.String)
		if err != nil {
			return nil, fmt.Errorf("get oauth token %q: %w", provider, err)
		}
		if t.AccessToken, err = crypto.DecryptString(enc, t.AccessToken, provider); err != nil {
			return nil, fmt.Errorf("decrypt access token: %w", err)
		}
		if t.RefreshToken, err = crypto.DecryptString(enc, t.RefreshToken, provider); err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
	default:
		return nil, fmt.Errorf("get oauth token %q: unsupported encryption_version %d", provider, encVersion)
	}
	return &t, nil
}
