package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/twitch-chatbot/backend/crypto"
)

// ErrConcurrentUpdate is returned when a row changed between read and reseal.
var ErrConcurrentUpdate = errors.New("db: token modified concurrently")

// TokenKeyInfo is the encryption metadata of one stored row.
type TokenKeyInfo struct {
	Provider          string
	EncryptionVersion int
	KeyID             string
}

// ResealOptions narrows ResealTokens.
type ResealOptions struct {
	// DryRun reports stale rows without writing.
	DryRun bool
	// Provider limits the run to one row; empty means all rows.
	Provider string
}

// ResealSummary counts the outcome of ResealTokens.
type ResealSummary struct {
	Total    int
	Stale    int
	Resealed int
	Errors   int
}

// ListTokenKeys returns the encryption metadata of every stored token.
func ListTokenKeys(ctx context.Context, dbx *sql.DB) ([]TokenKeyInfo, error) {
	rows, err := dbx.QueryContext(ctx,
		`SELECT provider, COALESCE(encryption_version, 0), COALESCE(encryption_key_id, '')
		 FROM oauth_tokens ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("list token keys: %w", err)
	}
	defer rows.Close()

	var out []TokenKeyInfo
	for rows.Next() {
		var info TokenKeyInfo
		if err := rows.Scan(&info.Provider, &info.EncryptionVersion, &info.KeyID); err != nil {
			return nil, fmt.Errorf("scan token key row: %w", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token key rows: %w", err)
	}
	return out, nil
}

// ResealTokens re-encrypts with the primary key every row that is plaintext or
// sealed under another key id. Rows are opened through the keyring, so retired keys
// must still be listed as previous keys.
func ResealTokens(ctx context.Context, dbx *sql.DB, keys *crypto.Keyring, opts ResealOptions) (ResealSummary, error) {
	if keys == nil {
		return ResealSummary{}, ErrEncryptedWithoutKey
	}
	infos, err := ListTokenKeys(ctx, dbx)
	if err != nil {
		return ResealSummary{}, err
	}
	primaryID := keys.Primary().KeyID()
	var sum ResealSummary

	for _, info := range infos {
		if opts.Provider != "" && info.Provider != opts.Provider {
			continue
		}
		sum.Total++
		if info.EncryptionVersion == encryptionAESGCM && info.KeyID == primaryID {
			continue
		}
		sum.Stale++
		logger := slog.With(
			slog.String("component", "token_reseal"),
			slog.String("provider", info.Provider),
			slog.Int("encryption_version", info.EncryptionVersion),
			slog.String("key_id", info.KeyID))
		if opts.DryRun {
			logger.Info("would reseal token (dry-run)")
			continue
		}
		if err := resealToken(ctx, dbx, keys, info.Provider); err != nil {
			logger.Error("failed to reseal token", slog.Any("err", err))
			sum.Errors++
			continue
		}
		logger.Info("resealed token", slog.String("new_key_id", primaryID))
		sum.Resealed++
	}

	if sum.Errors > 0 {
		return sum, fmt.Errorf("reseal completed with %d errors", sum.Errors)
	}
	return sum, nil
}

func resealToken(ctx context.Context, dbx *sql.DB, keys *crypto.Keyring, provider string) error {
	t, err := GetOAuthToken(ctx, dbx, keys, provider)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("%w: %q deleted", ErrConcurrentUpdate, provider)
	}
	sealed, err := seal(keys, *t)
	if err != nil {
		return err
	}
	var updated sql.NullTime
	if !t.UpdatedAt.IsZero() {
		updated = sql.NullTime{Time: t.UpdatedAt, Valid: true}
	}
	res, err := dbx.ExecContext(ctx,
		`UPDATE oauth_tokens
		 SET access_token = $1, refresh_token = $2, encryption_version = $3, encryption_key_id = $4, updated_at = NOW()
		 WHERE provider = $5 AND updated_at IS NOT DISTINCT FROM $6`,
		sealed.access, sealed.refresh, sealed.version, sealed.keyID, provider, updated)
	if err != nil {
		return fmt.Errorf("update token %q: %w", provider, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: %q", ErrConcurrentUpdate, provider)
	}
	return nil
}
