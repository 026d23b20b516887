// Command rotate-tokens re-encrypts stored OAuth tokens with the primary encryption key.
//
// Rows stored in plaintext (encryption_version=0) or sealed under a key id other than
// ENCRYPTION_KEY_ID are opened through the keyring and written back under the primary
// key. Keys being retired must be listed in ENCRYPTION_PREVIOUS_KEYS for the run.
//
// Usage:
//
//	rotate-tokens [--dry-run] [--provider PROVIDER]
//
// Environment Variables:
//
//	DB_DSN: Database connection string
//	ENCRYPTION_KEY: Base64-encoded 32-byte primary key (required)
//	ENCRYPTION_KEY_ID: Id of the primary key (default "default")
//	ENCRYPTION_PREVIOUS_KEYS: Comma separated id:base64key pairs still accepted for reads
//
// Example:
//
//	export ENCRYPTION_PREVIOUS_KEYS="default:$OLD_KEY"
//	export ENCRYPTION_KEY_ID=2026-10
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./rotate-tokens --dry-run
//	./rotate-tokens
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/twitch-chatbot/backend/config"
	"github.com/onnwee/twitch-chatbot/backend/crypto"
	"github.com/onnwee/twitch-chatbot/backend/db"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be resealed without making changes")
	provider := flag.String("provider", "", "Reseal the token for one provider only (default: all providers)")
	flag.Parse()

	_ = godotenv.Load(".env")
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(context.Background(), db.ResealOptions{DryRun: *dryRun, Provider: *provider}); err != nil {
		slog.Error("token rotation failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("token rotation completed successfully")
}

func run(ctx context.Context, opts db.ResealOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	keys, err := keyringFrom(cfg)
	if err != nil {
		return err
	}

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		return err
	}

	sum, err := db.ResealTokens(ctx, database, keys, opts)
	slog.Info("rotation summary",
		slog.Int("total", sum.Total),
		slog.Int("stale", sum.Stale),
		slog.Int("resealed", sum.Resealed),
		slog.Int("errors", sum.Errors),
		slog.Bool("dry_run", opts.DryRun))
	return err
}

// keyringFrom requires an encryption key; rotating into plaintext is not supported.
func keyringFrom(cfg *config.Config) (*crypto.Keyring, error) {
	if cfg.EncryptionKey == "" {
		return nil, errors.New("ENCRYPTION_KEY environment variable is required for rotation")
	}
	return crypto.ParseKeyring(cfg.EncryptionKeyID, cfg.EncryptionKey, cfg.EncryptionPreviousKeys)
}
