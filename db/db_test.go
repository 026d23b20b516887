package db_test

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/twitch-chatbot/backend/crypto"
	"github.com/onnwee/twitch-chatbot/backend/db"
	"github.com/onnwee/twitch-chatbot/backend/testutil"
	"github.com/onnwee/twitch-chatbot/backend/twitchapi"
)

func newKeyring(t *testing.T, id string) *crypto.Keyring {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	k, err := crypto.ParseKeyring(id, base64.StdEncoding.EncodeToString(key), "")
	if err != nil {
		t.Fatalf("ParseKeyring() error = %v", err)
	}
	return k
}

func TestMigrateIdempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	// SetupTestDB already migrated once.
	for i := 0; i < 2; i++ {
		if err := db.Migrate(context.Background(), database); err != nil {
			t.Fatalf("migrate run %d: %v", i+2, err)
		}
	}
}

func TestEncryptedTokens(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	const provider = "test-encrypted-provider"
	testutil.CleanupToken(t, database, provider)
	keys := newKeyring(t, "k1")

	in := db.OAuthToken{
		Provider:     provider,
		AccessToken:  "test-access-token-12345",
		RefreshToken: "test-refresh-token-67890",
		Expiry:       time.Now().Add(time.Hour),
		Scope:        "chat:read chat:edit",
		Identity:     "botlogin",
	}
	if err := db.UpsertOAuthToken(ctx, database, keys, in); err != nil {
		t.Fatalf("UpsertOAuthToken() error = %v", err)
	}

	var storedAccess, storedRefresh, keyID string
	var encVersion int
	err := database.QueryRow(`SELECT access_token, refresh_token, encryption_version, encryption_key_id FROM oauth_tokens WHERE provider=$1`, provider).
		Scan(&storedAccess, &storedRefresh, &encVersion, &keyID)
	if err != nil {
		t.Fatalf("Failed to query stored token: %v", err)
	}
	if encVersion != 1 || keyID != "k1" {
		t.Errorf("encryption_version = %d, key id = %q", encVersion, keyID)
	}
	if storedAccess == in.AccessToken || storedRefresh == in.RefreshToken {
		t.Errorf("tokens stored in plaintext")
	}

	out, err := db.GetOAuthToken(ctx, database, keys, provider)
	if err != nil {
		t.Fatalf("GetOAuthToken() error = %v", err)
	}
	if out.AccessToken != in.AccessToken || out.RefreshToken != in.RefreshToken || out.Scope != in.Scope || out.Identity != in.Identity {
		t.Errorf("GetOAuthToken() = %+v", out)
	}
	if out.Expiry.Sub(in.Expiry).Abs() > time.Second {
		t.Errorf("expiry mismatch: got %v, want %v", out.Expiry, in.Expiry)
	}

	if _, err := db.GetOAuthToken(ctx, database, nil, provider); !errors.Is(err, db.ErrEncryptedWithoutKey) {
		t.Errorf("expected ErrEncryptedWithoutKey, got %v", err)
	}
	if _, err := db.GetOAuthToken(ctx, database, newKeyring(t, "other"), provider); !errors.Is(err, crypto.ErrUnknownKey) {
		t.Errorf("expected ErrUnknownKey, got %v", err)
	}
}

func TestPlaintextTokensAndMissingRow(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	const provider = "test-plaintext-provider"
	testutil.CleanupToken(t, database, provider)

	got, err := db.GetOAuthToken(ctx, database, nil, provider)
	if err != nil || got != nil {
		t.Fatalf("missing row = %+v, %v; want nil, nil", got, err)
	}

	if err := db.UpsertOAuthToken(ctx, database, nil, db.OAuthToken{Provider: provider, AccessToken: "plain"}); err != nil {
		t.Fatal(err)
	}
	// Plaintext rows stay readable after encryption is switched on.
	got, err = db.GetOAuthToken(ctx, database, newKeyring(t, "k1"), provider)
	if err != nil {
		t.Fatalf("GetOAuthToken() error = %v", err)
	}
	if got.AccessToken != "plain" || !got.Expiry.IsZero() {
		t.Errorf("GetOAuthToken() = %+v", got)
	}
}

func TestTokenStore_PersistRefreshed(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	const provider = "test-store-bot"
	testutil.CleanupToken(t, database, provider)
	store := &db.TokenStore{DB: database, Keys: newKeyring(t, "k1")}

	if tok, err := store.Load(ctx, provider); err != nil || tok != nil {
		t.Fatalf("Load() before save = %+v, %v", tok, err)
	}

	sess := twitchapi.NewSession(provider, nil, nil)
	next := &twitchapi.AccessToken{
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
		ExpiresAt:    time.Now().Add(4 * time.Hour).Truncate(time.Second),
		Scopes:       []string{"chat:read"},
		Identity:     "botlogin",
	}
	store.PersistRefreshed(ctx)(twitchapi.TokenRefreshed{Session: sess, Token: next})

	loaded, err := store.Load(ctx, provider)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded == nil || loaded.AccessToken != "new-access" || loaded.RefreshToken != "new-refresh" || !loaded.HasScope("chat:read") {
		t.Fatalf("Load() = %+v", loaded)
	}
	if !loaded.ExpiresAt.Equal(next.ExpiresAt) {
		t.Errorf("expiry = %v, want %v", loaded.ExpiresAt, next.ExpiresAt)
	}
}

func TestResealTokens(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	const provider = "test-reseal-provider"
	testutil.CleanupToken(t, database, provider)

	key := func() string {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			t.Fatal(err)
		}
		return base64.StdEncoding.EncodeToString(b)
	}
	oldKey, newKey := key(), key()
	oldRing, err := crypto.ParseKeyring("old", oldKey, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertOAuthToken(ctx, database, oldRing, db.OAuthToken{Provider: provider, AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatal(err)
	}

	rotated, err := crypto.ParseKeyring("new", newKey, "old:"+oldKey)
	if err != nil {
		t.Fatalf("ParseKeyring() error = %v", err)
	}
	opts := db.ResealOptions{Provider: provider, DryRun: true}
	sum, err := db.ResealTokens(ctx, database, rotated, opts)
	if err != nil || sum.Total != 1 || sum.Stale != 1 || sum.Resealed != 0 {
		t.Fatalf("dry run = %+v, %v", sum, err)
	}

	opts.DryRun = false
	if sum, err = db.ResealTokens(ctx, database, rotated, opts); err != nil || sum.Resealed != 1 {
		t.Fatalf("reseal = %+v, %v", sum, err)
	}
	infos, err := db.ListTokenKeys(ctx, database)
	if err != nil {
		t.Fatal(err)
	}
	for _, info := range infos {
		if info.Provider == provider && (info.KeyID != "new" || info.EncryptionVersion != 1) {
			t.Errorf("row after reseal = %+v", info)
		}
	}

	// Readable with the new key alone once resealed.
	newOnly, err := crypto.ParseKeyring("new", newKey, "")
	if err != nil {
		t.Fatal(err)
	}
	got, err := db.GetOAuthToken(ctx, database, newOnly, provider)
	if err != nil || got.AccessToken != "a" || got.RefreshToken != "r" {
		t.Fatalf("GetOAuthToken() = %+v, %v", got, err)
	}

	if sum, err = db.ResealTokens(ctx, database, rotated, opts); err != nil || sum.Stale != 0 {
		t.Errorf("second reseal = %+v, %v", sum, err)
	}
	if _, err := db.ResealTokens(ctx, database, nil, opts); !errors.Is(err, db.ErrEncryptedWithoutKey) {
		t.Errorf("nil keyring error = %v", err)
	}
}
