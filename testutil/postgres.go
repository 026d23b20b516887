package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/onnwee/twitch-chatbot/backend/db"
)

// SetupTestDB creates a test database connection and runs migrations.
// It skips the test if TEST_PG_DSN environment variable is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := db.Connect(dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

// CleanupToken removes the oauth_tokens row for provider when the test ends.
func CleanupToken(t *testing.T, database *sql.DB, provider string) {
	t.Helper()
	t.Cleanup(func() {
		if _, err := database.Exec(`DELETE FROM oauth_tokens WHERE provider=$1`, provider); err != nil {
			t.Logf("cleanup token %q: %v", provider, err)
		}
	})
}
