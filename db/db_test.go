package db

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// setupTestDB opens the test database and runs the embedded migrations. Lives
// in-package (not testutil) because testutil imports db.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := Migrate(context.Background(), database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

func TestMigrateIdempotent(t *testing.T) {
	database := setupTestDB(t)
	// setupTestDB already migrated once; a second run must be a no-op.
	if err := Migrate(context.Background(), database); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	for _, table := range []string{"credentials", "kv"} {
		var count int
		if err := database.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&count); err != nil {
			t.Errorf("table %s missing after migrate: %v", table, err)
		}
	}
}

func TestKVRoundTrip(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	if v, err := GetKV(ctx, database, "kv-test-missing"); err != nil || v != "" {
		t.Errorf("GetKV missing key = %q, %v, want empty, nil", v, err)
	}

	if err := SetKV(ctx, database, "kv-test-key", "first"); err != nil {
		t.Fatalf("SetKV: %v", err)
	}
	if v, err := GetKV(ctx, database, "kv-test-key"); err != nil || v != "first" {
		t.Errorf("GetKV = %q, %v, want first", v, err)
	}

	// Upsert replaces.
	if err := SetKV(ctx, database, "kv-test-key", "second"); err != nil {
		t.Fatalf("SetKV overwrite: %v", err)
	}
	if v, err := GetKV(ctx, database, "kv-test-key"); err != nil || v != "second" {
		t.Errorf("GetKV after overwrite = %q, %v, want second", v, err)
	}

	if _, err := database.ExecContext(ctx, `DELETE FROM kv WHERE key=$1`, "kv-test-key"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}

func TestPing(t *testing.T) {
	database := setupTestDB(t)
	if err := Ping(context.Background(), database); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
