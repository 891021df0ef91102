package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// setupTestDB connects to the integration database and bootstraps the schema.
// Tests are skipped when no database is configured.
//
// To run against a local database:
//
//	TEST_DATABASE_URL=postgres://postgres@localhost:5432/cadence_test?sslmode=disable go test ./...
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := getTestDatabaseURL()
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := EnsureSchema(context.Background(), pool); err != nil {
		pool.Close()
		t.Fatalf("Failed to bootstrap schema: %v", err)
	}

	cleanupTestData(t, pool)

	// t.Cleanup runs in LIFO order, so data is removed before the pool closes
	t.Cleanup(func() {
		cleanupTestData(t, pool)
		pool.Close()
	})

	return pool
}

func getTestDatabaseURL() string {
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		return url
	}

	pgHost := os.Getenv("PGHOST")
	if pgHost == "" {
		return ""
	}
	pgPort := os.Getenv("PGPORT")
	if pgPort == "" {
		pgPort = "5432"
	}
	pgUser := os.Getenv("PGUSER")
	if pgUser == "" {
		pgUser = "postgres"
	}
	pgDatabase := os.Getenv("PGDATABASE")
	if pgDatabase == "" {
		pgDatabase = "cadence_test"
	}

	// Unix socket
	if pgHost[0] == '/' {
		return fmt.Sprintf("postgres://%s@:%s/%s?host=%s&sslmode=disable", pgUser, pgPort, pgDatabase, pgHost)
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=disable", pgUser, pgHost, pgPort, pgDatabase)
}

// cleanupTestData removes rows created by integration tests. Test ids use a t_ prefix.
func cleanupTestData(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()

	ctx := context.Background()
	for _, stmt := range []string{
		`DELETE FROM snapshots WHERE evaluation_id LIKE 't\_%'`,
		`DELETE FROM healing_suggestions WHERE evaluation_id LIKE 't\_%'`,
		`DELETE FROM metrics_records WHERE evaluation_id LIKE 't\_%'`,
		`DELETE FROM test_sessions WHERE evaluation_id LIKE 't\_%'`,
		`DELETE FROM test_runs WHERE evaluation_id LIKE 't\_%'`,
		`DELETE FROM epochs WHERE evaluation_id LIKE 't\_%'`,
		`DELETE FROM evaluations WHERE id LIKE 't\_%'`,
		`DELETE FROM prompt_versions WHERE id LIKE 't\_%'`,
		`DELETE FROM personas WHERE id LIKE 't\_%'`,
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Logf("Warning: failed to clean up test data: %v", err)
		}
	}
}
