package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// setupTestDB creates a test database pool
// This requires a PostgreSQL instance to be running
//
// The function respects the following environment variables:
//   - TEST_DATABASE_URL: Complete database URL (takes precedence)
//   - PGHOST: Database host or Unix socket directory
//   - PGPORT: Database port (default: 5432)
//   - PGUSER: Database user (default: postgres)
//   - PGDATABASE: Database name (default: teleprompt_test)
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := getTestDatabaseURL()
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		t.Skipf("Failed to connect to test database: %v", err)
	}

	if err := Migrate(context.Background(), pool); err != nil {
		pool.Close()
		t.Skipf("Failed to migrate test database: %v", err)
	}

	cleanupTestData(t, pool)

	// t.Cleanup runs in LIFO order, so this cleanup runs before pool.Close()
	t.Cleanup(func() {
		cleanupTestData(t, pool)
		pool.Close()
	})

	return pool
}

func cleanupTestData(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `DELETE FROM optimization_runs WHERE id LIKE 'tpr_test%'`)
	if err != nil {
		t.Logf("warning: failed to clean up test data: %v", err)
	}
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
	pgUser := os.Getenv("PGUSER")
	pgDatabase := os.Getenv("PGDATABASE")

	if pgPort == "" {
		pgPort = "5432"
	}
	if pgUser == "" {
		pgUser = "postgres"
	}
	if pgDatabase == "" {
		pgDatabase = "teleprompt_test"
	}

	// Unix socket directory
	if pgHost[0] == '/' {
		return fmt.Sprintf("postgres://%s@:%s/%s?host=%s&sslmode=disable",
			pgUser, pgPort, pgDatabase, pgHost)
	}

	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=disable",
		pgUser, pgHost, pgPort, pgDatabase)
}
