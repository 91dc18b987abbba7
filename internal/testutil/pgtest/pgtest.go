// Package pgtest hands integration tests a freshly migrated and emptied
// Postgres database. Tests that call Open are skipped when DATABASE_URL is
// unset, so the default test run stays on the in-memory store.
package pgtest

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitcard/fulfillment-engine/internal/db"
	"github.com/bitcard/fulfillment-engine/internal/repository"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"
)

// lockAddr is held for the lifetime of a test so packages run in parallel
// by `go test ./...` never truncate each other's rows.
const lockAddr = "127.0.0.1:45433"

var tables = []string{
	"reservation_allocations",
	"inventory_reservations",
	"fulfillment_attempts",
	"reconciliation_records",
	"inventory_lots",
	"fulfillment_orders",
	"audit_logs",
	"idempotency_keys",
	"system_settings",
}

// DB is a migrated database owned by one test.
type DB struct {
	Pool  *pgxpool.Pool
	Store *repository.Store
}

// Open skips the test without DATABASE_URL. Otherwise it takes the
// cross-package lock, applies migrations and truncates every table. Settings
// rows are removed too, so services see their defaults.
func Open(t testing.TB) *DB {
	t.Helper()
	loadDotEnv()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("Skipping integration test: DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	release, err := acquire(ctx)
	require.NoError(t, err, "wait for database lock")
	t.Cleanup(release)

	require.NoError(t, db.MigrateUp(url))

	pool, err := db.Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	for _, table := range tables {
		_, err := pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		require.NoError(t, err, "truncate %s", table)
	}
	return &DB{Pool: pool, Store: repository.NewStore(pool)}
}

func acquire(ctx context.Context) (func(), error) {
	for {
		ln, err := net.Listen("tcp", lockAddr)
		if err == nil {
			return func() { ln.Close() }, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// loadDotEnv reads the .env next to go.mod, if any.
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			_ = godotenv.Load(filepath.Join(dir, ".env"))
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
