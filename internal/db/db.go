package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const applicationName = "fulfillment-engine"

// Connect opens a pool sized for the API plus the allocator, sender and
// reconciliation workers. Every session carries statement and lock timeouts
// so a stuck row lock fails the pass instead of stalling it.
func Connect(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	config, err := poolConfig(dbURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	return pool, nil
}

func poolConfig(dbURL string) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	config.MaxConns = 16
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 15 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	params := config.ConnConfig.RuntimeParams
	if _, ok := params["application_name"]; !ok {
		params["application_name"] = applicationName
	}
	if _, ok := params["statement_timeout"]; !ok {
		params["statement_timeout"] = "30000"
	}
	if _, ok := params["lock_timeout"]; !ok {
		params["lock_timeout"] = "5000"
	}
	return config, nil
}
