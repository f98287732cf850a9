// Package db owns the PostgreSQL connection pool, the embedded goose
// migrations, and the transaction-with-retry wrapper.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// lockTimeout caps how long any statement waits for a row lock, so
// contention between concurrent finalize transactions surfaces quickly and
// feeds the retry path instead of stalling a worker.
const lockTimeout = "2s"

// NewPool connects to PostgreSQL and verifies the connection. Every
// pooled connection carries the short lock_timeout.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	cfg.ConnConfig.RuntimeParams["lock_timeout"] = lockTimeout

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}
