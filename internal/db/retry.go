package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Retry tuning: up to maxAttempts transactions, sleeping
// baseBackoff * 2^(attempt-1) plus uniform jitter in [0, maxJitter)
// between attempts.
const (
	maxAttempts = 3
	baseBackoff = 50 * time.Millisecond
	maxJitter   = 25 * time.Millisecond
)

// SQLSTATE codes worth another attempt.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// Beginner starts transactions; pgxpool.Pool satisfies it. Tests substitute
// a fake to drive the retry path without a database.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// WithTxRetry runs fn inside a transaction, retrying transient failures
// (deadlock, lock-wait timeout, dropped connection) with exponential
// backoff plus jitter. It returns the number of attempts made so callers
// can count retries. Non-retryable failures propagate on first sight.
func WithTxRetry(ctx context.Context, pool Beginner, fn func(ctx context.Context, tx pgx.Tx) error) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := baseBackoff << (attempt - 2)
			jitter := time.Duration(rand.Int64N(int64(maxJitter)))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return attempt - 1, ctx.Err()
			}
		}

		err := runTx(ctx, pool, fn)
		if err == nil {
			return attempt, nil
		}
		if !IsRetryable(err) {
			return attempt, err
		}
		lastErr = err
		slog.Warn("retryable transaction failure", "attempt", attempt, "error", err)
	}
	return maxAttempts, fmt.Errorf("transaction failed after %d attempts: %w", maxAttempts, lastErr)
}

func runTx(ctx context.Context, pool Beginner, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.Error("rollback failed", "error", err)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// IsRetryable classifies a transaction failure as transient: serialization
// or deadlock aborts, lock-wait timeouts, and connection loss.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return true
		}
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}
