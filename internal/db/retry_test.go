package db

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTx implements just enough of pgx.Tx for the retry wrapper; anything
// beyond Commit/Rollback panics via the embedded nil interface.
type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if t.committed {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

type fakeBeginner struct {
	txs []*fakeTx
}

func (b *fakeBeginner) Begin(context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	b.txs = append(b.txs, tx)
	return tx, nil
}

func pgError(code string) error {
	return &pgconn.PgError{Code: code, Message: "injected"}
}

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "broken pipe" }
func (fakeNetError) Timeout() bool   { return false }
func (fakeNetError) Temporary() bool { return false }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", pgError("40001"), true},
		{"deadlock detected", pgError("40P01"), true},
		{"lock not available", pgError("55P03"), true},
		{"unique violation", pgError("23505"), false},
		{"syntax error", pgError("42601"), false},
		{"plain error", errors.New("boom"), false},
		{"net error", fakeNetError{}, true},
		{"wrapped net error", &net.OpError{Op: "write", Err: errors.New("reset")}, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"closed connection", net.ErrClosed, true},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestWithTxRetryFirstAttemptSucceeds(t *testing.T) {
	pool := &fakeBeginner{}

	attempts, err := WithTxRetry(context.Background(), pool, func(context.Context, pgx.Tx) error {
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	require.Len(t, pool.txs, 1)
	assert.True(t, pool.txs[0].committed)
}

func TestWithTxRetryRecoversFromDeadlock(t *testing.T) {
	pool := &fakeBeginner{}
	calls := 0

	attempts, err := WithTxRetry(context.Background(), pool, func(context.Context, pgx.Tx) error {
		calls++
		if calls == 1 {
			return pgError("40P01")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	require.Len(t, pool.txs, 2)
	assert.True(t, pool.txs[0].rolledBack)
	assert.True(t, pool.txs[1].committed)
}

func TestWithTxRetryStopsOnFatalError(t *testing.T) {
	pool := &fakeBeginner{}
	fatal := pgError("23505")

	attempts, err := WithTxRetry(context.Background(), pool, func(context.Context, pgx.Tx) error {
		return fatal
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts)
	assert.True(t, pool.txs[0].rolledBack)
}

func TestWithTxRetryGivesUpAfterMaxAttempts(t *testing.T) {
	pool := &fakeBeginner{}

	start := time.Now()
	attempts, err := WithTxRetry(context.Background(), pool, func(context.Context, pgx.Tx) error {
		return pgError("40001")
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, maxAttempts, attempts)
	assert.Len(t, pool.txs, maxAttempts)

	// Two sleeps: 50ms and 100ms base backoff, each plus up to 25ms jitter.
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	var pgErr *pgconn.PgError
	assert.ErrorAs(t, err, &pgErr)
}

func TestWithTxRetryHonorsContextCancel(t *testing.T) {
	pool := &fakeBeginner{}
	ctx, cancel := context.WithCancel(context.Background())

	_, err := WithTxRetry(ctx, pool, func(context.Context, pgx.Tx) error {
		cancel()
		return pgError("40001")
	})

	assert.ErrorIs(t, err, context.Canceled)
}
