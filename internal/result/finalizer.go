// Package result makes a finished match durable: one transaction inserts
// the result row, plants per-user guard rows, and applies the Elo movement.
// Uniqueness constraints, not in-memory coordination, make concurrent
// finalize calls for the same match safe.
package result

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/duelarena/server/internal/db"
	"github.com/duelarena/server/internal/model"
	"github.com/duelarena/server/internal/rating"
)

// Observer counts finalize outcomes; nil-safe via noopObserver.
type Observer interface {
	IncResultFinalized()
	AddFinalizeRetries(n int)
}

type noopObserver struct{}

func (noopObserver) IncResultFinalized()    {}
func (noopObserver) AddFinalizeRetries(int) {}

// Finalizer persists match results idempotently.
type Finalizer struct {
	pool db.Beginner
	obs  Observer
	log  *slog.Logger

	// injectFailure, when set, is called once per transaction attempt and
	// its error aborts that attempt. Test hook for the retry path.
	injectFailure func(attempt int) error
}

// NewFinalizer wires the finalizer to the shared pool. obs may be nil.
func NewFinalizer(pool db.Beginner, obs Observer) *Finalizer {
	if obs == nil {
		obs = noopObserver{}
	}
	return &Finalizer{pool: pool, obs: obs, log: slog.Default()}
}

// SetFailureInjector installs a per-attempt fault for tests.
func (f *Finalizer) SetFailureInjector(fn func(attempt int) error) {
	f.injectFailure = fn
}

// FinalizeResult writes the match result and applies Elo exactly once, no
// matter how many times or how concurrently it is called for one match.
// The reported bool is true whenever the transaction committed, including
// when a prior call had already persisted the result.
//
// Inside the transaction:
//  1. INSERT the result row; losing the conflict means a prior attempt won,
//     so every later mutation is skipped.
//  2. Upsert both rating rows (username kept current when non-empty).
//  3. Plant guard rows in rating_applies; losing either conflict skips Elo.
//  4. Lock both rating rows in user-id order and apply the Elo movement.
func (f *Finalizer) FinalizeResult(ctx context.Context, rec model.MatchRecord, participants [2]model.User) (bool, error) {
	attempt := 0
	appliedElo := false

	attempts, err := db.WithTxRetry(ctx, f.pool, func(ctx context.Context, tx pgx.Tx) error {
		attempt++
		appliedElo = false
		if f.injectFailure != nil {
			if err := f.injectFailure(attempt); err != nil {
				return err
			}
		}
		return f.finalizeTx(ctx, tx, rec, participants, &appliedElo)
	})
	f.obs.AddFinalizeRetries(attempts - 1)
	if err != nil {
		return false, fmt.Errorf("finalizing match %s: %w", rec.MatchID, err)
	}

	f.obs.IncResultFinalized()
	f.log.Info("match finalized",
		"matchId", rec.MatchID,
		"winner", rec.WinnerUserID,
		"eloApplied", appliedElo,
		"attempts", attempts)
	return true, nil
}

func (f *Finalizer) finalizeTx(ctx context.Context, tx pgx.Tx, rec model.MatchRecord, participants [2]model.User, appliedElo *bool) error {
	tag, err := tx.Exec(ctx,
		`INSERT INTO match_results (match_id, user1_id, user2_id, winner_user_id, tick_count, ended_at, snapshot)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (match_id) DO NOTHING`,
		rec.MatchID, rec.User1ID, rec.User2ID, rec.WinnerUserID, rec.TickCount, rec.EndedAt, rec.Snapshot)
	if err != nil {
		return fmt.Errorf("inserting result for match %s: %w", rec.MatchID, err)
	}
	if tag.RowsAffected() == 0 {
		// A prior call persisted this match already.
		return nil
	}

	for _, p := range participants {
		if err := rating.EnsureUserTx(ctx, tx, p.ID, p.Username); err != nil {
			return err
		}
	}

	winnerID := rec.WinnerUserID
	loserID := rec.LoserUserID()
	now := time.Now().UTC()

	guards := 0
	for _, userID := range []int64{winnerID, loserID} {
		tag, err := tx.Exec(ctx,
			`INSERT INTO rating_applies (match_id, user_id, applied_at)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (match_id, user_id) DO NOTHING`,
			rec.MatchID, userID, now)
		if err != nil {
			return fmt.Errorf("planting guard row (%s, %d): %w", rec.MatchID, userID, err)
		}
		guards += int(tag.RowsAffected())
	}
	if guards < 2 {
		// Elo was already applied (or is being applied) for this match.
		return nil
	}

	if err := rating.ApplyMatchTx(ctx, tx, winnerID, loserID); err != nil {
		return fmt.Errorf("applying elo for match %s: %w", rec.MatchID, err)
	}
	*appliedElo = true
	return nil
}
