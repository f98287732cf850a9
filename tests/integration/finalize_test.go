package integration

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/suite"

	"github.com/duelarena/server/internal/model"
	"github.com/duelarena/server/internal/result"
)

type FinalizeSuite struct {
	IntegrationSuite
}

func TestFinalizeSuite(t *testing.T) {
	suite.Run(t, new(FinalizeSuite))
}

func (s *FinalizeSuite) record(matchID string) (model.MatchRecord, [2]model.User) {
	snapshot, err := json.Marshal(map[string]any{
		"tick": 5,
		"players": []map[string]any{
			{"userId": 1, "position": 3, "lastSequence": 3},
			{"userId": 2, "position": 1, "lastSequence": 2},
		},
	})
	s.Require().NoError(err)

	rec := model.MatchRecord{
		MatchID:      matchID,
		User1ID:      1,
		User2ID:      2,
		WinnerUserID: 1,
		TickCount:    5,
		EndedAt:      time.Now().UTC(),
		Snapshot:     snapshot,
	}
	participants := [2]model.User{
		{ID: 1, Username: "alice"},
		{ID: 2, Username: "bob"},
	}
	return rec, participants
}

func (s *FinalizeSuite) ratingOf(userID int64) (rating, wins, losses int) {
	err := s.pool.QueryRow(s.ctx,
		`SELECT rating, wins, losses FROM ratings WHERE user_id = $1`, userID,
	).Scan(&rating, &wins, &losses)
	s.Require().NoError(err)
	return rating, wins, losses
}

func (s *FinalizeSuite) countRows(table, matchID string) int {
	var n int
	err := s.pool.QueryRow(s.ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE match_id = $1`, matchID,
	).Scan(&n)
	s.Require().NoError(err)
	return n
}

func (s *FinalizeSuite) TestFinalizeAppliesElo() {
	rec, participants := s.record("match-1")
	finalizer := result.NewFinalizer(s.pool, nil)

	applied, err := finalizer.FinalizeResult(s.ctx, rec, participants)
	s.Require().NoError(err)
	s.True(applied)

	s.Equal(1, s.countRows("match_results", "match-1"))
	s.Equal(2, s.countRows("rating_applies", "match-1"))

	winRating, wins, losses := s.ratingOf(1)
	s.Equal(1016, winRating)
	s.Equal(1, wins)
	s.Equal(0, losses)

	loseRating, wins, losses := s.ratingOf(2)
	s.Equal(984, loseRating)
	s.Equal(0, wins)
	s.Equal(1, losses)
}

func (s *FinalizeSuite) TestDuplicateFinalizeIsNoop() {
	rec, participants := s.record("match-1")
	finalizer := result.NewFinalizer(s.pool, nil)

	applied, err := finalizer.FinalizeResult(s.ctx, rec, participants)
	s.Require().NoError(err)
	s.True(applied)

	applied, err = finalizer.FinalizeResult(s.ctx, rec, participants)
	s.Require().NoError(err)
	s.True(applied)

	s.Equal(1, s.countRows("match_results", "match-1"))
	s.Equal(2, s.countRows("rating_applies", "match-1"))

	winRating, wins, _ := s.ratingOf(1)
	s.Equal(1016, winRating)
	s.Equal(1, wins)
	loseRating, _, losses := s.ratingOf(2)
	s.Equal(984, loseRating)
	s.Equal(1, losses)
}

func (s *FinalizeSuite) TestConcurrentFinalize() {
	rec, participants := s.record("match-1")
	finalizer := result.NewFinalizer(s.pool, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	oks := make([]bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			oks[i], errs[i] = finalizer.FinalizeResult(s.ctx, rec, participants)
		}(i)
	}
	wg.Wait()

	s.Require().NoError(errs[0])
	s.Require().NoError(errs[1])
	s.True(oks[0])
	s.True(oks[1])

	s.Equal(1, s.countRows("match_results", "match-1"))
	winRating, wins, _ := s.ratingOf(1)
	s.Equal(1016, winRating)
	s.Equal(1, wins)
	loseRating, _, losses := s.ratingOf(2)
	s.Equal(984, loseRating)
	s.Equal(1, losses)
}

func (s *FinalizeSuite) TestTransientFailureIsRetried() {
	rec, participants := s.record("match-1")
	finalizer := result.NewFinalizer(s.pool, nil)
	finalizer.SetFailureInjector(func(attempt int) error {
		if attempt == 1 {
			return &pgconn.PgError{Code: "40P01", Message: "deadlock detected (injected)"}
		}
		return nil
	})

	applied, err := finalizer.FinalizeResult(s.ctx, rec, participants)
	s.Require().NoError(err)
	s.True(applied)

	s.Equal(1, s.countRows("match_results", "match-1"))
	winRating, _, _ := s.ratingOf(1)
	s.Equal(1016, winRating)
}

func (s *FinalizeSuite) TestExistingGuardRowBlocksElo() {
	rec, participants := s.record("match-1")
	_, err := s.pool.Exec(s.ctx,
		`INSERT INTO rating_applies (match_id, user_id, applied_at) VALUES ($1, $2, $3)`,
		rec.MatchID, rec.WinnerUserID, time.Now().UTC())
	s.Require().NoError(err)

	finalizer := result.NewFinalizer(s.pool, nil)
	applied, err := finalizer.FinalizeResult(s.ctx, rec, participants)
	s.Require().NoError(err)
	s.True(applied)

	// The result row landed, but the pre-existing guard kept Elo untouched.
	s.Equal(1, s.countRows("match_results", "match-1"))
	winRating, wins, _ := s.ratingOf(1)
	s.Equal(1000, winRating)
	s.Equal(0, wins)
}
