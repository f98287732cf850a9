package rating

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Leaderboard paging bounds.
const (
	MinPageSize = 1
	MaxPageSize = 50
)

// ErrPageRange reports leaderboard paging parameters outside the allowed
// range; the HTTP layer maps it to leaderboard_range.
var ErrPageRange = errors.New("page must be >= 1 and size within [1, 50]")

// Summary is one user's rating line.
type Summary struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Rating   int    `json:"rating"`
	Wins     int    `json:"wins"`
	Losses   int    `json:"losses"`
}

// LeaderboardEntry is a Summary with its position on the requested page.
type LeaderboardEntry struct {
	Rank int `json:"rank"`
	Summary
}

// LeaderboardPage is one page of the ladder plus the total row count.
type LeaderboardPage struct {
	Total   int                `json:"total"`
	Entries []LeaderboardEntry `json:"entries"`
}

// Store reads and writes the ratings table. The database is the
// serialization point; the store holds no application-level locks.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps the shared connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureUser inserts an initial-rating row for the user or, when the row
// exists, refreshes the username (kept current only when non-empty) and
// touches updated_at.
func (s *Store) EnsureUser(ctx context.Context, userID int64, username string) error {
	return ensureUser(ctx, s.pool, userID, username)
}

// EnsureUserTx is EnsureUser inside an existing transaction.
func EnsureUserTx(ctx context.Context, tx pgx.Tx, userID int64, username string) error {
	return ensureUser(ctx, tx, userID, username)
}

// execer is the Exec slice shared by pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func ensureUser(ctx context.Context, db execer, userID int64, username string) error {
	_, err := db.Exec(ctx,
		`INSERT INTO ratings (user_id, username, rating, wins, losses, updated_at)
		 VALUES ($1, $2, $3, 0, 0, $4)
		 ON CONFLICT (user_id) DO UPDATE SET
		     username = CASE WHEN EXCLUDED.username <> '' THEN EXCLUDED.username ELSE ratings.username END,
		     updated_at = EXCLUDED.updated_at`,
		userID, username, InitialRating, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upserting rating row for user %d: %w", userID, err)
	}
	return nil
}

// GetSummary returns the user's rating line, reporting ok=false when the
// user has never been rated.
func (s *Store) GetSummary(ctx context.Context, userID int64) (Summary, bool, error) {
	var sum Summary
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, username, rating, wins, losses
		 FROM ratings WHERE user_id = $1`, userID,
	).Scan(&sum.UserID, &sum.Username, &sum.Rating, &sum.Wins, &sum.Losses)
	if errors.Is(err, pgx.ErrNoRows) {
		return Summary{}, false, nil
	}
	if err != nil {
		return Summary{}, false, fmt.Errorf("querying rating for user %d: %w", userID, err)
	}
	return sum, true, nil
}

// GetLeaderboard returns one ladder page ordered by rating DESC then user
// id ASC. page starts at 1; size is bounded by [MinPageSize, MaxPageSize].
func (s *Store) GetLeaderboard(ctx context.Context, page, size int) (LeaderboardPage, error) {
	if page < 1 || size < MinPageSize || size > MaxPageSize {
		return LeaderboardPage{}, ErrPageRange
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ratings`).Scan(&total); err != nil {
		return LeaderboardPage{}, fmt.Errorf("counting ratings: %w", err)
	}

	offset := (page - 1) * size
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, username, rating, wins, losses
		 FROM ratings
		 ORDER BY rating DESC, user_id ASC
		 LIMIT $1 OFFSET $2`, size, offset)
	if err != nil {
		return LeaderboardPage{}, fmt.Errorf("querying leaderboard page %d: %w", page, err)
	}
	defer rows.Close()

	result := LeaderboardPage{Total: total, Entries: []LeaderboardEntry{}}
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.UserID, &e.Username, &e.Rating, &e.Wins, &e.Losses); err != nil {
			return LeaderboardPage{}, fmt.Errorf("scanning leaderboard row: %w", err)
		}
		e.Rank = offset + len(result.Entries) + 1
		result.Entries = append(result.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return LeaderboardPage{}, fmt.Errorf("reading leaderboard rows: %w", err)
	}
	return result, nil
}

// ApplyMatchTx locks both rating rows in user-id order, applies the Elo
// movement for the finished match, and increments wins/losses. Both rows
// must already exist (EnsureUserTx beforehand).
func ApplyMatchTx(ctx context.Context, tx pgx.Tx, winnerID, loserID int64) error {
	rows, err := tx.Query(ctx,
		`SELECT user_id, rating FROM ratings
		 WHERE user_id = $1 OR user_id = $2
		 ORDER BY user_id FOR UPDATE`, winnerID, loserID)
	if err != nil {
		return fmt.Errorf("locking rating rows: %w", err)
	}
	ratings := make(map[int64]int, 2)
	for rows.Next() {
		var id int64
		var r int
		if err := rows.Scan(&id, &r); err != nil {
			rows.Close()
			return fmt.Errorf("scanning locked rating row: %w", err)
		}
		ratings[id] = r
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading locked rating rows: %w", err)
	}
	if len(ratings) != 2 {
		return fmt.Errorf("expected 2 rating rows for users %d and %d, got %d", winnerID, loserID, len(ratings))
	}

	newWinner, newLoser := ApplyElo(ratings[winnerID], ratings[loserID])
	now := time.Now().UTC()

	if _, err := tx.Exec(ctx,
		`UPDATE ratings SET rating = $1, wins = wins + 1, updated_at = $2 WHERE user_id = $3`,
		newWinner, now, winnerID); err != nil {
		return fmt.Errorf("updating winner %d: %w", winnerID, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE ratings SET rating = $1, losses = losses + 1, updated_at = $2 WHERE user_id = $3`,
		newLoser, now, loserID); err != nil {
		return fmt.Errorf("updating loser %d: %w", loserID, err)
	}
	return nil
}
