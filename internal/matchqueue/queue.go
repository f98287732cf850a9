// Package matchqueue pairs waiting users first-in-first-out, expiring
// entries that outlive their timeout.
package matchqueue

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/duelarena/server/internal/model"
)

// Domain rejections surfaced to the HTTP layer.
var (
	// ErrDuplicate: the user is already queued or already in a session.
	ErrDuplicate = errors.New("user already queued or in a session")
	// ErrNotFound: cancel for a user with no queue entry.
	ErrNotFound = errors.New("user is not queued")
)

// SessionCreator is the slice of the session layer the queue drives.
type SessionCreator interface {
	CreateSession(first, second model.User) string
	UserInSession(userID int64) bool
}

// ErrorSender delivers timeout error frames to a user's live connection.
// Delivery is best effort; a user without a connection is skipped silently.
type ErrorSender interface {
	SendErrorToUser(userID int64, code, message string)
}

// Entry is one user waiting to be paired.
type Entry struct {
	User      model.User
	JoinedAt  time.Time
	ExpiresAt time.Time
}

// Queue is a FIFO of waiting users with an index for O(1) cancel.
// A one-second sweep expires overdue entries, then pairs the two oldest
// while at least two remain, so join order is pairing order.
type Queue struct {
	mu     sync.Mutex
	order  *list.List // of Entry
	byUser map[int64]*list.Element

	defaultTimeout time.Duration
	sessions       SessionCreator
	errs           ErrorSender
	log            *slog.Logger

	now func() time.Time
}

// New returns an empty queue. A non-positive join timeout falls back to
// defaultTimeout.
func New(defaultTimeout time.Duration, sessions SessionCreator, errs ErrorSender) *Queue {
	return &Queue{
		order:          list.New(),
		byUser:         make(map[int64]*list.Element),
		defaultTimeout: defaultTimeout,
		sessions:       sessions,
		errs:           errs,
		log:            slog.Default(),
		now:            time.Now,
	}
}

// Join enqueues the user. Returns ErrDuplicate when the user is already
// waiting or already playing; a user is in at most one of the two sets.
func (q *Queue) Join(user model.User, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = q.defaultTimeout
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byUser[user.ID]; ok {
		return ErrDuplicate
	}
	if q.sessions.UserInSession(user.ID) {
		return ErrDuplicate
	}

	now := q.now()
	q.byUser[user.ID] = q.order.PushBack(Entry{
		User:      user,
		JoinedAt:  now,
		ExpiresAt: now.Add(timeout),
	})
	q.log.Debug("queue join", "userId", user.ID, "timeout", timeout)
	return nil
}

// Cancel removes the user's entry, or reports ErrNotFound.
func (q *Queue) Cancel(userID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.byUser[userID]
	if !ok {
		return ErrNotFound
	}
	q.order.Remove(el)
	delete(q.byUser, userID)
	q.log.Debug("queue cancel", "userId", userID)
	return nil
}

// Len reports how many users are waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}

// Run drives the expiry-and-pairing sweep once per second until ctx ends.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			q.sweep(now)
		}
	}
}

// sweep expires overdue entries first, so a timed-out user is never paired
// on the same pass, then pairs the two oldest while possible.
func (q *Queue) sweep(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for el := q.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(Entry)
		if !e.ExpiresAt.After(now) {
			q.order.Remove(el)
			delete(q.byUser, e.User.ID)
			q.errs.SendErrorToUser(e.User.ID, "queue_timeout", "matchmaking timeout")
			q.log.Info("queue entry timed out", "userId", e.User.ID, "waited", now.Sub(e.JoinedAt))
		}
		el = next
	}

	for q.order.Len() >= 2 {
		first := q.order.Remove(q.order.Front()).(Entry)
		second := q.order.Remove(q.order.Front()).(Entry)
		delete(q.byUser, first.User.ID)
		delete(q.byUser, second.User.ID)

		sessionID := q.sessions.CreateSession(first.User, second.User)
		q.log.Info("queue paired",
			"sessionId", sessionID,
			"user1", first.User.ID,
			"user2", second.User.ID)
	}
}
