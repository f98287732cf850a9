// Package session runs active matches: one goroutine per session owns the
// simulation and tick timer, so per-session state is never touched by two
// goroutines at once. Cross-session lookups go through one registry mutex
// held only for map operations.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/duelarena/server/internal/model"
	"github.com/duelarena/server/internal/sim"
)

const (
	defaultTickInterval = 100 * time.Millisecond
	defaultMaxTicks     = 5

	// jobQueueSize bounds pending per-session work; submitters block (or
	// observe teardown) when a session falls this far behind.
	jobQueueSize = 32

	finalizeTimeout = 15 * time.Second
)

// Domain rejections surfaced to the connection layer.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session already ended")
	ErrNotParticipant  = errors.New("user is not a session participant")
)

// InputError reports a simulation admission failure with its reason.
type InputError struct {
	Reason sim.RejectReason
}

func (e *InputError) Error() string {
	return string(e.Reason)
}

// Broadcaster delivers events to a user's live connection. Delivery is best
// effort; users without a connection are skipped.
type Broadcaster interface {
	SendEventToUser(userID int64, event string, payload any)
}

// Finalizer persists a finished match exactly once.
type Finalizer interface {
	FinalizeResult(ctx context.Context, rec model.MatchRecord, participants [2]model.User) (bool, error)
}

// Config tunes the tick loop.
type Config struct {
	TickInterval time.Duration
	MaxTicks     int
}

// session state below jobs/done is owned by the session's goroutine.
type session struct {
	id           string
	participants [2]model.User
	sim          *sim.Simulation
	jobs         chan func()
	done         chan struct{}

	ended    bool
	tickSent int
}

// Manager owns the session registry and each session's goroutine.
type Manager struct {
	mu            sync.Mutex
	sessions      map[string]*session
	userToSession map[int64]string
	nextID        int64

	hub       Broadcaster
	finalizer Finalizer
	cfg       Config
	log       *slog.Logger
}

// NewManager wires the session layer to its collaborators.
func NewManager(cfg Config, hub Broadcaster, finalizer Finalizer) *Manager {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.MaxTicks <= 0 {
		cfg.MaxTicks = defaultMaxTicks
	}
	return &Manager{
		sessions:      make(map[string]*session),
		userToSession: make(map[int64]string),
		hub:           hub,
		finalizer:     finalizer,
		cfg:           cfg,
		log:           slog.Default(),
	}
}

// CreateSession registers a new session for the pair and starts its
// goroutine. The goroutine announces session.created and session.started
// before the first tick can fire.
func (m *Manager) CreateSession(first, second model.User) string {
	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("session-%d", m.nextID)
	s := &session{
		id:           id,
		participants: [2]model.User{first, second},
		sim:          sim.New(),
		jobs:         make(chan func(), jobQueueSize),
		done:         make(chan struct{}),
	}
	s.sim.AddPlayer(first.ID)
	s.sim.AddPlayer(second.ID)
	m.sessions[id] = s
	m.userToSession[first.ID] = id
	m.userToSession[second.ID] = id
	m.mu.Unlock()

	m.log.Info("session created",
		"sessionId", id,
		"user1", first.ID,
		"user2", second.ID,
		"tickInterval", m.cfg.TickInterval,
		"maxTicks", m.cfg.MaxTicks)

	go m.runSession(s)
	return id
}

// SubmitInput validates and admits one input on the session's goroutine and
// waits for the outcome. A nil return means the command is admitted and will
// be visible to the next tick.
func (m *Manager) SubmitInput(userID int64, sessionID string, sequence uint64, targetTick, delta int64) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	reply := make(chan error, 1)
	job := func() {
		reply <- m.applyInput(s, userID, sequence, targetTick, delta)
	}

	select {
	case s.jobs <- job:
	case <-s.done:
		return ErrSessionClosed
	}

	select {
	case err := <-reply:
		return err
	case <-s.done:
		// The job may have completed right before teardown; prefer its
		// result over the generic closed error.
		select {
		case err := <-reply:
			return err
		default:
			return ErrSessionClosed
		}
	}
}

// FinishSession ends the session ahead of its tick budget. Idempotent:
// finishing an already-ended session is a no-op; an unknown id reports
// ErrSessionNotFound.
func (m *Manager) FinishSession(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	select {
	case s.jobs <- func() { m.finishSession(s) }:
	case <-s.done:
	}
	return nil
}

// Shutdown finishes every live session and waits for their goroutines to
// drain, so finalize attempts complete before the process exits.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	live := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		select {
		case s.jobs <- func() { m.finishSession(s) }:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, s := range live {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// UserInSession reports whether the user belongs to an active session.
func (m *Manager) UserInSession(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.userToSession[userID]
	return ok
}

// ActiveSessionCount reports how many sessions are live.
func (m *Manager) ActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// runSession is the session goroutine: the only mutator of the session's
// simulation and tick state.
func (m *Manager) runSession(s *session) {
	defer close(s.done)

	m.announceStart(s)

	timer := time.NewTimer(m.cfg.TickInterval)
	defer timer.Stop()

	for {
		select {
		case job := <-s.jobs:
			job()
		case <-timer.C:
			m.tickOnce(s)
			timer.Reset(m.cfg.TickInterval)
		}
		if s.ended {
			return
		}
	}
}

type createdPayload struct {
	SessionID    string       `json:"sessionId"`
	CreatedAt    string       `json:"createdAt"`
	Participants []model.User `json:"participants"`
}

type startedPayload struct {
	SessionID      string       `json:"sessionId"`
	Tick           int64        `json:"tick"`
	TickIntervalMS int64        `json:"tickIntervalMs"`
	State          sim.Snapshot `json:"state"`
}

type statePayload struct {
	SessionID string               `json:"sessionId"`
	Tick      int64                `json:"tick"`
	Players   []sim.PlayerSnapshot `json:"players"`
	IssuedAt  string               `json:"issuedAt"`
}

type endedPayload struct {
	SessionID string      `json:"sessionId"`
	Reason    string      `json:"reason"`
	Result    endedResult `json:"result"`
}

type endedResult struct {
	WinnerUserID int64 `json:"winnerUserId"`
	Ticks        int   `json:"ticks"`
}

func (m *Manager) announceStart(s *session) {
	m.broadcast(s, "session.created", createdPayload{
		SessionID:    s.id,
		CreatedAt:    timestamp(),
		Participants: s.participants[:],
	})
	m.broadcast(s, "session.started", startedPayload{
		SessionID:      s.id,
		Tick:           0,
		TickIntervalMS: m.cfg.TickInterval.Milliseconds(),
		State:          s.sim.Snapshot(),
	})
	m.log.Info("session started", "sessionId", s.id)
}

func (m *Manager) tickOnce(s *session) {
	s.sim.TickOnce()
	s.tickSent++

	snap := s.sim.Snapshot()
	m.broadcast(s, "session.state", statePayload{
		SessionID: s.id,
		Tick:      snap.Tick,
		Players:   snap.Players,
		IssuedAt:  timestamp(),
	})

	if s.tickSent >= m.cfg.MaxTicks {
		m.finishSession(s)
	}
}

// applyInput runs on the session goroutine.
func (m *Manager) applyInput(s *session, userID int64, sequence uint64, targetTick, delta int64) error {
	if s.ended {
		return ErrSessionClosed
	}
	if s.participants[0].ID != userID && s.participants[1].ID != userID {
		return ErrNotParticipant
	}

	err := s.sim.EnqueueInput(sim.InputCommand{
		UserID:     userID,
		Sequence:   sequence,
		TargetTick: targetTick,
		Delta:      delta,
	})
	var rej *sim.RejectionError
	if errors.As(err, &rej) {
		return &InputError{Reason: rej.Reason}
	}
	return err
}

// finishSession runs on the session goroutine. Broadcasts the outcome,
// hands the record to the finalizer, then drops the session from the
// registries; the session stays visible (and its users blocked from the
// queue) until the finalize attempt completes.
func (m *Manager) finishSession(s *session) {
	if s.ended {
		return
	}
	s.ended = true

	snap := s.sim.Snapshot()
	winner := winnerOf(snap)

	m.broadcast(s, "session.ended", endedPayload{
		SessionID: s.id,
		Reason:    "completed",
		Result:    endedResult{WinnerUserID: winner, Ticks: s.tickSent},
	})
	m.log.Info("session ended", "sessionId", s.id, "winner", winner, "ticks", s.tickSent)

	snapJSON, err := json.Marshal(snap)
	if err != nil {
		m.log.Error("marshaling final snapshot", "sessionId", s.id, "error", err)
	}
	rec := model.MatchRecord{
		MatchID:      s.id,
		User1ID:      s.participants[0].ID,
		User2ID:      s.participants[1].ID,
		WinnerUserID: winner,
		TickCount:    s.tickSent,
		EndedAt:      time.Now().UTC(),
		Snapshot:     snapJSON,
	}

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	applied, err := m.finalizer.FinalizeResult(ctx, rec, s.participants)
	if err != nil {
		m.log.Error("finalize failed", "sessionId", s.id, "error", err)
	} else {
		m.log.Info("session finalized", "sessionId", s.id, "appliedNow", applied)
	}

	m.removeSession(s)
}

func (m *Manager) removeSession(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s.id)
	delete(m.userToSession, s.participants[0].ID)
	delete(m.userToSession, s.participants[1].ID)
}

func (m *Manager) broadcast(s *session, event string, payload any) {
	for _, p := range s.participants {
		m.hub.SendEventToUser(p.ID, event, payload)
	}
}

// winnerOf picks the player with the highest position. Snapshot players are
// sorted by user id, so an exact tie goes to the lower id; tests lean on
// this rule.
func winnerOf(snap sim.Snapshot) int64 {
	best := snap.Players[0]
	for _, p := range snap.Players[1:] {
		if p.Position > best.Position {
			best = p
		}
	}
	return best.UserID
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
