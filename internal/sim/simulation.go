// Package sim implements the deterministic fixed-tick match simulation.
// It is a pure data structure: no I/O, no clock, no locks. Callers are
// responsible for serializing access (one goroutine per simulation).
package sim

import "sort"

// Tuning constants for input admission.
const (
	// MaxDelta bounds a single input's position change.
	MaxDelta = 3
	// MaxInputsPerTickPerUser bounds admitted inputs per (user, target tick).
	MaxInputsPerTickPerUser = 4
)

// RejectReason explains why an input was not admitted.
type RejectReason string

// Rejection reasons, in the order EnqueueInput checks them.
const (
	RejectStaleTick        RejectReason = "stale_tick"
	RejectDeltaOutOfRange  RejectReason = "delta_out_of_range"
	RejectSequenceRequired RejectReason = "sequence_required"
	RejectSequenceOrder    RejectReason = "sequence_not_monotonic"
	RejectTickInputLimit   RejectReason = "tick_input_limit"
)

// RejectionError carries the admission failure reason.
type RejectionError struct {
	Reason RejectReason
}

func (e *RejectionError) Error() string {
	return string(e.Reason)
}

// InputCommand is one client-issued position change aimed at a future tick.
type InputCommand struct {
	UserID     int64
	Sequence   uint64
	TargetTick int64
	Delta      int64
}

// PlayerSnapshot is one player's state inside a Snapshot.
type PlayerSnapshot struct {
	UserID       int64  `json:"userId"`
	Position     int64  `json:"position"`
	LastSequence uint64 `json:"lastSequence"`
}

// Snapshot is an immutable view of the simulation after some tick.
// Players are sorted by user id so equal states marshal byte-identically.
type Snapshot struct {
	Tick    int64            `json:"tick"`
	Players []PlayerSnapshot `json:"players"`
}

type playerState struct {
	position     int64
	lastSequence uint64
}

type inputTracker struct {
	lastSequence uint64
	perTick      map[int64]int
}

// Simulation advances a set of players through discrete ticks, applying
// admitted inputs in a deterministic order.
type Simulation struct {
	currentTick  int64
	players      map[int64]*playerState
	inputsByTick map[int64][]InputCommand
	trackers     map[int64]*inputTracker
}

// New returns an empty simulation at tick 0.
func New() *Simulation {
	return &Simulation{
		players:      make(map[int64]*playerState),
		inputsByTick: make(map[int64][]InputCommand),
		trackers:     make(map[int64]*inputTracker),
	}
}

// CurrentTick returns the last completed tick.
func (s *Simulation) CurrentTick() int64 {
	return s.currentTick
}

// AddPlayer introduces a player at position 0. Idempotent: adding an
// existing player changes nothing.
func (s *Simulation) AddPlayer(userID int64) {
	if _, ok := s.players[userID]; ok {
		return
	}
	s.players[userID] = &playerState{}
}

// EnqueueInput admits cmd for a future tick or returns a *RejectionError.
// Checks run in a fixed order: stale tick, delta range, sequence presence,
// sequence monotonicity, per-tick input budget. On admission the user's
// sequence tracker advances and the per-tick counter increments.
func (s *Simulation) EnqueueInput(cmd InputCommand) error {
	if cmd.TargetTick <= s.currentTick {
		return &RejectionError{Reason: RejectStaleTick}
	}
	if cmd.Delta > MaxDelta || cmd.Delta < -MaxDelta {
		return &RejectionError{Reason: RejectDeltaOutOfRange}
	}
	if cmd.Sequence == 0 {
		return &RejectionError{Reason: RejectSequenceRequired}
	}

	tr := s.trackers[cmd.UserID]
	if tr == nil {
		tr = &inputTracker{perTick: make(map[int64]int)}
		s.trackers[cmd.UserID] = tr
	}
	if cmd.Sequence <= tr.lastSequence {
		return &RejectionError{Reason: RejectSequenceOrder}
	}
	if tr.perTick[cmd.TargetTick]+1 > MaxInputsPerTickPerUser {
		return &RejectionError{Reason: RejectTickInputLimit}
	}

	tr.lastSequence = cmd.Sequence
	tr.perTick[cmd.TargetTick]++
	s.inputsByTick[cmd.TargetTick] = append(s.inputsByTick[cmd.TargetTick], cmd)
	return nil
}

// TickOnce advances the simulation by one tick and applies every input
// admitted for it. Application order is (sequence asc, user id asc), which
// together with per-user sequence monotonicity makes replay deterministic.
func (s *Simulation) TickOnce() {
	s.currentTick++

	bucket, ok := s.inputsByTick[s.currentTick]
	if !ok {
		return
	}

	sort.SliceStable(bucket, func(i, j int) bool {
		if bucket[i].Sequence != bucket[j].Sequence {
			return bucket[i].Sequence < bucket[j].Sequence
		}
		return bucket[i].UserID < bucket[j].UserID
	})

	for _, cmd := range bucket {
		p := s.players[cmd.UserID]
		if p == nil {
			continue
		}
		p.position += cmd.Delta
		p.lastSequence = cmd.Sequence
	}

	delete(s.inputsByTick, s.currentTick)
	for _, tr := range s.trackers {
		delete(tr.perTick, s.currentTick)
	}
}

// Snapshot returns the current tick and all players sorted by user id.
func (s *Simulation) Snapshot() Snapshot {
	players := make([]PlayerSnapshot, 0, len(s.players))
	for id, p := range s.players {
		players = append(players, PlayerSnapshot{
			UserID:       id,
			Position:     p.position,
			LastSequence: p.lastSequence,
		})
	}
	sort.Slice(players, func(i, j int) bool {
		return players[i].UserID < players[j].UserID
	})
	return Snapshot{Tick: s.currentTick, Players: players}
}
