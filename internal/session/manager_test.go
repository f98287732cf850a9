package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duelarena/server/internal/model"
	"github.com/duelarena/server/internal/sim"
)

type recordedEvent struct {
	event   string
	payload any
}

type recordingHub struct {
	mu     sync.Mutex
	events map[int64][]recordedEvent
}

func newRecordingHub() *recordingHub {
	return &recordingHub{events: make(map[int64][]recordedEvent)}
}

func (h *recordingHub) SendEventToUser(userID int64, event string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[userID] = append(h.events[userID], recordedEvent{event: event, payload: payload})
}

func (h *recordingHub) names(userID int64) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, e := range h.events[userID] {
		out = append(out, e.event)
	}
	return out
}

func (h *recordingHub) payloads(userID int64, event string) []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []any
	for _, e := range h.events[userID] {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

type finalizeCall struct {
	rec          model.MatchRecord
	participants [2]model.User
}

type fakeFinalizer struct {
	mu    sync.Mutex
	calls []finalizeCall
	block chan struct{} // when non-nil, FinalizeResult waits on it
	done  chan finalizeCall
}

func newFakeFinalizer() *fakeFinalizer {
	return &fakeFinalizer{done: make(chan finalizeCall, 4)}
}

func (f *fakeFinalizer) FinalizeResult(_ context.Context, rec model.MatchRecord, participants [2]model.User) (bool, error) {
	if f.block != nil {
		<-f.block
	}
	call := finalizeCall{rec: rec, participants: participants}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	f.done <- call
	return true, nil
}

func (f *fakeFinalizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func awaitFinalize(t *testing.T, f *fakeFinalizer) finalizeCall {
	t.Helper()
	select {
	case call := <-f.done:
		return call
	case <-time.After(3 * time.Second):
		t.Fatal("finalize was not reached")
		return finalizeCall{}
	}
}

func u(id int64, name string) model.User {
	return model.User{ID: id, Username: name}
}

func TestSessionLifecycleEventOrder(t *testing.T) {
	hub := newRecordingHub()
	fin := newFakeFinalizer()
	m := NewManager(Config{TickInterval: 10 * time.Millisecond, MaxTicks: 3}, hub, fin)

	id := m.CreateSession(u(1, "alice"), u(2, "bob"))
	require.Equal(t, "session-1", id)

	awaitFinalize(t, fin)

	for _, userID := range []int64{1, 2} {
		names := hub.names(userID)
		require.Equal(t, []string{
			"session.created",
			"session.started",
			"session.state",
			"session.state",
			"session.state",
			"session.ended",
		}, names, "event order for user %d", userID)

		states := hub.payloads(userID, "session.state")
		for i, raw := range states {
			state, ok := raw.(statePayload)
			require.True(t, ok)
			assert.Equal(t, int64(i+1), state.Tick)
			assert.Equal(t, id, state.SessionID)
			assert.NotEmpty(t, state.IssuedAt)
		}

		started, ok := hub.payloads(userID, "session.started")[0].(startedPayload)
		require.True(t, ok)
		assert.Equal(t, int64(0), started.Tick)
		assert.Equal(t, int64(10), started.TickIntervalMS)
		assert.Len(t, started.State.Players, 2)
	}
}

func TestSubmitInputUnknownSession(t *testing.T) {
	m := NewManager(Config{}, newRecordingHub(), newFakeFinalizer())

	err := m.SubmitInput(1, "session-404", 1, 1, 1)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSubmitInputNotParticipant(t *testing.T) {
	hub := newRecordingHub()
	fin := newFakeFinalizer()
	m := NewManager(Config{TickInterval: 100 * time.Millisecond, MaxTicks: 5}, hub, fin)

	id := m.CreateSession(u(1, "alice"), u(2, "bob"))

	err := m.SubmitInput(9, id, 1, 1, 1)
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestSubmitInputRejectionReason(t *testing.T) {
	hub := newRecordingHub()
	fin := newFakeFinalizer()
	m := NewManager(Config{TickInterval: 100 * time.Millisecond, MaxTicks: 5}, hub, fin)

	id := m.CreateSession(u(1, "alice"), u(2, "bob"))

	// Target tick 0 is never ahead of the simulation.
	err := m.SubmitInput(1, id, 1, 0, 1)
	require.Error(t, err)

	var inputErr *InputError
	require.ErrorAs(t, err, &inputErr)
	assert.Equal(t, sim.RejectStaleTick, inputErr.Reason)
}

func TestInputDecidesWinner(t *testing.T) {
	hub := newRecordingHub()
	fin := newFakeFinalizer()
	m := NewManager(Config{TickInterval: 40 * time.Millisecond, MaxTicks: 5}, hub, fin)

	id := m.CreateSession(u(1, "alice"), u(2, "bob"))
	require.NoError(t, m.SubmitInput(2, id, 1, 2, 2))

	call := awaitFinalize(t, fin)
	assert.Equal(t, int64(2), call.rec.WinnerUserID)
	assert.Equal(t, id, call.rec.MatchID)

	var snap sim.Snapshot
	require.NoError(t, json.Unmarshal(call.rec.Snapshot, &snap))
	require.Len(t, snap.Players, 2)
	assert.Equal(t, int64(0), snap.Players[0].Position)
	assert.Equal(t, int64(2), snap.Players[1].Position)

	ended, ok := hub.payloads(1, "session.ended")[0].(endedPayload)
	require.True(t, ok)
	assert.Equal(t, "completed", ended.Reason)
	assert.Equal(t, int64(2), ended.Result.WinnerUserID)
	assert.Equal(t, 5, ended.Result.Ticks)
}

func TestWinnerTieGoesToLowestUserID(t *testing.T) {
	hub := newRecordingHub()
	fin := newFakeFinalizer()
	m := NewManager(Config{TickInterval: 5 * time.Millisecond, MaxTicks: 2}, hub, fin)

	m.CreateSession(u(7, "gina"), u(3, "carol"))

	call := awaitFinalize(t, fin)
	assert.Equal(t, int64(3), call.rec.WinnerUserID)
}

func TestRecordContents(t *testing.T) {
	hub := newRecordingHub()
	fin := newFakeFinalizer()
	m := NewManager(Config{TickInterval: 5 * time.Millisecond, MaxTicks: 4}, hub, fin)

	id := m.CreateSession(u(1, "alice"), u(2, "bob"))
	call := awaitFinalize(t, fin)

	assert.Equal(t, id, call.rec.MatchID)
	assert.Equal(t, int64(1), call.rec.User1ID)
	assert.Equal(t, int64(2), call.rec.User2ID)
	assert.Equal(t, 4, call.rec.TickCount)
	assert.WithinDuration(t, time.Now(), call.rec.EndedAt, 5*time.Second)
	assert.Equal(t, [2]model.User{u(1, "alice"), u(2, "bob")}, call.participants)

	var snap sim.Snapshot
	require.NoError(t, json.Unmarshal(call.rec.Snapshot, &snap))
	assert.Equal(t, int64(4), snap.Tick)
}

func TestRegistryLifecycle(t *testing.T) {
	hub := newRecordingHub()
	fin := newFakeFinalizer()
	m := NewManager(Config{TickInterval: 5 * time.Millisecond, MaxTicks: 2}, hub, fin)

	id := m.CreateSession(u(1, "alice"), u(2, "bob"))
	assert.True(t, m.UserInSession(1))
	assert.True(t, m.UserInSession(2))
	assert.Equal(t, 1, m.ActiveSessionCount())

	awaitFinalize(t, fin)

	// Removal happens right after the finalize attempt; poll briefly.
	require.Eventually(t, func() bool {
		return m.ActiveSessionCount() == 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.False(t, m.UserInSession(1))
	assert.False(t, m.UserInSession(2))
	assert.ErrorIs(t, m.SubmitInput(1, id, 1, 1, 1), ErrSessionNotFound)
}

func TestFinishSessionExplicit(t *testing.T) {
	hub := newRecordingHub()
	fin := newFakeFinalizer()
	m := NewManager(Config{TickInterval: time.Second, MaxTicks: 5}, hub, fin)

	id := m.CreateSession(u(1, "alice"), u(2, "bob"))
	require.NoError(t, m.FinishSession(id))

	call := awaitFinalize(t, fin)
	assert.Equal(t, 0, call.rec.TickCount, "finished before any tick")
	assert.Equal(t, int64(1), call.rec.WinnerUserID)

	require.Eventually(t, func() bool {
		return m.ActiveSessionCount() == 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, m.FinishSession(id), ErrSessionNotFound)
	assert.Equal(t, 1, fin.callCount())
}

func TestShutdownDrainsLiveSessions(t *testing.T) {
	hub := newRecordingHub()
	fin := newFakeFinalizer()
	m := NewManager(Config{TickInterval: time.Minute, MaxTicks: 5}, hub, fin)

	m.CreateSession(u(1, "alice"), u(2, "bob"))
	m.CreateSession(u(3, "carol"), u(4, "dave"))
	require.Equal(t, 2, m.ActiveSessionCount())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.Equal(t, 0, m.ActiveSessionCount())
	assert.Equal(t, 2, fin.callCount())
	assert.Len(t, hub.payloads(1, "session.ended"), 1)
	assert.Len(t, hub.payloads(3, "session.ended"), 1)
}

func TestShutdownEmptyManager(t *testing.T) {
	m := NewManager(Config{}, newRecordingHub(), newFakeFinalizer())
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestSubmitInputDuringTeardown(t *testing.T) {
	hub := newRecordingHub()
	fin := newFakeFinalizer()
	fin.block = make(chan struct{})
	m := NewManager(Config{TickInterval: 5 * time.Millisecond, MaxTicks: 1}, hub, fin)

	id := m.CreateSession(u(1, "alice"), u(2, "bob"))

	// Wait until the session goroutine is parked inside the finalize call,
	// then submit: the session is still registered but no longer ticking.
	require.Eventually(t, func() bool {
		return len(hub.payloads(1, "session.ended")) > 0
	}, 2*time.Second, time.Millisecond)

	errCh := make(chan error, 1)
	go func() { errCh <- m.SubmitInput(1, id, 1, 5, 1) }()

	close(fin.block)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("SubmitInput did not return after teardown")
	}
}
