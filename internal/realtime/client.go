// Package realtime owns the duplex plane: the wire envelope, the per-user
// connection registry, and the connection sessions themselves with their
// bounded outbound queues.
package realtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duelarena/server/internal/model"
	"github.com/duelarena/server/internal/reconnect"
	"github.com/duelarena/server/internal/session"
)

const (
	writeTimeout = 5 * time.Second

	// maxFrameBytes caps a single inbound frame so a hostile peer cannot
	// balloon memory; exceeding it is a read error and tears the
	// connection down.
	maxFrameBytes = 64 * 1024

	snapshotVersion = 1
	snapshotState   = "auth_only"
)

// Limits bound the outbound queue. Exceeding either on enqueue closes the
// connection with a policy-violation close frame.
type Limits struct {
	MaxQueueMessages int
	MaxQueueBytes    int
}

// InputSink is the slice of the session layer a connection forwards
// session.input commands to.
type InputSink interface {
	SubmitInput(userID int64, sessionID string, sequence uint64, targetTick, delta int64) error
}

// connSnapshot is the identity snapshot bound to a resume token. Resync
// restores identity, not in-match state: the client always receives a
// freshly built snapshot of this shape.
type connSnapshot struct {
	Version  int        `json:"version"`
	State    string     `json:"state"`
	IssuedAt string     `json:"issuedAt"`
	User     model.User `json:"user"`
}

// Client owns one authenticated duplex peer: the read loop, the bounded
// send queue with its single writer goroutine, and the resume-token
// lifecycle. Everything outbound funnels through enqueue.
type Client struct {
	conn     *websocket.Conn
	user     model.User
	hub      *Hub
	tokens   *reconnect.TokenStore
	sessions InputSink
	limits   Limits
	log      *slog.Logger

	sendCh      chan []byte
	closeCh     chan struct{}
	closeOnce   sync.Once
	closing     atomic.Bool
	queuedBytes atomic.Int64

	resumeToken string
}

// NewClient wraps an upgraded connection for the given user. Call Run to
// start serving; it blocks until the connection is gone.
func NewClient(conn *websocket.Conn, user model.User, hub *Hub, tokens *reconnect.TokenStore, sessions InputSink, limits Limits) *Client {
	if limits.MaxQueueMessages <= 0 {
		limits.MaxQueueMessages = 8
	}
	if limits.MaxQueueBytes <= 0 {
		limits.MaxQueueBytes = 64 * 1024
	}
	return &Client{
		conn:     conn,
		user:     user,
		hub:      hub,
		tokens:   tokens,
		sessions: sessions,
		limits:   limits,
		log:      slog.Default(),
		sendCh:   make(chan []byte, limits.MaxQueueMessages),
		closeCh:  make(chan struct{}),
	}
}

// Run registers the connection, announces auth_state with a fresh resume
// token, and serves the read loop until the peer is gone. On return the
// connection is unregistered (pointer-matched, so a replacement connection
// for the same user is never evicted) and closed.
func (c *Client) Run() {
	snap, blob, err := c.buildSnapshot()
	if err != nil {
		c.log.Error("building initial snapshot", "userId", c.user.ID, "error", err)
		c.shutdown(websocket.CloseInternalServerErr, "internal error")
		return
	}
	token, err := c.tokens.Issue(c.user.ID, snap.Version, blob, "")
	if err != nil {
		c.log.Error("issuing resume token", "userId", c.user.ID, "error", err)
		c.shutdown(websocket.CloseInternalServerErr, "internal error")
		return
	}
	c.resumeToken = token

	c.hub.Register(c.user.ID, c)
	defer func() {
		c.hub.Unregister(c.user.ID, c)
		c.shutdown(0, "")
	}()

	go c.writePump()

	c.sendEventSeq(0, "auth_state", struct {
		UserID          int64  `json:"userId"`
		Username        string `json:"username"`
		ResumeToken     string `json:"resumeToken"`
		SnapshotVersion int    `json:"snapshotVersion"`
	}{c.user.ID, c.user.Username, token, snap.Version})

	c.conn.SetReadLimit(maxFrameBytes)
	c.readLoop()
}

// SendEvent enqueues a server-originated event frame (seq 0).
func (c *Client) SendEvent(event string, payload any) {
	c.sendEventSeq(0, event, payload)
}

// SendError enqueues a server-originated error frame (seq 0).
func (c *Client) SendError(code, message string) {
	c.sendErrorSeq(0, code, message)
}

// User returns the identity this connection serves.
func (c *Client) User() model.User {
	return c.user
}

func (c *Client) sendEventSeq(seq uint64, event string, payload any) {
	frame, err := encodeEvent(seq, event, payload)
	if err != nil {
		c.log.Error("encoding event", "event", event, "userId", c.user.ID, "error", err)
		return
	}
	c.enqueue(frame)
}

func (c *Client) sendErrorSeq(seq uint64, code, message string) {
	frame, err := encodeError(seq, code, message)
	if err != nil {
		c.log.Error("encoding error frame", "code", code, "userId", c.user.ID, "error", err)
		return
	}
	c.enqueue(frame)
}

// enqueue appends a frame to the send queue. If the frame would push the
// queue past either bound the connection transitions to closing: the queue
// is emptied and a policy-violation close frame goes out. Never blocks.
func (c *Client) enqueue(frame []byte) {
	if c.closing.Load() {
		return
	}
	if c.queuedBytes.Add(int64(len(frame))) > int64(c.limits.MaxQueueBytes) {
		c.queuedBytes.Add(-int64(len(frame)))
		c.shutdown(websocket.ClosePolicyViolation, "backpressure_exceeded")
		return
	}
	select {
	case c.sendCh <- frame:
	case <-c.closeCh:
		c.queuedBytes.Add(-int64(len(frame)))
	default:
		c.queuedBytes.Add(-int64(len(frame)))
		c.shutdown(websocket.ClosePolicyViolation, "backpressure_exceeded")
	}
}

// writePump is the single writer: at most one outstanding write, frames go
// out in enqueue order. A write error transitions to closing.
func (c *Client) writePump() {
	for {
		select {
		case frame := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.TextMessage, frame)
			c.queuedBytes.Add(-int64(len(frame)))
			if err != nil {
				c.log.Debug("write failed", "userId", c.user.ID, "error", err)
				c.shutdown(0, "")
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

// shutdown runs the close path exactly once: stop the writer, empty the
// queue, optionally send a close frame, close the socket.
func (c *Client) shutdown(closeCode int, reason string) {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		close(c.closeCh)
		c.drainQueue()
		if closeCode != 0 {
			deadline := time.Now().Add(writeTimeout)
			msg := websocket.FormatCloseMessage(closeCode, reason)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		}
		_ = c.conn.Close()
	})
}

func (c *Client) drainQueue() {
	for {
		select {
		case frame := <-c.sendCh:
			c.queuedBytes.Add(-int64(len(frame)))
		default:
			return
		}
	}
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read loop ended", "userId", c.user.ID, "error", err)
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendErrorSeq(0, CodeBadRequest, "malformed frame")
		return
	}
	if env.T != "event" {
		c.sendErrorSeq(env.Seq, CodeBadRequest, "unsupported frame type")
		return
	}

	switch env.Event {
	case "echo":
		c.handleEcho(env)
	case "resync_request":
		c.handleResync(env)
	case "session.input":
		c.handleInput(env)
	default:
		c.sendErrorSeq(env.Seq, CodeBadRequest, "unknown event")
	}
}

// handleEcho reflects the payload back with the user's id added.
func (c *Client) handleEcho(env Envelope) {
	var payload map[string]any
	if err := json.Unmarshal(env.P, &payload); err != nil || payload == nil {
		c.sendErrorSeq(env.Seq, CodeBadRequest, "echo payload must be an object")
		return
	}
	payload["userId"] = c.user.ID
	c.sendEventSeq(env.Seq, "echo", payload)
}

// handleResync validates the presented resume token, rebuilds the identity
// snapshot, and rotates the token: the presented one stops validating.
func (c *Client) handleResync(env Envelope) {
	var payload struct {
		ResumeToken *string `json:"resumeToken"`
	}
	if err := json.Unmarshal(env.P, &payload); err != nil || payload.ResumeToken == nil {
		c.sendErrorSeq(env.Seq, CodeInvalidResumeToken, "resumeToken required")
		return
	}
	if _, ok := c.tokens.Validate(*payload.ResumeToken, c.user.ID); !ok {
		c.sendErrorSeq(env.Seq, CodeInvalidResumeToken, "resume token not recognized")
		return
	}

	snap, blob, err := c.buildSnapshot()
	if err != nil {
		c.log.Error("rebuilding snapshot", "userId", c.user.ID, "error", err)
		c.sendErrorSeq(env.Seq, CodeBadRequest, "internal error")
		return
	}
	token, err := c.tokens.Issue(c.user.ID, snap.Version, blob, *payload.ResumeToken)
	if err != nil {
		c.log.Error("rotating resume token", "userId", c.user.ID, "error", err)
		c.sendErrorSeq(env.Seq, CodeBadRequest, "internal error")
		return
	}
	c.resumeToken = token

	c.sendEventSeq(env.Seq, "resync_state", struct {
		ResumeToken string       `json:"resumeToken"`
		Snapshot    connSnapshot `json:"snapshot"`
	}{token, snap})
}

// handleInput forwards the command to the session layer and reflects any
// domain rejection back with the client's seq. Success is silent; the
// admitted input shows up in the next session.state broadcast.
func (c *Client) handleInput(env Envelope) {
	var payload struct {
		SessionID  *string `json:"sessionId"`
		Sequence   *uint64 `json:"sequence"`
		TargetTick *int64  `json:"targetTick"`
		Delta      *int64  `json:"delta"`
	}
	if err := json.Unmarshal(env.P, &payload); err != nil ||
		payload.SessionID == nil || payload.Sequence == nil ||
		payload.TargetTick == nil || payload.Delta == nil {
		c.sendErrorSeq(env.Seq, CodeBadRequest, "sessionId, sequence, targetTick and delta required")
		return
	}

	err := c.sessions.SubmitInput(c.user.ID, *payload.SessionID, *payload.Sequence, *payload.TargetTick, *payload.Delta)
	if err == nil {
		return
	}

	var inputErr *session.InputError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		c.sendErrorSeq(env.Seq, CodeSessionNotFound, "session not found")
	case errors.Is(err, session.ErrSessionClosed):
		c.sendErrorSeq(env.Seq, CodeSessionClosed, "session already ended")
	case errors.Is(err, session.ErrNotParticipant):
		c.sendErrorSeq(env.Seq, CodeNotParticipant, "not a session participant")
	case errors.As(err, &inputErr):
		c.sendErrorSeq(env.Seq, CodeInputInvalid, string(inputErr.Reason))
	default:
		c.log.Error("submit input failed", "userId", c.user.ID, "error", err)
		c.sendErrorSeq(env.Seq, CodeBadRequest, "internal error")
	}
}

func (c *Client) buildSnapshot() (connSnapshot, json.RawMessage, error) {
	snap := connSnapshot{
		Version:  snapshotVersion,
		State:    snapshotState,
		IssuedAt: time.Now().UTC().Format(time.RFC3339),
		User:     c.user,
	}
	blob, err := json.Marshal(snap)
	if err != nil {
		return connSnapshot{}, nil, err
	}
	return snap, blob, nil
}
