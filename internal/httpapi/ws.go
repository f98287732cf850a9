package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/duelarena/server/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect cross-origin during development; bearer
	// auth is the actual gate.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS authenticates the dial, upgrades it, and serves the connection
// until the peer is gone. The 401 envelope goes out before the upgrade so
// unauthenticated dials fail the handshake visibly.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromRequest(r)
	if !ok {
		s.metrics.IncHTTPRequest()
		s.metrics.IncHTTPError()
		writeError(w, codeUnauthorized, "valid bearer token required")
		return
	}
	s.metrics.IncHTTPRequest()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		s.log.Warn("websocket upgrade failed", "userId", sess.User.ID, "error", err)
		return
	}

	client := realtime.NewClient(conn, sess.User, s.hub, s.tokens, s.inputs, realtime.Limits{
		MaxQueueMessages: s.cfg.QueueLimitMessages,
		MaxQueueBytes:    s.cfg.QueueLimitBytes,
	})
	s.log.Info("websocket connected", "userId", sess.User.ID, "username", sess.User.Username)
	client.Run()
	s.log.Info("websocket disconnected", "userId", sess.User.ID)
}
