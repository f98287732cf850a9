package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/duelarena/server/internal/auth"
	"github.com/duelarena/server/internal/matchqueue"
	"github.com/duelarena/server/internal/obs"
	"github.com/duelarena/server/internal/rating"
)

const maxBodyBytes = 16 * 1024

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, codeBadRequest, "malformed JSON body")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": serverVersion,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	user, err := s.auth.Register(body.Username, body.Password)
	switch {
	case errors.Is(err, auth.ErrMissingCredentials):
		writeError(w, codeBadRequest, err.Error())
	case errors.Is(err, auth.ErrDuplicateUser):
		writeError(w, codeDuplicateUser, err.Error())
	case err != nil:
		s.log.Error("register failed", "error", err)
		writeError(w, codeInternalError, "registration failed")
	default:
		writeData(w, http.StatusCreated, user)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	sess, err := s.auth.Login(body.Username, body.Password, clientIP(r))
	switch {
	case errors.Is(err, auth.ErrRateLimited):
		writeError(w, codeRateLimited, err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, codeUnauthorized, err.Error())
	case err != nil:
		s.log.Error("login failed", "error", err)
		writeError(w, codeInternalError, "login failed")
	default:
		writeData(w, http.StatusOK, map[string]any{
			"token":     sess.Token,
			"expiresAt": sess.ExpiresAt.UTC().Format(time.RFC3339),
			"user":      sess.User,
		})
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, sess auth.Session) {
	s.auth.Logout(sess.Token)
	writeData(w, http.StatusOK, map[string]any{"loggedOut": true})
}

func (s *Server) handleQueueJoin(w http.ResponseWriter, r *http.Request, sess auth.Session) {
	var body struct {
		Mode           string `json:"mode"`
		TimeoutSeconds int    `json:"timeoutSeconds"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Mode != "" && body.Mode != "normal" {
		writeError(w, codeBadRequest, "unsupported queue mode")
		return
	}

	timeout := time.Duration(body.TimeoutSeconds) * time.Second
	if err := s.queue.Join(sess.User, timeout); err != nil {
		if errors.Is(err, matchqueue.ErrDuplicate) {
			writeError(w, codeQueueDuplicate, err.Error())
			return
		}
		s.log.Error("queue join failed", "userId", sess.User.ID, "error", err)
		writeError(w, codeInternalError, "queue join failed")
		return
	}
	writeData(w, http.StatusOK, map[string]any{"queued": true})
}

func (s *Server) handleQueueCancel(w http.ResponseWriter, r *http.Request, sess auth.Session) {
	if err := s.queue.Cancel(sess.User.ID); err != nil {
		if errors.Is(err, matchqueue.ErrNotFound) {
			writeError(w, codeQueueNotFound, err.Error())
			return
		}
		s.log.Error("queue cancel failed", "userId", sess.User.ID, "error", err)
		writeError(w, codeInternalError, "queue cancel failed")
		return
	}
	writeData(w, http.StatusOK, map[string]any{"canceled": true})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	page, size := 1, 10
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, codeLeaderboardRange, "page must be an integer")
			return
		}
		page = n
	}
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, codeLeaderboardRange, "size must be an integer")
			return
		}
		size = n
	}

	board, err := s.ratings.GetLeaderboard(r.Context(), page, size)
	if err != nil {
		if errors.Is(err, rating.ErrPageRange) {
			writeError(w, codeLeaderboardRange, err.Error())
			return
		}
		s.log.Error("leaderboard query failed", "error", err)
		writeError(w, codeInternalError, "leaderboard unavailable")
		return
	}
	writeData(w, http.StatusOK, board)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, sess auth.Session) {
	sum, ok, err := s.ratings.GetSummary(r.Context(), sess.User.ID)
	if err != nil {
		s.log.Error("profile query failed", "userId", sess.User.ID, "error", err)
		writeError(w, codeInternalError, "profile unavailable")
		return
	}
	if !ok {
		// Never rated yet: report the seed values.
		sum = rating.Summary{
			UserID:   sess.User.ID,
			Username: sess.User.Username,
			Rating:   rating.InitialRating,
		}
	}
	writeData(w, http.StatusOK, sum)
}

func (s *Server) handleOpsStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.OpsToken == "" {
		writeError(w, codeNotFound, "ops endpoint disabled")
		return
	}
	if r.Header.Get("X-Ops-Token") != s.cfg.OpsToken {
		writeError(w, codeUnauthorized, "ops token required")
		return
	}

	requests, errCount, finalized, retries := s.metrics.OpsCounts()
	writeData(w, http.StatusOK, map[string]any{
		"uptimeSeconds":    int64(s.metrics.Uptime().Seconds()),
		"activeSessions":   s.sessions.ActiveSessionCount(),
		"queueLength":      s.queue.Len(),
		"activeWebsocket":  s.hub.ActiveConnections(),
		"requestCount":     requests,
		"errorCount":       errCount,
		"resultsFinalized": finalized,
		"finalizeRetries":  retries,
		"process":          obs.SampleProcess(),
	})
}
