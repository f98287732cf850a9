// Package httpapi is the REST and WebSocket-upgrade surface around the
// realtime core: auth endpoints, queue join/cancel, leaderboard and
// profile reads, metrics, and the ops snapshot.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/duelarena/server/internal/auth"
	"github.com/duelarena/server/internal/config"
	"github.com/duelarena/server/internal/model"
	"github.com/duelarena/server/internal/obs"
	"github.com/duelarena/server/internal/rating"
	"github.com/duelarena/server/internal/realtime"
	"github.com/duelarena/server/internal/reconnect"
)

const (
	serverVersion   = "1.0.0"
	readTimeout     = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Matchmaker is the queue slice the HTTP layer drives.
type Matchmaker interface {
	Join(user model.User, timeout time.Duration) error
	Cancel(userID int64) error
	Len() int
}

// SessionCounter exposes the live-session count for the ops view.
type SessionCounter interface {
	ActiveSessionCount() int
}

// RatingReader is the read-only slice of the rating store.
type RatingReader interface {
	GetSummary(ctx context.Context, userID int64) (rating.Summary, bool, error)
	GetLeaderboard(ctx context.Context, page, size int) (rating.LeaderboardPage, error)
}

// Server wires the HTTP surface to the core services.
type Server struct {
	cfg      config.Server
	auth     *auth.Service
	queue    Matchmaker
	sessions SessionCounter
	inputs   realtime.InputSink
	ratings  RatingReader
	hub      *realtime.Hub
	tokens   *reconnect.TokenStore
	metrics  *obs.Metrics
	log      *slog.Logger
}

// NewServer builds the HTTP layer. sessions and inputs are usually the same
// session.Manager, split here into the two slices the handlers need.
func NewServer(
	cfg config.Server,
	authSvc *auth.Service,
	queue Matchmaker,
	sessions SessionCounter,
	inputs realtime.InputSink,
	ratings RatingReader,
	hub *realtime.Hub,
	tokens *reconnect.TokenStore,
	metrics *obs.Metrics,
) *Server {
	return &Server{
		cfg:      cfg,
		auth:     authSvc,
		queue:    queue,
		sessions: sessions,
		inputs:   inputs,
		ratings:  ratings,
		hub:      hub,
		tokens:   tokens,
		metrics:  metrics,
		log:      slog.Default(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.instrument(s.handleHealth))
	mux.HandleFunc("POST /api/auth/register", s.instrument(s.handleRegister))
	mux.HandleFunc("POST /api/auth/login", s.instrument(s.handleLogin))
	mux.HandleFunc("POST /api/auth/logout", s.instrument(s.requireAuth(s.handleLogout)))
	mux.HandleFunc("POST /api/queue/join", s.instrument(s.requireAuth(s.handleQueueJoin)))
	mux.HandleFunc("POST /api/queue/cancel", s.instrument(s.requireAuth(s.handleQueueCancel)))
	mux.HandleFunc("GET /api/leaderboard", s.instrument(s.handleLeaderboard))
	mux.HandleFunc("GET /api/profile", s.instrument(s.requireAuth(s.handleProfile)))
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /ops/status", s.instrument(s.handleOpsStatus))

	return mux
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.cfg.Addr(),
		Handler:     s.Handler(),
		ReadTimeout: readTimeout,
		IdleTimeout: readTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
