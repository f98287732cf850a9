package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/duelarena/server/internal/auth"
	"github.com/duelarena/server/internal/obs"
)

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument wraps a handler with a trace id, request/error counters, and
// one structured log line per request.
func (s *Server) instrument(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		traceID := obs.NextTraceID()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next(rec, r)

		s.metrics.IncHTTPRequest()
		if rec.status >= http.StatusBadRequest {
			s.metrics.IncHTTPError()
		}
		s.log.Info("http request",
			"trace", traceID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	}
}

// requireAuth resolves the bearer token and passes the session through.
// Missing or stale tokens end the request with a 401 envelope.
func (s *Server) requireAuth(next func(w http.ResponseWriter, r *http.Request, sess auth.Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.sessionFromRequest(r)
		if !ok {
			writeError(w, codeUnauthorized, "valid bearer token required")
			return
		}
		next(w, r, sess)
	}
}

// sessionFromRequest accepts the token from the Authorization header or,
// for WebSocket dials where headers are awkward, a token query parameter.
func (s *Server) sessionFromRequest(r *http.Request) (auth.Session, bool) {
	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	} else if q := r.URL.Query().Get("token"); q != "" {
		token = q
	}
	if token == "" {
		return auth.Session{}, false
	}
	return s.auth.ValidateToken(token)
}

// clientIP returns the remote address without the port.
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[:i]
	}
	return addr
}
