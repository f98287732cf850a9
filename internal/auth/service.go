// Package auth keeps user credentials and bearer-token sessions in memory
// for the process lifetime. Passwords are hashed with PBKDF2-HMAC-SHA256
// and compared in constant time; logins are rate limited per IP.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/time/rate"

	"github.com/duelarena/server/internal/model"
)

const (
	pbkdf2Iterations = 100_000
	pbkdf2KeyLen     = 32
	saltBytes        = 16
	tokenBytes       = 32
)

// Domain rejections surfaced to the HTTP layer.
var (
	ErrMissingCredentials = errors.New("username and password are required")
	ErrDuplicateUser      = errors.New("username already registered")
	ErrUnauthorized       = errors.New("invalid username or password")
	ErrRateLimited        = errors.New("too many login attempts")
)

// Session is one issued bearer token.
type Session struct {
	Token     string
	User      model.User
	ExpiresAt time.Time
}

type userRecord struct {
	user model.User
	salt []byte
	hash []byte
}

// Config tunes token lifetime and the per-IP login limiter.
type Config struct {
	TokenTTL        time.Duration
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// Service is the credential and token store. Safe for concurrent use.
type Service struct {
	mu          sync.Mutex
	usersByName map[string]*userRecord
	sessions    map[string]Session
	limiters    map[string]*rate.Limiter
	nextID      int64

	cfg Config
	now func() time.Time
}

// NewService returns an empty store. Zero config fields fall back to
// 1h tokens and 5 login attempts per minute per IP.
func NewService(cfg Config) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 5
	}
	return &Service{
		usersByName: make(map[string]*userRecord),
		sessions:    make(map[string]Session),
		limiters:    make(map[string]*rate.Limiter),
		cfg:         cfg,
		now:         time.Now,
	}
}

// Register creates a user. Empty fields report ErrMissingCredentials and a
// taken username ErrDuplicateUser.
func (s *Service) Register(username, password string) (model.User, error) {
	if username == "" || password == "" {
		return model.User{}, ErrMissingCredentials
	}

	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return model.User{}, fmt.Errorf("generating salt: %w", err)
	}
	hash := hashPassword(password, salt)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usersByName[username]; ok {
		return model.User{}, ErrDuplicateUser
	}
	s.nextID++
	user := model.User{ID: s.nextID, Username: username}
	s.usersByName[username] = &userRecord{user: user, salt: salt, hash: hash}
	return user, nil
}

// Login checks credentials and issues a bearer token. Attempts beyond the
// per-IP budget report ErrRateLimited before credentials are examined.
func (s *Service) Login(username, password, ip string) (Session, error) {
	if !s.allowAttempt(ip) {
		return Session{}, ErrRateLimited
	}

	s.mu.Lock()
	rec, ok := s.usersByName[username]
	s.mu.Unlock()
	if !ok {
		// Burn the hash anyway so unknown and known usernames cost the same.
		hashPassword(password, make([]byte, saltBytes))
		return Session{}, ErrUnauthorized
	}
	if subtle.ConstantTimeCompare(hashPassword(password, rec.salt), rec.hash) != 1 {
		return Session{}, ErrUnauthorized
	}

	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return Session{}, fmt.Errorf("generating session token: %w", err)
	}
	sess := Session{
		Token:     hex.EncodeToString(buf),
		User:      rec.user,
		ExpiresAt: s.now().Add(s.cfg.TokenTTL),
	}

	s.mu.Lock()
	s.pruneExpiredLocked()
	s.sessions[sess.Token] = sess
	s.mu.Unlock()
	return sess, nil
}

// ValidateToken resolves a bearer token, evicting it when expired.
func (s *Service) ValidateToken(token string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return Session{}, false
	}
	if !sess.ExpiresAt.After(s.now()) {
		delete(s.sessions, token)
		return Session{}, false
	}
	return sess, true
}

// Logout revokes a token, reporting whether it existed.
func (s *Service) Logout(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[token]
	delete(s.sessions, token)
	return ok
}

func (s *Service) allowAttempt(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	lim, ok := s.limiters[ip]
	if !ok {
		perSecond := float64(s.cfg.RateLimitMax) / s.cfg.RateLimitWindow.Seconds()
		lim = rate.NewLimiter(rate.Limit(perSecond), s.cfg.RateLimitMax)
		s.limiters[ip] = lim
	}
	return lim.Allow()
}

// pruneExpiredLocked drops expired sessions; called with mu held.
func (s *Service) pruneExpiredLocked() {
	now := s.now()
	for token, sess := range s.sessions {
		if !sess.ExpiresAt.After(now) {
			delete(s.sessions, token)
		}
	}
}

func hashPassword(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
}
