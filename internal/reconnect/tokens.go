// Package reconnect issues and validates resume tokens: opaque credentials
// that let a briefly disconnected client reclaim its server-side identity
// and receive a fresh snapshot.
package reconnect

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const tokenBytes = 16

type entry struct {
	userID   int64
	version  int
	snapshot json.RawMessage
	issuedAt time.Time
}

// TokenStore maps opaque tokens to (user identity, snapshot blob).
// In-memory for the process lifetime; no TTL. Safe for concurrent use.
type TokenStore struct {
	mu     sync.Mutex
	tokens map[string]entry
}

// NewTokenStore returns an empty token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[string]entry)}
}

// Issue mints a fresh token bound to the user and snapshot. When previous is
// non-empty its entry is removed first, so at most one token per issuance
// chain stays live.
func (s *TokenStore) Issue(userID int64, version int, snapshot json.RawMessage, previous string) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating resume token: %w", err)
	}
	token := hex.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	if previous != "" {
		delete(s.tokens, previous)
	}
	s.tokens[token] = entry{
		userID:   userID,
		version:  version,
		snapshot: snapshot,
		issuedAt: time.Now(),
	}
	return token, nil
}

// Validate returns the stored snapshot when the token exists and was issued
// to the given user. A token issued to another user never validates.
func (s *TokenStore) Validate(token string, userID int64) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tokens[token]
	if !ok || e.userID != userID {
		return nil, false
	}
	return e.snapshot, true
}

// Len reports how many tokens are currently live.
func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
