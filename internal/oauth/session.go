package oauth

import (
	"fmt"
	"sync"
	"time"
)

// SessionTTL is the absolute lifetime of a pending authorization session.
const SessionTTL = 10 * time.Minute

// MaxPendingSessions caps concurrent pending authorization sessions. When
// the cap is reached, expired entries are evicted first, then the oldest.
const MaxPendingSessions = 32

// Session is the short-lived record created when an authorization redirect
// is issued and consumed exactly once by the token-exchange step.
type Session struct {
	Origin      string
	State       string
	Verifier    string
	Challenge   string
	Scopes      []string
	ResourceURL string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

func sessionKey(origin, state string) string {
	return origin + "|" + state
}

// SessionStore holds pending authorization sessions keyed by
// (origin, state). All mutations are serialized by a mutex; concurrent
// authorization attempts and the expiry sweeper race on it.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewSessionStore creates an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Put stores a new pending session. Reusing a state nonce for the same
// origin while an attempt is still pending is an error.
func (s *SessionStore) Put(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(sess.Origin, sess.State)
	if existing, ok := s.sessions[key]; ok && s.now().Before(existing.ExpiresAt) {
		return fmt.Errorf("state nonce already in use for origin %s", sess.Origin)
	}

	s.evictLocked()

	now := s.now()
	sess.CreatedAt = now
	sess.ExpiresAt = now.Add(SessionTTL)
	s.sessions[key] = sess
	return nil
}

// evictLocked enforces MaxPendingSessions: expired entries go first, then
// the oldest pending one.
func (s *SessionStore) evictLocked() {
	if len(s.sessions) < MaxPendingSessions {
		return
	}
	now := s.now()
	for key, sess := range s.sessions {
		if !now.Before(sess.ExpiresAt) {
			delete(s.sessions, key)
		}
	}
	for len(s.sessions) >= MaxPendingSessions {
		var oldestKey string
		var oldest time.Time
		for key, sess := range s.sessions {
			if oldestKey == "" || sess.CreatedAt.Before(oldest) {
				oldestKey = key
				oldest = sess.CreatedAt
			}
		}
		delete(s.sessions, oldestKey)
	}
}

// Peek returns the pending session for (origin, state) without consuming
// it, or nil if absent or expired.
func (s *SessionStore) Peek(origin, state string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey(origin, state)]
	if !ok || !s.now().Before(sess.ExpiresAt) {
		return nil
	}
	return sess
}

// PeekByState returns any pending session with the given state, regardless
// of origin. Used by the callback endpoint, which only sees the state.
func (s *SessionStore) PeekByState(state string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, sess := range s.sessions {
		if sess.State == state && now.Before(sess.ExpiresAt) {
			return sess
		}
	}
	return nil
}

// Consume removes and returns the pending session for (origin, state).
// Each session is consumable exactly once.
func (s *SessionStore) Consume(origin, state string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(origin, state)
	sess, ok := s.sessions[key]
	if !ok {
		return nil, fmt.Errorf("no pending authorization session for state")
	}
	delete(s.sessions, key)
	if !s.now().Before(sess.ExpiresAt) {
		return nil, fmt.Errorf("authorization session expired")
	}
	return sess, nil
}

// Sweep removes expired sessions and returns how many were purged.
func (s *SessionStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	purged := 0
	for key, sess := range s.sessions {
		if !now.Before(sess.ExpiresAt) {
			delete(s.sessions, key)
			purged++
		}
	}
	return purged
}

// Reset drops every pending session. Used on process-wide shutdown.
func (s *SessionStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*Session)
}

// Len returns the number of pending sessions, expired or not.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
