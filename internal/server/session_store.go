package server

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionInfo holds one client session's metadata.
type SessionInfo struct {
	SessionID     string
	ClientName    string
	ClientVersion string
	Profile       string
	Created       time.Time
}

// SessionStore tracks live client sessions across all scopes. Session IDs
// are registered from MCP server hooks on initialize and removed on
// transport close or explicit termination.
type SessionStore struct {
	sessions map[string]*SessionInfo
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewSessionStore creates a new session store.
func NewSessionStore(logger *zap.Logger) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*SessionInfo),
		logger:   logger,
	}
}

// SetSession stores or updates session information.
func (s *SessionStore) SetSession(sessionID, clientName, clientVersion, profile string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sessionID] = &SessionInfo{
		SessionID:     sessionID,
		ClientName:    clientName,
		ClientVersion: clientVersion,
		Profile:       profile,
		Created:       time.Now(),
	}

	s.logger.Debug("session registered",
		zap.String("session_id", sessionID),
		zap.String("client_name", clientName),
		zap.String("profile", profile),
	)
}

// Has reports whether a session ID is live.
func (s *SessionStore) Has(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[sessionID]
	return ok
}

// GetSession retrieves session information, or nil.
func (s *SessionStore) GetSession(sessionID string) *SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

// RemoveSession removes session information.
func (s *SessionStore) RemoveSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)

	s.logger.Debug("session removed", zap.String("session_id", sessionID))
}

// Count returns the number of live sessions.
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
