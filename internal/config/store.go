package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sections used as change-notification keys. SectionBackends fires only for
// edits that change which backends exist or how they connect; the status
// mirror and enabled flag written by the connection manager itself fire
// SectionStatus, so a backend-list listener (e.g. a reload) is never
// triggered by the manager's own bookkeeping.
const (
	SectionBackends = "backends"
	SectionProfiles = "profiles"
	SectionStats    = "stats"
	SectionStatus   = "status"
)

// Store owns the loaded configuration and serializes all reads and writes
// against it. Mutating methods persist the file and fire section-keyed
// change notifications.
type Store struct {
	path   string
	logger *zap.Logger

	mu             sync.RWMutex
	cfg            *Config
	listenOverride string
	lastSavedSum   [sha256.Size]byte
	listeners      map[string][]func()
	lmu            sync.RWMutex
}

// NewStore loads (or creates) the configuration file at path.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	s := &Store{
		path:      path,
		logger:    logger.Named("config"),
		listeners: make(map[string][]func()),
	}
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	s.cfg = cfg
	return s, nil
}

// NewMemoryStore returns a store with no backing file, for tests and
// embedded use. Save is a no-op.
func NewMemoryStore(cfg *Config, logger *zap.Logger) *Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.CallStats == nil {
		cfg.CallStats = &CallStats{PerBackend: map[string]uint64{}}
	}
	return &Store{
		cfg:       cfg,
		logger:    logger.Named("config"),
		listeners: make(map[string][]func()),
	}
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parseConfig(path, data)
}

func parseConfig(path string, data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if cfg.CallStats == nil {
		cfg.CallStats = &CallStats{PerBackend: map[string]uint64{}}
	}
	return cfg, nil
}

// Path returns the configuration file path ("" for memory stores).
func (s *Store) Path() string { return s.path }

// Listen returns the configured listen address.
func (s *Store) Listen() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Listen
}

// SetListen overrides the listen address at runtime. The override is not
// written back to disk and survives file reloads.
func (s *Store) SetListen(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Listen = addr
	s.listenOverride = addr
}

// AutoAuthorize reports whether connect-time OAuth runs are permitted
// without an explicit user action.
func (s *Store) AutoAuthorize() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.AutoAuthorize
}

// ProfilesEnabled reports whether profile-scoped endpoints are enabled.
func (s *Store) ProfilesEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.EnableProfiles
}

// ListBackends returns a snapshot of all backend descriptors.
func (s *Store) ListBackends() []*BackendConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*BackendConfig, len(s.cfg.Backends))
	copy(out, s.cfg.Backends)
	return out
}

// GetBackend returns the descriptor for id, or nil.
func (s *Store) GetBackend(id string) *BackendConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.cfg.Backends {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// UpsertBackend adds or replaces a backend descriptor and persists.
func (s *Store) UpsertBackend(b *BackendConfig) error {
	s.mu.Lock()
	b.Updated = time.Now()
	if b.Created.IsZero() {
		b.Created = b.Updated
	}
	replaced := false
	for i, existing := range s.cfg.Backends {
		if existing.ID == b.ID {
			s.cfg.Backends[i] = b
			replaced = true
			break
		}
	}
	if !replaced {
		s.cfg.Backends = append(s.cfg.Backends, b)
	}
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(SectionBackends)
	return nil
}

// SetBackendStatus updates the persisted status mirror for a backend.
// Empty errKind clears the error fields.
func (s *Store) SetBackendStatus(id, status, errKind, errDetail string) {
	s.mu.Lock()
	var found *BackendConfig
	for _, b := range s.cfg.Backends {
		if b.ID == id {
			found = b
			break
		}
	}
	if found == nil {
		s.mu.Unlock()
		return
	}
	found.Status = status
	found.LastError = errKind
	found.LastErrorDetail = errDetail
	found.Updated = time.Now()
	if err := s.saveLocked(); err != nil {
		s.logger.Warn("failed to persist backend status",
			zap.String("backend", id), zap.Error(err))
	}
	s.mu.Unlock()
	s.notify(SectionStatus)
}

// SetBackendEnabled flips the enabled flag and persists. Used by the OAuth
// refresh path to disable a backend whose refresh token was rejected.
func (s *Store) SetBackendEnabled(id string, enabled bool) {
	s.mu.Lock()
	for _, b := range s.cfg.Backends {
		if b.ID == id {
			b.Enabled = enabled
			b.Updated = time.Now()
			break
		}
	}
	if err := s.saveLocked(); err != nil {
		s.logger.Warn("failed to persist enabled flag",
			zap.String("backend", id), zap.Error(err))
	}
	s.mu.Unlock()
	s.notify(SectionStatus)
}

// GetProfile returns the profile with the given id, or nil.
func (s *Store) GetProfile(id string) *Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.cfg.Profiles {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// ListProfiles returns a snapshot of all profiles.
func (s *Store) ListProfiles() []*Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Profile, len(s.cfg.Profiles))
	copy(out, s.cfg.Profiles)
	return out
}

// RecordCall increments success-only call counters and persists them.
func (s *Store) RecordCall(backendID string) *CallStats {
	s.mu.Lock()
	if s.cfg.CallStats == nil {
		s.cfg.CallStats = &CallStats{PerBackend: map[string]uint64{}}
	}
	if s.cfg.CallStats.PerBackend == nil {
		s.cfg.CallStats.PerBackend = map[string]uint64{}
	}
	s.cfg.CallStats.TotalCalls++
	s.cfg.CallStats.PerBackend[backendID]++
	s.cfg.CallStats.Updated = time.Now()
	snapshot := s.cfg.CallStats.Clone()
	if err := s.saveLocked(); err != nil {
		s.logger.Warn("failed to persist call stats", zap.Error(err))
	}
	s.mu.Unlock()
	s.notify(SectionStats)
	return snapshot
}

// GetCallStats returns a snapshot of the call counters.
func (s *Store) GetCallStats() *CallStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.CallStats.Clone()
}

// Save persists the current configuration.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// saveLocked writes the config atomically: temp file then rename, so a
// crash mid-write never truncates the previous config.
func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".mcpgate-config-*")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp config file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	s.lastSavedSum = sha256.Sum256(data)
	return nil
}

// OnChange registers a callback for changes to a section. Callbacks are
// dispatched on a separate goroutine, so they may call back into the store
// (and into components that take their own locks) without deadlocking the
// mutator that triggered them.
func (s *Store) OnChange(section string, fn func()) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners[section] = append(s.listeners[section], fn)
}

func (s *Store) notify(section string) {
	s.lmu.RLock()
	fns := make([]func(), len(s.listeners[section]))
	copy(fns, s.listeners[section])
	s.lmu.RUnlock()
	if len(fns) == 0 {
		return
	}
	go func() {
		for _, fn := range fns {
			fn()
		}
	}()
}

// Reload re-reads the configuration file, replacing the in-memory state,
// and notifies all sections. Called by the file watcher. A file whose
// content matches the store's own last save is skipped without
// notification: the watcher cannot tell our writes from external edits,
// and re-announcing our own status/stat mirrors as a backend-list change
// would restart backends on every bookkeeping write.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err == nil {
		s.mu.RLock()
		selfWrite := sha256.Sum256(data) == s.lastSavedSum
		s.mu.RUnlock()
		if selfWrite {
			s.logger.Debug("ignoring reload of self-written config file")
			return nil
		}
	}

	cfg := DefaultConfig()
	if err == nil {
		cfg, err = parseConfig(s.path, data)
		if err != nil {
			return err
		}
	}
	if cfg.CallStats == nil {
		cfg.CallStats = &CallStats{PerBackend: map[string]uint64{}}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration on reload: %w", err)
	}
	s.mu.Lock()
	s.cfg = cfg
	if s.listenOverride != "" {
		s.cfg.Listen = s.listenOverride
	}
	s.mu.Unlock()
	s.notify(SectionBackends)
	s.notify(SectionProfiles)
	s.notify(SectionStats)
	s.notify(SectionStatus)
	return nil
}
