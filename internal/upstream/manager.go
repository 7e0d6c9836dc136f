// Package upstream implements the connection manager: lifecycle of backend
// connections, credential injection, OAuth-driven reconnect, and proactive
// token refresh scheduling.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/mcpgate/mcpgate-go/internal/config"
	"github.com/mcpgate/mcpgate-go/internal/oauth"
	"github.com/mcpgate/mcpgate-go/internal/secret"
)

// ErrAuthorizationRequired distinguishes connect failures that the caller
// can resolve by prompting the user and retrying with auto-authorization
// enabled.
var ErrAuthorizationRequired = errors.New("backend requires authorization")

// tokenRefreshWindow is how long before expiry a token counts as expiring
// soon: it is refreshed before use and proactive refresh timers fire then.
const tokenRefreshWindow = 5 * time.Minute

// ToolEntry is one capability discovered on a live connection, under its
// globally unique wrapper name.
type ToolEntry struct {
	WrapperName  string
	OriginalName string
	BackendID    string
	Description  string
	InputSchema  mcp.ToolInputSchema
	Annotations  mcp.ToolAnnotation
	Conn         *Connection
}

// Deps are the collaborators the Manager needs.
type Deps struct {
	Config      *config.Store
	Credentials secret.Store
	Sessions    *oauth.SessionStore
	Broker      *oauth.CallbackBroker
	Refresher   *oauth.Refresher
	RedirectURI string
	HTTPClient  *http.Client
	OpenBrowser func(string) error
	Logger      *zap.Logger
}

// Manager owns the set of live backend connections. Operations against
// different backends proceed concurrently; operations against the same
// backend ID are serialized by a per-ID lock so at most one Connection per
// backend ever exists.
type Manager struct {
	deps   Deps
	logger *zap.Logger

	mu    sync.RWMutex
	conns map[string]*Connection

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	onToolsChanged func()
	cbMu           sync.RWMutex
}

// NewManager creates a connection manager.
func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:   deps,
		logger: deps.Logger.Named("upstream"),
		conns:  make(map[string]*Connection),
		locks:  make(map[string]*sync.Mutex),
		timers: make(map[string]*time.Timer),
	}
}

// OnToolsChanged registers the callback fired after any change to the set
// of live connections. The tool registry uses it to run a discovery pass.
func (m *Manager) OnToolsChanged(fn func()) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onToolsChanged = fn
}

func (m *Manager) notifyToolsChanged() {
	m.cbMu.RLock()
	fn := m.onToolsChanged
	m.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}

// lockFor returns the serialization lock for a backend ID.
func (m *Manager) lockFor(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// Get returns the live connection for a backend, if any.
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[id]
	return conn, ok
}

// Connections returns a snapshot of all live connections.
func (m *Manager) Connections() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// Start connects a backend. Idempotent: a live connection is left alone.
// When the backend rejects the connection as unauthenticated and
// autoAuthorize is true, one OAuth authorization run is performed and the
// connect retried exactly once.
func (m *Manager) Start(ctx context.Context, id string, autoAuthorize bool) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if _, ok := m.Get(id); ok {
		m.logger.Debug("backend already running", zap.String("backend", id))
		return nil
	}

	backend := m.deps.Config.GetBackend(id)
	if backend == nil {
		return fmt.Errorf("unknown backend: %s", id)
	}

	m.deps.Config.SetBackendStatus(id, config.StatusStarting, "", "")

	conn, err := m.connectOnce(ctx, backend)
	if err != nil && isAuthError(err) && backend.URL != "" {
		if !autoAuthorize {
			m.deps.Config.SetBackendStatus(id, config.StatusStopped, config.ErrorKindAuth, err.Error())
			return fmt.Errorf("%w: %s", ErrAuthorizationRequired, id)
		}

		m.logger.Info("connect rejected as unauthenticated, running authorization",
			zap.String("backend", id))
		token, authErr := m.Authorize(ctx, backend)
		if authErr != nil {
			m.deps.Config.SetBackendStatus(id, config.StatusStopped, config.ErrorKindAuth, authErr.Error())
			return fmt.Errorf("%w: %s: %v", ErrAuthorizationRequired, id, authErr)
		}

		// Rebuild the transport with the fresh token and retry exactly once.
		conn, err = m.connectWith(ctx, backend, token.AccessToken)
		if err != nil {
			kind := config.ErrorKindUnknown
			if isAuthError(err) {
				kind = config.ErrorKindAuth
			}
			m.deps.Config.SetBackendStatus(id, config.StatusStopped, kind, err.Error())
			return fmt.Errorf("failed to connect after authorization: %w", err)
		}
	} else if err != nil {
		m.deps.Config.SetBackendStatus(id, config.StatusStopped, config.ErrorKindUnknown, err.Error())
		return fmt.Errorf("failed to connect to backend %s: %w", id, err)
	}

	m.mu.Lock()
	if old, ok := m.conns[id]; ok {
		// Replace, never duplicate.
		_ = old.Close()
	}
	m.conns[id] = conn
	m.mu.Unlock()

	m.deps.Config.SetBackendStatus(id, config.StatusRunning, "", "")
	m.scheduleTokenRefresh(id)
	m.notifyToolsChanged()

	m.logger.Info("backend started",
		zap.String("backend", id),
		zap.String("transport", conn.Kind()))
	return nil
}

// connectOnce resolves the descriptor, injects the current access token
// (refreshing an expiring one first), and attempts a single connect.
func (m *Manager) connectOnce(ctx context.Context, backend *config.BackendConfig) (*Connection, error) {
	return m.connectWith(ctx, backend, m.bearerToken(ctx, backend))
}

func (m *Manager) connectWith(ctx context.Context, backend *config.BackendConfig, bearerToken string) (*Connection, error) {
	resolved := config.SubstituteBackend(backend, m.logger)
	conn, err := newConnection(resolved, bearerToken, m.logger)
	if err != nil {
		return nil, err
	}
	if err := conn.connect(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// bearerToken returns the backend's current access token, refreshing it
// first when it expires within the refresh window. URL-less backends never
// carry tokens.
func (m *Manager) bearerToken(ctx context.Context, backend *config.BackendConfig) string {
	if backend.URL == "" {
		return ""
	}
	record, err := m.deps.Credentials.GetToken(backend.ID)
	if err != nil {
		return ""
	}
	now := time.Now()
	if record.ExpiringSoon(now, tokenRefreshWindow) && record.RefreshToken != "" {
		if m.deps.Refresher.Refresh(ctx, backend) {
			if fresh, err := m.deps.Credentials.GetToken(backend.ID); err == nil {
				return fresh.AccessToken
			}
		}
	}
	if record.Expired(now) {
		return ""
	}
	return record.AccessToken
}

// Authorize runs one OAuth authorization flow for the backend. Each call
// constructs a fresh single-use flow.
func (m *Manager) Authorize(ctx context.Context, backend *config.BackendConfig) (*secret.TokenRecord, error) {
	flow := oauth.NewFlow(backend, oauth.Deps{
		Credentials: m.deps.Credentials,
		Sessions:    m.deps.Sessions,
		Broker:      m.deps.Broker,
		HTTPClient:  m.deps.HTTPClient,
		RedirectURI: m.deps.RedirectURI,
		OpenBrowser: m.deps.OpenBrowser,
		Logger:      m.deps.Logger,
	})
	return flow.Run(ctx)
}

// Stop disconnects a backend. Idempotent: stopping a stopped backend is a
// no-op. A stop racing a start for the same ID waits for it to settle.
func (m *Manager) Stop(_ context.Context, id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m.cancelTokenRefresh(id)

	m.mu.Lock()
	conn, ok := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()

	if !ok {
		if m.deps.Config.GetBackend(id) != nil {
			m.deps.Config.SetBackendStatus(id, config.StatusStopped, "", "")
		}
		return nil
	}

	m.deps.Config.SetBackendStatus(id, config.StatusStopping, "", "")
	if err := conn.Close(); err != nil {
		m.logger.Warn("error closing connection", zap.String("backend", id), zap.Error(err))
	}
	m.deps.Config.SetBackendStatus(id, config.StatusStopped, "", "")
	m.notifyToolsChanged()

	m.logger.Info("backend stopped", zap.String("backend", id))
	return nil
}

// Reload stops every live connection, then starts every enabled backend
// from the current configuration. Used after bulk configuration changes.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_ = m.Stop(ctx, id)
	}

	var wg sync.WaitGroup
	for _, backend := range m.deps.Config.ListBackends() {
		if !backend.Enabled {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.Start(ctx, id, m.deps.Config.AutoAuthorize()); err != nil {
				m.logger.Warn("failed to start backend during reload",
					zap.String("backend", id), zap.Error(err))
			}
		}(backend.ID)
	}
	wg.Wait()
	return nil
}

// Status returns the backend's persisted status if set, otherwise derives
// running/stopped from whether a live connection exists.
func (m *Manager) Status(id string) string {
	if backend := m.deps.Config.GetBackend(id); backend != nil && backend.Status != "" {
		return backend.Status
	}
	if _, ok := m.Get(id); ok {
		return config.StatusRunning
	}
	return config.StatusStopped
}

// DiscoverTools aggregates the capability catalog across all live
// connections with wrapper-name collision resolution applied. Collisions
// are recomputed on every pass, so a name can shift when the set of live
// backends changes.
func (m *Manager) DiscoverTools(ctx context.Context) []*ToolEntry {
	conns := m.Connections()

	var entries []*ToolEntry
	for _, conn := range conns {
		tools, err := conn.ListTools(ctx)
		if err != nil {
			m.logger.Warn("failed to list tools from backend",
				zap.String("backend", conn.BackendID()), zap.Error(err))
			continue
		}
		for i := range tools {
			tool := &tools[i]
			entries = append(entries, &ToolEntry{
				WrapperName:  conn.Code() + "__" + tool.Name,
				OriginalName: tool.Name,
				BackendID:    conn.BackendID(),
				Description:  tool.Description,
				InputSchema:  tool.InputSchema,
				Annotations:  tool.Annotations,
				Conn:         conn,
			})
		}
	}

	resolveCollisions(entries)

	m.logger.Debug("tool discovery pass complete",
		zap.Int("backends", len(conns)),
		zap.Int("tools", len(entries)))
	return entries
}

// resolveCollisions renames every entry whose natural wrapper name is
// shared with another live backend's entry to the disambiguated form
// {id with / replaced by _}__{code}__{name}.
func resolveCollisions(entries []*ToolEntry) {
	counts := make(map[string]int, len(entries))
	for _, e := range entries {
		counts[e.WrapperName]++
	}
	for _, e := range entries {
		if counts[e.WrapperName] > 1 {
			safeID := strings.ReplaceAll(e.BackendID, "/", "_")
			e.WrapperName = safeID + "__" + e.Conn.Code() + "__" + e.OriginalName
		}
	}
}

// scheduleTokenRefresh arms a one-shot timer firing shortly before the
// backend's token expires. Rescheduled on every successful refresh; on
// failure the backend is disabled with latestError "auth" and the timer is
// not re-armed.
func (m *Manager) scheduleTokenRefresh(id string) {
	backend := m.deps.Config.GetBackend(id)
	if backend == nil || backend.URL == "" {
		return
	}
	record, err := m.deps.Credentials.GetToken(id)
	if err != nil || record.RefreshToken == "" || record.ExpiresAt == 0 {
		return
	}

	fireAt := time.Unix(record.ExpiresAt, 0).Add(-tokenRefreshWindow)
	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}

	m.timersMu.Lock()
	if old, ok := m.timers[id]; ok {
		old.Stop()
	}
	m.timers[id] = time.AfterFunc(delay, func() { m.runScheduledRefresh(id) })
	m.timersMu.Unlock()

	m.logger.Debug("token refresh scheduled",
		zap.String("backend", id),
		zap.Duration("in", delay))
}

func (m *Manager) runScheduledRefresh(id string) {
	backend := m.deps.Config.GetBackend(id)
	if backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if m.deps.Refresher.Refresh(ctx, backend) {
		m.scheduleTokenRefresh(id)
		return
	}

	m.logger.Warn("scheduled token refresh failed, disabling backend",
		zap.String("backend", id))
	m.deps.Config.SetBackendStatus(id, config.StatusStopped, config.ErrorKindAuth, "token refresh failed")
	m.deps.Config.SetBackendEnabled(id, false)
	m.cancelTokenRefresh(id)
}

func (m *Manager) cancelTokenRefresh(id string) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

// LiveCount returns the number of live connections.
func (m *Manager) LiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Shutdown stops all connections and cancels every refresh timer.
func (m *Manager) Shutdown(ctx context.Context) {
	m.timersMu.Lock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.timersMu.Unlock()

	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_ = m.Stop(ctx, id)
	}
}

// isAuthError reports whether a connect failure looks like HTTP
// 401-equivalent signaling from the backend.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	for _, keyword := range []string{
		"401",
		"Unauthorized",
		"unauthorized",
		"invalid_token",
		"authentication required",
		"authorization required",
	} {
		if strings.Contains(errStr, keyword) {
			return true
		}
	}
	return false
}
