// Package server exposes the unified MCP endpoint, profile-scoped
// variants, the OAuth redirect callback, and a health endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mcpgate/mcpgate-go/internal/config"
	"github.com/mcpgate/mcpgate-go/internal/oauth"
	"github.com/mcpgate/mcpgate-go/internal/registry"
	"github.com/mcpgate/mcpgate-go/internal/upstream"
)

// JSON-RPC error codes surfaced by the unified endpoint.
const (
	codeBadSession       = -32000
	codeProfilesDisabled = -32001
	codeProfileMissing   = -32002
)

const sessionHeader = "Mcp-Session-Id"

// Gateway serves all HTTP surfaces of the process on one listener.
type Gateway struct {
	config        *config.Store
	manager       *upstream.Manager
	registry      *registry.Registry
	oauthSessions *oauth.SessionStore
	broker        *oauth.CallbackBroker
	sessions      *SessionStore
	logger        *zap.Logger

	router    *chi.Mux
	startedAt time.Time

	mu           sync.Mutex
	httpServer   *http.Server
	defaultScope *scope
	scopes       map[string]*scope
}

// NewGateway wires the gateway's routes and its default catalog scope.
func NewGateway(cfg *config.Store, manager *upstream.Manager, reg *registry.Registry, oauthSessions *oauth.SessionStore, broker *oauth.CallbackBroker, logger *zap.Logger) *Gateway {
	g := &Gateway{
		config:        cfg,
		manager:       manager,
		registry:      reg,
		oauthSessions: oauthSessions,
		broker:        broker,
		sessions:      NewSessionStore(logger.Named("sessions")),
		logger:        logger.Named("gateway"),
		router:        chi.NewRouter(),
		scopes:        make(map[string]*scope),
	}

	g.defaultScope = newScope("default", "", reg, g.sessions, nil, g.logger)

	// Profile membership changes shift which tools each scope sees.
	cfg.OnChange(config.SectionProfiles, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		reg.Refresh(ctx)
	})

	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.RequestID)
	g.router.Use(g.requestLogging)

	g.router.Handle("/mcp", g.sessionGuard(http.HandlerFunc(g.handleDefaultMCP)))
	g.router.Handle("/mcp/", g.sessionGuard(http.HandlerFunc(g.handleDefaultMCP)))
	g.router.Handle("/{profileID}/mcp", g.sessionGuard(http.HandlerFunc(g.handleProfileMCP)))

	g.router.Get("/oauth/callback", g.handleOAuthCallback)
	g.router.Get("/health", g.handleHealth)
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

func (g *Gateway) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logFn := g.logger.Debug
		if ww.Status() >= 400 {
			logFn = g.logger.Warn
		}
		logFn("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// sessionGuard rejects requests carrying an unknown session identifier,
// and session-less requests on methods that require an open session.
// A session-less POST is let through for the initialize handshake.
func (g *Gateway) sessionGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.Header.Get(sessionHeader)
		if sessionID != "" && !g.sessions.Has(sessionID) {
			writeJSONRPCError(w, http.StatusBadRequest, codeBadSession, "invalid or expired session")
			return
		}
		if sessionID == "" && r.Method != http.MethodPost {
			writeJSONRPCError(w, http.StatusBadRequest, codeBadSession, "missing session identifier")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleDefaultMCP(w http.ResponseWriter, r *http.Request) {
	g.defaultScope.streamable.ServeHTTP(w, r)
}

func (g *Gateway) handleProfileMCP(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")

	if !g.config.ProfilesEnabled() {
		writeJSONRPCError(w, http.StatusNotFound, codeProfilesDisabled, "profiles are disabled")
		return
	}
	if g.config.GetProfile(profileID) == nil {
		writeJSONRPCError(w, http.StatusNotFound, codeProfileMissing,
			fmt.Sprintf("profile not found: %s", profileID))
		return
	}

	g.profileScope(profileID).streamable.ServeHTTP(w, r)
}

// profileScope returns the profile's catalog scope, creating it on first
// use. The backend filter consults the configuration store live so
// membership edits apply on the next discovery pass.
func (g *Gateway) profileScope(profileID string) *scope {
	g.mu.Lock()
	defer g.mu.Unlock()

	if sc, ok := g.scopes[profileID]; ok {
		return sc
	}

	filter := func(backendID string) bool {
		p := g.config.GetProfile(profileID)
		return p != nil && p.Contains(backendID)
	}
	sc := newScope("profile:"+profileID, profileID, g.registry, g.sessions, filter, g.logger)
	g.scopes[profileID] = sc
	return sc
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	running := 0
	for _, b := range g.config.ListBackends() {
		if g.manager.Status(b.ID) == config.StatusRunning {
			running++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"listen":           g.config.Listen(),
		"running_backends": running,
		"total_backends":   len(g.config.ListBackends()),
		"tools":            len(g.registry.Tools()),
		"sessions":         g.sessions.Count(),
		"uptime_seconds":   int(time.Since(g.startedAt).Seconds()),
	})
}

// Start runs the HTTP listener until the context is cancelled or the
// listener fails.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()

	g.mu.Lock()
	g.httpServer = &http.Server{
		Addr:              g.config.Listen(),
		Handler:           g.router,
		ReadHeaderTimeout: 60 * time.Second,
		ReadTimeout:       120 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       180 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	srv := g.httpServer
	g.mu.Unlock()

	// Expired OAuth sessions are purged in the background so abandoned
	// authorization attempts do not pile up.
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go g.sweepOAuthSessions(sweepCtx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	g.logger.Info("gateway listening",
		zap.String("addr", srv.Addr),
		zap.Strings("endpoints", []string{"/mcp", "/{profileId}/mcp", "/oauth/callback", "/health"}))

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway listener: %w", err)
	}
	return nil
}

func (g *Gateway) sweepOAuthSessions(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.oauthSessions.Sweep(); n > 0 {
				g.logger.Debug("swept expired authorization sessions", zap.Int("count", n))
			}
		}
	}
}

// RedirectURI returns the OAuth callback URL for the configured listen
// address, always with a "localhost" host.
func (g *Gateway) RedirectURI() string {
	return oauth.LocalRedirectURI(g.config.Listen())
}

// Sessions exposes the client session store.
func (g *Gateway) Sessions() *SessionStore { return g.sessions }

func writeJSONRPCError(w http.ResponseWriter, httpStatus, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      nil,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
