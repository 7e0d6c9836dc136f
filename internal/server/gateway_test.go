package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mcpgate/mcpgate-go/internal/config"
	"github.com/mcpgate/mcpgate-go/internal/oauth"
	"github.com/mcpgate/mcpgate-go/internal/registry"
	"github.com/mcpgate/mcpgate-go/internal/secret"
	"github.com/mcpgate/mcpgate-go/internal/upstream"
)

func newTestGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	store := config.NewMemoryStore(cfg, zap.NewNop())
	creds := secret.NewMemoryStore()
	httpClient := &http.Client{Timeout: 5 * time.Second}
	oauthSessions := oauth.NewSessionStore()
	broker := oauth.NewCallbackBroker(zap.NewNop())
	manager := upstream.NewManager(upstream.Deps{
		Config:      store,
		Credentials: creds,
		Sessions:    oauthSessions,
		Broker:      broker,
		Refresher:   oauth.NewRefresher(creds, httpClient, zap.NewNop()),
		RedirectURI: "http://127.0.0.1:0/oauth/callback",
		HTTPClient:  httpClient,
		OpenBrowser: func(string) error { return nil },
		Logger:      zap.NewNop(),
	})
	reg := registry.NewRegistry(manager, store, nil, zap.NewNop())
	return NewGateway(store, manager, reg, oauthSessions, broker, zap.NewNop())
}

func initializeBody(t *testing.T) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params": map[string]interface{}{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]interface{}{},
			"clientInfo":      map[string]string{"name": "test-client", "version": "0.0.1"},
		},
	})
	require.NoError(t, err)
	return bytes.NewReader(body)
}

func decodeRPCError(t *testing.T, body *bytes.Buffer) (int, string) {
	t.Helper()
	var payload struct {
		JSONRPC string `json:"jsonrpc"`
		Error   struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body.Bytes(), &payload))
	assert.Equal(t, "2.0", payload.JSONRPC)
	return payload.Error.Code, payload.Error.Message
}

func TestSessionGuard_UnknownSessionRejected(t *testing.T) {
	g := newTestGateway(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/mcp", initializeBody(t))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(sessionHeader, "no-such-session")
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	code, msg := decodeRPCError(t, rec.Body)
	assert.Equal(t, codeBadSession, code)
	assert.Contains(t, msg, "session")
}

func TestSessionGuard_MissingSessionOnGetRejected(t *testing.T) {
	g := newTestGateway(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	code, _ := decodeRPCError(t, rec.Body)
	assert.Equal(t, codeBadSession, code)
}

func TestInitializeOpensSession(t *testing.T) {
	g := newTestGateway(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/mcp", initializeBody(t))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sessionID := rec.Header().Get(sessionHeader)
	require.NotEmpty(t, sessionID)
	assert.True(t, g.Sessions().Has(sessionID))

	info := g.Sessions().GetSession(sessionID)
	require.NotNil(t, info)
	assert.Equal(t, "test-client", info.ClientName)
	assert.Equal(t, "", info.Profile)
}

func TestProfileEndpoint_DisabledReturnsNotFound(t *testing.T) {
	g := newTestGateway(t, &config.Config{
		Listen:         "127.0.0.1:0",
		EnableProfiles: false,
		Profiles:       []*config.Profile{{ID: "team"}},
	})

	req := httptest.NewRequest(http.MethodPost, "/team/mcp", initializeBody(t))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	code, _ := decodeRPCError(t, rec.Body)
	assert.Equal(t, codeProfilesDisabled, code)
}

func TestProfileEndpoint_UnknownProfileReturnsNotFound(t *testing.T) {
	g := newTestGateway(t, &config.Config{
		Listen:         "127.0.0.1:0",
		EnableProfiles: true,
		Profiles:       []*config.Profile{{ID: "team"}},
	})

	req := httptest.NewRequest(http.MethodPost, "/nope/mcp", initializeBody(t))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	code, msg := decodeRPCError(t, rec.Body)
	assert.Equal(t, codeProfileMissing, code)
	assert.Contains(t, msg, "nope")
}

func TestProfileEndpoint_InitializeTagsSessionWithProfile(t *testing.T) {
	g := newTestGateway(t, &config.Config{
		Listen:         "127.0.0.1:0",
		EnableProfiles: true,
		Profiles:       []*config.Profile{{ID: "team", BackendIDs: []string{"a"}}},
	})

	req := httptest.NewRequest(http.MethodPost, "/team/mcp", initializeBody(t))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sessionID := rec.Header().Get(sessionHeader)
	require.NotEmpty(t, sessionID)

	info := g.Sessions().GetSession(sessionID)
	require.NotNil(t, info)
	assert.Equal(t, "team", info.Profile)
}

func TestHealthEndpoint(t *testing.T) {
	g := newTestGateway(t, &config.Config{
		Listen: "127.0.0.1:7777",
		Backends: []*config.BackendConfig{
			{ID: "a", Code: "a", Enabled: true, URL: "http://127.0.0.1:1/mcp"},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, "127.0.0.1:7777", payload["listen"])
	assert.Equal(t, float64(0), payload["running_backends"])
	assert.Equal(t, float64(1), payload["total_backends"])
	assert.Equal(t, float64(0), payload["sessions"])
}

func TestOAuthCallback_MatchingStateRendersSuccess(t *testing.T) {
	g := newTestGateway(t, nil)

	now := time.Now()
	require.NoError(t, g.oauthSessions.Put(&oauth.Session{
		Origin:    "https://backend.example.com",
		State:     "pending-state",
		CreatedAt: now,
		ExpiresAt: now.Add(oauth.SessionTTL),
	}))

	_, ch := g.broker.Subscribe()

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=abc&state=pending-state", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Authorization complete")

	select {
	case params := <-ch:
		assert.Equal(t, "abc", params.Code)
		assert.Equal(t, "pending-state", params.State)
	default:
		t.Fatal("callback parameters were not delivered to the waiting run")
	}
}

func TestOAuthCallback_UnknownStateRendersFailure(t *testing.T) {
	g := newTestGateway(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=abc&state=stale", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Authorization failed")
	assert.Contains(t, rec.Body.String(), "pending authorization")
}

func TestOAuthCallback_ProviderErrorRendersFailure(t *testing.T) {
	g := newTestGateway(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?error=access_denied&error_description=nope", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Authorization failed")
	assert.Contains(t, rec.Body.String(), "access_denied")
}

func TestRedirectURI(t *testing.T) {
	g := newTestGateway(t, &config.Config{Listen: "127.0.0.1:9321"})
	assert.Equal(t, "http://localhost:9321/oauth/callback", g.RedirectURI())

	// A wildcard bind still yields a usable registered URI.
	g = newTestGateway(t, &config.Config{Listen: ":8080"})
	assert.Equal(t, "http://localhost:8080/oauth/callback", g.RedirectURI())
	assert.True(t, strings.HasPrefix(g.RedirectURI(), "http://localhost"))
}
