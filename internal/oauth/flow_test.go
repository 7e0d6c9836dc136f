package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mcpgate/mcpgate-go/internal/config"
	"github.com/mcpgate/mcpgate-go/internal/secret"
)

// fakeProvider is an in-process authorization server covering metadata
// discovery, dynamic registration, and the token endpoint.
type fakeProvider struct {
	ts *httptest.Server

	mu         sync.Mutex
	registered int
	tokenForm  url.Values
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{}

	mux := http.NewServeMux()
	mux.HandleFunc(wellKnownAuthServer, func(w http.ResponseWriter, _ *http.Request) {
		base := p.ts.URL
		_ = json.NewEncoder(w).Encode(&ServerMetadata{
			Issuer:                            base,
			AuthorizationEndpoint:             base + "/authorize",
			TokenEndpoint:                     base + "/token",
			RegistrationEndpoint:              base + "/register",
			ScopesSupported:                   []string{"mcp.read", "mcp.write"},
			ResponseTypesSupported:            []string{"code"},
			CodeChallengeMethodsSupported:     []string{"S256"},
			TokenEndpointAuthMethodsSupported: []string{"none"},
		})
	})
	mux.HandleFunc("/register", func(w http.ResponseWriter, _ *http.Request) {
		p.mu.Lock()
		p.registered++
		p.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"client_id": "dyn-client"})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		p.mu.Lock()
		p.tokenForm = r.PostForm
		p.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "at-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "rt-1",
		})
	})

	p.ts = httptest.NewServer(mux)
	t.Cleanup(p.ts.Close)
	return p
}

// browserStub captures the authorization URL and feeds the broker as the
// provider redirect would.
func browserStub(broker *CallbackBroker, authURL *string, redirect func(q url.Values) CallbackParams) func(string) error {
	return func(u string) error {
		*authURL = u
		parsed, err := url.Parse(u)
		if err != nil {
			return err
		}
		go broker.Deliver(redirect(parsed.Query()))
		return nil
	}
}

func flowFixture(t *testing.T, provider *fakeProvider) (secret.Store, *SessionStore, *CallbackBroker, Deps) {
	t.Helper()
	creds := secret.NewMemoryStore()
	sessions := NewSessionStore()
	broker := NewCallbackBroker(zap.NewNop())
	deps := Deps{
		Credentials: creds,
		Sessions:    sessions,
		Broker:      broker,
		HTTPClient:  provider.ts.Client(),
		RedirectURI: "http://127.0.0.1:8765/oauth/callback",
		Logger:      zap.NewNop(),
	}
	return creds, sessions, broker, deps
}

func TestFlow_CompletesAndPersistsToken(t *testing.T) {
	provider := newFakeProvider(t)
	backend := &config.BackendConfig{ID: "b1", Name: "Backend One", URL: provider.ts.URL + "/mcp"}
	creds, sessions, broker, deps := flowFixture(t, provider)

	var authURL string
	deps.OpenBrowser = browserStub(broker, &authURL, func(q url.Values) CallbackParams {
		return CallbackParams{Code: "code-1", State: q.Get("state")}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	token, err := NewFlow(backend, deps).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "at-1", token.AccessToken)
	assert.Equal(t, "rt-1", token.RefreshToken)
	assert.Greater(t, token.ExpiresAt, time.Now().Unix())

	// Token and registered identity are persisted.
	stored, err := creds.GetToken("b1")
	require.NoError(t, err)
	assert.Equal(t, "at-1", stored.AccessToken)

	identity, err := creds.GetClient("b1")
	require.NoError(t, err)
	assert.Equal(t, "dyn-client", identity.ClientID)
	assert.True(t, identity.Public())

	// The pending session was consumed exactly once.
	assert.Equal(t, 0, sessions.Len())

	// Authorization URL carries the PKCE challenge and resource binding.
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	q := parsed.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "dyn-client", q.Get("client_id"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Regexp(t, `^[A-Za-z0-9_-]{43}$`, q.Get("code_challenge"))
	assert.Equal(t, backend.URL, q.Get("resource"))

	// The token exchange proved possession of the matching verifier.
	provider.mu.Lock()
	form := provider.tokenForm
	provider.mu.Unlock()
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "code-1", form.Get("code"))
	assert.True(t, VerifyPKCE(form.Get("code_verifier"), q.Get("code_challenge")))
	assert.Equal(t, backend.URL, form.Get("resource"))
}

func TestFlow_StateMismatchLeavesSessionPending(t *testing.T) {
	provider := newFakeProvider(t)
	backend := &config.BackendConfig{ID: "b1", URL: provider.ts.URL + "/mcp"}
	_, sessions, broker, deps := flowFixture(t, provider)

	var authURL string
	deps.OpenBrowser = browserStub(broker, &authURL, func(url.Values) CallbackParams {
		return CallbackParams{Code: "code-1", State: "someone-elses-state"}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := NewFlow(backend, deps).Run(ctx)
	fe, ok := AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, CategoryStateMismatch, fe.Category)

	// The run's own session stays pending; only its owner may consume it.
	assert.Equal(t, 1, sessions.Len())
}

func TestFlow_ProviderDenial(t *testing.T) {
	tests := []struct {
		name    string
		errCode string
		wantCat Category
	}{
		{name: "user declined", errCode: "access_denied", wantCat: CategoryCancelled},
		{name: "other provider error", errCode: "temporarily_unavailable", wantCat: CategoryDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := newFakeProvider(t)
			backend := &config.BackendConfig{ID: "b1", URL: provider.ts.URL + "/mcp"}
			_, _, broker, deps := flowFixture(t, provider)

			var authURL string
			deps.OpenBrowser = browserStub(broker, &authURL, func(q url.Values) CallbackParams {
				return CallbackParams{State: q.Get("state"), Error: tt.errCode}
			})

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			_, err := NewFlow(backend, deps).Run(ctx)
			fe, ok := AsFlowError(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantCat, fe.Category)
		})
	}
}

func TestFlow_StaticIdentitySkipsRegistration(t *testing.T) {
	provider := newFakeProvider(t)
	backend := &config.BackendConfig{
		ID:  "b1",
		URL: provider.ts.URL + "/mcp",
		OAuth: &config.OAuthClientConfig{
			ClientID: "static-client",
			Scopes:   []string{"custom.scope"},
		},
	}
	_, _, broker, deps := flowFixture(t, provider)

	var authURL string
	deps.OpenBrowser = browserStub(broker, &authURL, func(q url.Values) CallbackParams {
		return CallbackParams{Code: "code-1", State: q.Get("state")}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := NewFlow(backend, deps).Run(ctx)
	require.NoError(t, err)

	provider.mu.Lock()
	registered := provider.registered
	provider.mu.Unlock()
	assert.Zero(t, registered, "static identity must not trigger registration")

	q, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "static-client", q.Query().Get("client_id"))
	assert.Equal(t, "custom.scope", q.Query().Get("scope"))
}

func TestFlow_CancelledContext(t *testing.T) {
	provider := newFakeProvider(t)
	backend := &config.BackendConfig{ID: "b1", URL: provider.ts.URL + "/mcp"}
	_, _, _, deps := flowFixture(t, provider)

	// Browser opens but nothing ever calls back.
	deps.OpenBrowser = func(string) error { return nil }

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := NewFlow(backend, deps).Run(ctx)
	fe, ok := AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, CategoryCancelled, fe.Category)
	assert.True(t, fe.Recoverable)
}

func TestFlow_SingleUse(t *testing.T) {
	provider := newFakeProvider(t)
	backend := &config.BackendConfig{ID: "b1", URL: provider.ts.URL + "/mcp"}
	_, _, broker, deps := flowFixture(t, provider)

	var authURL string
	deps.OpenBrowser = browserStub(broker, &authURL, func(q url.Values) CallbackParams {
		return CallbackParams{Code: "code-1", State: q.Get("state")}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	flow := NewFlow(backend, deps)
	_, err := flow.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, flow.State())
}
