package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mcpgate/mcpgate-go/internal/config"
	"github.com/mcpgate/mcpgate-go/internal/secret"
)

func TestRefresher_Refresh(t *testing.T) {
	provider := newFakeProvider(t)
	backend := &config.BackendConfig{ID: "b1", URL: provider.ts.URL + "/mcp"}

	creds := secret.NewMemoryStore()
	require.NoError(t, creds.SetToken("b1", &secret.TokenRecord{
		AccessToken:  "stale",
		RefreshToken: "rt-0",
		ExpiresAt:    time.Now().Add(time.Minute).Unix(),
	}))
	require.NoError(t, creds.SetClient("b1", &secret.ClientIdentity{ClientID: "dyn-client"}))

	refresher := NewRefresher(creds, provider.ts.Client(), zap.NewNop())
	assert.True(t, refresher.Refresh(context.Background(), backend))

	provider.mu.Lock()
	form := provider.tokenForm
	provider.mu.Unlock()
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "rt-0", form.Get("refresh_token"))

	stored, err := creds.GetToken("b1")
	require.NoError(t, err)
	assert.Equal(t, "at-1", stored.AccessToken)
	assert.Equal(t, "rt-1", stored.RefreshToken, "rotated refresh token stored")
}

func TestRefresher_NoRefreshToken(t *testing.T) {
	provider := newFakeProvider(t)
	backend := &config.BackendConfig{ID: "b1", URL: provider.ts.URL + "/mcp"}

	creds := secret.NewMemoryStore()
	require.NoError(t, creds.SetToken("b1", &secret.TokenRecord{AccessToken: "only-access"}))

	refresher := NewRefresher(creds, provider.ts.Client(), zap.NewNop())
	assert.False(t, refresher.Refresh(context.Background(), backend))
}

func TestRefresher_NoClientIdentity(t *testing.T) {
	provider := newFakeProvider(t)
	backend := &config.BackendConfig{ID: "b1", URL: provider.ts.URL + "/mcp"}

	creds := secret.NewMemoryStore()
	require.NoError(t, creds.SetToken("b1", &secret.TokenRecord{
		AccessToken:  "stale",
		RefreshToken: "rt-0",
	}))

	refresher := NewRefresher(creds, provider.ts.Client(), zap.NewNop())
	assert.False(t, refresher.Refresh(context.Background(), backend))
}
