package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMetadata(base string) *ServerMetadata {
	return &ServerMetadata{
		Issuer:                        base,
		AuthorizationEndpoint:         base + "/authorize",
		TokenEndpoint:                 base + "/token",
		ResponseTypesSupported:        []string{"code"},
		CodeChallengeMethodsSupported: []string{"S256"},
	}
}

func serveMetadata(t *testing.T, path string, meta *ServerMetadata) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(meta)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestOrigin(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		want    string
		wantErr bool
	}{
		{name: "https with path", rawURL: "https://api.example.com/mcp", want: "https://api.example.com"},
		{name: "explicit port", rawURL: "http://127.0.0.1:8080/v1/sse", want: "http://127.0.0.1:8080"},
		{name: "no scheme", rawURL: "api.example.com/mcp", wantErr: true},
		{name: "empty", rawURL: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Origin(tt.rawURL)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDiscoverServerMetadata(t *testing.T) {
	ts := serveMetadata(t, wellKnownAuthServer, validMetadata("https://auth.example.com"))

	meta, err := DiscoverServerMetadata(context.Background(), ts.Client(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com/authorize", meta.AuthorizationEndpoint)
	assert.Equal(t, "https://auth.example.com/token", meta.TokenEndpoint)
}

func TestDiscoverServerMetadata_OpenIDFallback(t *testing.T) {
	ts := serveMetadata(t, wellKnownOpenIDConfig, validMetadata("https://auth.example.com"))

	meta, err := DiscoverServerMetadata(context.Background(), ts.Client(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com/token", meta.TokenEndpoint)
}

func TestDiscoverServerMetadata_Unavailable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	_, err := DiscoverServerMetadata(context.Background(), ts.Client(), ts.URL)
	fe, ok := AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, CategoryNetwork, fe.Category)
	assert.True(t, fe.Recoverable)
}

func TestValidateServerMetadata(t *testing.T) {
	base := "https://auth.example.com"
	tests := []struct {
		name   string
		mutate func(*ServerMetadata)
	}{
		{name: "missing authorization endpoint", mutate: func(m *ServerMetadata) { m.AuthorizationEndpoint = "" }},
		{name: "missing token endpoint", mutate: func(m *ServerMetadata) { m.TokenEndpoint = "" }},
		{name: "no S256", mutate: func(m *ServerMetadata) { m.CodeChallengeMethodsSupported = []string{"plain"} }},
		{name: "no code response type", mutate: func(m *ServerMetadata) { m.ResponseTypesSupported = []string{"token"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := validMetadata(base)
			tt.mutate(meta)

			err := validateServerMetadata(meta)
			fe, ok := AsFlowError(err)
			require.True(t, ok)
			assert.Equal(t, CategoryProtocol, fe.Category)
			assert.False(t, fe.Recoverable, "metadata gaps are terminal for the attempt")
		})
	}

	assert.NoError(t, validateServerMetadata(validMetadata(base)))
}

func TestDiscoverResourceMetadata_MissingIsNil(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	assert.Nil(t, DiscoverResourceMetadata(context.Background(), ts.Client(), ts.URL))
}

func TestUnionScopes(t *testing.T) {
	got := unionScopes([]string{"read", "write"}, []string{"write", "admin", ""})
	assert.Equal(t, []string{"read", "write", "admin"}, got)
}
