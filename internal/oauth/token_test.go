package oauth

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mcpgate/mcpgate-go/internal/secret"
)

func TestSelectClientAuth(t *testing.T) {
	confidential := &secret.ClientIdentity{ClientID: "c", ClientSecret: "sec"}
	public := &secret.ClientIdentity{ClientID: "c"}

	tests := []struct {
		name       string
		advertised []string
		identity   *secret.ClientIdentity
		want       string
	}{
		{name: "public client always none", advertised: []string{"client_secret_basic"}, identity: public, want: authMethodNone},
		{name: "nothing advertised defaults to basic", advertised: nil, identity: confidential, want: authMethodBasic},
		{name: "basic preferred over post", advertised: []string{"client_secret_post", "client_secret_basic"}, identity: confidential, want: authMethodBasic},
		{name: "post when basic absent", advertised: []string{"client_secret_post", "none"}, identity: confidential, want: authMethodPost},
		{name: "none when neither supported", advertised: []string{"private_key_jwt"}, identity: confidential, want: authMethodNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := &ServerMetadata{TokenEndpointAuthMethodsSupported: tt.advertised}
			assert.Equal(t, tt.want, selectClientAuth(meta, tt.identity))
		})
	}
}

func TestClassifyTokenError(t *testing.T) {
	tests := []struct {
		name        string
		errCode     string
		want        Category
		recoverable bool
	}{
		{name: "invalid_client", errCode: "invalid_client", want: CategoryInvalidClient},
		{name: "unauthorized_client", errCode: "unauthorized_client", want: CategoryInvalidClient},
		{name: "invalid_scope", errCode: "invalid_scope", want: CategoryInvalidScope},
		{name: "access_denied", errCode: "access_denied", want: CategoryDenied},
		{name: "unknown", errCode: "server_error", want: CategoryProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fe := classifyTokenError(400, &tokenErrorResponse{Error: tt.errCode})
			assert.Equal(t, tt.want, fe.Category)
		})
	}
}

func TestTokenRecordFrom(t *testing.T) {
	t.Run("refresh token preserved when response omits one", func(t *testing.T) {
		record := tokenRecordFrom(&tokenResponse{AccessToken: "at"}, "old-refresh")
		assert.Equal(t, "at", record.AccessToken)
		assert.Equal(t, "old-refresh", record.RefreshToken)
		assert.Zero(t, record.ExpiresAt)
	})

	t.Run("fresh refresh token wins", func(t *testing.T) {
		record := tokenRecordFrom(&tokenResponse{AccessToken: "at", RefreshToken: "new"}, "old")
		assert.Equal(t, "new", record.RefreshToken)
	})

	t.Run("expiry computed from expires_in", func(t *testing.T) {
		record := tokenRecordFrom(&tokenResponse{AccessToken: "at", ExpiresIn: 3600}, "")
		assert.Greater(t, record.ExpiresAt, int64(0))
	})
}
