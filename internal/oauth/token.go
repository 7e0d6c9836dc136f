package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mcpgate/mcpgate-go/internal/secret"
)

// Client authentication methods, in preference order.
const (
	authMethodBasic = "client_secret_basic"
	authMethodPost  = "client_secret_post"
	authMethodNone  = "none"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// selectClientAuth picks the token-endpoint authentication method:
// basic > post > none, constrained to what the server advertises. A public
// client without a secret always uses none.
func selectClientAuth(meta *ServerMetadata, identity *secret.ClientIdentity) string {
	if identity.Public() {
		return authMethodNone
	}
	advertised := meta.TokenEndpointAuthMethodsSupported
	if len(advertised) == 0 {
		// RFC 8414 default when the server advertises nothing.
		return authMethodBasic
	}
	for _, method := range []string{authMethodBasic, authMethodPost} {
		if containsString(advertised, method) {
			return method
		}
	}
	return authMethodNone
}

// postTokenRequest POSTs a form-encoded grant to the token endpoint with
// the selected client authentication applied.
func postTokenRequest(ctx context.Context, httpClient *http.Client, meta *ServerMetadata, identity *secret.ClientIdentity, form url.Values) (*tokenResponse, error) {
	method := selectClientAuth(meta, identity)
	switch method {
	case authMethodBasic:
		// client_id goes in the Authorization header only.
	case authMethodPost:
		form.Set("client_id", identity.ClientID)
		form.Set("client_secret", identity.ClientSecret)
	case authMethodNone:
		form.Set("client_id", identity.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, meta.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if method == authMethodBasic {
		req.SetBasicAuth(url.QueryEscape(identity.ClientID), url.QueryEscape(identity.ClientSecret))
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, newFlowError(CategoryNetwork, true, "token request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBody))
	if err != nil {
		return nil, newFlowError(CategoryNetwork, true, "failed to read token response", err)
	}

	if resp.StatusCode != http.StatusOK {
		var te tokenErrorResponse
		_ = json.Unmarshal(body, &te)
		return nil, classifyTokenError(resp.StatusCode, &te)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, newFlowError(CategoryProtocol, false, "invalid token response", err)
	}
	if tr.AccessToken == "" {
		return nil, newFlowError(CategoryProtocol, false, "token response contains no access token", nil)
	}
	return &tr, nil
}

func classifyTokenError(status int, te *tokenErrorResponse) *FlowError {
	msg := te.Error
	if te.ErrorDescription != "" {
		msg = fmt.Sprintf("%s: %s", te.Error, te.ErrorDescription)
	}
	if msg == "" {
		msg = fmt.Sprintf("token endpoint returned status %d", status)
	}

	switch te.Error {
	case "invalid_client", "unauthorized_client":
		return newFlowError(CategoryInvalidClient, false, msg, nil)
	case "invalid_scope":
		return newFlowError(CategoryInvalidScope, false, msg, nil)
	case "access_denied":
		return newFlowError(CategoryDenied, false, msg, nil)
	default:
		return newFlowError(CategoryProtocol, false, msg, nil)
	}
}

// tokenRecordFrom converts a token response into the persisted record,
// preserving fallbackRefresh when the response omits a refresh token.
func tokenRecordFrom(tr *tokenResponse, fallbackRefresh string) *secret.TokenRecord {
	record := &secret.TokenRecord{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		Scope:        tr.Scope,
	}
	if record.RefreshToken == "" {
		record.RefreshToken = fallbackRefresh
	}
	if tr.ExpiresIn > 0 {
		record.ExpiresAt = time.Now().Unix() + tr.ExpiresIn
	}
	return record
}
