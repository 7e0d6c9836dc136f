package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mcpgate/mcpgate-go/internal/secret"
)

// registrationRequest is the RFC 7591 dynamic client registration payload.
type registrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scope                   string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

type registrationResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// registerClient performs dynamic client registration against the server's
// registration endpoint and returns the issued identity.
func registerClient(ctx context.Context, client *http.Client, meta *ServerMetadata, redirectURI string, scopes []string) (*secret.ClientIdentity, error) {
	if meta.RegistrationEndpoint == "" {
		return nil, newFlowError(CategoryInvalidClient, false,
			"no client identity configured and server offers no registration endpoint", nil)
	}

	payload := &registrationRequest{
		ClientName:    "mcpgate",
		RedirectURIs:  []string{redirectURI},
		GrantTypes:    []string{"authorization_code", "refresh_token"},
		ResponseTypes: []string{"code"},
		Scope:         strings.Join(scopes, " "),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, meta.RegistrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, newFlowError(CategoryNetwork, true, "client registration request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBody))
	if err != nil {
		return nil, newFlowError(CategoryNetwork, true, "failed to read registration response", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, newFlowError(CategoryInvalidClient, false,
			fmt.Sprintf("client registration rejected with status %d", resp.StatusCode),
			fmt.Errorf("%s", strings.TrimSpace(string(respBody))))
	}

	var reg registrationResponse
	if err := json.Unmarshal(respBody, &reg); err != nil {
		return nil, newFlowError(CategoryProtocol, false, "invalid registration response", err)
	}
	if reg.ClientID == "" {
		return nil, newFlowError(CategoryInvalidClient, false,
			"registration response contains no client_id", nil)
	}

	return &secret.ClientIdentity{
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		RedirectURI:  redirectURI,
		Issued:       time.Now().Unix(),
	}, nil
}
