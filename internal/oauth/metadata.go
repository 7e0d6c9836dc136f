package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	wellKnownProtectedResource = "/.well-known/oauth-protected-resource"
	wellKnownAuthServer        = "/.well-known/oauth-authorization-server"
	wellKnownOpenIDConfig      = "/.well-known/openid-configuration"

	maxMetadataBody = 1 << 20 // 1MB
)

// ResourceMetadata is the protected-resource metadata document (RFC 9728)
// published at the backend's resource origin.
type ResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers,omitempty"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`
}

// ServerMetadata is the authorization-server metadata document (RFC 8414).
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// Origin extracts the scheme://host[:port] origin of a URL.
func Origin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("URL %q has no scheme or host", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

func fetchJSON(ctx context.Context, client *http.Client, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBody))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// DiscoverResourceMetadata fetches the protected-resource metadata from the
// backend's origin. A missing document is not an error: the resource's own
// origin is then assumed to be the authorization server.
func DiscoverResourceMetadata(ctx context.Context, client *http.Client, origin string) *ResourceMetadata {
	var meta ResourceMetadata
	if err := fetchJSON(ctx, client, origin+wellKnownProtectedResource, &meta); err != nil {
		return nil
	}
	return &meta
}

// DiscoverServerMetadata fetches authorization-server metadata from one of
// the two well-known paths and validates the capabilities the flow
// requires. Any missing requirement is terminal for the attempt.
func DiscoverServerMetadata(ctx context.Context, client *http.Client, authServerURL string) (*ServerMetadata, error) {
	base := strings.TrimRight(authServerURL, "/")

	var meta ServerMetadata
	var lastErr error
	found := false
	for _, path := range []string{wellKnownAuthServer, wellKnownOpenIDConfig} {
		if err := fetchJSON(ctx, client, base+path, &meta); err != nil {
			lastErr = err
			continue
		}
		found = true
		break
	}
	if !found {
		return nil, newFlowError(CategoryNetwork, true,
			"authorization server metadata unavailable", lastErr)
	}

	if err := validateServerMetadata(&meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func validateServerMetadata(meta *ServerMetadata) error {
	if meta.AuthorizationEndpoint == "" {
		return newFlowError(CategoryProtocol, false,
			"authorization server advertises no authorization endpoint", nil)
	}
	if meta.TokenEndpoint == "" {
		return newFlowError(CategoryProtocol, false,
			"authorization server advertises no token endpoint", nil)
	}
	if !containsString(meta.CodeChallengeMethodsSupported, "S256") {
		return newFlowError(CategoryProtocol, false,
			"authorization server does not advertise the S256 PKCE method", nil)
	}
	if !containsString(meta.ResponseTypesSupported, "code") {
		return newFlowError(CategoryProtocol, false,
			"authorization server does not advertise the code response type", nil)
	}
	return nil
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

// unionScopes merges scope lists preserving first-seen order.
func unionScopes(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, s := range list {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
