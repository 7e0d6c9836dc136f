// Package transport selects and builds the MCP client transport for a
// backend: a spawned process for command backends, SSE or streamable HTTP
// for URL backends depending on scheme and path suffix.
package transport

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"

	"github.com/mcpgate/mcpgate-go/internal/config"
)

// Transport kinds.
const (
	KindStdio          = "stdio"
	KindSSE            = "sse"
	KindStreamableHTTP = "streamable-http"
)

const httpTimeout = 180 * time.Second

// DetermineKind infers the transport kind from the backend descriptor. An
// explicit protocol wins; otherwise a command means stdio and a URL is
// classified by its path suffix.
func DetermineKind(b *config.BackendConfig) (string, error) {
	if b.Protocol != "" && b.Protocol != "auto" {
		switch b.Protocol {
		case KindStdio, KindSSE, KindStreamableHTTP:
			return b.Protocol, nil
		default:
			return "", fmt.Errorf("unsupported protocol %q for backend %s", b.Protocol, b.ID)
		}
	}
	if b.Command != "" {
		return KindStdio, nil
	}
	if b.URL != "" {
		u, err := url.Parse(b.URL)
		if err != nil {
			return "", fmt.Errorf("invalid backend URL %q: %w", b.URL, err)
		}
		switch u.Scheme {
		case "http", "https":
		default:
			return "", fmt.Errorf("unsupported URL scheme %q for backend %s", u.Scheme, b.ID)
		}
		if strings.HasSuffix(strings.TrimRight(u.Path, "/"), "/sse") {
			return KindSSE, nil
		}
		return KindStreamableHTTP, nil
	}
	return "", fmt.Errorf("backend %s has neither command nor url", b.ID)
}

// NewClient builds an MCP client for the backend. The descriptor must
// already have placeholders substituted. A non-empty bearerToken is
// injected as an Authorization header on HTTP-based transports.
func NewClient(b *config.BackendConfig, bearerToken string) (*client.Client, string, error) {
	kind, err := DetermineKind(b)
	if err != nil {
		return nil, "", err
	}

	switch kind {
	case KindStdio:
		c, err := newStdioClient(b)
		return c, kind, err
	case KindSSE:
		c, err := newSSEClient(b, bearerToken)
		return c, kind, err
	case KindStreamableHTTP:
		c, err := newStreamableHTTPClient(b, bearerToken)
		return c, kind, err
	default:
		return nil, "", fmt.Errorf("unsupported transport kind: %s", kind)
	}
}

func headersWithAuth(bearerToken string) map[string]string {
	if bearerToken == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + bearerToken}
}

func newStdioClient(b *config.BackendConfig) (*client.Client, error) {
	parts := ParseCommand(b.Command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("backend %s has an empty command", b.ID)
	}
	env := make([]string, 0, len(b.Env))
	for k, v := range b.Env {
		env = append(env, k+"="+v)
	}
	stdioTransport := mcptransport.NewStdio(parts[0], env, parts[1:]...)
	return client.NewClient(stdioTransport), nil
}

func newSSEClient(b *config.BackendConfig, bearerToken string) (*client.Client, error) {
	httpClient := &http.Client{
		Timeout: httpTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConnsPerHost: 5,
		},
	}
	var sseClient *client.Client
	var err error
	if headers := headersWithAuth(bearerToken); headers != nil {
		sseClient, err = client.NewSSEMCPClient(b.URL,
			client.WithHTTPClient(httpClient),
			client.WithHeaders(headers))
	} else {
		sseClient, err = client.NewSSEMCPClient(b.URL,
			client.WithHTTPClient(httpClient))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create SSE client: %w", err)
	}
	return sseClient, nil
}

func newStreamableHTTPClient(b *config.BackendConfig, bearerToken string) (*client.Client, error) {
	opts := []mcptransport.StreamableHTTPCOption{
		mcptransport.WithHTTPTimeout(httpTimeout),
	}
	if headers := headersWithAuth(bearerToken); headers != nil {
		opts = append(opts, mcptransport.WithHTTPHeaders(headers))
	}
	httpTransport, err := mcptransport.NewStreamableHTTP(b.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create streamable HTTP transport: %w", err)
	}
	return client.NewClient(httpTransport), nil
}

// ParseCommand splits a command line into command and arguments, honoring
// single and double quotes.
func ParseCommand(cmd string) []string {
	var result []string
	var current string
	var inQuote bool
	var quoteChar rune

	for _, r := range cmd {
		switch {
		case r == ' ' && !inQuote:
			if current != "" {
				result = append(result, current)
				current = ""
			}
		case r == '"' || r == '\'':
			switch {
			case inQuote && r == quoteChar:
				inQuote = false
				quoteChar = 0
			case !inQuote:
				inQuote = true
				quoteChar = r
			default:
				current += string(r)
			}
		default:
			current += string(r)
		}
	}
	if current != "" {
		result = append(result, current)
	}
	return result
}
