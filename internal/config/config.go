// Package config defines the gateway configuration model and its on-disk
// persistence. The configuration file is the source of truth for which
// backends exist, their transport descriptors, profiles, and call statistics.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mcpgate/mcpgate-go/internal/logs"
)

const (
	defaultListen = "127.0.0.1:8765"
)

// Backend status values reflected back into the configuration store so
// external UI can render state without polling the manager.
const (
	StatusStopped  = "stopped"
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopping = "stopping"
)

// Last-error kinds. "auth" tells the UI to offer an authorize action.
const (
	ErrorKindAuth    = "auth"
	ErrorKindUnknown = "unknown"
)

// Config is the root configuration structure.
type Config struct {
	Listen         string           `json:"listen"`
	DataDir        string           `json:"data_dir,omitempty"`
	EnableProfiles bool             `json:"enable_profiles"`
	AutoAuthorize  bool             `json:"auto_authorize"`
	Backends       []*BackendConfig `json:"backends"`
	Profiles       []*Profile       `json:"profiles,omitempty"`
	CallStats      *CallStats       `json:"call_stats,omitempty"`
	Logging        *logs.Config     `json:"logging,omitempty"`
}

// BackendConfig describes one downstream MCP server. ID is the immutable
// join key used by the connection manager, credential store, and profiles.
type BackendConfig struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Code    string `json:"code,omitempty"` // short name used in wrapper tool names
	Enabled bool   `json:"enabled"`

	// Transport descriptor: either a command line for a spawned process or a
	// URL for a remote endpoint. Protocol is inferred from the URL when set
	// to "auto" or empty.
	Command  string            `json:"command,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	URL      string            `json:"url,omitempty"`
	Protocol string            `json:"protocol,omitempty"` // stdio, sse, streamable-http, auto

	// InputValues substitute ${{name}} placeholders in command, url, and env.
	InputValues map[string]string `json:"input_values,omitempty"`

	// OAuth holds a statically configured client identity, if any. Absent
	// identity triggers dynamic client registration.
	OAuth *OAuthClientConfig `json:"oauth,omitempty"`

	// Runtime status mirror, written by the connection manager.
	Status          string `json:"status,omitempty"`
	LastError       string `json:"last_error,omitempty"`
	LastErrorDetail string `json:"last_error_detail,omitempty"`

	Created time.Time `json:"created,omitempty"`
	Updated time.Time `json:"updated,omitempty"`
}

// OAuthClientConfig carries a pre-registered OAuth client identity and
// optional scope overrides for a backend.
type OAuthClientConfig struct {
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// Profile names a user-defined subset of backend IDs exposed as one scoped
// gateway endpoint.
type Profile struct {
	ID         string   `json:"id"`
	Name       string   `json:"name,omitempty"`
	BackendIDs []string `json:"backend_ids"`
}

// Contains reports whether the profile includes the given backend.
func (p *Profile) Contains(backendID string) bool {
	for _, id := range p.BackendIDs {
		if id == backendID {
			return true
		}
	}
	return false
}

// CallStats holds success-only tool call counters.
type CallStats struct {
	TotalCalls uint64            `json:"total_calls"`
	PerBackend map[string]uint64 `json:"per_backend,omitempty"`
	Updated    time.Time         `json:"updated,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *CallStats) Clone() *CallStats {
	if s == nil {
		return &CallStats{PerBackend: map[string]uint64{}}
	}
	out := &CallStats{TotalCalls: s.TotalCalls, Updated: s.Updated, PerBackend: make(map[string]uint64, len(s.PerBackend))}
	for k, v := range s.PerBackend {
		out.PerBackend[k] = v
	}
	return out
}

// DefaultConfig returns a configuration with sane defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Listen:        defaultListen,
		AutoAuthorize: false,
		Backends:      []*BackendConfig{},
		CallStats:     &CallStats{PerBackend: map[string]uint64{}},
		Logging:       logs.DefaultConfig(),
	}
}

// Validate checks structural invariants: unique non-empty backend IDs, one
// transport per backend, and profile references to known backends.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("backend with empty id (name=%q)", b.Name)
		}
		if seen[b.ID] {
			return fmt.Errorf("duplicate backend id: %s", b.ID)
		}
		seen[b.ID] = true
		if b.Command == "" && b.URL == "" {
			return fmt.Errorf("backend %s: either command or url is required", b.ID)
		}
		if b.Command != "" && b.URL != "" {
			return fmt.Errorf("backend %s: command and url are mutually exclusive", b.ID)
		}
	}
	pseen := make(map[string]bool, len(c.Profiles))
	for _, p := range c.Profiles {
		if p.ID == "" {
			return fmt.Errorf("profile with empty id (name=%q)", p.Name)
		}
		if pseen[p.ID] {
			return fmt.Errorf("duplicate profile id: %s", p.ID)
		}
		pseen[p.ID] = true
		for _, id := range p.BackendIDs {
			if !seen[id] {
				return fmt.Errorf("profile %s references unknown backend %s", p.ID, id)
			}
		}
	}
	return nil
}

// EffectiveCode returns the name component used when building wrapper tool
// names: Code if set, otherwise a sanitized Name, otherwise the ID.
func (b *BackendConfig) EffectiveCode() string {
	if b.Code != "" {
		return b.Code
	}
	if b.Name != "" {
		return sanitizeCode(b.Name)
	}
	return sanitizeCode(b.ID)
}

func sanitizeCode(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}
