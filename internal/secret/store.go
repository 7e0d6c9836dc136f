// Package secret provides the credential store: per-backend OAuth tokens
// and client identities, keyed by backend ID. The gateway core treats
// storage-at-rest as an interface boundary; the default implementation uses
// the OS keyring (Keychain, Secret Service, WinCred).
package secret

import (
	"errors"
	"time"
)

// TokenRecord is the persisted OAuth token state for one backend.
type TokenRecord struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"` // epoch seconds, 0 = no expiry
	Scope        string `json:"scope,omitempty"`
}

// Expired reports whether the token's expiry has passed. Tokens without an
// expiry never expire.
func (t *TokenRecord) Expired(now time.Time) bool {
	return t.ExpiresAt != 0 && now.Unix() >= t.ExpiresAt
}

// ExpiringSoon reports whether the token expires within the given window.
func (t *TokenRecord) ExpiringSoon(now time.Time, window time.Duration) bool {
	return t.ExpiresAt != 0 && now.Add(window).Unix() >= t.ExpiresAt
}

// ClientIdentity is a registered OAuth client for one backend, either
// statically configured or obtained via dynamic client registration.
type ClientIdentity struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	Issued       int64  `json:"issued,omitempty"` // epoch seconds
}

// Public reports whether the client has no secret and must authenticate
// with method "none".
func (c *ClientIdentity) Public() bool {
	return c.ClientSecret == ""
}

// Store is the credential store interface consumed by the OAuth subsystem
// and the connection manager.
type Store interface {
	GetToken(backendID string) (*TokenRecord, error)
	SetToken(backendID string, token *TokenRecord) error
	DeleteToken(backendID string) error

	GetClient(backendID string) (*ClientIdentity, error)
	SetClient(backendID string, identity *ClientIdentity) error
	DeleteClient(backendID string) error

	// HasToken is an existence check that does not decode the record.
	HasToken(backendID string) bool

	// DeleteAll removes every credential stored for a backend.
	DeleteAll(backendID string) error
}

// ErrNotFound is returned when no credential exists for a backend.
type NotFoundError struct {
	BackendID string
	Kind      string
}

func (e *NotFoundError) Error() string {
	return "no stored " + e.Kind + " for backend " + e.BackendID
}

// IsNotFound reports whether err indicates a missing credential.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
