package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mcpgate/mcpgate-go/internal/config"
	"github.com/mcpgate/mcpgate-go/internal/secret"
)

// FlowState identifies one step of the authorization state machine.
type FlowState int

const (
	StateMetadataDiscovery FlowState = iota
	StateClientRegistration
	StateAuthorizationRedirect
	StateAuthorizationCode
	StateTokenRequest
	StateComplete
)

func (s FlowState) String() string {
	switch s {
	case StateMetadataDiscovery:
		return "metadata_discovery"
	case StateClientRegistration:
		return "client_registration"
	case StateAuthorizationRedirect:
		return "authorization_redirect"
	case StateAuthorizationCode:
		return "authorization_code"
	case StateTokenRequest:
		return "token_request"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Deps are the collaborators a Flow needs. They are shared across flows;
// the Flow itself is single-use.
type Deps struct {
	Credentials secret.Store
	Sessions    *SessionStore
	Broker      *CallbackBroker
	HTTPClient  *http.Client
	RedirectURI string
	OpenBrowser func(string) error
	Logger      *zap.Logger
}

// Flow drives one browser-based authorization attempt for a backend. Each
// run is single-use: a terminal error collapses it to complete and a fresh
// Flow must be constructed to retry.
type Flow struct {
	deps    Deps
	backend *config.BackendConfig
	logger  *zap.Logger

	state   FlowState
	flowErr *FlowError

	origin       string
	resourceMeta *ResourceMetadata
	serverMeta   *ServerMetadata
	identity     *secret.ClientIdentity
	scopes       []string
	resourceURL  string
	stateNonce   string
	code         string
	token        *secret.TokenRecord
}

// NewFlow creates an authorization flow for the given backend.
func NewFlow(backend *config.BackendConfig, deps Deps) *Flow {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if deps.OpenBrowser == nil {
		deps.OpenBrowser = OpenBrowser
	}
	return &Flow{
		deps:    deps,
		backend: backend,
		logger: deps.Logger.Named("oauth-flow").With(
			zap.String("backend", backend.ID)),
		state: StateMetadataDiscovery,
	}
}

// State returns the current flow state.
func (f *Flow) State() FlowState { return f.state }

// Err returns the terminal error, if the flow failed.
func (f *Flow) Err() *FlowError { return f.flowErr }

// fail records a terminal error and collapses the run to complete.
func (f *Flow) fail(err error) {
	if fe, ok := AsFlowError(err); ok {
		f.flowErr = fe
	} else {
		f.flowErr = newFlowError(CategoryProtocol, false, "authorization failed", err)
	}
	f.logger.Warn("authorization flow failed",
		zap.String("state", f.state.String()),
		zap.String("category", string(f.flowErr.Category)),
		zap.Error(f.flowErr))
	f.state = StateComplete
}

// Run executes the state machine to completion and returns the resulting
// token record. The returned error, if any, is a *FlowError.
func (f *Flow) Run(ctx context.Context) (*secret.TokenRecord, error) {
	for f.state != StateComplete {
		if err := ctx.Err(); err != nil {
			f.fail(newFlowError(CategoryCancelled, true, "authorization cancelled", err))
			break
		}
		switch f.state {
		case StateMetadataDiscovery:
			f.stepMetadataDiscovery(ctx)
		case StateClientRegistration:
			f.stepClientRegistration(ctx)
		case StateAuthorizationRedirect:
			f.stepAuthorizationRedirect(ctx)
		case StateAuthorizationCode:
			f.stepAuthorizationCode()
		case StateTokenRequest:
			f.stepTokenRequest(ctx)
		}
	}
	if f.flowErr != nil {
		return nil, f.flowErr
	}
	return f.token, nil
}

func (f *Flow) stepMetadataDiscovery(ctx context.Context) {
	origin, err := Origin(f.backend.URL)
	if err != nil {
		f.fail(newFlowError(CategoryProtocol, false, "backend URL has no usable origin", err))
		return
	}
	f.origin = origin
	f.resourceURL = f.backend.URL

	f.resourceMeta = DiscoverResourceMetadata(ctx, f.deps.HTTPClient, origin)

	authServer := origin
	if f.resourceMeta != nil && len(f.resourceMeta.AuthorizationServers) > 0 {
		authServer = f.resourceMeta.AuthorizationServers[0]
	}
	if f.resourceMeta != nil && f.resourceMeta.Resource != "" {
		f.resourceURL = f.resourceMeta.Resource
	}

	meta, err := DiscoverServerMetadata(ctx, f.deps.HTTPClient, authServer)
	if err != nil {
		f.fail(err)
		return
	}
	f.serverMeta = meta

	f.logger.Debug("authorization server metadata discovered",
		zap.String("auth_server", authServer),
		zap.String("authorization_endpoint", meta.AuthorizationEndpoint),
		zap.String("token_endpoint", meta.TokenEndpoint))
	f.state = StateClientRegistration
}

func (f *Flow) stepClientRegistration(ctx context.Context) {
	var resourceScopes []string
	if f.resourceMeta != nil {
		resourceScopes = f.resourceMeta.ScopesSupported
	}
	f.scopes = unionScopes(resourceScopes, f.serverMeta.ScopesSupported)
	if f.backend.OAuth != nil && len(f.backend.OAuth.Scopes) > 0 {
		f.scopes = f.backend.OAuth.Scopes
	}

	// Statically configured identity wins over everything.
	if f.backend.OAuth != nil && f.backend.OAuth.ClientID != "" {
		f.identity = &secret.ClientIdentity{
			ClientID:     f.backend.OAuth.ClientID,
			ClientSecret: f.backend.OAuth.ClientSecret,
			RedirectURI:  f.deps.RedirectURI,
		}
		f.state = StateAuthorizationRedirect
		return
	}

	// A previously registered identity is reused as long as its redirect
	// URI still matches the gateway's current callback address.
	if stored, err := f.deps.Credentials.GetClient(f.backend.ID); err == nil {
		if stored.RedirectURI == f.deps.RedirectURI {
			f.identity = stored
			f.state = StateAuthorizationRedirect
			return
		}
		f.logger.Info("stored client identity has stale redirect URI, re-registering")
	}

	identity, err := registerClient(ctx, f.deps.HTTPClient, f.serverMeta, f.deps.RedirectURI, f.scopes)
	if err != nil {
		f.fail(err)
		return
	}
	if err := f.deps.Credentials.SetClient(f.backend.ID, identity); err != nil {
		f.fail(fmt.Errorf("failed to persist registered client identity: %w", err))
		return
	}
	f.identity = identity
	f.logger.Info("dynamic client registration complete",
		zap.String("client_id", identity.ClientID),
		zap.Bool("public", identity.Public()))
	f.state = StateAuthorizationRedirect
}

func (f *Flow) stepAuthorizationRedirect(ctx context.Context) {
	pkce, err := GeneratePKCE()
	if err != nil {
		f.fail(err)
		return
	}
	nonce, err := GenerateState()
	if err != nil {
		f.fail(err)
		return
	}
	f.stateNonce = nonce

	sess := &Session{
		Origin:      f.origin,
		State:       nonce,
		Verifier:    pkce.Verifier,
		Challenge:   pkce.Challenge,
		Scopes:      f.scopes,
		ResourceURL: f.resourceURL,
	}
	if err := f.deps.Sessions.Put(sess); err != nil {
		f.fail(newFlowError(CategoryStateMismatch, false, "could not register authorization session", err))
		return
	}

	authURL, err := f.buildAuthorizationURL(pkce)
	if err != nil {
		f.fail(err)
		return
	}

	waiterID, deliveries := f.deps.Broker.Subscribe()
	defer f.deps.Broker.Unsubscribe(waiterID)

	f.logger.Info("opening authorization URL in browser")
	if err := f.deps.OpenBrowser(authURL); err != nil {
		f.logger.Warn("could not open browser, URL must be visited manually",
			zap.String("url", authURL), zap.Error(err))
	}

	select {
	case <-ctx.Done():
		f.fail(newFlowError(CategoryCancelled, true, "authorization cancelled while waiting for callback", ctx.Err()))
		return
	case <-time.After(SessionTTL):
		f.fail(newFlowError(CategoryCancelled, true, "timed out waiting for the authorization callback", nil))
		return
	case params := <-deliveries:
		if params.Error != "" {
			msg := params.Error
			if params.ErrorDescription != "" {
				msg = fmt.Sprintf("%s: %s", params.Error, params.ErrorDescription)
			}
			cat := CategoryDenied
			if params.Error == "access_denied" {
				cat = CategoryCancelled
			}
			f.fail(newFlowError(cat, false, msg, nil))
			return
		}
		if params.State != f.stateNonce {
			// Possible forgery. The pending session for our own nonce is
			// deliberately left in place; only its owner may consume it.
			f.fail(newFlowError(CategoryStateMismatch, false,
				"callback state does not match this authorization attempt", nil))
			return
		}
		f.code = params.Code
	}
	f.state = StateAuthorizationCode
}

func (f *Flow) buildAuthorizationURL(pkce *PKCE) (string, error) {
	u, err := url.Parse(f.serverMeta.AuthorizationEndpoint)
	if err != nil {
		return "", newFlowError(CategoryProtocol, false, "invalid authorization endpoint", err)
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", f.identity.ClientID)
	q.Set("redirect_uri", f.deps.RedirectURI)
	if len(f.scopes) > 0 {
		q.Set("scope", strings.Join(f.scopes, " "))
	}
	q.Set("state", f.stateNonce)
	q.Set("code_challenge", pkce.Challenge)
	q.Set("code_challenge_method", "S256")
	if f.resourceURL != "" {
		q.Set("resource", f.resourceURL)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *Flow) stepAuthorizationCode() {
	if f.code == "" {
		f.fail(newFlowError(CategoryProtocol, false, "authorization callback carried no code", nil))
		return
	}
	f.state = StateTokenRequest
}

func (f *Flow) stepTokenRequest(ctx context.Context) {
	sess, err := f.deps.Sessions.Consume(f.origin, f.stateNonce)
	if err != nil {
		f.fail(newFlowError(CategoryStateMismatch, false, "authorization session no longer available", err))
		return
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", f.code)
	form.Set("redirect_uri", f.deps.RedirectURI)
	form.Set("code_verifier", sess.Verifier)
	if sess.ResourceURL != "" {
		form.Set("resource", sess.ResourceURL)
	}

	tr, err := postTokenRequest(ctx, f.deps.HTTPClient, f.serverMeta, f.identity, form)
	if err != nil {
		f.fail(err)
		return
	}

	record := tokenRecordFrom(tr, "")
	if err := f.deps.Credentials.SetToken(f.backend.ID, record); err != nil {
		f.fail(fmt.Errorf("failed to persist token: %w", err))
		return
	}

	f.token = record
	f.logger.Info("authorization complete",
		zap.Bool("has_refresh_token", record.RefreshToken != ""),
		zap.Int64("expires_at", record.ExpiresAt))
	f.state = StateComplete
}
