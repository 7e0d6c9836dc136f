package oauth

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/mcpgate/mcpgate-go/internal/config"
	"github.com/mcpgate/mcpgate-go/internal/secret"
)

// Refresher performs refresh-token grants independently of the
// authorization state machine.
type Refresher struct {
	credentials secret.Store
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewRefresher creates a refresher using the given credential store.
func NewRefresher(credentials secret.Store, httpClient *http.Client, logger *zap.Logger) *Refresher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Refresher{
		credentials: credentials,
		httpClient:  httpClient,
		logger:      logger.Named("oauth-refresh"),
	}
}

// Refresh attempts a refresh-token grant for the backend and overwrites the
// stored token on success. Authorization-server metadata is re-discovered
// on every attempt since servers may rotate endpoints. Returns false when
// the token was not refreshed; the caller decides fallback behavior.
func (r *Refresher) Refresh(ctx context.Context, backend *config.BackendConfig) bool {
	logger := r.logger.With(zap.String("backend", backend.ID))

	stored, err := r.credentials.GetToken(backend.ID)
	if err != nil || stored.RefreshToken == "" {
		logger.Debug("no refresh token available, not refreshing")
		return false
	}

	identity := r.clientIdentity(backend)
	if identity == nil {
		logger.Debug("no client identity available, not refreshing")
		return false
	}

	origin, err := Origin(backend.URL)
	if err != nil {
		logger.Warn("backend URL has no usable origin", zap.Error(err))
		return false
	}

	authServer := origin
	if resMeta := DiscoverResourceMetadata(ctx, r.httpClient, origin); resMeta != nil && len(resMeta.AuthorizationServers) > 0 {
		authServer = resMeta.AuthorizationServers[0]
	}
	meta, err := DiscoverServerMetadata(ctx, r.httpClient, authServer)
	if err != nil {
		logger.Warn("metadata re-discovery failed, not refreshing", zap.Error(err))
		return false
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", stored.RefreshToken)

	tr, err := postTokenRequest(ctx, r.httpClient, meta, identity, form)
	if err != nil {
		logger.Warn("refresh grant rejected", zap.Error(err))
		return false
	}

	record := tokenRecordFrom(tr, stored.RefreshToken)
	if err := r.credentials.SetToken(backend.ID, record); err != nil {
		logger.Error("failed to persist refreshed token", zap.Error(err))
		return false
	}

	logger.Info("token refreshed",
		zap.Int64("expires_at", record.ExpiresAt),
		zap.Bool("refresh_token_rotated", tr.RefreshToken != ""))
	return true
}

func (r *Refresher) clientIdentity(backend *config.BackendConfig) *secret.ClientIdentity {
	if backend.OAuth != nil && backend.OAuth.ClientID != "" {
		return &secret.ClientIdentity{
			ClientID:     backend.OAuth.ClientID,
			ClientSecret: backend.OAuth.ClientSecret,
		}
	}
	if stored, err := r.credentials.GetClient(backend.ID); err == nil {
		return stored
	}
	return nil
}
