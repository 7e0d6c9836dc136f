package oauth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const callbackPath = "/oauth/callback"

// CallbackServer is an ephemeral loopback HTTP listener receiving one
// authorization redirect. Standalone commands use it when no gateway
// process is around to serve the callback endpoint; the port is allocated
// dynamically so concurrent logins never collide.
type CallbackServer struct {
	RedirectURI string

	server *http.Server
	logger *zap.Logger
}

// StartCallbackServer allocates a loopback port and serves the callback
// path, feeding received parameters into the broker.
func StartCallbackServer(broker *CallbackBroker, logger *zap.Logger) (*CallbackServer, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to allocate callback port: %w", err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	cs := &CallbackServer{
		RedirectURI: fmt.Sprintf("http://127.0.0.1:%d%s", port, callbackPath),
		logger:      logger.Named("oauth-callback").With(zap.Int("port", port)),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		params := CallbackParams{
			Code:             q.Get("code"),
			State:            q.Get("state"),
			Error:            q.Get("error"),
			ErrorDescription: q.Get("error_description"),
		}
		delivered := broker.Deliver(params)
		cs.logger.Info("authorization callback received",
			zap.String("state", params.State),
			zap.Int("delivered", delivered))

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if params.Error != "" {
			_, _ = fmt.Fprintf(w, "<html><body><h1>Authorization failed</h1><p>%s</p></body></html>", params.Error)
			return
		}
		_, _ = w.Write([]byte("<html><body><h1>Authorization complete</h1><p>You can close this window.</p></body></html>"))
	})

	cs.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := cs.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			cs.logger.Error("callback server error", zap.Error(err))
		}
	}()

	cs.logger.Debug("callback server started", zap.String("redirect_uri", cs.RedirectURI))
	return cs, nil
}

// Close shuts the listener down.
func (cs *CallbackServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return cs.server.Shutdown(ctx)
}
