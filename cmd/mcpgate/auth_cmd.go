package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mcpgate/mcpgate-go/internal/config"
	"github.com/mcpgate/mcpgate-go/internal/oauth"
	"github.com/mcpgate/mcpgate-go/internal/secret"
)

var (
	authBackend string
	authTimeout time.Duration
)

// authCmd groups OAuth credential management subcommands.
func authCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage OAuth credentials for backends",
	}

	login := &cobra.Command{
		Use:   "login",
		Short: "Run the browser authorization flow for a backend",
		Long: `Run one OAuth authorization flow for a backend and store the resulting
token in the system keychain. Opens the default browser for consent.

Examples:
  mcpgate auth login --backend=github
  mcpgate auth login --backend=sentry --timeout=5m`,
		RunE: runAuthLogin,
	}
	login.Flags().StringVarP(&authBackend, "backend", "b", "", "Backend ID to authorize (required)")
	login.Flags().DurationVar(&authTimeout, "timeout", 5*time.Minute, "Authorization timeout")
	_ = login.MarkFlagRequired("backend")

	clear := &cobra.Command{
		Use:   "clear",
		Short: "Delete stored credentials for a backend",
		RunE:  runAuthClear,
	}
	clear.Flags().StringVarP(&authBackend, "backend", "b", "", "Backend ID to clear (required)")
	_ = clear.MarkFlagRequired("backend")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show stored token status for all backends",
		RunE:  runAuthStatus,
	}

	cmd.AddCommand(login, clear, status)
	return cmd
}

func loadStoreForCLI() (*config.Store, *zap.Logger, error) {
	dir, configPath, err := resolvePaths()
	if err != nil {
		return nil, nil, err
	}
	logger, err := setupLogging(dir)
	if err != nil {
		return nil, nil, err
	}
	store, err := config.NewStore(configPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return store, logger, nil
}

func runAuthLogin(_ *cobra.Command, _ []string) error {
	store, logger, err := loadStoreForCLI()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	backend := store.GetBackend(authBackend)
	if backend == nil {
		return fmt.Errorf("unknown backend: %s", authBackend)
	}
	if backend.URL == "" {
		return fmt.Errorf("backend %s runs over stdio and does not use OAuth", authBackend)
	}

	// The gateway process owns the configured listen address, so the login
	// command brings up its own ephemeral loopback callback listener.
	broker := oauth.NewCallbackBroker(logger)
	callbackServer, err := oauth.StartCallbackServer(broker, logger)
	if err != nil {
		return err
	}
	defer func() { _ = callbackServer.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()

	flow := oauth.NewFlow(backend, oauth.Deps{
		Credentials: secret.NewKeyringStore(),
		Sessions:    oauth.NewSessionStore(),
		Broker:      broker,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		RedirectURI: callbackServer.RedirectURI,
		Logger:      logger,
	})

	token, err := flow.Run(ctx)
	if err != nil {
		return fmt.Errorf("authorization failed: %w", err)
	}

	fmt.Printf("Authorized %s", authBackend)
	if token.ExpiresAt > 0 {
		fmt.Printf(" (token expires %s)", time.Unix(token.ExpiresAt, 0).Format(time.RFC3339))
	}
	fmt.Println()
	return nil
}

func runAuthClear(_ *cobra.Command, _ []string) error {
	store, logger, err := loadStoreForCLI()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if store.GetBackend(authBackend) == nil {
		return fmt.Errorf("unknown backend: %s", authBackend)
	}

	if err := secret.NewKeyringStore().DeleteAll(authBackend); err != nil && !secret.IsNotFound(err) {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	fmt.Printf("Cleared credentials for %s\n", authBackend)
	return nil
}

func runAuthStatus(_ *cobra.Command, _ []string) error {
	store, logger, err := loadStoreForCLI()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	credentials := secret.NewKeyringStore()
	now := time.Now()

	for _, backend := range store.ListBackends() {
		if backend.URL == "" {
			continue
		}
		record, err := credentials.GetToken(backend.ID)
		switch {
		case secret.IsNotFound(err):
			fmt.Printf("%-24s no token\n", backend.ID)
		case err != nil:
			fmt.Printf("%-24s error: %v\n", backend.ID, err)
		case record.Expired(now):
			fmt.Printf("%-24s expired\n", backend.ID)
		default:
			expiry := "no expiry"
			if record.ExpiresAt > 0 {
				expiry = "expires " + time.Unix(record.ExpiresAt, 0).Format(time.RFC3339)
			}
			fmt.Printf("%-24s authorized (%s)\n", backend.ID, expiry)
		}
	}
	return nil
}
