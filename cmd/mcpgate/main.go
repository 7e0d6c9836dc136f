package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mcpgate/mcpgate-go/internal/config"
	"github.com/mcpgate/mcpgate-go/internal/logs"
	"github.com/mcpgate/mcpgate-go/internal/oauth"
	"github.com/mcpgate/mcpgate-go/internal/registry"
	"github.com/mcpgate/mcpgate-go/internal/secret"
	"github.com/mcpgate/mcpgate-go/internal/server"
	"github.com/mcpgate/mcpgate-go/internal/storage"
	"github.com/mcpgate/mcpgate-go/internal/upstream"
)

var (
	configFile string
	dataDir    string
	listen     string
	logLevel   string
	logToFile  bool

	version = "v0.1.0" // Injected by -ldflags during build
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "mcpgate",
		Short:   "Local MCP gateway - aggregate upstream MCP servers behind one endpoint",
		Version: version,
		RunE:    runServe,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path (default: <data-dir>/config.json)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.mcpgate)")
	rootCmd.PersistentFlags().StringVarP(&listen, "listen", "l", "", "Listen address (overrides configuration)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", true, "Enable logging to a rotated file in the data directory")

	rootCmd.AddCommand(authCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolvePaths fills in the data directory and config path defaults.
func resolvePaths() (string, string, error) {
	dir := dataDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", fmt.Errorf("failed to determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".mcpgate")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create data directory: %w", err)
	}

	path := configFile
	if path == "" {
		path = filepath.Join(dir, "config.json")
	}
	return dir, path, nil
}

func setupLogging(dir string) (*zap.Logger, error) {
	logCfg := logs.DefaultConfig()
	logCfg.Level = logLevel
	logCfg.EnableFile = logToFile
	logCfg.LogDir = filepath.Join(dir, "logs")
	return logs.SetupLogger(logCfg)
}

func runServe(_ *cobra.Command, _ []string) error {
	dir, configPath, err := resolvePaths()
	if err != nil {
		return err
	}

	logger, err := setupLogging(dir)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting mcpgate",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.String("data_dir", dir))

	store, err := config.NewStore(configPath, logger)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if listen != "" {
		store.SetListen(listen)
	}

	db, err := storage.NewBoltDB(dir, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() { _ = db.Close() }()

	credentials := secret.NewKeyringStore()
	oauthSessions := oauth.NewSessionStore()
	broker := oauth.NewCallbackBroker(logger)
	httpClient := &http.Client{Timeout: 30 * time.Second}

	manager := upstream.NewManager(upstream.Deps{
		Config:      store,
		Credentials: credentials,
		Sessions:    oauthSessions,
		Broker:      broker,
		Refresher:   oauth.NewRefresher(credentials, httpClient, logger),
		RedirectURI: oauth.LocalRedirectURI(store.Listen()),
		HTTPClient:  httpClient,
		Logger:      logger,
	})

	reg := registry.NewRegistry(manager, store, db, logger)
	gateway := server.NewGateway(store, manager, reg, oauthSessions, broker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		s := <-sig
		logger.Info("shutdown signal received", zap.String("signal", s.String()))
		cancel()
	}()

	// Backend edits arrive from the desktop shell through the config file.
	watcher := config.NewWatcher(store, logger)
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("config watcher stopped", zap.Error(err))
		}
	}()
	store.OnChange(config.SectionBackends, func() {
		reloadCtx, done := context.WithTimeout(ctx, 2*time.Minute)
		defer done()
		if err := manager.Reload(reloadCtx); err != nil {
			logger.Warn("backend reload failed", zap.Error(err))
		}
	})

	// Bring enabled backends up in the background; the gateway serves
	// immediately and the catalog fills in as connections come alive.
	go func() {
		startCtx, done := context.WithTimeout(ctx, 2*time.Minute)
		defer done()
		if err := manager.Reload(startCtx); err != nil {
			logger.Warn("initial backend startup incomplete", zap.Error(err))
		}
	}()

	err = gateway.Start(ctx)

	shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	manager.Shutdown(shutdownCtx)

	return err
}
