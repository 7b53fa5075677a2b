/*
main.go - Application entry point

PURPOSE:
  Starts the finance engine HTTP service, or migrates tenant databases.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve     Run the HTTP API (default when no command is given)
  migrate   Open the store of each --tenant, applying pending migrations

STARTUP SEQUENCE (serve):
  1. Load config (defaults, --config TOML file, .env, FINANCE_* env)
  2. Build the zap logger
  3. Build the tenant store provider (memory, sqlite or postgres)
  4. Connect the AMQP publisher, if configured
  5. Create the engine and the router
  6. Run the server and the shutdown watcher in one errgroup

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close tenant stores and the AMQP connection
  4. Exit

EXAMPLES:
  # Run with per-tenant SQLite files
  ./server serve --config finance.toml

  # Run in memory
  FINANCE_STORE_DRIVER=memory ./server

  # Migrate two tenants on Postgres
  FINANCE_STORE_DRIVER=postgres FINANCE_POSTGRES_DSN=postgres://... \
    ./server migrate --tenant diku --tenant college

SEE ALSO:
  - config/config.go: Settings and environment variables
  - api/server.go: Router configuration
  - finance/applier.go: The engine
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/finance-engine/api"
	"github.com/warp/finance-engine/config"
	"github.com/warp/finance-engine/events/amqp"
	"github.com/warp/finance-engine/finance"
	"github.com/warp/finance-engine/finance/store"
	"github.com/warp/finance-engine/logging"
	"github.com/warp/finance-engine/store/postgres"
	"github.com/warp/finance-engine/store/sqlite"
)

const shutdownTimeout = 30 * time.Second

var (
	flagConfig  string
	flagTenants []string
)

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Budget consistency and transaction restriction engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations for the given tenants",
	RunE:  runMigrate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "TOML config file")
	migrateCmd.Flags().StringSliceVarP(&flagTenants, "tenant", "t", nil, "Tenant to migrate (repeatable)")
	_ = migrateCmd.MarkFlagRequired("tenant")

	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	provider, err := newProvider(cfg.Store)
	if err != nil {
		return err
	}
	defer provider.Close()

	opts := []finance.Option{finance.WithLogger(logger)}
	if cfg.AMQP.URL != "" {
		publisher, err := amqp.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.RoutingPrefix, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
		opts = append(opts, finance.WithPublisher(publisher))
		logger.Info("publishing events", zap.String("exchange", cfg.AMQP.Exchange))
	}

	engine := finance.NewEngine(provider, opts...)
	router := api.NewRouter(api.NewHandler(engine, logger), api.RouterOptions{
		RequestTimeout: cfg.Server.RequestTimeout.Duration,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout.Duration + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("store", cfg.Store.Driver),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Store.Driver == "memory" {
		return errors.New("memory store has no schema to migrate")
	}

	provider, err := newProvider(cfg.Store)
	if err != nil {
		return err
	}
	defer provider.Close()

	// Opening a tenant's store applies its pending migrations.
	for _, tenant := range flagTenants {
		if _, err := provider.ForTenant(cmd.Context(), finance.TenantID(tenant)); err != nil {
			return fmt.Errorf("migrate tenant %s: %w", tenant, err)
		}
		logger.Info("tenant migrated", zap.String("tenant", tenant), zap.String("store", cfg.Store.Driver))
	}
	return nil
}

// =============================================================================
// WIRING
// =============================================================================

func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return cfg, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	logger, _, err := logging.New(cfg.Log.Level, logging.Format(cfg.Log.Format))
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}

func newProvider(cfg config.StoreConfig) (*store.Registry, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryRegistry(), nil
	case "sqlite":
		return sqlite.NewProvider(cfg.SQLiteDir)
	case "postgres":
		return postgres.NewProvider(cfg.PostgresDSN, postgres.PoolConfig{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxOpenConns,
			ConnMaxLifetime: 30 * time.Minute,
		}), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
