/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the staffdesk server: recurring client tasks,
  their completion ledger and the monthly visit report.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse flags and load configuration (see config package)
  2. Configure the slog logger
  3. Initialize SQLite store
  4. Create API handler, engine and router
  5. Optionally load demo data
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  --config      Config file (default: ./staffdesk.yaml if present)
  --port        HTTP server port (default: 8080)
  --db          SQLite database path (default: staffdesk.db)
                Use ":memory:" for in-memory database
  --log-level   debug | info | warn | error
  --log-format  text | json
  --demo        Load a demo scenario on startup

ENVIRONMENT:
  Every key can be set as STAFFDESK_<KEY>, e.g. STAFFDESK_DB_PATH.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (shutdown_timeout)
  3. Close database connection
  4. Exit

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/warp/staffdesk/api"
	"github.com/warp/staffdesk/config"
	"github.com/warp/staffdesk/store/sqlite"
)

const demoScenario = "quarterly-compliance"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "staffdesk",
		Short:         "Recurring client task and visit server",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default is ./staffdesk.yaml)")
	flags.Int("port", 8080, "HTTP server port")
	flags.String("db", "staffdesk.db", "SQLite database path")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.Bool("demo", false, "load a demo scenario on startup")

	// Bind flags to Viper
	_ = v.BindPFlag("port", flags.Lookup("port"))
	_ = v.BindPFlag("db.path", flags.Lookup("db"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = v.BindPFlag("demo", flags.Lookup("demo"))

	return cmd
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	// Initialize store
	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	// Initialize handler and router
	handler := api.NewHandler(store, nil, logger)
	if cfg.Demo {
		if err := handler.LoadScenarioByID(ctx, demoScenario); err != nil {
			logger.Warn("failed to load demo scenario", "scenario", demoScenario, "error", err)
		}
	}
	router := api.NewRouter(handler, cfg.CORS.AllowedOrigins)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "db", cfg.DB.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server", "timeout", cfg.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
