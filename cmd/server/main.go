// @title           accessgate API
// @version         1.0.0
// @description     Email verification, politician sessions and request authorization for the civic directory.
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                         Authorization
// @description                  "Identity-provider access token: 'Bearer {token}'"
//
// @tag.name         System
// @tag.description  Health, readiness and version endpoints.
//
// @tag.name         Observability
// @tag.description  Prometheus metrics are served on a dedicated side-channel port (default: 9090) separate from the main API server. Configure the port with AG_TELEMETRY_METRICS_PROMETHEUS_PORT. The endpoint path is always GET /metrics.

// Package main is the entry point for the accessgate server binary.
// It dispatches four subcommands (serve, migrate, revoke-sessions and version)
// via a simple switch on os.Args. The serve command runs auto-migration on
// startup so freshly deployed containers never need a separate migration step.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/civic-directory/accessgate/internal/api"
	"github.com/civic-directory/accessgate/internal/config"
	"github.com/civic-directory/accessgate/internal/db"
	"github.com/civic-directory/accessgate/internal/db/repositories"
	"github.com/civic-directory/accessgate/internal/sessions"
	"github.com/civic-directory/accessgate/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	// Parse command from args
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	if command == "version" {
		fmt.Printf("accessgate v%s\n", api.Version)
		return nil
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Execute command
	switch command {
	case "serve":
		return serve(cfg, configPath)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "revoke-sessions":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s revoke-sessions <politician-id>", os.Args[0])
		}
		return revokeSessions(cfg, os.Args[2])
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, revoke-sessions, version", command)
	}
}

func serve(cfg *config.Config, configPath string) error {
	// Initialise structured logger as early as possible so all subsequent log output
	// uses the configured format (json / text) and level.
	logCloser, err := telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level, cfg.Logging.Output)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer logCloser.Close()

	// Set Gin mode
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Log level can be changed without a restart; everything else needs one.
	if configPath != "" {
		err := config.Watch(configPath, func(next *config.Config) {
			telemetry.SetLogLevel(next.Logging.Level)
			slog.Info("configuration reloaded", "log_level", next.Logging.Level)
		})
		if err != nil {
			slog.Warn("config file watching disabled", "error", err)
		}
	}

	slog.Info("database config",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"user", cfg.Database.User,
		"dbname", cfg.Database.Name,
		"sslmode", cfg.Database.SSLMode)

	// Connect to database
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	slog.Info("connected to database")

	// Begin exporting DB pool statistics to Prometheus.
	telemetry.StartDBStatsCollector(database)

	// Run migrations automatically on startup
	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if version, dirty, err := db.GetMigrationVersion(database); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", version, "dirty", dirty)
	}

	var rdb redis.UniversalClient
	if cfg.RateLimiting.Enabled && cfg.RateLimiting.Store == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		slog.Info("connected to redis", "addr", cfg.Redis.Addr)
	}

	// Start Prometheus metrics endpoint on a dedicated port so it is not reachable
	// through the public API ingress path.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create router
	router, bgServices, err := api.NewRouter(ctx, cfg, database, rdb)
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"base_url", cfg.Server.BaseURL,
			"identity_provider", cfg.Identity.Provider,
			"rate_limit_store", cfg.RateLimiting.Store)

		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal or a listener failure
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			bgServices.Shutdown()
			return fmt.Errorf("failed to start server: %w", err)
		}
	}

	slog.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Stop background jobs and rate limiter goroutines
	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	// Connect to database
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	log.Printf("Running migrations: %s", direction)

	// Run migrations
	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	// Get current version
	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	log.Printf("Migration completed successfully. Current version: %d (dirty: %v)", version, dirty)
	return nil
}

// revokeSessions ends every session of one politician, for incident response
// when the HTTP admin surface is unavailable.
func revokeSessions(cfg *config.Config, politicianID string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	svc, err := sessions.NewService(
		repositories.NewPoliticianSessionRepository(sqlx.NewDb(database, "postgres")),
		repositories.NewPoliticianRepository(database),
		sessions.Config{StorageTimeout: cfg.StorageTimeout},
	)
	if err != nil {
		return err
	}

	n, err := svc.RevokeAll(context.Background(), politicianID)
	if err != nil {
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}
	log.Printf("Revoked %d session(s) for politician %s", n, politicianID)
	return nil
}
