package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carelink/devicehub/internal/config"
	"github.com/carelink/devicehub/internal/device"
	"github.com/carelink/devicehub/internal/platform/auth"
	"github.com/carelink/devicehub/internal/platform/db"
	"github.com/carelink/devicehub/internal/platform/events"
	"github.com/carelink/devicehub/internal/platform/middleware"
	"github.com/carelink/devicehub/internal/platform/sandbox"
	"github.com/carelink/devicehub/internal/platform/telemetry"
	"github.com/carelink/devicehub/internal/platform/webhook"
	"github.com/carelink/devicehub/internal/platform/websocket"
	"github.com/carelink/devicehub/internal/plugin"
	"github.com/carelink/devicehub/internal/plugin/bloodpressure"
	"github.com/carelink/devicehub/internal/plugin/glucose"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "devicehub-server",
		Short: "Medical device data gateway",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(pluginsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the device gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	// migrate down - keep as warning
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Roll back by applying a forward migration that reverses the change.")
			return nil
		},
	})

	return cmd
}

// syncCmd runs one batch sync and exits. Useful for cron-driven deployments
// where the in-process scheduler is disabled.
func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a one-shot device sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID, _ := cmd.Flags().GetString("device")
			history, _ := cmd.Flags().GetBool("history")
			historyDays, _ := cmd.Flags().GetInt("history-days")

			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for one-shot sync")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			bus := events.NewBus(logger)
			registry, err := buildRegistry(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer destroyPlugins(registry, logger)

			svc := device.NewService(registry,
				device.NewDeviceStorePG(pool),
				device.NewReadingStorePG(pool),
				bus,
				device.WithLogger(logger),
			)

			report := svc.SyncDevices(ctx, device.SyncOptions{
				DeviceID:       deviceID,
				IncludeHistory: history,
				HistoryDays:    historyDays,
			})
			bus.Wait()

			fmt.Printf("Synced %d device(s), %d reading(s) processed.\n",
				report.DevicesSynced, report.RecordsProcessed)
			for _, e := range report.Errors {
				fmt.Printf("  error: device=%s %s\n", e.DeviceID, e.Message)
			}
			if len(report.Errors) > 0 {
				return fmt.Errorf("%d device(s) failed to sync", len(report.Errors))
			}
			return nil
		},
	}
	cmd.Flags().String("device", "", "Sync a single device by identifier")
	cmd.Flags().Bool("history", false, "Backfill historical readings")
	cmd.Flags().Int("history-days", 0, "Days of history to backfill (0 = config default)")
	return cmd
}

func pluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List registered device plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			registry, err := buildRegistry(context.Background(), cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			defer destroyPlugins(registry, zerolog.Nop())

			fmt.Printf("%-24s %-28s %-10s %s\n", "ID", "NAME", "VERSION", "DEVICE TYPES")
			for _, p := range registry.All() {
				meta := p.Metadata()
				fmt.Printf("%-24s %-28s %-10s %v\n", meta.ID, meta.Name, meta.Version, meta.DeviceTypes)
			}
			return nil
		},
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// buildRegistry constructs and initializes every built-in plugin.
func buildRegistry(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*plugin.Registry, error) {
	registry := plugin.NewRegistry()

	plugins := []plugin.DevicePlugin{
		glucose.New(logger),
		bloodpressure.New(logger),
	}
	pluginCfg := plugin.Config{
		Environment: cfg.Env,
		Features: map[string]any{
			"mock_data":       true,
			"simulate_errors": cfg.PluginSimulateErrors,
		},
	}
	for _, p := range plugins {
		if err := p.Initialize(ctx, pluginCfg); err != nil {
			return nil, fmt.Errorf("initialize plugin %s: %w", p.Metadata().ID, err)
		}
		registry.Register(p)
	}
	return registry, nil
}

func destroyPlugins(registry *plugin.Registry, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, p := range registry.All() {
		if err := p.Destroy(ctx); err != nil {
			logger.Warn().Err(err).Str("plugin_id", p.Metadata().ID).Msg("plugin destroy failed")
		}
	}
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	// Event bus
	bus := events.NewBus(logger)

	// Plugins
	registry, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize plugins")
	}
	defer destroyPlugins(registry, logger)

	// Stores: Postgres when configured, in-memory otherwise (development only;
	// Validate rejects a production config without DATABASE_URL).
	var (
		pool     *pgxpool.Pool
		devices  device.DeviceStore
		readings device.ReadingStore
	)
	if cfg.DatabaseURL != "" {
		p, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer p.Close()
		pool = p
		devices = device.NewDeviceStorePG(p)
		readings = device.NewReadingStorePG(p)
		logger.Info().Msg("connected to database")
	} else {
		devices = device.NewInMemoryDeviceStore()
		readings = device.NewInMemoryReadingStore()
		logger.Warn().Msg("DATABASE_URL not set; using in-memory stores (data is lost on restart)")
	}

	// Telemetry
	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "devicehub",
		ServiceVersion: version,
		Environment:    cfg.Env,
	})
	defer tp.Shutdown(ctx)

	// Device gateway service
	svc := device.NewService(registry, devices, readings, bus,
		device.WithLogger(logger),
		device.WithTelemetry(tp),
	)

	// Background sync scheduler
	schedCtx, schedCancel := context.WithCancel(ctx)
	defer schedCancel()
	go svc.RunScheduler(schedCtx, cfg.SyncInterval())

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.SanitizeWithLogger(logger))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(tp.TracingMiddleware())
	e.Use(tp.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	switch cfg.ResolvedAuthMode() {
	case "development":
		e.Use(auth.DevAuthMiddleware())
		logger.Warn().Msg("development auth mode: all requests run as dev-user/admin")
	default:
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			SigningKey: []byte(cfg.JWTSecret),
		}))
	}

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if pool != nil {
		e.GET("/health/ready", db.HealthHandler(pool))
	} else {
		e.GET("/health/ready", func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]string{"status": "ok", "store": "memory"})
		})
	}
	e.GET("/metrics", tp.PrometheusHandler())

	// API group
	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Device and plugin endpoints
	deviceHandler := device.NewHandler(svc, registry)
	deviceHandler.RegisterRoutes(apiV1)

	// WebSocket event streaming
	hub := websocket.NewHub()
	wsHandler := websocket.NewWebSocketHandler(hub)
	wsHandler.RegisterRoutes(e.Group("/ws"))
	bridge := websocket.NewBridge(bus, hub, logger)
	bridge.Start()

	// Outbound webhooks
	webhookManager := webhook.NewManager(webhook.NewInMemoryStore())
	webhookHandler := webhook.NewHandler(webhookManager)
	webhookHandler.RegisterRoutes(apiV1.Group("/webhooks", auth.RequireRole("admin")))
	webhookDispatcher := webhook.NewDispatcher(webhookManager, logger)
	webhookDispatcher.Start(bus)

	// Demo data seeding, never mounted in production
	if !cfg.IsProduction() {
		seeder := sandbox.NewSeeder(svc, logger)
		sandbox.NewHandler(seeder).RegisterRoutes(apiV1.Group("/sandbox", auth.RequireRole("admin")))
	}

	// Start server
	go func() {
		addr := ":" + cfg.Port
		var err error
		if cfg.TLSEnabled {
			logger.Info().Str("addr", addr).Msg("starting device gateway (TLS)")
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			logger.Info().Str("addr", addr).Msg("starting device gateway")
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	schedCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	// Drain in-flight event handlers before plugins are destroyed.
	bus.Wait()
	logger.Info().Msg("shutdown complete")
	return nil
}
