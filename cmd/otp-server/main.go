package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/caretrack/otp-server/internal/config"
	"github.com/caretrack/otp-server/internal/domain/audit"
	"github.com/caretrack/otp-server/internal/domain/dispensing"
	"github.com/caretrack/otp-server/internal/domain/form222"
	"github.com/caretrack/otp-server/internal/domain/inventory"
	"github.com/caretrack/otp-server/internal/domain/labs"
	"github.com/caretrack/otp-server/internal/domain/patient"
	"github.com/caretrack/otp-server/internal/domain/takehome"
	"github.com/caretrack/otp-server/internal/platform/auth"
	"github.com/caretrack/otp-server/internal/platform/db"
	"github.com/caretrack/otp-server/internal/platform/interactions"
	"github.com/caretrack/otp-server/internal/platform/metrics"
	"github.com/caretrack/otp-server/internal/platform/middleware"
)

// migrationSchema is the schema the migration runner targets. The server
// uses a single schema; there is no per-tenant partitioning.
const migrationSchema = "public"

func main() {
	rootCmd := &cobra.Command{
		Use:   "otp-server",
		Short: "Opioid treatment program dispensing API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dispensing API server",
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

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx, migrationSchema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx, migrationSchema)
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

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Restore from a backup or write a forward migration instead.")
			return nil
		},
	})

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Repositories
	patientRepo := patient.NewRepoPG(pool)
	labsRepo := labs.NewRepoPG(pool)
	auditRepo := audit.NewRepoPG(pool)
	deviceRepo := dispensing.NewDeviceRepoPG(pool)
	medRepo := dispensing.NewMedicationRepoPG(pool)
	bottleRepo := dispensing.NewBottleRepoPG(pool)
	medOrderRepo := dispensing.NewOrderRepoPG(pool)
	doseRepo := dispensing.NewDoseEventRepoPG(pool)
	inventoryRepo := inventory.NewRepoPG(pool)
	takehomeOrderRepo := takehome.NewOrderRepoPG(pool)
	holdRepo := takehome.NewHoldRepoPG(pool)
	ruleRepo := takehome.NewRuleRepoPG(pool)
	form222Repo := form222.NewRepoPG(pool)

	// Services. The dispensing service writes its inventory debits through
	// the inventory service, and both share one transaction runner so a
	// dose and its ledger row commit or roll back together.
	txRunner := dispensing.TxRunner(func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.RunInTx(ctx, pool, fn)
	})

	auditSvc := audit.NewService(auditRepo, logger)
	patientSvc := patient.NewService(patientRepo)
	labsSvc := labs.NewService(labsRepo)
	inventorySvc := inventory.NewService(inventoryRepo, bottleRepo, txRunner)
	dispensingSvc := dispensing.NewService(
		deviceRepo, medRepo, bottleRepo, medOrderRepo, doseRepo,
		patientSvc, inventorySvc, auditSvc, txRunner,
	)
	takehomeSvc := takehome.NewService(
		takehomeOrderRepo, holdRepo, ruleRepo,
		labsSvc, patientSvc, medOrderRepo, auditSvc,
	)
	form222Svc := form222.NewService(form222Repo, auditSvc, &form222.StubCopyWriter{Logger: logger}, txRunner, logger)
	interactionsClient := interactions.NewClient(cfg.InteractionsURL, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1MB"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}

	// Request-level access audit, persisted through the audit service.
	e.Use(middleware.Audit(logger, auditSvc.Recorder()))

	// Metrics
	if cfg.MetricsEnabled {
		m := metrics.NewDefault()
		dispensingSvc.SetMetrics(m)
		inventorySvc.SetMetrics(m)
		takehomeSvc.SetMetrics(m)
		form222Svc.SetMetrics(m)
		interactionsClient.SetMetrics(m)
		e.GET("/metrics", echo.WrapHandler(metrics.DefaultHandler()))
	}

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

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Routes
	patient.NewHandler(patientSvc).RegisterRoutes(apiV1)
	labs.NewHandler(labsSvc).RegisterRoutes(apiV1)
	audit.NewHandler(auditSvc).RegisterRoutes(apiV1)
	dispensing.NewHandler(dispensingSvc).RegisterRoutes(apiV1)
	inventory.NewHandler(inventorySvc).RegisterRoutes(apiV1)
	takehome.NewHandler(takehomeSvc).RegisterRoutes(apiV1)
	form222.NewHandler(form222Svc).RegisterRoutes(apiV1)
	interactions.NewHandler(interactionsClient).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
