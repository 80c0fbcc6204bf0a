package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/booking/internal/config"
	"github.com/ehr/booking/internal/domain/scheduling"
	"github.com/ehr/booking/internal/platform/auth"
	"github.com/ehr/booking/internal/platform/cache"
	"github.com/ehr/booking/internal/platform/db"
	"github.com/ehr/booking/internal/platform/events"
	"github.com/ehr/booking/internal/platform/middleware"
	"github.com/ehr/booking/internal/platform/notification"
	"github.com/ehr/booking/internal/platform/reminders"
	"github.com/ehr/booking/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "booking-server",
		Short: "Provider appointment booking API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(workerCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the booking API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _ := cmd.Flags().GetString("store")
			if store != "" {
				os.Setenv("STORE", store)
			}
			return runServer()
		},
	}
	cmd.Flags().String("store", "", "Reservation store: postgres or memory (overrides STORE)")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Deliver scheduled reminders from the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
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
			migrator, closeFn, err := newMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	addMigrateFlags(upCmd)
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeFn, err := newMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(cmd.Context())
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
	addMigrateFlags(statusCmd)
	cmd.AddCommand(statusCmd)

	return cmd
}

func addMigrateFlags(cmd *cobra.Command) {
	cmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
}

// migrationSource picks the embedded migrations unless a directory is given.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func newMigrator(cmd *cobra.Command) (*db.Migrator, func(), error) {
	schema, _ := cmd.Flags().GetString("schema")
	dir, _ := cmd.Flags().GetString("dir")

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required for migrations")
	}

	pool, err := db.NewPool(cmd.Context(), db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        2,
		ApplicationName: "booking-migrate",
	})
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrationSource(dir), schema), pool.Close, nil
}

// app holds the wired core and whatever needs closing on shutdown.
type app struct {
	svc     *scheduling.Service
	pool    *pgxpool.Pool
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApp wires the store, cache, queue and publisher selected by cfg.
// Optional backends are skipped when their URL is empty.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{}
	var deps scheduling.Deps

	switch cfg.Store {
	case config.StoreMemory:
		mem := scheduling.NewMemoryStore()
		if cfg.SeedFile != "" {
			f, err := os.Open(cfg.SeedFile)
			if err != nil {
				return nil, fmt.Errorf("open seed file: %w", err)
			}
			err = mem.LoadSeed(f)
			f.Close()
			if err != nil {
				return nil, err
			}
		}
		deps.Reservations, deps.UnitOfWork, deps.Hours, deps.Directory = mem, mem, mem, mem
		logger.Warn().Msg("using in-memory reservation store, data is lost on restart")
	default:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:             cfg.DatabaseURL,
			MaxConns:        cfg.DBMaxConns,
			MinConns:        cfg.DBMinConns,
			ApplicationName: "booking-server",
		})
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.closers = append(a.closers, pool.Close)
		deps.Reservations = scheduling.NewReservationRepoPG(pool)
		deps.UnitOfWork = scheduling.NewUnitOfWorkPG(pool)
		deps.Hours = scheduling.NewWorkingHoursRepoPG(pool)
		deps.Directory = scheduling.NewDirectoryPG(pool)
		logger.Info().Msg("connected to database")
	}

	sender := notification.NewLogSender(logger)
	deps.Notifier = notification.NewNotifier(sender, sender, sender)

	if cfg.RedisURL != "" {
		client, err := cache.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		deps.Cache = cache.NewSlotCache(client, cfg.AvailabilityCacheTTL, logger)

		opt, err := asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		sched := reminders.NewScheduler(opt)
		a.closers = append(a.closers, func() { _ = sched.Close() })
		deps.Reminders = sched
		logger.Info().Msg("availability cache and reminder queue enabled")
	}

	if cfg.AMQPURL != "" {
		pub, err := events.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = pub.Close() })
		deps.Publisher = pub
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("event publishing enabled")
	}

	a.svc = scheduling.NewService(deps, scheduling.Options{
		StoreTimeout: cfg.StoreTimeout,
		MaxRetries:   cfg.BookingMaxRetries,
		StepMinutes:  cfg.SlotStepMinutes,
		Logger:       logger.With().Str("component", "scheduling").Logger(),
	})
	return a, nil
}

func newServer(cfg *config.Config, logger zerolog.Logger, a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", "If-None-Match", middleware.RequestIDHeader, "X-Actor-ID"},
		ExposeHeaders: []string{"ETag", "Location", middleware.RequestIDHeader},
	}))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"store":   cfg.Store,
		})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool, 2*time.Second))
	}

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	scheduling.NewHandler(a.svc).RegisterRoutes(apiV1)
	return e
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.Close()

	e := newServer(cfg, logger, a)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.Store).Msg("starting server")
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
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runWorker() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if cfg.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required for the reminder worker")
	}
	if cfg.Store == config.StoreMemory {
		return fmt.Errorf("the reminder worker needs a shared store, STORE=memory is not supported")
	}

	a, err := buildApp(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	w := reminders.NewWorker(opt, cfg.ReminderConcurrency, a.svc, logger.With().Str("component", "reminders").Logger())
	logger.Info().Int("concurrency", cfg.ReminderConcurrency).Msg("starting reminder worker")

	// asynq handles SIGINT/SIGTERM itself and drains in-flight tasks.
	if err := w.Run(); err != nil && err != asynq.ErrServerClosed {
		return fmt.Errorf("reminder worker: %w", err)
	}
	logger.Info().Msg("reminder worker stopped")
	return nil
}
