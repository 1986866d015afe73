package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/medquery/medquery/internal/config"
	"github.com/medquery/medquery/internal/domain/query"
	"github.com/medquery/medquery/internal/draft"
	"github.com/medquery/medquery/internal/platform/auth"
	"github.com/medquery/medquery/internal/platform/bus"
	"github.com/medquery/medquery/internal/platform/db"
	"github.com/medquery/medquery/internal/platform/hipaa"
	"github.com/medquery/medquery/internal/platform/middleware"
	"github.com/medquery/medquery/internal/platform/websocket"
	"github.com/medquery/medquery/internal/ratelimit"
	"github.com/medquery/medquery/internal/review"
	"github.com/medquery/medquery/internal/triage"
	"github.com/medquery/medquery/migrations"
)

const (
	shutdownTimeout = 10 * time.Second
	requestTimeout  = 30 * time.Second
	sweepInterval   = time.Minute
	maxBodySize     = "64K"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "medquery-server",
		Short: "Patient medical query API server",
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
		Short: "Start the query API server",
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
	cmd.PersistentFlags().String("dir", "", "Read migrations from this directory instead of the built-in set")

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(os.Stdout, statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
	dir, _ := cmd.Flags().GetString("dir")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, migrationFiles(dir), newLogger(cfg)))
}

func migrationFiles(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.Modified {
				status = "modified"
			}
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise server")
		return err
	}
	defer a.close()

	return a.run(ctx, ":"+cfg.Port)
}

// app holds the wired server and the background loops that run beside it.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	echo       *echo.Echo
	svc        *query.Service
	bridge     *websocket.Bridge
	apiLimiter *middleware.RateLimiter
	// submissions is nil when the window lives in Redis.
	submissions *ratelimit.MemoryLimiter

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	checks := map[string]db.Check{}

	// Storage
	var (
		pool     *pgxpool.Pool
		store    query.Store
		profiles query.ProfileLookup
	)
	switch cfg.StoreDriver {
	case "postgres":
		var err error
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		store = query.NewStorePG(pool)
		profiles = query.NewProfilesPG(pool)
		checks["database"] = pool.Ping
		logger.Info().Msg("connected to database")
	default:
		store = query.NewMemoryStore()
		profiles = query.StaticProfiles{}
		logger.Warn().Msg("using in-memory store; data is lost on restart")
	}

	// Redis backs the submission window and cross-instance fan-out.
	var rdb *redis.Client
	if cfg.UsesRedis() {
		var err error
		rdb, err = bus.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		logger.Info().Msg("connected to redis")
	}

	windowCfg := ratelimit.Config{Window: cfg.SubmissionWindow, Limit: cfg.SubmissionLimit}
	var limiter ratelimit.Limiter
	if rdb != nil {
		limiter = ratelimit.NewRedisLimiter(rdb, windowCfg)
	} else {
		a.submissions = ratelimit.NewMemoryLimiter(windowCfg)
		limiter = a.submissions
	}

	// Live channel
	hub := websocket.NewHub(logger)
	if rdb != nil {
		redisBus, err := bus.NewRedisBus(rdb, cfg.RedisChannel, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		a.bridge = websocket.NewBridge(hub, redisBus, logger)
	} else {
		a.bridge = websocket.NewBridge(hub, nil, logger)
	}

	// Audit trail
	pseudo := hipaa.NewPseudonymizer(cfg.AuditHashKey)
	var (
		primary  hipaa.Sink
		searcher hipaa.Searcher
	)
	if pool != nil {
		pgSink := hipaa.NewPGSink(pool)
		primary, searcher = pgSink, pgSink
	} else {
		memSink := hipaa.NewMemorySink()
		primary, searcher = memSink, memSink
	}
	sinks := hipaa.MultiSink{primary, hipaa.NewLogSink(logger)}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink := hipaa.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaAuditTopic)
		a.closers = append(a.closers, func() { _ = kafkaSink.Close() })
		sinks = append(sinks, kafkaSink)
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaAuditTopic).Msg("audit mirrored to kafka")
	}

	// Pipeline
	drafter := draft.NewRequester(
		draft.NewChatClient(cfg.ModelEndpoint, cfg.ModelAPIKey, cfg.ModelName),
		draftConfig(cfg),
		logger,
	)
	a.svc = query.NewService(query.Deps{
		Store:    store,
		Queue:    review.NewQueue(),
		Limiter:  limiter,
		Drafter:  drafter,
		Engine:   triageEngine(cfg),
		Profiles: profiles,
		Audit:    sinks,
		Pseudo:   pseudo,
		Notifier: a.bridge,
		Workers:  cfg.PipelineWorkers,
		Logger:   logger,

		PipelineAttempts: cfg.PipelineAttempts,
		PipelineBackoff:  cfg.PipelineBackoff,
	})

	if n, err := a.svc.RestoreQueue(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to restore review queue")
	} else if n > 0 {
		logger.Info().Int("entries", n).Msg("review queue restored")
	}
	if n, err := a.svc.WarmRateWindows(ctx, cfg.SubmissionWindow); err != nil {
		logger.Warn().Err(err).Msg("failed to warm submission windows")
	} else if n > 0 {
		logger.Info().Int("patients", n).Msg("submission windows warmed")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-User-ID", "X-User-Role"},
	}))
	e.Use(middleware.BodyLimit(maxBodySize))
	e.Use(middleware.Sanitize(logger))
	e.Use(middleware.RequestTimeout(requestTimeout))
	e.Use(middleware.AccessLog(logger, pseudo))

	e.GET("/health", db.HealthHandler(checks))
	if pool != nil {
		e.GET("/health/db", db.PoolHealthHandler(pool))
	}

	// API group
	a.apiLimiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	})
	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	apiV1.Use(a.apiLimiter.Middleware())

	query.NewHandler(a.svc).RegisterRoutes(apiV1)

	wsCfg := websocket.DefaultHandlerConfig()
	wsCfg.HeartbeatInterval = cfg.WSHeartbeatInterval
	wsCfg.MaxMissed = cfg.WSMaxMissedHeartbeats
	wsCfg.SendBuffer = cfg.WSSendBuffer
	wsCfg.AllowedOrigins = cfg.CORSOrigins
	websocket.NewWebSocketHandler(hub, a.svc, wsCfg, logger).RegisterRoutes(apiV1)

	adminGroup := apiV1.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	hipaa.NewSearchHandler(searcher, pseudo).RegisterRoutes(adminGroup)

	a.echo = e
	return a, nil
}

func draftConfig(cfg *config.Config) draft.Config {
	dc := draft.DefaultConfig()
	dc.Timeout = cfg.ModelTimeout
	dc.MaxRetries = cfg.ModelMaxRetries
	if cfg.ModelBackoffBase > 0 {
		dc.BackoffBase = cfg.ModelBackoffBase
	}
	return dc
}

func triageEngine(cfg *config.Config) *triage.Engine {
	return triage.NewEngine(
		triage.NewScorer(cfg.ScoringCumulativeCritical),
		triage.Classifier{HighBelow: cfg.UrgencyHighBelow, LowFrom: cfg.UrgencyLowFrom},
		triage.Router{ScoreThreshold: cfg.ReviewScoreThreshold, MediumFloor: cfg.ReviewMediumFloor},
	)
}

// run serves addr until ctx is cancelled, then drains in-flight requests and
// pipeline runs.
func (a *app) run(ctx context.Context, addr string) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := a.bridge.Start(gctx); err != nil {
		return fmt.Errorf("start event bridge: %w", err)
	}

	g.Go(func() error {
		a.bridge.Hub().RunReaper(gctx, a.cfg.WSHeartbeatInterval, a.cfg.WSMaxMissedHeartbeats)
		return nil
	})
	g.Go(func() error {
		a.apiLimiter.RunSweeper(gctx, sweepInterval)
		return nil
	})
	if a.submissions != nil {
		g.Go(func() error {
			a.submissions.RunSweeper(gctx, sweepInterval)
			return nil
		})
	}

	if _, err := a.svc.ResumePipelines(gctx, a.cfg.StalledAfter); err != nil {
		a.logger.Warn().Err(err).Msg("failed to resume stalled queries")
	}
	if a.cfg.RecoveryInterval > 0 {
		g.Go(func() error {
			a.svc.RunRecovery(gctx, a.cfg.RecoveryInterval, a.cfg.StalledAfter)
			return nil
		})
	}

	g.Go(func() error {
		a.logger.Info().Str("addr", addr).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		a.svc.Wait()
		a.logger.Info().Msg("server stopped")
		return nil
	})

	return g.Wait()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
