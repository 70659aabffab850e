package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/taut0logy/kothakoli/internal/auth"
	"github.com/taut0logy/kothakoli/internal/blacklist"
	"github.com/taut0logy/kothakoli/internal/config"
	"github.com/taut0logy/kothakoli/internal/domain"
	"github.com/taut0logy/kothakoli/internal/event"
	handler "github.com/taut0logy/kothakoli/internal/handler/http"
	"github.com/taut0logy/kothakoli/internal/otp"
	"github.com/taut0logy/kothakoli/internal/ratelimit"
	"github.com/taut0logy/kothakoli/internal/repository/postgres"
	"github.com/taut0logy/kothakoli/internal/service"
	"github.com/taut0logy/kothakoli/internal/store"
	"github.com/taut0logy/kothakoli/internal/token"
	"github.com/taut0logy/kothakoli/migrations"
	"github.com/taut0logy/kothakoli/pkg/breaker"
	"github.com/taut0logy/kothakoli/pkg/database"
	"github.com/taut0logy/kothakoli/pkg/health"
	pkgkafka "github.com/taut0logy/kothakoli/pkg/kafka"
	"github.com/taut0logy/kothakoli/pkg/middleware"
	"github.com/taut0logy/kothakoli/pkg/tracing"
)

// App wires together all dependencies and runs the service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	redis          *redis.Client
	producer       *pkgkafka.Producer
	sweeper        *token.Sweeper
	httpServer     *http.Server
	tracerShutdown tracing.ShutdownFunc

	stopSweeper context.CancelFunc
	sweeperDone chan struct{}
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// Initialize PostgreSQL connection pool.
	pool, err := database.NewPostgresPool(ctx, database.PostgresConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: cfg.DBMaxConnLifetime,
		MaxConnIdleTime: cfg.DBMaxConnIdleTime,
	}, logger)
	if err != nil {
		_ = tracerShutdown(context.Background())
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL")

	// Run database migrations.
	if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		pool.Close()
		_ = tracerShutdown(context.Background())
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed")

	if cfg.SlowQueryThreshold > 0 {
		database.SetSlowQueryLogging(cfg.SlowQueryThreshold, logger)
	}

	// Redis is the shared ephemeral store. The core degrades without it, so an
	// unreachable server at startup is not fatal.
	rdb, err := database.NewRedisClient(ctx, database.RedisConfig{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     cfg.RedisPoolSize,
		DialTimeout:  cfg.RedisDialTimeout,
		ReadTimeout:  cfg.RedisOpTimeout,
		WriteTimeout: cfg.RedisOpTimeout,
	})
	if err != nil {
		logger.Warn("redis unreachable at startup, running degraded",
			slog.String("addr", cfg.RedisAddr),
			slog.String("error", err.Error()),
		)
	} else {
		logger.Info("connected to Redis", slog.String("addr", cfg.RedisAddr))
	}

	if err := database.RegisterPoolMetrics(prometheus.DefaultRegisterer, cfg.ServiceName, pool, rdb); err != nil {
		logger.Warn("pool metrics not registered", slog.String("error", err.Error()))
	}

	// Initialize Kafka producer.
	producer := pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
	logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))

	// Build the dependency graph.
	storeBreaker := breaker.New(breaker.Config{
		Name:         "shared-store",
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      cfg.BreakerTimeout,
		FailureRatio: cfg.BreakerFailureRatio,
		MinRequests:  cfg.BreakerMinRequests,
	}, logger)
	sharedStore := store.NewRedisStore(rdb, storeBreaker, cfg.RedisOpTimeout, logger)

	signer := auth.NewSigner(cfg.JWTSecret, cfg.JWTIssuer, time.Now)
	userRepo := postgres.NewUserRepository(pool)
	tokenRepo := postgres.NewSessionTokenRepository(pool)
	tokens := token.NewManager(signer, tokenRepo, blacklist.New(sharedStore, logger), time.Now, cfg.RevokedRecordsGrace, logger)
	codes := otp.NewEngine(sharedStore, otp.Config{
		TTL: map[domain.Purpose]time.Duration{
			domain.PurposePasswordReset:     cfg.OTPPasswordResetTTL,
			domain.PurposeEmailVerification: cfg.OTPEmailVerificationTTL,
		},
		MaxAttempts: cfg.OTPMaxAttempts,
	}, time.Now, logger)
	notifier := event.NewNotifier(producer, logger)

	accounts := service.NewAccountService(userRepo, tokens, codes, notifier, service.TokenTTLs{
		Access:        cfg.AccessTokenTTL,
		RememberMe:    cfg.RememberMeTokenTTL,
		PasswordReset: cfg.PasswordResetTokenTTL,
	}, time.Now, logger).WithHashCost(cfg.BcryptCost)

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthHandler.RegisterNonCritical("redis", func(ctx context.Context) error {
		return sharedStore.Ping(ctx)
	})
	healthHandler.RegisterNonCritical("kafka", func(ctx context.Context) error {
		return producer.Ping(ctx)
	})

	// HTTP router.
	router := handler.NewRouter(handler.RouterConfig{
		ServiceName: cfg.ServiceName,
		Accounts:    accounts,
		Verifier:    tokens,
		Limiters: handler.Limiters{
			Strict:  ratelimit.New(sharedStore, "strict", cfg.RateLimitStrict.Limit, cfg.RateLimitStrict.Window, logger),
			Default: ratelimit.New(sharedStore, "default", cfg.RateLimitDefault.Limit, cfg.RateLimitDefault.Window, logger),
			Lenient: ratelimit.New(sharedStore, "lenient", cfg.RateLimitLenient.Limit, cfg.RateLimitLenient.Window, logger),
		},
		CallerKey:  ratelimit.SubjectOrIP(signer, cfg.TrustProxyHeaders),
		Health:     healthHandler,
		CORS:       middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins, Environment: cfg.Environment},
		PprofCIDRs: cfg.PprofAllowedCIDRs,
		Logger:     logger,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		pool:           pool,
		redis:          rdb,
		producer:       producer,
		sweeper:        token.NewSweeper(tokens, cfg.CleanupInterval, cfg.CleanupRetryDelay, logger),
		httpServer:     httpServer,
		tracerShutdown: tracerShutdown,
	}, nil
}

// Run starts the cleanup sweeper and the HTTP server and blocks until the
// context is canceled.
func (a *App) Run(ctx context.Context) error {
	sweepCtx, stop := context.WithCancel(context.Background())
	a.stopSweeper = stop
	a.sweeperDone = make(chan struct{})
	go func() {
		defer close(a.sweeperDone)
		a.sweeper.Run(sweepCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting HTTP server", slog.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
	}

	return errors.Join(runErr, a.Shutdown())
}

// Shutdown gracefully stops all components in order:
// 1. HTTP server (drain in-flight requests)
// 2. Cleanup sweeper
// 3. Tracer (flush spans of drained requests)
// 4. Kafka producer
// 5. Redis client
// 6. PostgreSQL pool
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	httpCtx, httpCancel := context.WithTimeout(context.Background(), a.cfg.HTTPShutdownTimeout)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if a.stopSweeper != nil {
		a.stopSweeper()
		<-a.sweeperDone
	}

	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if err := a.producer.Close(); err != nil {
		a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if err := a.redis.Close(); err != nil {
		a.logger.Error("redis close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	a.pool.Close()

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}
