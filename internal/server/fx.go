// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/price-pulse/internal/api"
	"github.com/JakeFAU/price-pulse/internal/clock/system"
	"github.com/JakeFAU/price-pulse/internal/config"
	"github.com/JakeFAU/price-pulse/internal/crawler"
	"github.com/JakeFAU/price-pulse/internal/extract"
	"github.com/JakeFAU/price-pulse/internal/faults"
	collyfetcher "github.com/JakeFAU/price-pulse/internal/fetcher/colly"
	"github.com/JakeFAU/price-pulse/internal/hash/sha256"
	"github.com/JakeFAU/price-pulse/internal/health"
	"github.com/JakeFAU/price-pulse/internal/id/uuid"
	"github.com/JakeFAU/price-pulse/internal/kvstore"
	"github.com/JakeFAU/price-pulse/internal/logging"
	"github.com/JakeFAU/price-pulse/internal/metrics"
	"github.com/JakeFAU/price-pulse/internal/policy/ratelimit"
	"github.com/JakeFAU/price-pulse/internal/pricegraph"
	"github.com/JakeFAU/price-pulse/internal/pricewatch"
	"github.com/JakeFAU/price-pulse/internal/resilience"
	"github.com/JakeFAU/price-pulse/internal/schedule"
	memorystore "github.com/JakeFAU/price-pulse/internal/storage/memory"
	pgstore "github.com/JakeFAU/price-pulse/internal/storage/postgres"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     *kvstore.RedisStore
	resources *resilience.ResourceManager
	breakers  *resilience.BreakerRegistry
	monitor   *resilience.PerformanceMonitor
	checker   *health.Checker
	crawler   *crawler.BaseCrawler
	graph     *pricegraph.Graph
	service   *pricewatch.Service
	runs      pricewatch.RunReader
	apiServer *api.Server
	scheduler *schedule.Scheduler
}

// Run starts the HTTP server and, when enabled, the sweep schedule. It blocks until the
// context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	if a.scheduler != nil {
		a.scheduler.Start()
	}
	a.logger.Info("application started", zap.Int("targets", len(a.cfg.Targets)))

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close stops the scheduler and releases tracked infrastructure.
func (a *App) Close(ctx context.Context) error {
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			a.logger.Warn("scheduler stop failed", zap.Error(err))
		}
	}
	a.logger.Info("releasing resources", zap.Int("count", a.resources.Count()))
	a.resources.Cleanup(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Crawl fetches a single URL through the shared crawler and its host breaker and extracts
// its price when the page carries one.
func (a *App) Crawl(ctx context.Context, rawURL, selector string) (crawler.Result, *extract.Price, error) {
	return a.service.Inspect(ctx, rawURL, selector)
}

// Sweep runs one locked sweep over the configured targets.
func (a *App) Sweep(ctx context.Context) (pricewatch.SweepReport, error) {
	return a.service.RunLocked(ctx)
}

// CheckHealth runs every health check.
func (a *App) CheckHealth(ctx context.Context) health.Report {
	return a.checker.CheckSystemHealth(ctx)
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Dir:         cfg.Logging.Dir,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.Int("targets", len(cfg.Targets)),
		zap.Bool("schedule_enabled", cfg.Schedule.Enabled),
	)

	app := &App{
		cfg:       cfg,
		logger:    logger,
		resources: resilience.NewResourceManager(resilience.WithLogger(logging.Module(logger, "resources"))),
	}

	if err := setupStore(ctx, app); err != nil {
		return nil, err
	}
	observations, runs, err := setupDatabase(ctx, app)
	if err != nil {
		app.resources.Cleanup(ctx)
		return nil, err
	}
	app.runs = runs

	ids := uuid.New()
	app.breakers = resilience.NewBreakerRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
		IsFailure:        faults.IsRetryable,
	}, resilience.WithLogger(logging.Module(logger, "breaker")))
	app.monitor = resilience.NewPerformanceMonitor(cfg.Monitor.Window)
	app.checker = health.NewChecker(health.Config{
		StoreMaxLatency:  cfg.Health.StoreMaxLatency,
		StoreMaxMemory:   cfg.Health.StoreMaxMemory,
		HeapMaxBytes:     cfg.Health.HeapMaxBytes,
		DiskPath:         cfg.Health.DiskPath,
		DiskMinFreeBytes: cfg.Health.DiskMinFreeBytes,
		DNSHost:          cfg.Health.DNSHost,
		DNSTimeout:       cfg.Health.DNSTimeout,
	}, app.store, logging.Module(logger, "health"))

	app.crawler = setupCrawler(app)
	app.graph = pricegraph.New(app.store, logging.Module(logger, "graph"))

	app.service, err = pricewatch.NewService(pricewatch.Config{
		Targets:      targetsFrom(cfg.Targets),
		LockKey:      cfg.Lock.SweepKey,
		LockTTL:      cfg.Lock.TTL,
		CacheTTL:     cfg.Cache.TTL,
		KRWPerUSD:    cfg.ExchangeRate.KRWPerUSD,
		DisparityTTL: cfg.Disparity.TTL,
	}, pricewatch.Deps{
		Crawler:      app.crawler,
		Breakers:     app.breakers,
		Monitor:      app.monitor,
		Lock:         resilience.NewDistributedLock(app.store, ids, resilience.WithLogger(logging.Module(logger, "lock"))),
		Degradation:  resilience.NewDegradation(app.store, resilience.WithLogger(logging.Module(logger, "degradation"))),
		Observations: observations,
		Runs:         runs,
		Graph:        app.graph,
		Store:        app.store,
		IDs:          ids,
		Hasher:       sha256.New(),
		Clock:        system.New(),
		Logger:       logging.Module(logger, "pricewatch"),
	})
	if err != nil {
		app.resources.Cleanup(ctx)
		return nil, fmt.Errorf("sweep service init failed: %w", err)
	}

	app.apiServer = api.NewServer(api.Deps{
		Health:      app.checker,
		Monitor:     app.monitor,
		Breakers:    app.breakers,
		Sweeper:     app.service,
		Runs:        app.runs,
		Graph:       app.graph,
		Disparities: app.service,
		Pages:       app.service,
	}, cfg.Server.RequestTimeout, logging.Module(logger, "api"))

	if cfg.Schedule.Enabled {
		app.scheduler, err = schedule.New(cfg.Schedule.Cron, app.service, cfg.Lock.TTL, logging.Module(logger, "schedule"),
			schedule.WithGraphCleanup(app.graph, cfg.Graph.Retention))
		if err != nil {
			app.resources.Cleanup(ctx)
			return nil, fmt.Errorf("schedule init failed: %w", err)
		}
	}
	return app, nil
}

// setupStore connects Redis. An unreachable server is logged and the app starts degraded;
// cache reads fall through to the observation store until it recovers.
func setupStore(ctx context.Context, app *App) error {
	store, err := kvstore.NewRedisStore(ctx, kvstore.RedisConfig{
		Addr:         app.cfg.Redis.Addr,
		Password:     app.cfg.Redis.Password,
		DB:           app.cfg.Redis.DB,
		PoolSize:     app.cfg.Redis.PoolSize,
		DialTimeout:  app.cfg.Redis.DialTimeout,
		ReadTimeout:  app.cfg.Redis.ReadTimeout,
		WriteTimeout: app.cfg.Redis.WriteTimeout,
	}, logging.Module(app.logger, "kvstore"))
	if store == nil {
		return fmt.Errorf("kvstore init failed: %w", err)
	}
	app.store = store
	app.resources.Track("redis", func(context.Context) error { return store.Close() })
	return nil
}

// runStore records sweeps and serves their history.
type runStore interface {
	pricewatch.RunStore
	pricewatch.RunReader
}

func setupDatabase(
	ctx context.Context,
	app *App,
) (pricewatch.ObservationStore, runStore, error) {
	if app.cfg.Postgres.DSN == "" {
		app.logger.Warn("No DSN specified for database, keeping observations in memory")
		return memorystore.NewObservationStore(), memorystore.NewRunStore(), nil
	}
	pool, err := pgstore.NewPool(ctx, pgstore.Config{
		DSN:      app.cfg.Postgres.DSN,
		Table:    app.cfg.Postgres.Table,
		MaxConns: app.cfg.Postgres.MaxConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool init failed: %w", err)
	}
	app.resources.Track("postgres", func(context.Context) error {
		pool.Close()
		return nil
	})
	observations, err := pgstore.NewObservationStoreWithPool(pool, app.cfg.Postgres.Table)
	if err != nil {
		return nil, nil, fmt.Errorf("observation store init failed: %w", err)
	}
	runs, err := pgstore.NewRunStoreWithPool(pool)
	if err != nil {
		return nil, nil, fmt.Errorf("run store init failed: %w", err)
	}
	app.logger.Info("observation store initialized", zap.String("table", app.cfg.Postgres.Table))
	return observations, runs, nil
}

func setupCrawler(app *App) *crawler.BaseCrawler {
	cc := app.cfg.Crawler
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cc.UserAgent,
		Timeout:      cc.RequestTimeout,
		MaxBodyBytes: int(cc.MaxBodyBytes),
	})
	app.logger.Info("using colly fetcher", zap.String("user_agent", cc.UserAgent))

	var window *ratelimit.Window
	if cc.WindowLimit > 0 {
		window = ratelimit.NewWindow(app.store, cc.WindowLimit, cc.Window, logging.Module(app.logger, "ratelimit"))
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cc.RatePerSecond,
		DefaultBurst: cc.RateBurst,
	}, window)
	app.logger.Info("rate limiter enabled",
		zap.Float64("default_rps", cc.RatePerSecond),
		zap.Int("default_burst", cc.RateBurst),
		zap.Int("window_limit", cc.WindowLimit),
		zap.Duration("window", cc.Window),
	)

	return crawler.New(crawler.Config{
		UserAgent:          cc.UserAgent,
		MaxRetries:         cc.MaxRetries,
		BackoffBase:        cc.BackoffBase,
		RequestTimeout:     cc.RequestTimeout,
		PolitenessDelay:    cc.PolitenessDelay,
		ForbiddenThreshold: cc.ForbiddenThreshold,
	}, fetcher,
		crawler.WithRobots(crawler.NewRobotsEnforcer(cc.RespectRobots, cc.UserAgent, nil, logging.Module(app.logger, "robots"))),
		crawler.WithRateLimiter(limiter),
		crawler.WithAdaptiveTimeout(resilience.NewAdaptiveTimeout(app.cfg.Timeout.HistorySize)),
		crawler.WithLogger(logging.Module(app.logger, "crawler")),
	)
}

func targetsFrom(in []config.Target) []pricewatch.Target {
	out := make([]pricewatch.Target, 0, len(in))
	for _, t := range in {
		out = append(out, pricewatch.Target{
			Product:  t.Product,
			Market:   strings.ToUpper(t.Market),
			URL:      t.URL,
			Selector: t.Selector,
			Currency: t.Currency,
			Category: t.Category,
		})
	}
	return out
}
