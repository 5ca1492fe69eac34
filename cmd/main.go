package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/okian/recsync/internal/adapters/http/api"
	"github.com/okian/recsync/internal/adapters/http/swagger"
	"github.com/okian/recsync/internal/adapters/modelclient"
	"github.com/okian/recsync/internal/adapters/repository"
	app "github.com/okian/recsync/internal/app"
	"github.com/okian/recsync/internal/config"
	"github.com/okian/recsync/internal/domain/enrich"
	"github.com/okian/recsync/internal/domain/keylock"
	"github.com/okian/recsync/pkg/logger"
	"github.com/okian/recsync/pkg/metrics"
)

// HTTP server timeout constants.
const (
	readTimeout               = 10 * time.Second
	writeTimeout              = 30 * time.Second
	idleTimeout               = 60 * time.Second
	readHeaderTimeout         = 5 * time.Second
	shutdownTimeout           = 30 * time.Second
	redisPingTimeout          = 3 * time.Second
	systemMetricsInterval     = 10 * time.Second
	serviceMetricsInterval    = 5 * time.Second
	nanosecondsPerMillisecond = 1e6
)

func main() {
	// Default Go collectors live on the global registry; ours has its own.
	prometheus.Unregister(collectors.NewGoCollector())
	prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.Get().Error(ctx, "recsync exited with error", logger.Error(err))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := logger.Get()

	// A missing .env file is fine; real environment variables still apply.
	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	deps, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.close(ctx, log)

	if err := deps.svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	go startSystemMetricsUpdater(ctx)
	go startServiceMetricsUpdater(ctx, deps.svc)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newHandler(ctx, deps.svc, log),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	log.Info(ctx, "shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	if err := deps.svc.Stop(shutdownCtx); err != nil {
		log.Error(ctx, "service shutdown failed", logger.Error(err))
	}
	log.Info(ctx, "server stopped")
	return nil
}

// components holds what build created so it can be released in order.
type components struct {
	svc   *app.Service
	redis goredis.UniversalClient
}

func (c *components) close(ctx context.Context, log logger.Logger) {
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			log.Warn(ctx, "closing redis client", logger.Error(err))
		}
	}
}

// build wires the store, lock, model client and service from cfg.
func build(ctx context.Context, cfg *config.Config, log logger.Logger) (*components, error) {
	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	c := &components{}
	locker, rdb, err := newLocker(ctx, cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	c.redis = rdb

	client, err := newModelClient(cfg, log)
	if err != nil {
		_ = store.Close()
		c.close(ctx, log)
		return nil, err
	}

	policy, err := enrich.ParsePolicy(cfg.EnrichMissingPolicy)
	if err != nil {
		_ = store.Close()
		c.close(ctx, log)
		return nil, err
	}

	c.svc = app.New(store, client,
		app.WithLogger(log),
		app.WithSyncThreshold(cfg.SyncThreshold),
		app.WithSyncMode(app.SyncMode(cfg.SyncMode)),
		app.WithSyncOnRead(cfg.SyncOnRead),
		app.WithSyncTimeout(cfg.SyncTimeout()),
		app.WithLocker(locker),
		app.WithWorkerCount(cfg.WorkerCount),
		app.WithQueueSize(cfg.QueueSize),
		app.WithDedupeSize(cfg.DedupeSize),
		app.WithMissingPolicy(policy),
		app.WithEnrichConcurrency(cfg.EnrichConcurrency),
		app.WithRollbackOnRegisterFailure(cfg.RollbackOnRegisterFailure),
	)
	log.Info(ctx, "components ready",
		logger.String("store", cfg.StoreDriver),
		logger.String("lock", cfg.SyncLock),
		logger.String("model", client.BaseURL()),
	)
	return c, nil
}

func newStore(cfg *config.Config) (repository.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		s, err := repository.OpenSQLite(cfg.StoreSQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	default:
		return repository.NewMemoryStore(), nil
	}
}

func newLocker(ctx context.Context, cfg *config.Config, log logger.Logger) (keylock.Locker, goredis.UniversalClient, error) {
	if cfg.SyncLock != config.LockRedis {
		return keylock.NewLocal(), nil, nil
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	return keylock.NewRedisLocker(rdb,
		keylock.WithTTL(cfg.LockTTL()),
		keylock.WithLogger(log),
	), rdb, nil
}

func newModelClient(cfg *config.Config, log logger.Logger) (*modelclient.Client, error) {
	opts := []modelclient.Option{
		modelclient.WithTimeout(cfg.ModelTimeout()),
		modelclient.WithMaxRetries(cfg.ModelMaxRetries),
		modelclient.WithRetryBaseDelay(cfg.ModelRetryBaseDelay()),
		modelclient.WithLogger(log),
	}
	if cfg.ModelRateLimitRPS > 0 {
		opts = append(opts, modelclient.WithRateLimit(cfg.ModelRateLimitRPS, cfg.ModelRateLimitBurst))
	}
	if cfg.ModelReadinessPath != "" {
		opts = append(opts, modelclient.WithReadinessProbe(cfg.ModelReadinessPath, cfg.ModelReadinessInterval()))
	}
	client, err := modelclient.New(cfg.ModelBaseURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("model client: %w", err)
	}
	return client, nil
}

func newHandler(ctx context.Context, svc *app.Service, log logger.Logger) http.Handler {
	mux := http.NewServeMux()
	swagger.Register(ctx, mux)
	api.NewServer(svc, log).Register(ctx, mux)
	return api.CORS(mux)
}

func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

func startServiceMetricsUpdater(ctx context.Context, svc *app.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateServiceMetrics(svc)
		}
	}
}

func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())
	if m.NumGC > 0 {
		avgPauseMs := float64(m.PauseTotalNs) / float64(m.NumGC) / nanosecondsPerMillisecond
		metrics.RecordSystemGCPauseTime(avgPauseMs)
	}
}

func updateServiceMetrics(svc *app.Service) {
	stats := svc.GetStats()
	if queueLen, ok := stats["queueLength"].(int); ok {
		metrics.UpdateQueueSize(queueLen)
	}
	if workers, ok := stats["workerCount"].(int); ok {
		metrics.UpdateWorkerActiveCount(workers)
	}
}
