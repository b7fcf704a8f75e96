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

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amerfu/infergate/internal/auth"
	"github.com/amerfu/infergate/internal/config"
	"github.com/amerfu/infergate/internal/handlers"
	"github.com/amerfu/infergate/internal/logger"
	"github.com/amerfu/infergate/internal/middleware"
	"github.com/amerfu/infergate/internal/router"
	"github.com/amerfu/infergate/internal/services/admission"
	"github.com/amerfu/infergate/internal/services/logs"
	"github.com/amerfu/infergate/internal/services/monitoring"
	"github.com/amerfu/infergate/internal/services/proxy"
	"github.com/amerfu/infergate/internal/services/routing"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keys, err := auth.NewKeyStore(cfg.Auth.APIKeysFile, cfg.Auth.AdminUser, log)
	if err != nil {
		log.Fatal("Failed to load API keys", zap.Error(err))
	}
	if cfg.Auth.WatchFile {
		go func() {
			if err := keys.Watch(ctx); err != nil {
				log.Warn("API key file watch stopped", zap.Error(err))
			}
		}()
	}

	recorder := monitoring.NewRecorder(log)

	window, closeRedis := tokenWindow(ctx, cfg.RateLimit, log)
	defer closeRedis()
	ac := admission.NewController(admission.Config{
		Concurrent:      cfg.RateLimit.Concurrent,
		TokensPerMinute: cfg.RateLimit.TokensPerMinute,
	}, window, log)

	client := proxy.NewClient(proxy.Config{
		Timeout:            cfg.Proxy.Timeout,
		ConnectTimeout:     cfg.Proxy.ConnectTimeout,
		GetTimeout:         cfg.Proxy.GetTimeout,
		MaxConnections:     cfg.Proxy.MaxConnections,
		MaxIdleConnections: cfg.Proxy.MaxIdleConnections,
		IdleConnTimeout:    cfg.Proxy.IdleConnTimeout,
	}, recorder, log)

	rt := routing.NewRouter(routing.HTTPLister{Client: client.HTTPClient()}, log,
		routing.WithRefreshTimeout(cfg.Router.RefreshTimeout),
		routing.WithConflictObserver(recorder.RecordConflict),
		routing.WithModelCountObserver(recorder.SetRoutedModels))

	syncBackends(cfg, rt, log)
	engines := newManagedEngines(cfg, recorder, log)

	checkers := make(map[string]handlers.ProcessChecker, len(engines))
	managed := make(map[routing.EngineType]handlers.ManagedEngine, len(engines))
	for _, e := range engines {
		checkers[e.BaseURL] = e.Supervisor
		managed[e.Engine] = e.ManagedEngine()
	}

	var qps *middleware.QPSLimiter
	if cfg.RateLimit.QPS > 0 {
		qps = middleware.NewQPSLimiter(cfg.RateLimit.QPS)
	}

	mainRouter := router.NewRouter(cfg, log, router.Handlers{
		Keys:        keys,
		QPS:         qps,
		Completions: handlers.NewCompletionsHandler(log, ac, rt, client, recorder),
		Models:      handlers.NewModelsHandler(log, rt),
		Health:      handlers.NewHealthHandler(log, rt, client, cfg.Router.HealthTimeout, checkers),
		Admin: handlers.NewAdminHandler(log, handlers.AdminConfig{
			Router:      rt,
			Proxy:       client,
			Keys:        keys,
			Engines:     managed,
			LogDir:      cfg.LogHousekeeping.Dir,
			LogKeepDays: cfg.LogHousekeeping.KeepDays,
		}),
	})

	servers := []*http.Server{{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mainRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}}
	if cfg.Monitoring.EnableMetrics && cfg.Monitoring.MetricsPort > 0 {
		servers = append(servers, &http.Server{
			Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Monitoring.MetricsPort),
			Handler:     router.NewMetricsRouter(),
			ReadTimeout: cfg.Server.ReadTimeout,
			IdleTimeout: cfg.Server.IdleTimeout,
		})
	}

	// Log housekeeping: one pass now, then on schedule
	if cfg.LogHousekeeping.Enabled {
		if _, err := logs.Clean(cfg.LogHousekeeping.Dir, cfg.LogHousekeeping.KeepDays, log); err != nil {
			log.Warn("Startup log cleanup failed", zap.Error(err))
		}
	}
	scheduler := logs.NewScheduler(cfg.LogHousekeeping, log)
	if err := scheduler.Start(); err != nil {
		log.Error("Failed to start log housekeeping", zap.Error(err))
	}

	// Start servers in goroutines
	for _, srv := range servers {
		go func(s *http.Server) {
			log.Info("Server starting", zap.String("address", s.Addr))
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal("Server failed to start", zap.String("address", s.Addr), zap.Error(err))
			}
		}(srv)
	}

	for _, e := range engines {
		if e.AutoStart {
			go e.autoStart(ctx, rt, log)
		}
	}

	go rt.Start(ctx, cfg.Router.RefreshInterval)

	log.Info("Gateway started",
		zap.Int("port", cfg.Server.Port),
		zap.Int("backends", len(rt.Instances())),
		zap.Int("managed_engines", len(engines)),
		zap.Int("api_keys", keys.Len()))

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down servers...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer shutdownCancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("Server forced to shutdown", zap.Error(err))
		}
	}

	rt.Stop()
	scheduler.Stop()
	cancel()

	// Engines another gateway launched keep running.
	for _, e := range engines {
		if !e.Supervisor.Owned() {
			continue
		}
		if err := e.Supervisor.Stop(false); err != nil {
			log.Error("Failed to stop backend", zap.String("engine", string(e.Engine)), zap.Error(err))
		}
	}
	client.Close()

	log.Info("Servers shutdown complete")
}

// tokenWindow picks the shared Redis window when configured and reachable,
// otherwise the in-memory one.
func tokenWindow(ctx context.Context, cfg config.RateLimitConfig, log *zap.Logger) (admission.TokenWindow, func()) {
	noop := func() {}
	if cfg.RedisURL == "" || cfg.TokensPerMinute <= 0 {
		return nil, noop
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Warn("Invalid Redis URL, using in-memory token window", zap.Error(err))
		return nil, noop
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn("Redis is not available, using in-memory token window", zap.Error(err))
		_ = rdb.Close()
		return nil, noop
	}

	log.Info("Using Redis token window", zap.String("addr", opt.Addr))
	return admission.NewRedisWindow(rdb, cfg.RedisPrefix, log), func() { _ = rdb.Close() }
}
