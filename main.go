package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rebrowse/rebrowse-stream/internal/browser"
	"github.com/rebrowse/rebrowse-stream/internal/circuitbreaker"
	"github.com/rebrowse/rebrowse-stream/internal/config"
	"github.com/rebrowse/rebrowse-stream/internal/execution"
	"github.com/rebrowse/rebrowse-stream/internal/health"
	"github.com/rebrowse/rebrowse-stream/internal/httpapi"
	"github.com/rebrowse/rebrowse-stream/internal/logstream"
	"github.com/rebrowse/rebrowse-stream/internal/recorder"
	"github.com/rebrowse/rebrowse-stream/internal/rrweb"
	"github.com/rebrowse/rebrowse-stream/internal/runevents"
)

const sessionSweepInterval = time.Hour

func main() {
	ctx := context.Background()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// ------------------------------------------------------------------
	// Health manager and probe routes first, so the process answers
	// liveness while the collaborators below are still connecting.
	// ------------------------------------------------------------------
	hm := health.NewManager(logger)
	mux := http.NewServeMux()
	health.NewHandler(hm, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Cross-process log relay. Redis is an enhancement, not a dependency:
	// without it the log hub still fans out within this process.
	var redisPeer *logstream.RedisPeer
	if cfg.RedisURL != "" {
		redisPeer, err = logstream.NewRedisPeer(ctx, cfg.RedisURL, logger)
		if err != nil {
			logger.Warn("Redis unavailable, log fan-out stays process-local",
				zap.Error(err))
			redisPeer = nil
		} else {
			defer redisPeer.Close()
			if err := hm.RegisterChecker(health.NewPingChecker("redis", false, redisPeer)); err != nil {
				logger.Error("Failed to register redis checker", zap.Error(err))
			}
		}
	}
	// A dead Redis should cost one rejected call per frame, not one
	// timeout per frame.
	var peer logstream.Peer
	if redisPeer != nil {
		relayBreaker := circuitbreaker.New("log-relay", circuitbreaker.DefaultConfig(), logger)
		peer = circuitbreaker.NewPeerGuard(redisPeer, relayBreaker)
	}

	logHub := logstream.NewHub(peer, logger)
	defer logHub.Close()

	// Everything below logs through the tee: entries carrying an
	// execution_id field also reach that execution's log subscribers.
	appLogger := logstream.Attach(logger, logHub)

	// Execution records. Postgres only when explicitly enabled; memory
	// otherwise.
	var store execution.Store = execution.NewMemoryStore()
	if cfg.DatabaseURL != "" && cfg.FeatureUseCookies {
		pgStore, err := execution.NewPostgresStore(cfg.DatabaseURL, appLogger)
		if err != nil {
			logger.Fatal("Failed to initialize execution store", zap.Error(err))
		}
		defer pgStore.Close()
		if err := hm.RegisterChecker(health.NewPingChecker("database", true, pgStore)); err != nil {
			logger.Error("Failed to register database checker", zap.Error(err))
		}
		store = pgStore
		logger.Info("Execution records persisted to Postgres")
	} else if cfg.DatabaseURL != "" {
		logger.Info("DATABASE_URL set but FEATURE_USE_COOKIES disabled, execution records stay in memory")
	}

	streamers := rrweb.NewManager(appLogger)
	runHub := runevents.NewHub(appLogger)

	profiles, err := browser.NewProfileManager(browser.Config{BaseDir: cfg.SessionDirBase}, appLogger)
	if err != nil {
		logger.Fatal("Failed to initialize browser profile manager", zap.Error(err))
	}
	profiles.StartSweeper(sessionSweepInterval, cfg.SessionDirMaxAge())
	defer profiles.Close()

	registry := execution.NewRegistry()
	terminator := execution.NewTerminator(registry, store, streamers, profiles, appLogger)

	// Recording-agent options, hot-reloaded from YAML. Reloads apply to
	// sessions started afterwards.
	watcher := config.NewRecorderWatcher(cfg.RecorderOptionsFile, logger)
	watcher.OnChange(func(rc config.RecorderOptions) {
		recorder.SetDefaults(recorder.OptionsFromConfig(rc))
	})
	if err := watcher.Start(); err != nil {
		logger.Fatal("Failed to start recorder options watcher", zap.Error(err))
	}
	defer watcher.Stop()
	recorder.SetDefaults(recorder.OptionsFromConfig(watcher.Current()))

	// HTTP and WebSocket surface.
	httpapi.NewVisualHandler(streamers, appLogger).RegisterRoutes(mux)
	httpapi.NewControlHandler(cfg.ControlChannelDebug, appLogger).RegisterRoutes(mux)
	httpapi.NewLogsHandler(logHub, appLogger).RegisterRoutes(mux)
	httpapi.NewRunsHandler(runHub, appLogger).RegisterRoutes(mux)
	httpapi.NewExecutionsHandler(terminator, appLogger).RegisterRoutes(mux)

	hm.Start(ctx)
	defer hm.Stop()

	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		logger.Info("Visual streaming server listening",
			zap.String("addr", cfg.Addr()),
			zap.Bool("redis_relay", peer != nil),
			zap.Bool("control_channel_debug", cfg.ControlChannelDebug))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown: notify every session's viewers, then stop
	// accepting and drain.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down visual streaming server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()

	var wg sync.WaitGroup
	for _, sessionID := range streamers.SessionIDs() {
		s, ok := streamers.GetStreamer(sessionID)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.GracefulShutdown(shutdownCtx)
		}()
	}
	wg.Wait()
	streamers.Close()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
}
