package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		logrus.Fatalf("❌ Invalid configuration: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if cfg.Production() {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		logger.Fatalf("❌ Failed to open DB: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("❌ Failed to connect to DB: %v", err)
	}

	users, err := NewUserStore(db)
	if err != nil {
		logger.Fatalf("❌ Failed to initialize user store: %v", err)
	}
	states, err := NewStateStore(db)
	if err != nil {
		logger.Fatalf("❌ Failed to initialize state store: %v", err)
	}
	watches, err := NewWatchStore(db)
	if err != nil {
		logger.Fatalf("❌ Failed to initialize watch store: %v", err)
	}
	events, err := NewOpsEventStore(db)
	if err != nil {
		logger.Fatalf("❌ Failed to initialize ops event store: %v", err)
	}

	// Lockout records go to redis when configured so locks survive restarts
	// across replicas; sqlite otherwise.
	var lockouts LockoutStore
	if cfg.RedisAddr != "" {
		redisStore, err := NewRedisLockoutStore(cfg.RedisAddr)
		if err != nil {
			logger.Fatalf("❌ Failed to connect to redis: %v", err)
		}
		defer redisStore.Close()
		lockouts = redisStore
		logger.WithField("addr", cfg.RedisAddr).Info("🔒 Lockout store backed by redis")
	} else {
		sqliteStore, err := NewSQLiteLockoutStore(db)
		if err != nil {
			logger.Fatalf("❌ Failed to initialize lockout store: %v", err)
		}
		lockouts = sqliteStore
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(cfg.SeedSections) > 0 {
		if err := watches.SeedSections(ctx, cfg.SeedSections); err != nil {
			logger.Fatalf("❌ Failed to seed watch list: %v", err)
		}
		logger.WithField("sections", len(cfg.SeedSections)).Info("Seeded watch list")
	}

	guard := NewLockoutGuard(logger, lockouts)

	limiter := NewSlidingWindowLimiter(logger)
	limiter.StartCleanup(ctx)

	tokens, err := NewTokenManager(logger, cfg)
	if err != nil {
		logger.Fatalf("❌ Failed to initialize token manager: %v", err)
	}
	tokens.StartCleanup(ctx)

	bridge := NewStateBridge(states)

	source := NewSourceClient(logger, cfg.SourceURL)
	worker := NewScrapeWorker(logger, source, states, watches, events, cfg.ScrapeInterval, cfg.ScrapeRPS)

	monitor := NewHealthMonitor(logger, cfg.HealthInterval, cfg.LeakThresholdMBMin,
		runtimeMetricsSource(time.Now(), time.Now),
		func(reason string, metrics HealthMetrics) {
			evCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := events.Record(evCtx, OpsEventLeakWarning, reason); err != nil {
				logger.WithError(err).Warn("Failed to record leak warning event")
			}
			worker.Restart(reason)
		})

	server := NewServer(cfg, logger, limiter, guard, tokens, users, states, bridge, monitor, worker, events)

	worker.Start()
	monitor.Start()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("🚀 SeatWatch backend running on http://localhost:%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("❌ HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("🛑 Shutting down...")

	// Monitor goes first so its unhealthy callback can't restart the worker
	// mid-shutdown.
	monitor.Stop()
	worker.Stop()
	states.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("⚠️ Server shutdown error: %v", err)
	} else {
		logger.Info("✅ Server shutdown complete")
	}
}
