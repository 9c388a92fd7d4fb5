// Command sessiond runs the session and command orchestration daemon: a
// pool of supervised worker subprocesses, a durable task queue, and the
// recovery engine that keeps both alive.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sessiond/internal/adapter/cache"
	"sessiond/internal/adapter/queue"
	"sessiond/internal/domain"
	"sessiond/internal/infra/config"
	"sessiond/internal/infra/logger"
	"sessiond/internal/infra/tracer"
	"sessiond/internal/usecase/dispatch"
	"sessiond/internal/usecase/eventbus"
	"sessiond/internal/usecase/janitor"
	"sessiond/internal/usecase/recovery"
	"sessiond/internal/usecase/sessionmgr"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sessiond:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "sessiond.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	shutdownTracer, err := tracer.Setup(context.Background(), cfg.Tracer)
	if err != nil {
		return err
	}

	bus := eventbus.New(log)
	bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		log.Debug("event", "type", string(ev.Type), "session_id", ev.SessionID, "run_id", ev.RunID)
	})

	var (
		cacheStore domain.Cache
		memCache   *cache.Memory
	)
	if cfg.Cache.Enabled {
		switch cfg.Cache.Backend {
		case "redis":
			redisCache, err := cache.NewRedis(context.Background(), cfg.Cache.RedisURL)
			if err != nil {
				return err
			}
			cacheStore = redisCache
			log.Info("cache enabled", "backend", "redis")
		default:
			memCache = cache.NewMemory()
			cacheStore = memCache
			log.Info("cache enabled", "backend", "memory")
		}
	}

	mgr := sessionmgr.New(cfg.Sessions, cfg.Worker, sessionmgr.Options{
		Bus:      bus,
		Cache:    cacheStore,
		CacheTTL: cfg.Cache.TTL,
		Logger:   log,
	})
	engine := recovery.New(cfg.Recovery, mgr, bus, log)

	var cacheSweeper janitor.CacheSweeper
	if memCache != nil {
		cacheSweeper = memCache
	}
	jan, err := janitor.New(janitor.Config{
		PoolInterval:  cfg.Sessions.CleanupInterval,
		CacheInterval: cfg.Cache.SweepInterval,
	}, mgr, engine, cacheSweeper, log)
	if err != nil {
		return err
	}
	jan.Start()

	var queueWorker *dispatch.Worker
	if cfg.Queue.Enabled {
		store, err := queue.NewSQLite(cfg.Queue.Path, log)
		if err != nil {
			return err
		}
		defer store.Close()
		queueWorker = dispatch.New(store, mgr, engine, bus, log, cfg.Queue.PollInterval)
		queueWorker.Start()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("sessiond started",
		"max_sessions", cfg.Sessions.MaxSessions,
		"worker_command", cfg.Worker.Command,
		"queue_enabled", cfg.Queue.Enabled,
	)
	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	jan.Stop()
	if queueWorker != nil {
		queueWorker.Stop()
	}
	mgr.Shutdown(shutdownCtx)
	bus.Close()
	if cacheStore != nil {
		if err := cacheStore.Close(); err != nil {
			log.Warn("cache close failed", "error", err)
		}
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Warn("tracer shutdown failed", "error", err)
	}
	log.Info("sessiond stopped")
	return nil
}
