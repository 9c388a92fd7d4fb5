// Package janitor schedules the engine's periodic maintenance: the session
// pool staleness sweep, circuit breaker pruning, and expired cache entry
// collection.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// PoolSweeper runs one staleness pass over the session pool.
type PoolSweeper interface {
	Sweep(ctx context.Context)
}

// BreakerMaintainer prunes long-stale circuit breaker entries.
type BreakerMaintainer interface {
	MaintainBreakers(now time.Time) int
}

// CacheSweeper collects expired cache entries. Backends with native TTL
// expiry do not need one.
type CacheSweeper interface {
	SweepExpired(ctx context.Context) int
}

// Config holds the maintenance intervals. Zero values fall back to
// sensible defaults; a nil collaborator skips its job entirely.
type Config struct {
	PoolInterval    time.Duration
	BreakerInterval time.Duration
	CacheInterval   time.Duration
}

// Janitor owns the cron scheduler for background maintenance.
type Janitor struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New builds the scheduler and registers every maintenance job.
func New(cfg Config, pool PoolSweeper, breakers BreakerMaintainer, cache CacheSweeper, logger *slog.Logger) (*Janitor, error) {
	if cfg.PoolInterval <= 0 {
		cfg.PoolInterval = 30 * time.Second
	}
	if cfg.BreakerInterval <= 0 {
		cfg.BreakerInterval = 5 * time.Minute
	}
	if cfg.CacheInterval <= 0 {
		cfg.CacheInterval = time.Minute
	}

	c := cron.New()
	j := &Janitor{cron: c, logger: logger}

	if pool != nil {
		if _, err := c.AddFunc(every(cfg.PoolInterval), func() {
			pool.Sweep(context.Background())
		}); err != nil {
			return nil, fmt.Errorf("janitor: schedule pool sweep: %w", err)
		}
	}
	if breakers != nil {
		if _, err := c.AddFunc(every(cfg.BreakerInterval), func() {
			if removed := breakers.MaintainBreakers(time.Now()); removed > 0 {
				logger.Debug("pruned stale breakers", "removed", removed)
			}
		}); err != nil {
			return nil, fmt.Errorf("janitor: schedule breaker maintenance: %w", err)
		}
	}
	if cache != nil {
		if _, err := c.AddFunc(every(cfg.CacheInterval), func() {
			if removed := cache.SweepExpired(context.Background()); removed > 0 {
				logger.Debug("collected expired cache entries", "removed", removed)
			}
		}); err != nil {
			return nil, fmt.Errorf("janitor: schedule cache sweep: %w", err)
		}
	}

	return j, nil
}

// Start launches the scheduler in its own goroutine.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Debug("janitor started", "jobs", len(j.cron.Entries()))
}

// Stop halts scheduling and waits for running jobs to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Debug("janitor stopped")
}

func every(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}
