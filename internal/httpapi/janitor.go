// Copyright 2025 James Ross
package httpapi

import (
	"github.com/flyingrobots/constellation/internal/cache"
	"github.com/flyingrobots/constellation/internal/suspension"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Janitor runs the periodic maintenance: expired cache entry cleanup,
// suspension TTL sweeps, and idle rate-limit bucket disposal.
type Janitor struct {
	cron   *cron.Cron
	logger *zap.Logger
}

// NewJanitor schedules the maintenance jobs. Pass nil for any collaborator
// to skip its job.
func NewJanitor(caches *cache.Registry, suspensions suspension.Store, limiter *RateLimiter, logger *zap.Logger) *Janitor {
	c := cron.New()

	if caches != nil {
		_, _ = c.AddFunc("@every 1m", func() {
			for _, name := range caches.List() {
				b, ok := caches.Get(name)
				if !ok {
					continue
				}
				if mb, ok := b.(*cache.MemoryBackend); ok {
					if n := mb.ForceCleanup(); n > 0 {
						logger.Debug("cache cleanup", zap.String("cache", name), zap.Int("removed", n))
					}
				}
			}
		})
	}

	if suspensions != nil {
		_, _ = c.AddFunc("@every 5m", func() {
			if n := suspensions.Sweep(); n > 0 {
				logger.Debug("suspension sweep", zap.Int("evicted", n))
			}
		})
	}

	if limiter != nil {
		_, _ = c.AddFunc("@every 1m", func() {
			if n := limiter.Cleanup(); n > 0 {
				logger.Debug("rate limit bucket cleanup", zap.Int("removed", n))
			}
		})
	}

	return &Janitor{cron: c, logger: logger}
}

// Start begins the schedule.
func (j *Janitor) Start() { j.cron.Start() }

// Stop halts the schedule, waiting for running jobs.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}
