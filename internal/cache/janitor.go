package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Janitor periodically purges expired entries from a Store. Lazy expiry on
// Get keeps lookups correct without it; the janitor keeps persistent stores
// from growing without bound.
type Janitor struct {
	store    Store
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJanitor creates a janitor sweeping store every interval.
func NewJanitor(store Store, ttl, interval time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:    store,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the sweep loop.
func (j *Janitor) Start(ctx context.Context) {
	j.ctx, j.cancel = context.WithCancel(ctx)

	j.wg.Add(1)
	go j.loop()
}

// Stop halts the sweep loop and waits for it to finish.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
}

func (j *Janitor) loop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(j.ctx, 30*time.Second)
	defer cancel()

	removed, err := j.store.Purge(ctx, time.Now().Add(-j.ttl))
	if err != nil {
		// Best-effort, same as every other cache failure.
		j.logger.Warn("cache sweep failed", "error", err)
		return
	}
	if removed > 0 {
		j.logger.Debug("cache sweep", "removed", removed)
	}
}
