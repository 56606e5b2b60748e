package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Janitor periodically evicts requests that stayed in flight longer than a
// configured age, so an upstream that never answers cannot pin an entry for
// the lifetime of the process.
type Janitor struct {
	reg      *Registry
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewJanitor creates a Janitor for reg. It does nothing until Start.
func NewJanitor(reg *Registry, maxAge, interval time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		reg:      reg,
		maxAge:   maxAge,
		interval: interval,
		logger:   logger.With("component", "registry_janitor"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (j *Janitor) Start() {
	go j.loop()
}

// Stop ends the sweep loop and waits for it to exit or for ctx to expire.
func (j *Janitor) Stop(ctx context.Context) error {
	j.once.Do(func() { close(j.stopCh) })
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Janitor) loop() {
	defer close(j.done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweep()
		case <-j.stopCh:
			return
		}
	}
}

func (j *Janitor) sweep() {
	n, err := j.reg.Sweep(j.now(), j.maxAge)
	if err != nil {
		j.logger.Warn("releasing evicted requests", "err", err)
	}
	if n > 0 {
		j.logger.Info("evicted stale requests", "count", n, "max_age", j.maxAge)
	}
}
