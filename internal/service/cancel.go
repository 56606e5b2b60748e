package service

import (
	"log/slog"
	"strconv"

	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/registry"
)

// Canceller aborts in-flight forwarded requests by id. Cancellation is
// advisory: unknown and already finished ids are not errors.
type Canceller struct {
	reg     *registry.Registry
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewCanceller creates a Canceller. The metrics parameter is optional.
func NewCanceller(reg *registry.Registry, logger *slog.Logger, m *metrics.Metrics) *Canceller {
	return &Canceller{
		reg:     reg,
		logger:  logger.With("component", "canceller"),
		metrics: m,
	}
}

// Cancel fires the token registered for id, releases the upstream handles,
// and with force also hard-closes the client transport. The response itself
// is ended by the goroutine serving it once the token fires. Cancel reports
// whether id was in flight.
func (c *Canceller) Cancel(id string, force bool) bool {
	entry, token := c.reg.Take(id, registry.CauseCancelled)
	if token != nil {
		token.Fire()
	}
	if entry != nil {
		if err := entry.Release(); err != nil {
			c.logger.Debug("releasing upstream", "err", err, "request_id", id)
		}
		if force {
			if err := entry.ForceClose(); err != nil {
				c.logger.Debug("force closing client connection", "err", err, "request_id", id)
			}
		}
	}

	found := entry != nil
	if c.metrics != nil {
		c.metrics.Cancellations.WithLabelValues(strconv.FormatBool(force), strconv.FormatBool(found)).Inc()
	}
	c.logger.Info("request cancelled", "request_id", id, "force", force, "found", found)
	return found
}
