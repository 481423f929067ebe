package metrics

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	collectRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warren_collector_runs_total",
			Help: "Relay poll iterations by outcome.",
		},
		[]string{"outcome"},
	)
	purgedRows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_metrics_purged_rows_total",
			Help: "Metric rows removed by the retention sweeper.",
		},
	)
)

func init() {
	for _, c := range []prometheus.Collector{collectRuns, purgedRows} {
		if err := prometheus.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

// Collector drives the periodic relay poll and the retention sweep.
type Collector struct {
	service       *Service
	interval      time.Duration
	purgeInterval time.Duration
	retentionDays int
	logger        *slog.Logger
}

// NewCollector wires the background loops around the metrics service.
func NewCollector(service *Service, interval, purgeInterval time.Duration, retentionDays int, logger *slog.Logger) *Collector {
	if interval <= 0 {
		interval = time.Minute
	}
	if purgeInterval <= 0 {
		purgeInterval = 24 * time.Hour
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	if logger != nil {
		logger = logger.With("component", "collector")
	}
	return &Collector{
		service:       service,
		interval:      interval,
		purgeInterval: purgeInterval,
		retentionDays: retentionDays,
		logger:        logger,
	}
}

// Run blocks until ctx is cancelled. One missed or failed iteration never
// stops the loops; the next tick simply tries again.
func (c *Collector) Run(ctx context.Context) {
	if c.logger != nil {
		c.logger.Info("collector started",
			"interval", c.interval,
			"purge_interval", c.purgeInterval,
			"retention_days", c.retentionDays)
	}

	collect := time.NewTicker(c.interval)
	defer collect.Stop()
	purge := time.NewTicker(c.purgeInterval)
	defer purge.Stop()

	c.collectOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			if c.logger != nil {
				c.logger.Info("collector stopped")
			}
			return
		case <-collect.C:
			c.collectOnce(ctx)
		case <-purge.C:
			c.purgeOnce(ctx)
		}
	}
}

func (c *Collector) collectOnce(ctx context.Context) {
	iterCtx, cancel := context.WithTimeout(ctx, c.interval)
	defer cancel()
	if c.service.Collect(iterCtx) {
		collectRuns.WithLabelValues("stored").Inc()
	} else {
		collectRuns.WithLabelValues("empty").Inc()
	}
}

func (c *Collector) purgeOnce(ctx context.Context) {
	iterCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	deleted, err := c.service.Cleanup(iterCtx, c.retentionDays)
	if err != nil {
		if c.logger != nil {
			c.logger.Error("retention sweep failed", "error", err)
		}
		return
	}
	purgedRows.Add(float64(deleted))
}
