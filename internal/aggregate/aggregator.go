// Package aggregate runs the periodic hourly rollup. It reads only the
// persisted tables through the stats port and has no coupling to the
// ingestion path; a slow or failed recompute never touches the stream.
package aggregate

import (
	"context"
	"log/slog"
	"time"

	"github.com/blackmichael/bluesky-analytics/internal/domain"
)

// Aggregator recomputes hourly statistics on a fixed interval.
type Aggregator struct {
	stats    domain.StatsRepository
	interval time.Duration

	// window is how far back each run recomputes. Late-arriving events for
	// recent hours get folded in on the next run.
	window time.Duration

	logger *slog.Logger
}

// New creates an aggregator. Zero interval defaults to 5m, zero window to 24h.
func New(stats domain.StatsRepository, interval, window time.Duration, logger *slog.Logger) *Aggregator {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Aggregator{
		stats:    stats,
		interval: interval,
		window:   window,
		logger:   logger,
	}
}

// Start runs the rollup immediately and then on every interval tick. It
// blocks until ctx is cancelled.
func (a *Aggregator) Start(ctx context.Context) {
	a.run(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.run(ctx)
		}
	}
}

// RunOnce recomputes the rollup for the given window ending now. Used by the
// backfill command and by each ticker firing.
func (a *Aggregator) RunOnce(ctx context.Context, window time.Duration) error {
	since := time.Now().UTC().Add(-window).Truncate(time.Hour)
	buckets, err := a.stats.RecomputeHourlyStats(ctx, since)
	if err != nil {
		return err
	}
	a.logger.Info("hourly stats recomputed", "since", since, "buckets", buckets)
	return nil
}

func (a *Aggregator) run(ctx context.Context) {
	if err := a.RunOnce(ctx, a.window); err != nil {
		a.logger.Error("hourly stats recompute failed", "error", err)
	}
}
