package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/localcontainers/containerd/internal/config"
	"github.com/localcontainers/containerd/internal/observability"
	"github.com/localcontainers/containerd/internal/store/relational"
)

// Reaper periodically transitions running jobs whose heartbeat expired back
// to queued, so a worker that crashed or lost its connection mid-job doesn't
// strand that job forever.
type Reaper struct {
	Rel        relational.Store
	Metrics    observability.Metrics
	Interval   time.Duration
	Visibility time.Duration

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewReaper builds a Reaper from the shared worker configuration. Interval
// defaults to half the visibility timeout, so an expired job is reclaimed
// well within one extra visibility window.
func NewReaper(rel relational.Store, cfg config.WorkerConfig, metrics observability.Metrics) *Reaper {
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	visibility := time.Duration(cfg.VisibilityTimeoutSeconds) * time.Second
	if visibility <= 0 {
		visibility = 900 * time.Second
	}
	return &Reaper{
		Rel:        rel,
		Metrics:    metrics,
		Interval:   visibility / 2,
		Visibility: visibility,
	}
}

// Start runs the sweep loop in its own goroutine until Stop is called or ctx
// is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	r.stopCh = make(chan struct{})
	r.stoppedCh = make(chan struct{})
	go r.run(ctx)
}

// Stop signals the sweep loop to exit and waits for the in-flight sweep, if
// any, to finish or for ctx to be cancelled.
func (r *Reaper) Stop(ctx context.Context) {
	if r.stopCh == nil {
		return
	}
	close(r.stopCh)
	select {
	case <-r.stoppedCh:
	case <-ctx.Done():
		log.Warn().Msg("reaper stop timed out, forcing shutdown")
	}
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.stoppedCh)
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Rel.ReapExpired(ctx, r.Visibility)
			if err != nil {
				log.Warn().Err(err).Msg("reap expired jobs failed")
				continue
			}
			if n > 0 {
				r.Metrics.IncrCounter("queue_jobs_reaped_total", int64(n), nil)
				log.Info().Int("count", n).Msg("reaped expired jobs")
			}
		}
	}
}
