// Package queue implements a cooperative job-queue worker pool: claim,
// heartbeat, dispatch-by-kind execution, retry classification with
// exponential backoff, and a separate reaper sweep for jobs whose
// visibility window expired. Modeled on the corpus's
// ChunkEmbeddingJobsService/ChunkEmbeddingWorker pair, translated from its
// bun/ORM dequeue query onto the pgx-based FOR UPDATE SKIP LOCKED claim used
// by the rest of this module's Postgres adapters.
package queue

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/localcontainers/containerd/internal/config"
	"github.com/localcontainers/containerd/internal/domain"
	"github.com/localcontainers/containerd/internal/observability"
	"github.com/localcontainers/containerd/internal/store/relational"
)

// Handler executes one job's kind-specific work. A returned error is
// classified by domain.IsRetryable to decide requeue-with-backoff versus
// immediate failure.
type Handler func(ctx context.Context, job domain.Job) error

// Worker runs the poll-claim-heartbeat-execute loop for one job kind set,
// one job at a time, until Stop is called or its context is cancelled.
type Worker struct {
	Rel      relational.Store
	Metrics  observability.Metrics
	Cfg      config.WorkerConfig
	Handlers map[domain.JobKind]Handler
	ID       string

	stopCh    chan struct{}
	stoppedCh chan struct{}
	mu        sync.Mutex
	running   bool
}

// New builds a Worker. id identifies this worker process in claimed jobs'
// worker_id column; handlers maps each job kind this worker processes to
// its execution function.
func New(rel relational.Store, cfg config.WorkerConfig, handlers map[domain.JobKind]Handler, metrics observability.Metrics, id string) *Worker {
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 5
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = 30
	}
	if cfg.VisibilityTimeoutSeconds <= 0 {
		cfg.VisibilityTimeoutSeconds = 900
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseBackoffSeconds <= 0 {
		cfg.BaseBackoffSeconds = 60
	}
	if cfg.MaxBackoffSeconds <= 0 {
		cfg.MaxBackoffSeconds = 3600
	}
	if id == "" {
		id = "worker-1"
	}
	return &Worker{Rel: rel, Metrics: metrics, Cfg: cfg, Handlers: handlers, ID: id}
}

// Start runs the poll loop in its own goroutine. Call Stop (or cancel ctx)
// to end it; Stop blocks until the in-flight job, if any, finishes.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.stoppedCh = make(chan struct{})
	w.mu.Unlock()

	go w.run(ctx)
}

// Stop signals the poll loop to exit and waits for the current job, if any,
// to finish or for ctx to be cancelled.
func (w *Worker) Stop(ctx context.Context) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	select {
	case <-w.stoppedCh:
	case <-ctx.Done():
		log.Warn().Str("worker", w.ID).Msg("queue worker stop timed out, forcing shutdown")
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.stoppedCh)
	poll := time.Duration(w.Cfg.PollIntervalSeconds) * time.Second
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for w.claimAndRun(ctx) {
				select {
				case <-w.stopCh:
					return
				case <-ctx.Done():
					return
				default:
				}
			}
		}
	}
}

// claimAndRun claims and processes at most one job; it returns true when a
// job was claimed, so run's caller can keep draining the queue between
// poll ticks instead of waiting a full interval between each job.
func (w *Worker) claimAndRun(ctx context.Context) bool {
	visibility := time.Duration(w.Cfg.VisibilityTimeoutSeconds) * time.Second
	job, ok, err := w.Rel.ClaimJob(ctx, w.ID, visibility)
	if err != nil {
		log.Warn().Err(err).Str("worker", w.ID).Msg("claim job failed")
		return false
	}
	if !ok {
		return false
	}

	stopHeartbeat := w.startHeartbeat(ctx, job.ID)
	err = w.execute(ctx, job)
	stopHeartbeat()

	if err == nil {
		if cerr := w.Rel.CompleteJob(ctx, job.ID); cerr != nil {
			log.Warn().Err(cerr).Str("job_id", job.ID).Msg("complete job failed")
		}
		w.Metrics.IncrCounter("queue_job_done_total", 1, map[string]string{"kind": string(job.Kind)})
		return true
	}

	w.fail(ctx, job, err)
	return true
}

func (w *Worker) execute(ctx context.Context, job domain.Job) error {
	handler, ok := w.Handlers[job.Kind]
	if !ok {
		return domain.ErrNotImplemented
	}
	return handler(ctx, job)
}

// fail classifies err and either requeues the job with exponential backoff
// and jitter, capped at Cfg.MaxRetries, or fails it outright.
func (w *Worker) fail(ctx context.Context, job domain.Job, jobErr error) {
	retryable := domain.IsRetryable(jobErr)
	if retryable && job.Retries < w.Cfg.MaxRetries {
		delay := backoffDelay(job.Retries, w.Cfg.BaseBackoffSeconds, w.Cfg.MaxBackoffSeconds)
		if err := w.Rel.FailJob(ctx, job.ID, jobErr.Error(), true, delay); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("requeue job failed")
		}
		w.Metrics.IncrCounter("queue_job_retry_total", 1, map[string]string{"kind": string(job.Kind)})
		return
	}

	if err := w.Rel.FailJob(ctx, job.ID, jobErr.Error(), false, 0); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("fail job failed")
	}
	w.Metrics.IncrCounter("queue_job_failed_total", 1, map[string]string{"kind": string(job.Kind)})
}

// backoffDelay computes min(maxBackoff, base * 2^retries) with up to 20%
// jitter, so many workers failing on the same job don't retry in lockstep.
func backoffDelay(retries, baseSeconds, maxSeconds int) time.Duration {
	raw := float64(baseSeconds) * math.Pow(2, float64(retries))
	capped := math.Min(raw, float64(maxSeconds))
	jitter := capped * 0.2 * rand.Float64()
	return time.Duration(capped+jitter) * time.Second
}

// startHeartbeat runs a ticker that touches the claimed job's last_heartbeat
// every HeartbeatIntervalSeconds until the returned stop func is called.
func (w *Worker) startHeartbeat(ctx context.Context, jobID string) func() {
	interval := time.Duration(w.Cfg.HeartbeatIntervalSeconds) * time.Second
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := w.Rel.HeartbeatJob(ctx, jobID, w.ID); err != nil {
					log.Warn().Err(err).Str("job_id", jobID).Msg("heartbeat failed")
				}
			}
		}
	}()
	return func() { close(done) }
}
