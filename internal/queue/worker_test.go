package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localcontainers/containerd/internal/config"
	"github.com/localcontainers/containerd/internal/domain"
	"github.com/localcontainers/containerd/internal/observability"
	"github.com/localcontainers/containerd/internal/store/relational"
)

func testCfg() config.WorkerConfig {
	return config.WorkerConfig{
		PollIntervalSeconds:      1,
		HeartbeatIntervalSeconds: 1,
		VisibilityTimeoutSeconds: 5,
		MaxRetries:               2,
		BaseBackoffSeconds:       1,
		MaxBackoffSeconds:        10,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWorker_ClaimsAndCompletesJob(t *testing.T) {
	rel := relational.NewMemory()
	job, err := rel.EnqueueJob(context.Background(), domain.Job{ID: "j1", Kind: domain.JobIngest, ContainerID: "c1"})
	require.NoError(t, err)

	var ran bool
	handlers := map[domain.JobKind]Handler{
		domain.JobIngest: func(_ context.Context, j domain.Job) error {
			ran = true
			assert.Equal(t, job.ID, j.ID)
			return nil
		},
	}
	metrics := observability.NewMockMetrics()
	w := New(rel, testCfg(), handlers, metrics, "worker-test")
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	defer cancel()

	waitFor(t, func() bool { return ran })
	waitFor(t, func() bool {
		j, err := rel.GetJob(context.Background(), job.ID)
		return err == nil && j.Status == domain.JobDone
	})
	assert.Equal(t, int64(1), metrics.Counters["queue_job_done_total"])
	w.Stop(context.Background())
}

func TestWorker_RetryableFailureRequeuesWithBackoff(t *testing.T) {
	rel := relational.NewMemory()
	job, err := rel.EnqueueJob(context.Background(), domain.Job{ID: "j2", Kind: domain.JobIngest, ContainerID: "c1"})
	require.NoError(t, err)

	handlers := map[domain.JobKind]Handler{
		domain.JobIngest: func(context.Context, domain.Job) error {
			return domain.ErrStoreUnavailable
		},
	}
	w := New(rel, testCfg(), handlers, observability.NewMockMetrics(), "worker-test")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	claimed, ok, err := rel.ClaimJob(ctx, w.ID, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.ID, claimed.ID)
	require.Equal(t, 0, claimed.Retries)

	w.fail(ctx, claimed, domain.ErrStoreUnavailable)

	updated, err := rel.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, updated.Status)
	assert.Equal(t, 1, updated.Retries)
}

func TestWorker_NonRetryableFailureFailsImmediately(t *testing.T) {
	rel := relational.NewMemory()
	job, err := rel.EnqueueJob(context.Background(), domain.Job{ID: "j3", Kind: domain.JobIngest, ContainerID: "c1"})
	require.NoError(t, err)

	w := New(rel, testCfg(), nil, observability.NewMockMetrics(), "worker-test")
	ctx := context.Background()
	claimed, ok, err := rel.ClaimJob(ctx, w.ID, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.ID, claimed.ID)

	w.fail(ctx, claimed, errors.New("boom: invariant broken"))

	updated, err := rel.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, updated.Status)
}

func TestWorker_RetryExhaustionFailsJob(t *testing.T) {
	rel := relational.NewMemory()
	job, err := rel.EnqueueJob(context.Background(), domain.Job{ID: "j4", Kind: domain.JobIngest, ContainerID: "c1", Retries: 2})
	require.NoError(t, err)

	w := New(rel, testCfg(), nil, observability.NewMockMetrics(), "worker-test")
	ctx := context.Background()
	claimed, ok, err := rel.ClaimJob(ctx, w.ID, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.ID, claimed.ID)
	require.Equal(t, 2, claimed.Retries)

	w.fail(ctx, claimed, domain.ErrStoreUnavailable)

	updated, err := rel.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, updated.Status, "retries already at MaxRetries, must fail rather than requeue again")
}

func TestWorker_UnknownKindReturnsNotImplemented(t *testing.T) {
	rel := relational.NewMemory()
	w := New(rel, testCfg(), map[domain.JobKind]Handler{}, observability.NewMockMetrics(), "worker-test")
	err := w.execute(context.Background(), domain.Job{Kind: domain.JobExport})
	assert.ErrorIs(t, err, domain.ErrNotImplemented)
}

func TestBackoffDelay_CapsAtMaxAndAddsJitter(t *testing.T) {
	d := backoffDelay(10, 60, 3600)
	assert.GreaterOrEqual(t, d, 3600*time.Second)
	assert.LessOrEqual(t, d, time.Duration(float64(3600*time.Second)*1.2))
}

func TestBackoffDelay_GrowsExponentiallyBeforeCap(t *testing.T) {
	d0 := backoffDelay(0, 60, 3600)
	d1 := backoffDelay(1, 60, 3600)
	assert.GreaterOrEqual(t, d0, 60*time.Second)
	assert.Less(t, d0, 73*time.Second)
	assert.GreaterOrEqual(t, d1, 120*time.Second)
	assert.Less(t, d1, 145*time.Second)
}

func TestReaper_RequeuesExpiredRunningJob(t *testing.T) {
	rel := relational.NewMemory()
	job, err := rel.EnqueueJob(context.Background(), domain.Job{ID: "j5", Kind: domain.JobIngest, ContainerID: "c1"})
	require.NoError(t, err)
	_, ok, err := rel.ClaimJob(context.Background(), "stale-worker", 1*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)

	n, err := rel.ReapExpired(context.Background(), 1*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	updated, err := rel.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, updated.Status)
	assert.Equal(t, 1, updated.Retries)
}

func TestReaper_StartStopLifecycle(t *testing.T) {
	rel := relational.NewMemory()
	cfg := config.WorkerConfig{VisibilityTimeoutSeconds: 1}
	r := NewReaper(rel, cfg, observability.NewMockMetrics())
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	r.Stop(context.Background())
	cancel()
}
