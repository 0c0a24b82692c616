package relational

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localcontainers/containerd/internal/domain"
)

func TestMemory_InsertDocument_DetectsDuplicateByHash(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	doc := domain.Document{ID: "d1", ContainerID: "c1", Hash: "abc", URI: "file://a"}
	_, err := store.InsertDocument(ctx, doc)
	require.NoError(t, err)

	dup := domain.Document{ID: "d2", ContainerID: "c1", Hash: "abc", URI: "file://b"}
	existing, err := store.InsertDocument(ctx, dup)
	require.ErrorIs(t, err, domain.ErrDuplicateSource)
	assert.Equal(t, "d1", existing.ID)
}

func TestMemory_InsertDocument_AllowsSameHashInDifferentContainers(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	_, err := store.InsertDocument(ctx, domain.Document{ID: "d1", ContainerID: "c1", Hash: "abc"})
	require.NoError(t, err)
	_, err = store.InsertDocument(ctx, domain.Document{ID: "d2", ContainerID: "c2", Hash: "abc"})
	require.NoError(t, err)
}

func TestMemory_BM25Search_RanksByTermFrequencyAndBreaksTiesByID(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	require.NoError(t, store.InsertChunks(ctx, []domain.Chunk{
		{ID: "z", ContainerID: "c1", Text: "llama alpaca llama"},
		{ID: "a", ContainerID: "c1", Text: "llama"},
		{ID: "m", ContainerID: "c1", Text: "no match here"},
	}))

	hits, err := store.BM25Search(ctx, "c1", "llama", 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "z", hits[0].ChunkID)
	assert.Equal(t, "a", hits[1].ChunkID)
}

func TestMemory_BM25Search_ExcludesDeletedButKeepsDedupedChunks(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	require.NoError(t, store.InsertChunks(ctx, []domain.Chunk{
		{ID: "a", ContainerID: "c1", Text: "llama", Deleted: true},
		{ID: "b", ContainerID: "c1", Text: "llama", DedupOf: "a"},
	}))

	hits, err := store.BM25Search(ctx, "c1", "llama", 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1, "a chunk marked dedup_of must remain BM25-searchable, only soft-deleted rows are excluded")
	assert.Equal(t, "b", hits[0].ChunkID)
}

func TestMemory_JobQueue_ClaimHeartbeatComplete(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	job, err := store.EnqueueJob(ctx, domain.Job{ID: "j1", Kind: domain.JobIngest, ContainerID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, job.Status)

	claimed, ok, err := store.ClaimJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.JobRunning, claimed.Status)
	assert.Equal(t, "worker-1", claimed.WorkerID)

	_, ok, err = store.ClaimJob(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a freshly claimed job must not be claimable again before its heartbeat expires")

	require.NoError(t, store.HeartbeatJob(ctx, "j1", "worker-1"))
	require.NoError(t, store.CompleteJob(ctx, "j1"))

	got, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobDone, got.Status)
}

func TestMemory_JobQueue_ReapExpiredRequeuesAndIncrementsRetries(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	_, err := store.EnqueueJob(ctx, domain.Job{ID: "j1", Kind: domain.JobIngest})
	require.NoError(t, err)
	claimed, ok, err := store.ClaimJob(ctx, "worker-1", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, claimed.Retries)

	time.Sleep(5 * time.Millisecond)

	n, err := store.ReapExpired(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, got.Status)
	assert.Equal(t, 1, got.Retries)
}

func TestMemory_FailJob_RequeueVsTerminal(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	_, err := store.EnqueueJob(ctx, domain.Job{ID: "j1", Kind: domain.JobIngest})
	require.NoError(t, err)
	_, _, err = store.ClaimJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.FailJob(ctx, "j1", "transient timeout", true, time.Second))
	got, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, got.Status)
	assert.Equal(t, "transient timeout", got.Error)

	_, _, err = store.ClaimJob(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.FailJob(ctx, "j1", "non-retryable", false, 0))
	got, err = store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
}

func TestMemory_SetDown_SurfacesStoreUnavailable(t *testing.T) {
	store := NewMemory()
	store.SetDown(true)
	_, err := store.GetContainer(context.Background(), "anything")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}
