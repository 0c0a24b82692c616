package retrieve

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localcontainers/containerd/internal/config"
	"github.com/localcontainers/containerd/internal/domain"
	"github.com/localcontainers/containerd/internal/embedclient"
	"github.com/localcontainers/containerd/internal/observability"
	"github.com/localcontainers/containerd/internal/store/relational"
	"github.com/localcontainers/containerd/internal/store/vector"
)

// fakeEmbedder returns a fixed vector for every query, regardless of text,
// so tests control similarity purely through the vector store's contents.
type fakeEmbedder struct {
	vec   []float32
	err   error
	calls *int
}

func (f fakeEmbedder) EmbedText(_ context.Context, _ string, _ domain.Modality) (embedclient.Result, error) {
	if f.calls != nil {
		*f.calls++
	}
	if f.err != nil {
		return embedclient.Result{}, f.err
	}
	return embedclient.Result{Vector: f.vec}, nil
}

func newTestContainer(id string) domain.Container {
	return domain.Container{
		ID:                id,
		Slug:              id,
		AllowedModalities: map[domain.Modality]bool{domain.ModalityText: true},
		State:             domain.ContainerActive,
		Policy:            domain.DefaultPolicy(),
		CreatedAt:         time.Now(),
	}
}

func newTestEngine(rel relational.Store, vec vector.Store, embed embedder) *Engine {
	return New(rel, vec, embed, nil, observability.NewMockMetrics(), config.Config{})
}

func TestRetrieve_HybridMode_FusesBM25AndVectorHits(t *testing.T) {
	ctx := context.Background()
	rel := relational.NewMemory()
	vec := vector.NewMemory()
	c := newTestContainer("c1")
	require.NoError(t, rel.CreateContainer(ctx, c))
	_, err := rel.InsertDocument(ctx, domain.Document{ID: "d1", ContainerID: "c1", Hash: "h1", Title: "Llamas"})
	require.NoError(t, err)

	require.NoError(t, rel.InsertChunks(ctx, []domain.Chunk{
		{ID: "ch1", ContainerID: "c1", DocID: "d1", Modality: domain.ModalityText, Text: "llamas are gentle animals", Provenance: domain.Provenance{IngestedAt: time.Now()}},
		{ID: "ch2", ContainerID: "c1", DocID: "d1", Modality: domain.ModalityText, Text: "goats climb mountains", Provenance: domain.Provenance{IngestedAt: time.Now()}},
	}))
	_, err = vec.EnsureCollection(ctx, "c1", domain.ModalityText, 3)
	require.NoError(t, err)
	require.NoError(t, vec.Upsert(ctx, vector.CollectionName("c1", domain.ModalityText), []vector.Point{
		{ChunkID: "ch1", Vector: []float32{1, 0, 0}},
		{ChunkID: "ch2", Vector: []float32{0, 1, 0}},
	}))

	e := newTestEngine(rel, vec, fakeEmbedder{vec: []float32{1, 0, 0}})
	resp, err := e.Retrieve(ctx, Request{QueryText: "llamas", ContainerIDs: []string{"c1"}, Mode: ModeHybrid, K: 10})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "ch1", resp.Results[0].ChunkID, "chunk matching both BM25 and vector query should rank first")
}

func TestRetrieve_BM25OnlyMode_NeverCallsEmbedder(t *testing.T) {
	ctx := context.Background()
	rel := relational.NewMemory()
	vec := vector.NewMemory()
	c := newTestContainer("c1")
	require.NoError(t, rel.CreateContainer(ctx, c))
	require.NoError(t, rel.InsertChunks(ctx, []domain.Chunk{
		{ID: "ch1", ContainerID: "c1", DocID: "d1", Modality: domain.ModalityText, Text: "llamas are gentle animals"},
	}))

	calls := 0
	e := newTestEngine(rel, vec, fakeEmbedder{calls: &calls})
	resp, err := e.Retrieve(ctx, Request{QueryText: "llamas", ContainerIDs: []string{"c1"}, Mode: ModeBM25, K: 10})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "ch1", resp.Results[0].ChunkID)
	assert.Zero(t, calls, "bm25 mode must not invoke the embedder")
}

func TestRetrieve_EmbedFailure_DegradesToBM25(t *testing.T) {
	ctx := context.Background()
	rel := relational.NewMemory()
	vec := vector.NewMemory()
	c := newTestContainer("c1")
	require.NoError(t, rel.CreateContainer(ctx, c))
	require.NoError(t, rel.InsertChunks(ctx, []domain.Chunk{
		{ID: "ch1", ContainerID: "c1", DocID: "d1", Modality: domain.ModalityText, Text: "llamas are gentle animals"},
	}))

	e := newTestEngine(rel, vec, fakeEmbedder{err: domain.ErrVectorDown})
	resp, err := e.Retrieve(ctx, Request{QueryText: "llamas", ContainerIDs: []string{"c1"}, Mode: ModeHybrid, K: 10})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Contains(t, resp.Issues, domain.IssueVectorSkipped)
}

func TestRetrieve_FreshnessBoost_PrefersNewerChunkAtEqualFusedScore(t *testing.T) {
	ctx := context.Background()
	rel := relational.NewMemory()
	vec := vector.NewMemory()
	c := newTestContainer("c1")
	require.NoError(t, rel.CreateContainer(ctx, c))

	old := time.Now().Add(-365 * 24 * time.Hour)
	fresh := time.Now()
	require.NoError(t, rel.InsertChunks(ctx, []domain.Chunk{
		{ID: "old", ContainerID: "c1", DocID: "d1", Modality: domain.ModalityText, Text: "llamas are gentle", Provenance: domain.Provenance{IngestedAt: old}},
		{ID: "new", ContainerID: "c1", DocID: "d1", Modality: domain.ModalityText, Text: "llamas are gentle too", Provenance: domain.Provenance{IngestedAt: fresh}},
	}))

	e := newTestEngine(rel, vec, fakeEmbedder{})
	resp, err := e.Retrieve(ctx, Request{
		QueryText: "llamas gentle", ContainerIDs: []string{"c1"}, Mode: ModeBM25, K: 10,
		FreshnessOn: true, FreshnessLam: 0.02,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "new", resp.Results[0].ChunkID, "the newer chunk should win the freshness-boosted tie")
	assert.Greater(t, resp.Results[0].Freshness, resp.Results[1].Freshness)
}

func TestRetrieve_SemanticDedup_DropsCachedNearDuplicate(t *testing.T) {
	ctx := context.Background()
	rel := relational.NewMemory()
	vec := vector.NewMemory()
	c := newTestContainer("c1")
	require.NoError(t, rel.CreateContainer(ctx, c))

	require.NoError(t, rel.InsertChunks(ctx, []domain.Chunk{
		{ID: "a", ContainerID: "c1", DocID: "d1", Modality: domain.ModalityText, Text: "llamas are gentle", EmbeddingVer: "v1", Provenance: domain.Provenance{IngestedAt: time.Now()}},
		{ID: "b", ContainerID: "c1", DocID: "d1", Modality: domain.ModalityText, Text: "llamas are gentle.", EmbeddingVer: "v1", Provenance: domain.Provenance{IngestedAt: time.Now()}},
	}))
	require.NoError(t, rel.UpsertEmbeddingCache(ctx, domain.EmbeddingCacheEntry{
		Key: embedclient.CacheKey("llamas are gentle", "v1", domain.ModalityText), Vector: []float32{1, 0, 0},
	}))
	require.NoError(t, rel.UpsertEmbeddingCache(ctx, domain.EmbeddingCacheEntry{
		Key: embedclient.CacheKey("llamas are gentle.", "v1", domain.ModalityText), Vector: []float32{1, 0, 0},
	}))

	e := newTestEngine(rel, vec, fakeEmbedder{})
	resp, err := e.Retrieve(ctx, Request{QueryText: "llamas gentle", ContainerIDs: []string{"c1"}, Mode: ModeBM25, K: 10, DedupThresh: 0.99})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1, "near-duplicate cached vectors above threshold should collapse to one result")
}

func TestRetrieve_SubtreeExpansion_IncludesChildContainers(t *testing.T) {
	ctx := context.Background()
	rel := relational.NewMemory()
	vec := vector.NewMemory()
	parent := newTestContainer("parent")
	child := newTestContainer("child")
	child.ParentID = "parent"
	require.NoError(t, rel.CreateContainer(ctx, parent))
	require.NoError(t, rel.CreateContainer(ctx, child))
	require.NoError(t, rel.InsertChunks(ctx, []domain.Chunk{
		{ID: "ch", ContainerID: "child", DocID: "d1", Modality: domain.ModalityText, Text: "llamas are gentle"},
	}))

	e := newTestEngine(rel, vec, fakeEmbedder{})
	resp, err := e.Retrieve(ctx, Request{QueryText: "llamas", ContainerIDs: []string{"parent"}, Mode: ModeBM25, K: 10})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "child", resp.Results[0].ContainerID)
}

func TestRetrieve_BothSubsystemsDown_ReturnsPartialWithIssueCodes(t *testing.T) {
	ctx := context.Background()
	rel := relational.NewMemory()
	vec := vector.NewMemory()
	c := newTestContainer("c1")
	require.NoError(t, rel.CreateContainer(ctx, c))
	rel.SetDown(true)
	vec.SetDown(true)

	e := newTestEngine(rel, vec, fakeEmbedder{vec: []float32{1, 0, 0}})
	resp, err := e.Retrieve(ctx, Request{QueryText: "llamas", ContainerIDs: []string{"c1"}, Mode: ModeHybrid, K: 10})
	require.NoError(t, err)
	assert.True(t, resp.Partial)
	assert.Contains(t, resp.Issues, domain.IssueBM25Down)
	assert.Contains(t, resp.Issues, domain.IssueVectorDown)
}

func TestRetrieve_NoHits_ReturnsIssueCode(t *testing.T) {
	ctx := context.Background()
	rel := relational.NewMemory()
	vec := vector.NewMemory()
	c := newTestContainer("c1")
	require.NoError(t, rel.CreateContainer(ctx, c))

	e := newTestEngine(rel, vec, fakeEmbedder{})
	resp, err := e.Retrieve(ctx, Request{QueryText: "nonexistent", ContainerIDs: []string{"c1"}, Mode: ModeBM25, K: 10})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Contains(t, resp.Issues, domain.IssueNoHits)
}

func TestRetrieve_HybridMode_NoHits_DoesNotFabricateDownIssues(t *testing.T) {
	ctx := context.Background()
	rel := relational.NewMemory()
	vec := vector.NewMemory()
	c := newTestContainer("c1")
	require.NoError(t, rel.CreateContainer(ctx, c))

	e := newTestEngine(rel, vec, fakeEmbedder{vec: []float32{1, 0, 0}})
	resp, err := e.Retrieve(ctx, Request{QueryText: "nonexistent", ContainerIDs: []string{"c1"}, Mode: ModeHybrid, K: 10})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Equal(t, []domain.IssueCode{domain.IssueNoHits}, resp.Issues, "both stores legitimately returning zero hits must not be reported as VECTOR_DOWN/BM25_DOWN")
	assert.False(t, resp.Partial)
}

func TestRetrieve_RerankSkippedWhenBudgetInsufficient(t *testing.T) {
	ctx := context.Background()
	rel := relational.NewMemory()
	vec := vector.NewMemory()
	c := newTestContainer("c1")
	require.NoError(t, rel.CreateContainer(ctx, c))
	require.NoError(t, rel.InsertChunks(ctx, []domain.Chunk{
		{ID: "ch1", ContainerID: "c1", DocID: "d1", Modality: domain.ModalityText, Text: "llamas are gentle"},
	}))

	e := newTestEngine(rel, vec, fakeEmbedder{})
	e.Cfg.LatencyBudgetMS = 1 // forces remaining budget well under MinRemainingBudget
	resp, err := e.Retrieve(ctx, Request{QueryText: "llamas", ContainerIDs: []string{"c1"}, Mode: ModeHybrid, K: 10, Rerank: true})
	require.NoError(t, err)
	assert.Contains(t, resp.Issues, domain.IssueRerankSkippedBudget)
}

func TestRetrieve_DiagnosticsOnlyReturnedWhenRequested(t *testing.T) {
	ctx := context.Background()
	rel := relational.NewMemory()
	vec := vector.NewMemory()
	c := newTestContainer("c1")
	require.NoError(t, rel.CreateContainer(ctx, c))
	require.NoError(t, rel.InsertChunks(ctx, []domain.Chunk{
		{ID: "ch1", ContainerID: "c1", DocID: "d1", Modality: domain.ModalityText, Text: "llamas are gentle"},
	}))

	e := newTestEngine(rel, vec, fakeEmbedder{})
	resp, err := e.Retrieve(ctx, Request{QueryText: "llamas", ContainerIDs: []string{"c1"}, Mode: ModeBM25, K: 10})
	require.NoError(t, err)
	assert.Zero(t, resp.Diagnostics.TotalMS, "diagnostics should be zeroed when not requested")

	resp2, err := e.Retrieve(ctx, Request{QueryText: "llamas", ContainerIDs: []string{"c1"}, Mode: ModeBM25, K: 10, Diagnostics: true})
	require.NoError(t, err)
	assert.NotZero(t, resp2.Diagnostics.BM25Hits)
}

func TestRetrieve_SnippetTemplate_SubstitutesTitleAndSnippet(t *testing.T) {
	ctx := context.Background()
	rel := relational.NewMemory()
	vec := vector.NewMemory()
	c := newTestContainer("c1")
	c.Policy.SnippetTemplate = "{title}: {snippet}"
	require.NoError(t, rel.CreateContainer(ctx, c))
	_, err := rel.InsertDocument(ctx, domain.Document{ID: "d1", ContainerID: "c1", Hash: "h1", Title: "Camelids"})
	require.NoError(t, err)
	require.NoError(t, rel.InsertChunks(ctx, []domain.Chunk{
		{ID: "ch1", ContainerID: "c1", DocID: "d1", Modality: domain.ModalityText, Text: "llamas are gentle"},
	}))

	e := newTestEngine(rel, vec, fakeEmbedder{})
	resp, err := e.Retrieve(ctx, Request{QueryText: "llamas", ContainerIDs: []string{"c1"}, Mode: ModeBM25, K: 10})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "Camelids: llamas are gentle", resp.Results[0].Snippet)
}
