package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localcontainers/containerd/internal/config"
	"github.com/localcontainers/containerd/internal/domain"
	"github.com/localcontainers/containerd/internal/embedclient"
	"github.com/localcontainers/containerd/internal/observability"
	"github.com/localcontainers/containerd/internal/store/blob"
	"github.com/localcontainers/containerd/internal/store/relational"
	"github.com/localcontainers/containerd/internal/store/vector"
)

// fixedVectorServer returns an embeddings endpoint that hands back a
// deterministic unit-ish vector per input string, the same vector for equal
// inputs so the dedup test can force a near-duplicate match.
func fixedVectorServer(t *testing.T, vectors map[string][]float32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := struct {
			Data []struct {
				Embedding []float32 `json:"embedding"`
			} `json:"data"`
		}{}
		for _, in := range req.Input {
			vec, ok := vectors[in]
			if !ok {
				vec = []float32{0.01, 0.02, 0.03}
			}
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
			}{Embedding: vec})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestPipeline(t *testing.T, vectors map[string][]float32) (*Pipeline, relational.Store, vector.Store) {
	t.Helper()
	srv := fixedVectorServer(t, vectors)
	rel := relational.NewMemory()
	vec := vector.NewMemory()
	blobs := blob.NewMemory()

	embed, err := embedclient.New(context.Background(), config.EmbeddingConfig{Host: srv.URL, Model: "test"}, rel, "v1", 3)
	require.NoError(t, err)

	p := New(config.IngestConfig{PDFRenderDPI: 150, MaxPDFPages: 10, ThumbnailMaxEdge: 2048, FetchTimeoutSecs: 5}, rel, vec, blobs, embed, observability.NewMockMetrics())
	return p, rel, vec
}

func testContainer() domain.Container {
	return domain.Container{
		ID:                "c1",
		Slug:              "c1",
		AllowedModalities: map[domain.Modality]bool{domain.ModalityText: true, domain.ModalityImage: true},
		EmbedderName:      "test",
		EmbedderVersion:   "v1",
		Dims:              3,
		Policy:            domain.DefaultPolicy(),
		State:             domain.ContainerActive,
	}
}

func TestIngest_TextSource_PersistsChunksAndVectors(t *testing.T) {
	p, rel, vec := newTestPipeline(t, nil)
	container := testContainer()

	result, err := p.Ingest(context.Background(), container, Source{
		URI:      "mem://doc-1",
		Bytes:    []byte("# Title\n\nThis is a short document about apples and oranges."),
		Modality: domain.ModalityText,
	})
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Greater(t, result.ChunksInserted, 0)
	assert.Equal(t, result.ChunksInserted, result.VectorsUpserted)

	hits, err := rel.BM25Search(context.Background(), container.ID, "apples", 10, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)

	collection := vector.CollectionName(container.ID, domain.ModalityText)
	found, err := vec.Search(context.Background(), collection, []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, found)
}

func TestIngest_DuplicateSource_ShortCircuits(t *testing.T) {
	p, _, _ := newTestPipeline(t, nil)
	container := testContainer()
	src := Source{URI: "mem://dup", Bytes: []byte("identical content"), Modality: domain.ModalityText}

	first, err := p.Ingest(context.Background(), container, src)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := p.Ingest(context.Background(), container, src)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, domain.IssueDuplicateSource, second.Issue)
	assert.Equal(t, 0, second.ChunksInserted)
}

func TestIngest_BlockedModality_ReturnsError(t *testing.T) {
	p, _, _ := newTestPipeline(t, nil)
	container := testContainer()
	container.AllowedModalities = map[domain.Modality]bool{domain.ModalityText: false}

	_, err := p.Ingest(context.Background(), container, Source{
		URI: "mem://blocked", Bytes: []byte("text"), Modality: domain.ModalityText,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBlockedModality)
}

func TestIngest_SemanticDedup_MarksSecondChunkAsDedupOfFirst(t *testing.T) {
	sameVec := map[string][]float32{
		"Alpha text.": {1, 0, 0},
	}
	p, rel, _ := newTestPipeline(t, sameVec)
	container := testContainer()
	container.Policy.DedupThreshold = 0.99

	_, err := p.Ingest(context.Background(), container, Source{
		URI: "mem://a", Bytes: []byte("Alpha text."), Modality: domain.ModalityText,
	})
	require.NoError(t, err)

	result, err := p.Ingest(context.Background(), container, Source{
		URI: "mem://b", Bytes: []byte("Alpha text.  "), Modality: domain.ModalityText,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ChunksInserted)
	assert.Equal(t, 0, result.VectorsUpserted, "a chunk marked dedup_of must not get its own vector upsert")

	hits, err := rel.BM25Search(context.Background(), container.ID, "Alpha", 10, nil)
	require.NoError(t, err)
	assert.Len(t, hits, 2, "deduped chunks remain BM25-searchable")
}
