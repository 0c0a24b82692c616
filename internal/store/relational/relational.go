// Package relational adapts Postgres (via pgx) to the relational-store
// contract: container registry, document/chunk metadata with generated
// BM25 tokens, the job queue, and the embedding cache.
package relational

import (
	"context"
	"time"

	"github.com/localcontainers/containerd/internal/domain"
)

// BM25Hit is a single ranked result from a full-text search.
type BM25Hit struct {
	ChunkID string
	Score   float64
	Snippet string
	Text    string
	Meta    map[string]string
}

// Store is the relational-store contract used by the retrieval/ingestion
// cores and the job queue worker pool.
type Store interface {
	GetContainer(ctx context.Context, idOrSlug string) (domain.Container, error)
	CreateContainer(ctx context.Context, c domain.Container) error
	ListContainers(ctx context.Context) ([]domain.Container, error)

	// InsertDocument enforces (container_id, hash) uniqueness; returns
	// domain.ErrDuplicateSource wrapped around the existing document when a
	// row with the same hash already exists.
	InsertDocument(ctx context.Context, doc domain.Document) (domain.Document, error)
	GetDocument(ctx context.Context, id string) (domain.Document, error)
	// ListDocuments returns every document registered under a container, used
	// by the export job handler to snapshot a container's contents.
	ListDocuments(ctx context.Context, containerID string) ([]domain.Document, error)

	// GetChunksByIDs fetches the full chunk rows (text, provenance,
	// ingested_at) backing a set of vector-search hits, which otherwise only
	// carry chunk id, score, and mirrored payload metadata.
	GetChunksByIDs(ctx context.Context, ids []string) ([]domain.Chunk, error)

	// InsertChunks performs an all-or-nothing relational commit: chunk rows
	// plus their derived BM25 tokens in a single transaction.
	InsertChunks(ctx context.Context, chunks []domain.Chunk) error
	DeleteChunks(ctx context.Context, docID string) error
	SoftDeleteChunks(ctx context.Context, chunkIDs []string) error
	MarkNeedsReconcile(ctx context.Context, chunkIDs []string) error
	ChunksNeedingReconcile(ctx context.Context, limit int) ([]domain.Chunk, error)

	BM25Search(ctx context.Context, containerID, query string, k int, filters map[string]string) ([]BM25Hit, error)

	UpsertEmbeddingCache(ctx context.Context, entry domain.EmbeddingCacheEntry) error
	ReadEmbeddingCache(ctx context.Context, key string) (domain.EmbeddingCacheEntry, bool, error)

	EnqueueJob(ctx context.Context, job domain.Job) (domain.Job, error)
	// ClaimJob atomically selects the oldest queued row, or the oldest
	// running row whose heartbeat has expired, locking it with
	// FOR UPDATE SKIP LOCKED so concurrent workers never observe the same row.
	ClaimJob(ctx context.Context, workerID string, visibilityTimeout time.Duration) (domain.Job, bool, error)
	HeartbeatJob(ctx context.Context, jobID, workerID string) error
	CompleteJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID, errMsg string, requeue bool, retryDelay time.Duration) error
	GetJob(ctx context.Context, jobID string) (domain.Job, error)
	// ReapExpired transitions running jobs whose heartbeat expired back to
	// queued, incrementing their retry counter.
	ReapExpired(ctx context.Context, visibilityTimeout time.Duration) (int, error)
}
