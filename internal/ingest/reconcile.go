package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/localcontainers/containerd/internal/domain"
	"github.com/localcontainers/containerd/internal/embedclient"
	"github.com/localcontainers/containerd/internal/observability"
	"github.com/localcontainers/containerd/internal/store/relational"
	"github.com/localcontainers/containerd/internal/store/vector"
)

// reconcileAttemptsKey is the chunk meta key tracking failed reconciliation
// sweeps, used to soft-delete a chunk after repeated reconcile failures.
const reconcileAttemptsKey = "reconcile_attempts"

// Reconciler re-uploads vectors for chunks whose relational row committed
// but whose vector upsert failed at ingest time. It relies on the embedding
// cache already holding each chunk's vector from the original ingest call.
type Reconciler struct {
	Rel      relational.Store
	Vec      vector.Store
	Embed    embedder
	Metrics  observability.Metrics
	MaxTries int
	Batch    int
}

// embedder is the narrow capability the reconciler needs from the embedding
// adapter, satisfied by *embedclient.Client.
type embedder interface {
	EmbedText(ctx context.Context, text string, modality domain.Modality) (embedclient.Result, error)
}

// NewReconciler builds a Reconciler with the enumerated sweep tunables.
func NewReconciler(rel relational.Store, vec vector.Store, embed embedder, metrics observability.Metrics, maxTries, batch int) *Reconciler {
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	if maxTries <= 0 {
		maxTries = 3
	}
	if batch <= 0 {
		batch = 100
	}
	return &Reconciler{Rel: rel, Vec: vec, Embed: embed, Metrics: metrics, MaxTries: maxTries, Batch: batch}
}

// Sweep processes one batch of chunks flagged needs_vector_reconcile. Chunks
// that clear their vector upsert have the flag cleared; chunks that have
// exhausted MaxTries attempts are soft-deleted instead of retried again.
func (r *Reconciler) Sweep(ctx context.Context) (reconciled int, softDeleted int, err error) {
	pending, err := r.Rel.ChunksNeedingReconcile(ctx, r.Batch)
	if err != nil {
		return 0, 0, fmt.Errorf("list chunks needing reconcile: %w", err)
	}

	for _, c := range pending {
		attempts := attemptsOf(c)
		if attempts >= r.MaxTries {
			if derr := r.Rel.SoftDeleteChunks(ctx, []string{c.ID}); derr != nil {
				continue
			}
			softDeleted++
			r.Metrics.IncrCounter("ingest_reconcile_soft_delete_total", 1, map[string]string{"container": c.ContainerID})
			continue
		}

		if err := r.reconcileOne(ctx, c); err != nil {
			c.Meta = withAttempt(c.Meta, attempts+1)
			_ = r.Rel.InsertChunks(ctx, []domain.Chunk{c})
			r.Metrics.IncrCounter("ingest_reconcile_retry_total", 1, map[string]string{"container": c.ContainerID})
			continue
		}

		c.NeedsReconcile = false
		c.Meta = withAttempt(c.Meta, 0)
		if err := r.Rel.InsertChunks(ctx, []domain.Chunk{c}); err != nil {
			continue
		}
		reconciled++
	}

	return reconciled, softDeleted, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, c domain.Chunk) error {
	if c.Text == "" {
		return fmt.Errorf("chunk %s has no text to re-embed", c.ID)
	}
	res, err := r.Embed.EmbedText(ctx, c.Text, c.Modality)
	if err != nil {
		return err
	}
	collection := vector.CollectionName(c.ContainerID, c.Modality)
	return r.Vec.Upsert(ctx, collection, []vector.Point{{
		ChunkID: c.ID,
		Vector:  res.Vector,
		Metadata: map[string]string{
			"doc_id":   c.DocID,
			"modality": string(c.Modality),
		},
	}})
}

func attemptsOf(c domain.Chunk) int {
	if c.Meta == nil {
		return 0
	}
	if v, ok := c.Meta[reconcileAttemptsKey]; ok {
		if n, ok := v.(int); ok {
			return n
		}
		if f, ok := v.(float64); ok {
			return int(f)
		}
	}
	return 0
}

func withAttempt(meta map[string]any, n int) map[string]any {
	if meta == nil {
		meta = map[string]any{}
	}
	meta[reconcileAttemptsKey] = n
	return meta
}

// RunForever runs Sweep on interval until ctx is cancelled.
func (r *Reconciler) RunForever(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, _ = r.Sweep(ctx)
		}
	}
}
