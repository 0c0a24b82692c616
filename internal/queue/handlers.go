package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/localcontainers/containerd/internal/domain"
	"github.com/localcontainers/containerd/internal/ingest"
	"github.com/localcontainers/containerd/internal/store/blob"
	"github.com/localcontainers/containerd/internal/store/relational"
)

// ingestPayload is the job.Payload shape for a JobIngest job, matching the
// RPC ingest tool's source fields.
type ingestPayload struct {
	URI      string         `json:"uri"`
	Modality string         `json:"modality"`
	Title    string         `json:"title"`
	MIME     string         `json:"mime"`
	Meta     map[string]any `json:"meta"`
}

func decodePayload(payload map[string]any, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	return json.Unmarshal(b, out)
}

// IngestHandler builds the Handler for JobIngest jobs: decode the source
// from the job payload, look up the owning container, and run it through
// the ingestion pipeline.
func IngestHandler(rel relational.Store, pipeline *ingest.Pipeline) Handler {
	return func(ctx context.Context, job domain.Job) error {
		var p ingestPayload
		if err := decodePayload(job.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvariantViolation, err)
		}
		container, err := rel.GetContainer(ctx, job.ContainerID)
		if err != nil {
			return err
		}
		src := ingest.Source{
			URI:      p.URI,
			Modality: domain.Modality(p.Modality),
			Title:    p.Title,
			MIME:     p.MIME,
			Meta:     p.Meta,
		}
		if src.Modality == "" {
			src.Modality = domain.ModalityAuto
		}
		_, err = pipeline.Ingest(ctx, container, src)
		return err
	}
}

// RefreshHandler builds the Handler for JobRefresh jobs: one reconciliation
// sweep over chunks flagged needs_vector_reconcile.
func RefreshHandler(reconciler *ingest.Reconciler) Handler {
	return func(ctx context.Context, _ domain.Job) error {
		_, _, err := reconciler.Sweep(ctx)
		return err
	}
}

// exportManifest is the JSON document a JobExport job writes to the blob
// store: a point-in-time listing of a container's documents.
type exportManifest struct {
	ContainerID string             `json:"container_id"`
	GeneratedAt time.Time          `json:"generated_at"`
	Documents   []domain.Document  `json:"documents"`
}

// ExportHandler builds the Handler for JobExport jobs: snapshot the
// container's document list to a manifest keyed by container id and job id.
func ExportHandler(rel relational.Store, blobs blob.Store) Handler {
	return func(ctx context.Context, job domain.Job) error {
		docs, err := rel.ListDocuments(ctx, job.ContainerID)
		if err != nil {
			return err
		}
		manifest := exportManifest{ContainerID: job.ContainerID, GeneratedAt: time.Now(), Documents: docs}
		body, err := json.Marshal(manifest)
		if err != nil {
			return fmt.Errorf("marshal export manifest: %w", err)
		}
		key := blob.Key(job.ContainerID, job.ID, blob.KindOriginal, "export_manifest.json")
		_, err = blobs.Put(ctx, key, bytes.NewReader(body), blob.PutOptions{ContentType: "application/json"})
		return err
	}
}
