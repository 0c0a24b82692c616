// Package ingest implements the modality-specific ingestion pipeline: fetch
// or read a source, extract and chunk its content, embed each chunk with
// cache and semantic-dedup awareness, and commit the result across the
// relational, vector, and blob stores with the relational insert as the
// single commit point.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/localcontainers/containerd/internal/config"
	"github.com/localcontainers/containerd/internal/domain"
	"github.com/localcontainers/containerd/internal/embedclient"
	"github.com/localcontainers/containerd/internal/observability"
	"github.com/localcontainers/containerd/internal/store/blob"
	"github.com/localcontainers/containerd/internal/store/relational"
	"github.com/localcontainers/containerd/internal/store/vector"
)

// Source describes one ingestion request: either a remote URI to fetch or
// inline bytes already available to the caller.
type Source struct {
	URI      string
	Bytes    []byte
	Modality domain.Modality
	Title    string
	MIME     string
	Meta     map[string]any
}

// Result summarizes the outcome of one Ingest call.
type Result struct {
	DocumentID      string
	ChunksInserted  int
	VectorsUpserted int
	Duplicate       bool
	Issue           domain.IssueCode
}

// Pipeline wires the three store adapters, the embedding adapter, and the
// extraction/chunking helpers into the per-chunk processing loop.
type Pipeline struct {
	Rel     relational.Store
	Vec     vector.Store
	Blobs   blob.Store
	Embed   *embedclient.Client
	Metrics observability.Metrics
	HTTP    *http.Client

	PDFRenderDPI     int
	MaxPDFPages      int
	ThumbnailMaxEdge int

	pipelineVersion string
}

// New builds a Pipeline from the enumerated ingest configuration.
func New(cfg config.IngestConfig, rel relational.Store, vec vector.Store, blobs blob.Store, embed *embedclient.Client, metrics observability.Metrics) *Pipeline {
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Pipeline{
		Rel:              rel,
		Vec:              vec,
		Blobs:            blobs,
		Embed:            embed,
		Metrics:          metrics,
		HTTP:             &http.Client{Timeout: time.Duration(cfg.FetchTimeoutSecs) * time.Second},
		PDFRenderDPI:     cfg.PDFRenderDPI,
		MaxPDFPages:      cfg.MaxPDFPages,
		ThumbnailMaxEdge: cfg.ThumbnailMaxEdge,
		pipelineVersion:  "v1",
	}
}

// extracted is the modality-normalized output of the fetch/extract stage:
// plain chunkable text plus zero or more raw image payloads (PDF page
// renders, or the single source image) to persist as blobs and optional
// image chunks.
type extracted struct {
	rawBytes []byte
	mime     string
	text     string
	images   []extractedImage
}

type extractedImage struct {
	page  int // 0 for a standalone image source
	bytes []byte
}

// Ingest runs the full per-chunk pipeline for one source against container.
func (p *Pipeline) Ingest(ctx context.Context, container domain.Container, src Source) (Result, error) {
	start := time.Now()
	defer func() {
		p.Metrics.ObserveHistogram("ingest_duration_ms", float64(time.Since(start).Milliseconds()), map[string]string{"container": container.ID})
	}()

	modality := src.Modality
	if modality == domain.ModalityAuto {
		modality = detectModality(src)
	}
	if !container.AllowsModality(modality) {
		return Result{Issue: domain.IssueBlockedModality}, domain.ErrBlockedModality
	}

	ex, err := p.extract(ctx, modality, src, container)
	if err != nil {
		return Result{}, fmt.Errorf("extract %s: %w", modality, err)
	}

	hash := sha256Hex(ex.rawBytes)
	doc := domain.Document{
		ID:          uuid.NewString(),
		ContainerID: container.ID,
		URI:         src.URI,
		MIME:        firstNonEmpty(ex.mime, src.MIME),
		Hash:        hash,
		Title:       src.Title,
		Size:        int64(len(ex.rawBytes)),
		State:       domain.DocumentActive,
		CreatedAt:   time.Now(),
	}

	stored, err := p.Rel.InsertDocument(ctx, doc)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateSource) {
			p.Metrics.IncrCounter("ingest_duplicate_total", 1, map[string]string{"container": container.ID})
			return Result{DocumentID: stored.ID, Duplicate: true, Issue: domain.IssueDuplicateSource}, nil
		}
		return Result{}, fmt.Errorf("insert document: %w", err)
	}
	doc = stored

	if err := p.placeBlobs(ctx, container.ID, doc.Hash, ex); err != nil {
		return Result{}, fmt.Errorf("place blobs: %w", err)
	}

	chunks, vecs, err := p.buildChunks(ctx, container, doc, ex)
	if err != nil {
		return Result{}, fmt.Errorf("build chunks: %w", err)
	}
	if len(chunks) == 0 {
		return Result{DocumentID: doc.ID}, nil
	}

	if err := p.Rel.InsertChunks(ctx, chunks); err != nil {
		return Result{}, fmt.Errorf("insert chunks: %w", err)
	}

	upserted, reconcileErr := p.upsertVectors(ctx, container, chunks, vecs)
	if reconcileErr != nil {
		ids := make([]string, 0, len(chunks))
		for _, c := range chunks {
			if c.HasVector() {
				ids = append(ids, c.ID)
			}
		}
		_ = p.Rel.MarkNeedsReconcile(ctx, ids)
		p.Metrics.IncrCounter("ingest_vector_reconcile_total", 1, map[string]string{"container": container.ID})
	}

	return Result{DocumentID: doc.ID, ChunksInserted: len(chunks), VectorsUpserted: upserted}, nil
}

func detectModality(src Source) domain.Modality {
	mime := strings.ToLower(src.MIME)
	switch {
	case strings.HasPrefix(mime, "image/"):
		return domain.ModalityImage
	case mime == "application/pdf" || strings.HasSuffix(strings.ToLower(src.URI), ".pdf"):
		return domain.ModalityPDF
	case strings.HasPrefix(src.URI, "http://") || strings.HasPrefix(src.URI, "https://"):
		return domain.ModalityWeb
	default:
		return domain.ModalityText
	}
}

func (p *Pipeline) extract(ctx context.Context, modality domain.Modality, src Source, container domain.Container) (extracted, error) {
	switch modality {
	case domain.ModalityWeb:
		return p.extractWeb(ctx, src)
	case domain.ModalityPDF:
		return p.extractPDF(src, container.AllowsModality(domain.ModalityImage))
	case domain.ModalityImage:
		return p.extractImage(src)
	default:
		return extracted{rawBytes: src.Bytes, mime: "text/plain", text: string(src.Bytes)}, nil
	}
}

func (p *Pipeline) placeBlobs(ctx context.Context, containerID, docHash string, ex extracted) error {
	if _, err := p.Blobs.Put(ctx, blob.Key(containerID, docHash, blob.KindOriginal, ""), bytes.NewReader(ex.rawBytes), blob.PutOptions{ContentType: ex.mime}); err != nil {
		return fmt.Errorf("put original: %w", err)
	}
	if ex.text != "" {
		if _, err := p.Blobs.Put(ctx, blob.Key(containerID, docHash, blob.KindNormalized, ""), strings.NewReader(ex.text), blob.PutOptions{ContentType: "text/plain"}); err != nil {
			return fmt.Errorf("put normalized: %w", err)
		}
	}
	for _, img := range ex.images {
		var key string
		if img.page > 0 {
			key = blob.PDFPageKey(containerID, docHash, img.page)
		} else {
			key = blob.Key(containerID, docHash, blob.KindThumbnail, "thumb.png")
		}
		if _, err := p.Blobs.Put(ctx, key, bytes.NewReader(img.bytes), blob.PutOptions{ContentType: "image/png"}); err != nil {
			return fmt.Errorf("put image %s: %w", key, err)
		}
	}
	return nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

