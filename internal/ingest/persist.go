package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/localcontainers/containerd/internal/chunk"
	"github.com/localcontainers/containerd/internal/domain"
	"github.com/localcontainers/containerd/internal/store/vector"
	"github.com/localcontainers/containerd/internal/util"
)

// vectors maps a chunk id to its embedding, kept alongside (not inside) the
// persisted domain.Chunk rows — the vector itself is never part of the
// relational payload, only the vector store's.
type vectors map[string][]float32

// buildChunks runs the per-chunk processing loop: chunk the extracted text,
// embed each piece (cache-aware), and check it against the container's
// vector collection for semantic dedup before it is ever inserted.
func (p *Pipeline) buildChunks(ctx context.Context, container domain.Container, doc domain.Document, ex extracted) ([]domain.Chunk, vectors, error) {
	maxTokens := container.Policy.MaxChunkTokens
	if maxTokens <= 0 {
		maxTokens = 600
	}
	opts := chunk.Options{MaxTokens: maxTokens, OverlapFraction: 0.12, Tokenizer: chunk.WhitespaceTokenizer{}}

	var out []domain.Chunk
	vecs := vectors{}

	if ex.text != "" && util.CountTokens(ex.text) > 0 {
		pieces := chunk.Chunk(ex.text, opts)
		textChunks, err := p.embedAndDedupText(ctx, container, doc, pieces, 0, vecs)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, textChunks...)
	}

	for _, img := range ex.images {
		c := domain.Chunk{
			ID:          uuid.NewString(),
			ContainerID: container.ID,
			DocID:       doc.ID,
			Modality:    domain.ModalityImage,
			Provenance: domain.Provenance{
				Source:          doc.URI,
				IngestedAt:      time.Now(),
				Pipeline:        p.pipelineVersion,
				HandlerVersion:  p.pipelineVersion,
				Embedder:        container.EmbedderName,
				EmbedderVersion: container.EmbedderVersion,
				Page:            img.page,
			},
			EmbeddingVer: container.EmbedderVersion,
		}

		ref := fmt.Sprintf("%s/page/%d", doc.ID, img.page)
		res, err := p.Embed.EmbedImage(ctx, ref, img.bytes)
		if err != nil {
			return nil, nil, fmt.Errorf("embed image %s: %w", ref, err)
		}
		vecs[c.ID] = res.Vector
		out = append(out, c)
	}

	return out, vecs, nil
}

// embedAndDedupText embeds each chunked piece of text, searches the
// container's text collection for a near-duplicate, and marks DedupOf when
// the best match clears the container's dedup threshold. page is nonzero
// when the text came from a single PDF page. Successful embeddings are
// recorded into vecs keyed by the new chunk's id.
func (p *Pipeline) embedAndDedupText(ctx context.Context, container domain.Container, doc domain.Document, pieces []chunk.Piece, page int, vecs vectors) ([]domain.Chunk, error) {
	if len(pieces) == 0 {
		return nil, nil
	}
	threshold := container.Policy.DedupThreshold
	if threshold <= 0 {
		threshold = 0.96
	}

	texts := make([]string, len(pieces))
	for i, pc := range pieces {
		texts[i] = pc.Text
	}
	embedded, err := p.Embed.EmbedTexts(ctx, texts, domain.ModalityText)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}

	collection := vector.CollectionName(container.ID, domain.ModalityText)
	out := make([]domain.Chunk, len(pieces))
	for i, pc := range pieces {
		c := domain.Chunk{
			ID:          uuid.NewString(),
			ContainerID: container.ID,
			DocID:       doc.ID,
			Modality:    domain.ModalityText,
			Text:        pc.Text,
			TokenStart:  pc.TokenStart,
			TokenEnd:    pc.TokenEnd,
			Provenance: domain.Provenance{
				Source:          doc.URI,
				IngestedAt:      time.Now(),
				Pipeline:        p.pipelineVersion,
				HandlerVersion:  p.pipelineVersion,
				Embedder:        container.EmbedderName,
				EmbedderVersion: container.EmbedderVersion,
				Page:            page,
				Section:         pc.Heading,
			},
			EmbeddingVer: container.EmbedderVersion,
			Meta:         map[string]any{},
		}

		vec := embedded[i].Vector
		if len(vec) > 0 {
			hits, err := p.Vec.Search(ctx, collection, vec, 1, nil)
			if err == nil && len(hits) > 0 && hits[0].Score >= threshold {
				c.DedupOf = hits[0].ChunkID
				c.Meta["semantic_dedup_score"] = hits[0].Score
			}
			vecs[c.ID] = vec
		}
		out[i] = c
	}
	return out, nil
}

// upsertVectors batches the non-deduped chunks of a single ingest call into
// the vector store, grouped by modality collection. It returns how many
// points were upserted and a non-nil error if any batch failed, signalling
// the caller to flag the remaining chunks for reconciliation rather than
// fail the whole request.
func (p *Pipeline) upsertVectors(ctx context.Context, container domain.Container, chunks []domain.Chunk, vecs vectors) (int, error) {
	byCollection := map[string][]vector.Point{}
	modalities := map[string]domain.Modality{}
	missing := 0
	for _, c := range chunks {
		if !c.HasVector() {
			continue
		}
		vec, ok := vecs[c.ID]
		if !ok || len(vec) == 0 {
			missing++
			continue
		}
		coll := vector.CollectionName(container.ID, c.Modality)
		modalities[coll] = c.Modality
		byCollection[coll] = append(byCollection[coll], vector.Point{
			ChunkID: c.ID,
			Vector:  vec,
			Metadata: map[string]string{
				"doc_id":   c.DocID,
				"modality": string(c.Modality),
			},
		})
	}

	upserted := 0
	for coll, points := range byCollection {
		if _, err := p.Vec.EnsureCollection(ctx, container.ID, modalities[coll], container.Dims); err != nil {
			return upserted, err
		}
		if err := p.Vec.Upsert(ctx, coll, points); err != nil {
			return upserted, err
		}
		upserted += len(points)
	}
	if missing > 0 {
		return upserted, fmt.Errorf("%w: %d chunks missing an embedding", domain.ErrInvariantViolation, missing)
	}
	return upserted, nil
}
