package retrieve

import (
	"context"
	"math"

	"github.com/localcontainers/containerd/internal/embedclient"
)

// dedupWalk walks fused results in order, dropping any result whose cosine
// similarity to a previously-kept result reaches threshold. Similarity is
// computed from the embedding cache (keyed the same way ingestion populated
// it); a candidate with no cached vector can't be compared and is always
// kept, per the "skip if not present" allowance.
func (e *Engine) dedupWalk(ctx context.Context, fused []candidate, threshold float64) ([]candidate, int) {
	if threshold <= 0 || len(fused) == 0 {
		return fused, 0
	}
	kept := make([]candidate, 0, len(fused))
	keptVecs := make([][]float32, 0, len(fused))
	dropped := 0

	for _, c := range fused {
		vec := e.cachedVector(ctx, c)
		isDup := false
		if vec != nil {
			for _, kv := range keptVecs {
				if cosine(vec, kv) >= threshold {
					isDup = true
					break
				}
			}
		}
		if isDup {
			dropped++
			continue
		}
		kept = append(kept, c)
		keptVecs = append(keptVecs, vec)
	}
	return kept, dropped
}

func (e *Engine) cachedVector(ctx context.Context, c candidate) []float32 {
	if c.Text == "" {
		return nil
	}
	key := embedclient.CacheKey(c.Text, c.EmbeddingVer, c.Modality)
	entry, ok, err := e.Rel.ReadEmbeddingCache(ctx, key)
	if err != nil || !ok {
		return nil
	}
	return entry.Vector
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
