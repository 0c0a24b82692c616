package retrieve

import (
	"context"
	"time"

	"github.com/localcontainers/containerd/internal/domain"
	"github.com/localcontainers/containerd/internal/rerank"
)

// applyRerank calls the cross-encoder rerank stage and reorders fused by its
// output. On timeout, unavailability, or no-text candidates the reranker
// returns an issue code rather than an error; the fused ordering is kept
// untouched in that case.
func (e *Engine) applyRerank(ctx context.Context, query string, fused []candidate, remaining time.Duration) ([]candidate, domain.IssueCode) {
	if len(fused) == 0 {
		return fused, ""
	}
	cands := make([]rerank.Candidate, len(fused))
	for i, c := range fused {
		cands[i] = rerank.Candidate{ChunkID: c.ChunkID, Text: c.Text}
	}
	scored, issue, err := e.Reranker.Rerank(ctx, query, cands, remaining)
	if err != nil || issue != "" || scored == nil {
		return fused, issue
	}
	byID := make(map[string]candidate, len(fused))
	for _, c := range fused {
		byID[c.ChunkID] = c
	}
	out := make([]candidate, 0, len(scored))
	for _, s := range scored {
		if c, ok := byID[s.ChunkID]; ok {
			c.Score = s.Score
			out = append(out, c)
		}
	}
	return out, ""
}
