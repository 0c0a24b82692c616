package retrieve

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/localcontainers/containerd/internal/domain"
	"github.com/localcontainers/containerd/internal/store/relational"
	"github.com/localcontainers/containerd/internal/store/vector"
)

// candidate is one chunk surfaced by either retrieval source, hydrated with
// its relational row so the fusion/freshness/snippet stages need no further
// per-item I/O.
type candidate struct {
	ChunkID      string
	DocID        string
	ContainerID  string
	Modality     domain.Modality
	Text         string
	Title        string
	Provenance   domain.Provenance
	EmbeddingVer string
	FtRank       int
	VecRank      int
	Score        float64
	Freshness    float64
}

// containerCandidates is one container's raw fan-out output: the chunk ids
// in rank order from each source, plus the hydrated candidate by id.
type containerCandidates struct {
	containerID string
	ftIDs       []string
	vecIDs      []string
	byID        map[string]candidate
}

// fanOutResult aggregates every container's fan-out plus request-level
// diagnostics and the degraded-subsystem issue codes.
type fanOutResult struct {
	perContainer     map[string]containerCandidates
	issues           []domain.IssueCode
	containerStatus  map[string]ContainerStatus
	bm25MS, vectorMS int64
	bm25Hits         int
	vectorHits       int
	vectorAttempted  bool
	vectorAllFailed  bool
	bm25Attempted    bool
	bm25AllFailed    bool
}

// denseModalities resolves which modality collections a mode fans out to for
// a container: semantic/hybrid/rerank search only the primary text
// collection; crossmodal widens the search to every modality the container
// accepts, on the assumption a configured embedder places every modality in
// one shared vector space.
func denseModalities(c domain.Container, mode Mode) []domain.Modality {
	if mode == ModeCrossmodal {
		var out []domain.Modality
		for m, ok := range c.AllowedModalities {
			if ok {
				out = append(out, m)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out
	}
	if c.AllowsModality(domain.ModalityText) {
		return []domain.Modality{domain.ModalityText}
	}
	return nil
}

func allowsDense(mode Mode) bool { return mode != ModeBM25 }

func allowsSparse(mode Mode) bool {
	return mode == ModeHybrid || mode == ModeBM25 || mode == ModeRerank
}

// fanOut runs the candidate fan-out step: concurrently, per target
// container, a sparse BM25 call and one dense vector call per allowed
// modality, each bounded by the request's remaining budget. A failed stage
// degrades that container's status and emits the matching issue code rather
// than failing the whole request.
func (e *Engine) fanOut(ctx context.Context, p plan, mode Mode, qvec []float32, req Request, budget time.Duration) fanOutResult {
	result := fanOutResult{
		perContainer:    map[string]containerCandidates{},
		containerStatus: map[string]ContainerStatus{},
	}
	if len(p.containers) == 0 {
		return result
	}

	type containerOut struct {
		containerID string
		bm25        []relational.BM25Hit
		bm25Err     error
		bm25MS      int64
		bm25Attempt bool
		vec         []vector.Result
		vecErr      error
		vecMS       int64
		vecAttempt  bool
	}

	outs := make([]containerOut, len(p.containers))
	g, gctx := errgroup.WithContext(ctx)
	remaining := budget
	if deadline, ok := gctx.Deadline(); ok {
		remaining = time.Until(deadline)
	}

	for i, c := range p.containers {
		i, c := i, c
		outs[i].containerID = c.ID
		g.Go(func() error {
			subCtx, cancel := context.WithTimeout(gctx, remaining)
			defer cancel()

			if allowsSparse(mode) && p.query != "" {
				outs[i].bm25Attempt = true
				t0 := time.Now()
				hits, err := e.Rel.BM25Search(subCtx, c.ID, p.query, 100, req.Filters)
				outs[i].bm25MS = time.Since(t0).Milliseconds()
				outs[i].bm25, outs[i].bm25Err = hits, err
			}

			if allowsDense(mode) && len(qvec) > 0 {
				var merged []vector.Result
				t0 := time.Now()
				for _, m := range denseModalities(c, mode) {
					outs[i].vecAttempt = true
					hits, err := e.Vec.Search(subCtx, vector.CollectionName(c.ID, m), qvec, 100, req.Filters)
					if err != nil {
						outs[i].vecErr = err
						continue
					}
					merged = append(merged, hits...)
				}
				sort.Slice(merged, func(a, b int) bool { return merged[a].Score > merged[b].Score })
				outs[i].vec = merged
				outs[i].vecMS = time.Since(t0).Milliseconds()
			}
			return nil
		})
	}
	_ = g.Wait()

	var bm25Attempts, bm25Errors, vectorAttempts, vectorErrors int

	for _, out := range outs {
		status := ContainerHealthy
		cc := containerCandidates{containerID: out.containerID, byID: map[string]candidate{}}
		ids := map[string]struct{}{}

		if out.bm25Attempt {
			result.bm25Attempted = true
			bm25Attempts++
			if out.bm25Err != nil {
				bm25Errors++
				result.issues = append(result.issues, domain.IssueBM25Down)
				status = ContainerDegraded
			} else {
				for _, h := range out.bm25 {
					cc.ftIDs = append(cc.ftIDs, h.ChunkID)
					ids[h.ChunkID] = struct{}{}
				}
				result.bm25Hits += len(out.bm25)
			}
			result.bm25MS = maxInt64(result.bm25MS, out.bm25MS)
		}
		if out.vecAttempt {
			result.vectorAttempted = true
			vectorAttempts++
			if out.vecErr != nil && len(out.vec) == 0 {
				vectorErrors++
				result.issues = append(result.issues, domain.IssueVectorDown)
				status = ContainerDegraded
			} else {
				for _, h := range out.vec {
					cc.vecIDs = append(cc.vecIDs, h.ChunkID)
					ids[h.ChunkID] = struct{}{}
				}
				result.vectorHits += len(out.vec)
			}
			result.vectorMS = maxInt64(result.vectorMS, out.vecMS)
		}

		idList := make([]string, 0, len(ids))
		for id := range ids {
			idList = append(idList, id)
		}
		if chunks, err := e.Rel.GetChunksByIDs(ctx, idList); err == nil {
			titles := map[string]string{}
			for _, c := range chunks {
				title, ok := titles[c.DocID]
				if !ok {
					if d, derr := e.Rel.GetDocument(ctx, c.DocID); derr == nil {
						title = d.Title
					}
					titles[c.DocID] = title
				}
				cc.byID[c.ID] = candidate{
					ChunkID:      c.ID,
					DocID:        c.DocID,
					ContainerID:  c.ContainerID,
					Modality:     c.Modality,
					Text:         c.Text,
					Title:        title,
					Provenance:   c.Provenance,
					EmbeddingVer: c.EmbeddingVer,
				}
			}
		}
		result.perContainer[out.containerID] = cc
		if !out.bm25Attempt && !out.vecAttempt {
			status = ContainerOffline
		}
		result.containerStatus[out.containerID] = status
	}

	// "All failed" means every attempted container's call for that stage
	// errored, not that the stage returned zero hits: a healthy store
	// legitimately returning no matches must not be mistaken for it being down.
	result.vectorAllFailed = vectorAttempts > 0 && vectorErrors == vectorAttempts
	result.bm25AllFailed = bm25Attempts > 0 && bm25Errors == bm25Attempts
	return result
}
