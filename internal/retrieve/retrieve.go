// Package retrieve implements the hybrid dense+sparse retrieval engine: query
// planning, parallel per-(container,modality) fan-out, reciprocal rank
// fusion, freshness boosting, optional rerank, semantic dedup, snippet
// assembly, and the budget-aware partial-result policy.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/localcontainers/containerd/internal/config"
	"github.com/localcontainers/containerd/internal/domain"
	"github.com/localcontainers/containerd/internal/embedclient"
	"github.com/localcontainers/containerd/internal/observability"
	"github.com/localcontainers/containerd/internal/rerank"
	"github.com/localcontainers/containerd/internal/store/relational"
	"github.com/localcontainers/containerd/internal/store/vector"
)

// Mode selects which retrieval subsystems a request fans out to.
type Mode string

const (
	ModeSemantic   Mode = "semantic"
	ModeHybrid     Mode = "hybrid"
	ModeBM25       Mode = "bm25"
	ModeCrossmodal Mode = "crossmodal"
	ModeRerank     Mode = "rerank"
)

// Stage names the request's current position in the per-request state
// machine: PENDING -> EMBEDDING -> FANOUT -> FUSED -> (RERANKED) -> DEDUPED
// -> SNIPPETED -> DONE, with TIMEOUT reachable from any running stage and
// preserving the best-effort output of every stage completed so far.
type Stage string

const (
	StagePending   Stage = "PENDING"
	StageEmbedding Stage = "EMBEDDING"
	StageFanout    Stage = "FANOUT"
	StageFused     Stage = "FUSED"
	StageReranked  Stage = "RERANKED"
	StageDeduped   Stage = "DEDUPED"
	StageSnippeted Stage = "SNIPPETED"
	StageDone      Stage = "DONE"
	StageTimeout   Stage = "TIMEOUT"
)

// Request is one retrieval call.
type Request struct {
	QueryText    string
	ContainerIDs []string
	Mode         Mode
	K            int
	Filters      map[string]string
	Diagnostics  bool
	Rerank       bool
	TimeoutMS    int
	FreshnessOn  bool
	FreshnessLam float64
	DedupThresh  float64
}

// Result is one ranked, snippeted chunk returned to the caller.
type Result struct {
	ChunkID     string
	DocID       string
	ContainerID string
	Modality    domain.Modality
	Score       float64
	Freshness   float64
	Snippet     string
	Text        string
	Provenance  domain.Provenance
}

// ContainerStatus is the per-container health summary in diagnostics.
type ContainerStatus string

const (
	ContainerHealthy  ContainerStatus = "healthy"
	ContainerDegraded ContainerStatus = "degraded"
	ContainerOffline  ContainerStatus = "offline"
)

// Diagnostics is the always-computed, optionally-returned stage breakdown.
type Diagnostics struct {
	TotalMS           int64
	EmbedMS           int64
	BM25MS            int64
	VectorMS          int64
	FusionMS          int64
	RerankMS          int64
	DedupMS           int64
	BM25Hits          int
	VectorHits        int
	DedupDrops        int
	Mode              Mode
	LatencyBudgetMS   int64
	LatencyOverBudget int64
	AppliedFilters    map[string]string
	ContainerStatus   map[string]ContainerStatus
}

// Response is the full outcome of a retrieval call.
type Response struct {
	Results     []Result
	Partial     bool
	Issues      []domain.IssueCode
	Diagnostics Diagnostics
	FinalStage  Stage
}

// embedder is the narrow capability needed from the embedding adapter,
// satisfied by *embedclient.Client.
type embedder interface {
	EmbedText(ctx context.Context, text string, modality domain.Modality) (embedclient.Result, error)
}

// Engine wires the stores, embedding adapter, and rerank stage together.
type Engine struct {
	Rel      relational.Store
	Vec      vector.Store
	Embed    embedder
	Reranker *rerank.Reranker
	Metrics  observability.Metrics
	Cfg      config.Config
	RRFK     int
}

// New builds an Engine from its dependencies, defaulting RRF's k constant.
func New(rel relational.Store, vec vector.Store, embed embedder, rr *rerank.Reranker, metrics observability.Metrics, cfg config.Config) *Engine {
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Engine{Rel: rel, Vec: vec, Embed: embed, Reranker: rr, Metrics: metrics, Cfg: cfg, RRFK: 60}
}

// Retrieve runs the full hybrid-retrieval pipeline for one request.
func (e *Engine) Retrieve(ctx context.Context, req Request) (Response, error) {
	if req.QueryText == "" {
		return Response{}, fmt.Errorf("%w: query_text is required", domain.ErrInvariantViolation)
	}

	start := time.Now()
	budget := e.latencyBudget(req)
	timeout := e.timeout(req)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp := Response{Diagnostics: Diagnostics{
		Mode:            req.Mode,
		AppliedFilters:  req.Filters,
		ContainerStatus: map[string]ContainerStatus{},
	}}

	qplan, err := e.buildPlan(ctx, req)
	if err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) {
			// Without the relational store neither BM25 search nor the
			// hydration of vector hits can run, so both stages have failed.
			return Response{Partial: true, Issues: []domain.IssueCode{domain.IssueVectorDown, domain.IssueBM25Down}}, nil
		}
		return Response{}, err
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeHybrid
	}

	var qvec []float32
	embedMS := int64(0)
	if mode != ModeBM25 {
		t0 := time.Now()
		vres, err := e.Embed.EmbedText(ctx, req.QueryText, domain.ModalityText)
		embedMS = time.Since(t0).Milliseconds()
		if err != nil {
			resp.Issues = append(resp.Issues, domain.IssueVectorSkipped)
			mode = ModeBM25
		} else {
			qvec = vres.Vector
		}
	}

	fanResult := e.fanOut(ctx, qplan, mode, qvec, req, budget)
	resp.Issues = append(resp.Issues, fanResult.issues...)
	for cid, status := range fanResult.containerStatus {
		resp.Diagnostics.ContainerStatus[cid] = status
	}
	if bothDown(fanResult) {
		resp.Partial = true
		if !containsIssue(resp.Issues, domain.IssueVectorDown) {
			resp.Issues = append(resp.Issues, domain.IssueVectorDown)
		}
		if !containsIssue(resp.Issues, domain.IssueBM25Down) {
			resp.Issues = append(resp.Issues, domain.IssueBM25Down)
		}
	}

	fuseStart := time.Now()
	fused := fuseAndBoost(fanResult.perContainer, req, e.RRFK)
	sort.Slice(fused, func(i, j int) bool { return fused[i].Score > fused[j].Score })
	fusionMS := time.Since(fuseStart).Milliseconds()
	topKPreRerank := maxInt(50, reqK(req))
	if len(fused) > topKPreRerank {
		fused = fused[:topKPreRerank]
	}

	stage := StageFused
	rerankMS := int64(0)
	if req.Rerank && mode != ModeBM25 {
		elapsedMS := time.Since(start).Milliseconds()
		remaining := budget.Milliseconds() - elapsedMS
		minBudget := int64(e.Cfg.Rerank.MinRemainingBudget)
		if minBudget <= 0 {
			minBudget = 150
		}
		switch {
		case remaining < minBudget:
			resp.Issues = append(resp.Issues, domain.IssueRerankSkippedBudget)
		case e.Reranker != nil:
			t0 := time.Now()
			var issue domain.IssueCode
			fused, issue = e.applyRerank(ctx, req.QueryText, fused, time.Duration(remaining)*time.Millisecond)
			rerankMS = time.Since(t0).Milliseconds()
			if issue != "" {
				resp.Issues = append(resp.Issues, issue)
			} else {
				stage = StageReranked
			}
		}
	}

	t0 := time.Now()
	dedupThresh := req.DedupThresh
	if dedupThresh <= 0 {
		dedupThresh = e.Cfg.Dedup.SearchThreshold
	}
	fused, dropped := e.dedupWalk(ctx, fused, dedupThresh)
	dedupMS := time.Since(t0).Milliseconds()
	stage = StageDeduped

	k := reqK(req)
	if len(fused) > k {
		fused = fused[:k]
	}

	results := make([]Result, 0, len(fused))
	for _, c := range fused {
		tmpl := e.snippetTemplateFor(ctx, c.ContainerID)
		results = append(results, Result{
			ChunkID:     c.ChunkID,
			DocID:       c.DocID,
			ContainerID: c.ContainerID,
			Modality:    c.Modality,
			Score:       c.Score,
			Freshness:   c.Freshness,
			Snippet:     buildSnippet(c.Text, tmpl, c.Title),
			Text:        c.Text,
			Provenance:  c.Provenance,
		})
	}
	stage = StageDone

	if len(results) == 0 {
		resp.Issues = append(resp.Issues, domain.IssueNoHits)
	}

	totalMS := time.Since(start).Milliseconds()
	resp.Diagnostics.TotalMS = totalMS
	resp.Diagnostics.EmbedMS = embedMS
	resp.Diagnostics.BM25MS = fanResult.bm25MS
	resp.Diagnostics.VectorMS = fanResult.vectorMS
	resp.Diagnostics.FusionMS = fusionMS
	resp.Diagnostics.RerankMS = rerankMS
	resp.Diagnostics.DedupMS = dedupMS
	resp.Diagnostics.BM25Hits = fanResult.bm25Hits
	resp.Diagnostics.VectorHits = fanResult.vectorHits
	resp.Diagnostics.DedupDrops = dropped
	resp.Diagnostics.LatencyBudgetMS = budget.Milliseconds()
	resp.Diagnostics.LatencyOverBudget = maxInt64(0, totalMS-budget.Milliseconds())
	if resp.Diagnostics.LatencyOverBudget > 0 {
		resp.Partial = true
		if !containsIssue(resp.Issues, domain.IssueLatencyBudgetExceeded) {
			resp.Issues = append(resp.Issues, domain.IssueLatencyBudgetExceeded)
		}
	}
	if ctx.Err() != nil {
		stage = StageTimeout
		resp.Partial = true
	}

	resp.FinalStage = stage
	resp.Results = results

	e.Metrics.ObserveHistogram("retrieve_total_ms", float64(totalMS), map[string]string{"mode": string(mode)})
	if !req.Diagnostics {
		resp.Diagnostics = Diagnostics{}
	}
	return resp, nil
}

func bothDown(f fanOutResult) bool {
	return f.vectorAttempted && f.vectorAllFailed && f.bm25Attempted && f.bm25AllFailed
}

func containsIssue(issues []domain.IssueCode, target domain.IssueCode) bool {
	for _, i := range issues {
		if i == target {
			return true
		}
	}
	return false
}

func (e *Engine) latencyBudget(_ Request) time.Duration {
	if e.Cfg.LatencyBudgetMS > 0 {
		return e.Cfg.LatencyBudget()
	}
	return 900 * time.Millisecond
}

func (e *Engine) timeout(req Request) time.Duration {
	if req.TimeoutMS > 0 {
		return time.Duration(req.TimeoutMS) * time.Millisecond
	}
	if e.Cfg.DefaultTimeoutMS > 0 {
		return e.Cfg.DefaultTimeout()
	}
	return 5 * time.Second
}

func reqK(req Request) int {
	if req.K <= 0 {
		return 10
	}
	if req.K > 50 {
		return 50
	}
	return req.K
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func (e *Engine) snippetTemplateFor(ctx context.Context, containerID string) string {
	c, err := e.Rel.GetContainer(ctx, containerID)
	if err != nil {
		return ""
	}
	return c.Policy.SnippetTemplate
}
