// Package rerank adapts the optional cross-encoder rerank stage: a
// budget-guarded HTTP call with an LRU result cache, never erroring the
// surrounding retrieval request. Unavailability and timeouts degrade to a
// skipped stage with an issue code instead.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/localcontainers/containerd/internal/config"
	"github.com/localcontainers/containerd/internal/domain"
)

// Candidate is one fusion-stage result eligible for rerank.
type Candidate struct {
	ChunkID string
	Text    string
}

// Scored is a reranked candidate with its cross-encoder relevance score.
type Scored struct {
	ChunkID string
	Score   float64
}

// Reranker calls a cross-encoder endpoint, adapted from the corpus's
// llama.cpp reranker client, with an LRU cache and budget guard layered on.
type Reranker struct {
	enabled    bool
	host       string
	model      string
	topKIn     int
	topKOut    int
	minBudget  time.Duration
	client     *http.Client
	cache      *lru.Cache[string, []Scored]
}

// New builds a Reranker from the enumerated rerank configuration.
func New(cfg config.RerankConfig) (*Reranker, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, []Scored](size)
	if err != nil {
		return nil, fmt.Errorf("create rerank cache: %w", err)
	}
	return &Reranker{
		enabled:   cfg.Enabled,
		host:      cfg.Host,
		model:     cfg.Model,
		topKIn:    cfg.TopKIn,
		topKOut:   cfg.TopKOut,
		minBudget: time.Duration(cfg.MinRemainingBudget) * time.Millisecond,
		client:    http.DefaultClient,
		cache:     cache,
	}, nil
}

// Enabled reports whether the rerank stage is configured on.
func (r *Reranker) Enabled() bool { return r.enabled }

// cacheKey is (provider, query, k_in, k_out, sorted candidate ids), matching
// the embedding adapter's convention of deterministic, order-independent keys.
func (r *Reranker) cacheKey(query string, candidates []Candidate) string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ChunkID
	}
	sort.Strings(ids)
	return fmt.Sprintf("http:%s:%d:%d:%s", query, r.topKIn, r.topKOut, strings.Join(ids, ","))
}

// Rerank scores candidates against query. remainingBudget is the caller's
// remaining per-request time budget; if it is below MinRemainingBudget the
// stage is skipped without calling the network. The returned error is always
// nil: provider failures, timeouts and requests that cannot be built are
// reported via the returned issue code, so a rerank outage never fails the
// surrounding search.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []Candidate, remainingBudget time.Duration) ([]Scored, domain.IssueCode, error) {
	if !r.enabled || len(candidates) == 0 {
		return nil, "", nil
	}
	if allEmpty(candidates) {
		return nil, domain.IssueRerankSkippedNoText, nil
	}
	if remainingBudget < r.minBudget {
		return nil, domain.IssueRerankSkippedBudget, nil
	}

	key := r.cacheKey(query, candidates)
	if cached, ok := r.cache.Get(key); ok {
		return cached, "", nil
	}

	in := candidates
	if r.topKIn > 0 && len(in) > r.topKIn {
		in = in[:r.topKIn]
	}

	cctx, cancel := context.WithTimeout(ctx, remainingBudget)
	defer cancel()

	scored, err := r.call(cctx, query, in)
	if err != nil {
		if cctx.Err() != nil {
			return nil, domain.IssueRerankTimeout, nil
		}
		return nil, domain.IssueRerankUnavailable, nil
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if r.topKOut > 0 && len(scored) > r.topKOut {
		scored = scored[:r.topKOut]
	}
	r.cache.Add(key, scored)
	return scored, "", nil
}

func allEmpty(candidates []Candidate) bool {
	for _, c := range candidates {
		if strings.TrimSpace(c.Text) != "" {
			return false
		}
	}
	return true
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	TopN      int      `json:"top_n"`
	Documents []string `json:"documents"`
}

type rerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
}

func (r *Reranker) call(ctx context.Context, query string, candidates []Candidate) ([]Scored, error) {
	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Text
	}
	topN := r.topKOut
	if topN <= 0 || topN > len(candidates) {
		topN = len(candidates)
	}
	body, err := json.Marshal(rerankRequest{Model: r.model, Query: query, TopN: topN, Documents: docs})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.host, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank failed with status %d: %s", resp.StatusCode, string(b))
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	out := make([]Scored, len(parsed.Results))
	for i, res := range parsed.Results {
		if res.Index < 0 || res.Index >= len(candidates) {
			continue
		}
		out[i] = Scored{ChunkID: candidates[res.Index].ChunkID, Score: res.RelevanceScore}
	}
	return out, nil
}
