package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localcontainers/containerd/internal/config"
	"github.com/localcontainers/containerd/internal/domain"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestReranker_Disabled_ReturnsNilWithNoIssue(t *testing.T) {
	r, err := New(config.RerankConfig{Enabled: false})
	require.NoError(t, err)

	scored, issue, err := r.Rerank(context.Background(), "q", []Candidate{{ChunkID: "a", Text: "x"}}, time.Second)
	require.NoError(t, err)
	assert.Nil(t, scored)
	assert.Empty(t, issue)
}

func TestReranker_NoTextCandidates_SkipsWithIssue(t *testing.T) {
	r, err := New(config.RerankConfig{Enabled: true, Host: "http://unused"})
	require.NoError(t, err)

	_, issue, err := r.Rerank(context.Background(), "q", []Candidate{{ChunkID: "a", Text: ""}}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.IssueRerankSkippedNoText, issue)
}

func TestReranker_InsufficientBudget_SkipsWithIssue(t *testing.T) {
	r, err := New(config.RerankConfig{Enabled: true, Host: "http://unused", MinRemainingBudget: 500})
	require.NoError(t, err)

	_, issue, err := r.Rerank(context.Background(), "q", []Candidate{{ChunkID: "a", Text: "x"}}, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, domain.IssueRerankSkippedBudget, issue)
}

func TestReranker_SuccessfulCall_ScoresAndCaches(t *testing.T) {
	calls := 0
	srv := newServer(t, func(w http.ResponseWriter, req *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"index": 1, "relevance_score": 0.9},
				{"index": 0, "relevance_score": 0.1},
			},
		})
	})

	r, err := New(config.RerankConfig{Enabled: true, Host: srv.URL, TopKOut: 2})
	require.NoError(t, err)

	candidates := []Candidate{{ChunkID: "a", Text: "alpha"}, {ChunkID: "b", Text: "beta"}}
	scored, issue, err := r.Rerank(context.Background(), "q", candidates, time.Second)
	require.NoError(t, err)
	assert.Empty(t, issue)
	require.Len(t, scored, 2)
	assert.Equal(t, "b", scored[0].ChunkID)
	assert.Equal(t, 1, calls)

	_, _, err = r.Rerank(context.Background(), "q", candidates, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "identical query+candidates must be served from the LRU cache")
}

func TestReranker_ServerError_DegradesToUnavailableIssue(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	r, err := New(config.RerankConfig{Enabled: true, Host: srv.URL})
	require.NoError(t, err)

	scored, issue, err := r.Rerank(context.Background(), "q", []Candidate{{ChunkID: "a", Text: "x"}}, time.Second)
	require.NoError(t, err)
	assert.Nil(t, scored)
	assert.Equal(t, domain.IssueRerankUnavailable, issue)
}
