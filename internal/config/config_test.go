package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_FillsEnumeratedDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 900, cfg.LatencyBudgetMS)
	assert.Equal(t, 5000, cfg.DefaultTimeoutMS)
	assert.Equal(t, 50, cfg.Rerank.TopKIn)
	assert.Equal(t, 10, cfg.Rerank.TopKOut)
	assert.Equal(t, 150, cfg.Rerank.MinRemainingBudget)
	assert.Equal(t, 0.92, cfg.Dedup.SearchThreshold)
	assert.Equal(t, 0.96, cfg.Dedup.IngestThreshold)
	assert.Equal(t, 0.02, cfg.Freshness.Lambda)
	assert.Equal(t, 120, cfg.Embedding.RatePerMinute)
	assert.Equal(t, 32, cfg.VectorStore.HNSW.M)
	assert.Equal(t, 256, cfg.VectorStore.HNSW.EFConstruct)
	assert.Equal(t, 64, cfg.VectorStore.HNSW.EFSearch)
	assert.Equal(t, "cosine", cfg.VectorStore.Metric)
	assert.Equal(t, 3, cfg.Worker.MaxRetries)
	assert.Equal(t, 900, cfg.Worker.VisibilityTimeoutSeconds)
}

func TestLoad_OverridesDefaultsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := `
host: 127.0.0.1
port: 9090
latency_budget_ms: 1200
rerank:
  enabled: true
  top_k_out: 5
worker:
  max_retries: 7
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 1200, cfg.LatencyBudgetMS)
	assert.True(t, cfg.Rerank.Enabled)
	assert.Equal(t, 5, cfg.Rerank.TopKOut)
	assert.Equal(t, 7, cfg.Worker.MaxRetries)
	// Untouched defaults still apply.
	assert.Equal(t, 50, cfg.Rerank.TopKIn)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
