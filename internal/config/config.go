// Package config loads and validates the service configuration: store DSNs,
// embedding/rerank provider settings, and every tunable enumerated in the
// retrieval/ingestion/queue contracts.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// RerankConfig mirrors the enumerated rerank knobs.
type RerankConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Host               string `yaml:"host"`
	APIKey             string `yaml:"api_key"`
	Model              string `yaml:"model"`
	TopKIn             int    `yaml:"top_k_in"`
	TopKOut            int    `yaml:"top_k_out"`
	MinRemainingBudget int    `yaml:"min_remaining_budget_ms"`
	CacheTTLSeconds    int    `yaml:"cache_ttl_s"`
	CacheSize          int    `yaml:"cache_size"`
}

// DedupConfig holds the two distinct dedup-threshold knobs: one for
// retrieval-time near-duplicate collapsing, one for ingest-time document
// dedup, since the two operate over different similarity distributions.
type DedupConfig struct {
	SearchThreshold float64 `yaml:"search_threshold"`
	IngestThreshold float64 `yaml:"ingest_threshold"`
}

// FreshnessConfig controls the retrieval-time decay boost.
type FreshnessConfig struct {
	Enabled bool    `yaml:"enabled"`
	Lambda  float64 `yaml:"lambda"`
}

// EmbeddingConfig describes the embedding provider and its rate limit.
type EmbeddingConfig struct {
	Host          string `yaml:"host"`
	APIKey        string `yaml:"api_key"`
	APIHeader     string `yaml:"api_header"`
	Model         string `yaml:"model"`
	Provider      string `yaml:"provider"` // "http" | "openai" | "genai"
	Dimensions    int    `yaml:"dimensions"`
	RatePerMinute int    `yaml:"rate_per_min"`
	CacheTTLSecs  int    `yaml:"cache_ttl_s"`
}

// HNSWConfig carries the vector-collection index parameters.
type HNSWConfig struct {
	M           int `yaml:"m"`
	EFConstruct int `yaml:"ef_construct"`
	EFSearch    int `yaml:"ef_search"`
}

// VectorStoreConfig configures the Qdrant-backed vector adapter.
type VectorStoreConfig struct {
	DSN    string     `yaml:"dsn"`
	Metric string     `yaml:"metric"`
	HNSW   HNSWConfig `yaml:"hnsw"`
}

// WorkerConfig configures the job queue worker pool.
type WorkerConfig struct {
	PollIntervalSeconds      int `yaml:"poll_interval_s"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_s"`
	VisibilityTimeoutSeconds int `yaml:"visibility_timeout_s"`
	MaxRetries               int `yaml:"max_retries"`
	BaseBackoffSeconds       int `yaml:"base_backoff_s"`
	MaxBackoffSeconds        int `yaml:"max_backoff_s"`
	Concurrency              int `yaml:"concurrency"`
}

// SSEConfig configures server-side encryption for the blob store.
type SSEConfig struct {
	Mode     string `yaml:"mode"`
	KMSKeyID string `yaml:"kms_key_id"`
}

// BlobStoreConfig configures the S3-compatible blob adapter.
type BlobStoreConfig struct {
	Endpoint        string    `yaml:"endpoint,omitempty"`
	Region          string    `yaml:"region"`
	Bucket          string    `yaml:"bucket"`
	Prefix          string    `yaml:"prefix,omitempty"`
	AccessKeyID     string    `yaml:"access_key_id,omitempty"`
	SecretAccessKey string    `yaml:"secret_access_key,omitempty"`
	UsePathStyle    bool      `yaml:"use_path_style,omitempty"`
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify,omitempty"`
	SSE             SSEConfig `yaml:"sse"`
}

// IngestConfig controls the modality-specific extraction pipeline.
type IngestConfig struct {
	PDFRenderDPI      int `yaml:"pdf_render_dpi"`
	MaxPDFPages       int `yaml:"max_pdf_pages"`
	ThumbnailMaxEdge  int `yaml:"thumbnail_max_edge"`
	FetchTimeoutSecs  int `yaml:"fetch_timeout_s"`
	ReconcileMaxTries int `yaml:"reconcile_max_tries"`
	ReconcileBatch    int `yaml:"reconcile_batch"`
}

// ObsConfig controls OpenTelemetry tracing/metrics export.
type ObsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	OTLP           string `yaml:"otlp_endpoint"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
}

// Config is the top-level, fully-loaded service configuration.
type Config struct {
	Host             string            `yaml:"host"`
	Port             int               `yaml:"port"`
	LogLevel         string            `yaml:"log_level"`
	LogPath          string            `yaml:"log_path,omitempty"`
	RelationalDSN    string            `yaml:"relational_dsn"`
	VectorStore      VectorStoreConfig `yaml:"vector_store"`
	BlobStore        BlobStoreConfig   `yaml:"blob_store"`
	Embedding        EmbeddingConfig   `yaml:"embedding"`
	Rerank           RerankConfig      `yaml:"rerank"`
	Dedup            DedupConfig       `yaml:"dedup"`
	Freshness        FreshnessConfig   `yaml:"freshness"`
	Worker           WorkerConfig      `yaml:"worker"`
	Ingest           IngestConfig      `yaml:"ingest"`
	Obs              ObsConfig         `yaml:"otel"`
	LatencyBudgetMS  int               `yaml:"latency_budget_ms"`
	DefaultTimeoutMS int               `yaml:"default_timeout_ms"`
}

// LatencyBudget returns the configured soft per-request budget as a Duration.
func (c Config) LatencyBudget() time.Duration {
	return time.Duration(c.LatencyBudgetMS) * time.Millisecond
}

// DefaultTimeout returns the configured hard per-request ceiling.
func (c Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMS) * time.Millisecond
}

// Load reads filename, unmarshals YAML, overlays a local .env file (best
// effort — absence is not fatal), and fills in every default enumerated in
// the configuration surface.
func Load(filename string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", filename, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config %q: %w", filename, err)
		}
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Default returns a Config pre-populated with every documented default.
func Default() *Config {
	cfg := &Config{
		Host:             "0.0.0.0",
		Port:             8080,
		LogLevel:         "info",
		LatencyBudgetMS:  900,
		DefaultTimeoutMS: 5000,
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.LatencyBudgetMS <= 0 {
		cfg.LatencyBudgetMS = 900
	}
	if cfg.DefaultTimeoutMS <= 0 {
		cfg.DefaultTimeoutMS = 5000
	}
	if cfg.Rerank.TopKIn <= 0 {
		cfg.Rerank.TopKIn = 50
	}
	if cfg.Rerank.TopKOut <= 0 {
		cfg.Rerank.TopKOut = 10
	}
	if cfg.Rerank.MinRemainingBudget <= 0 {
		cfg.Rerank.MinRemainingBudget = 150
	}
	if cfg.Rerank.CacheTTLSeconds <= 0 {
		cfg.Rerank.CacheTTLSeconds = 300
	}
	if cfg.Rerank.CacheSize <= 0 {
		cfg.Rerank.CacheSize = 256
	}
	if cfg.Dedup.SearchThreshold <= 0 {
		cfg.Dedup.SearchThreshold = 0.92
	}
	if cfg.Dedup.IngestThreshold <= 0 {
		cfg.Dedup.IngestThreshold = 0.96
	}
	if cfg.Freshness.Lambda <= 0 {
		cfg.Freshness.Lambda = 0.02
	}
	if cfg.Embedding.RatePerMinute <= 0 {
		cfg.Embedding.RatePerMinute = 120
	}
	if cfg.Embedding.CacheTTLSecs <= 0 {
		cfg.Embedding.CacheTTLSecs = 604800
	}
	if cfg.VectorStore.HNSW.M <= 0 {
		cfg.VectorStore.HNSW.M = 32
	}
	if cfg.VectorStore.HNSW.EFConstruct <= 0 {
		cfg.VectorStore.HNSW.EFConstruct = 256
	}
	if cfg.VectorStore.HNSW.EFSearch <= 0 {
		cfg.VectorStore.HNSW.EFSearch = 64
	}
	if cfg.VectorStore.Metric == "" {
		cfg.VectorStore.Metric = "cosine"
	}
	if cfg.Worker.PollIntervalSeconds <= 0 {
		cfg.Worker.PollIntervalSeconds = 5
	}
	if cfg.Worker.HeartbeatIntervalSeconds <= 0 {
		cfg.Worker.HeartbeatIntervalSeconds = 30
	}
	if cfg.Worker.VisibilityTimeoutSeconds <= 0 {
		cfg.Worker.VisibilityTimeoutSeconds = 900
	}
	if cfg.Worker.MaxRetries <= 0 {
		cfg.Worker.MaxRetries = 3
	}
	if cfg.Worker.BaseBackoffSeconds <= 0 {
		cfg.Worker.BaseBackoffSeconds = 60
	}
	if cfg.Worker.MaxBackoffSeconds <= 0 {
		cfg.Worker.MaxBackoffSeconds = 3600
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Ingest.PDFRenderDPI <= 0 {
		cfg.Ingest.PDFRenderDPI = 150
	}
	if cfg.Ingest.MaxPDFPages <= 0 {
		cfg.Ingest.MaxPDFPages = 500
	}
	if cfg.Ingest.ThumbnailMaxEdge <= 0 {
		cfg.Ingest.ThumbnailMaxEdge = 2048
	}
	if cfg.Ingest.FetchTimeoutSecs <= 0 {
		cfg.Ingest.FetchTimeoutSecs = 20
	}
	if cfg.Ingest.ReconcileMaxTries <= 0 {
		cfg.Ingest.ReconcileMaxTries = 3
	}
	if cfg.Ingest.ReconcileBatch <= 0 {
		cfg.Ingest.ReconcileBatch = 100
	}
	if cfg.Obs.ServiceName == "" {
		cfg.Obs.ServiceName = "containerd"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// MustLoad is a convenience wrapper for cmd/ entrypoints; it logs and exits
// the process on failure rather than returning an error.
func MustLoad(filename string) *Config {
	cfg, err := Load(filename)
	if err != nil {
		log.Fatal().Err(err).Str("path", filename).Msg("failed to load configuration")
	}
	return cfg
}
