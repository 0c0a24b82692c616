package embedclient

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/localcontainers/containerd/internal/config"
	"github.com/localcontainers/containerd/internal/domain"
	"github.com/localcontainers/containerd/internal/store/relational"
)

// Result is one embedded input: its vector, and whether it was served from
// the content-addressed cache rather than a live provider call.
type Result struct {
	Vector    []float32
	FromCache bool
	Stale     bool // true when served from cache after a live provider failure
}

// Client is the embedding adapter: cache lookup, token-bucket rate limiting,
// retry with backoff on 429/5xx, L2 normalization, and dimensionality
// validation, all in front of a pluggable Provider.
type Client struct {
	provider        Provider
	cache           relational.Store
	limiter         *rate.Limiter
	model           string
	embedderVersion string
	dims            int
	maxRetries      int
	baseBackoff     time.Duration
}

// New builds a Client. embedderVersion identifies the embedding model+config
// revision for cache-key purposes; dims is the container's configured vector
// dimensionality (0 to skip the dims invariant check, e.g. in tests).
func New(ctx context.Context, cfg config.EmbeddingConfig, cache relational.Store, embedderVersion string, dims int) (*Client, error) {
	var provider Provider
	switch cfg.Provider {
	case "openai":
		provider = newOpenAIProvider(cfg)
	case "genai":
		p, err := newGenAIProvider(ctx, cfg)
		if err != nil {
			return nil, err
		}
		provider = p
	default:
		provider = newHTTPProvider(cfg)
	}

	rpm := cfg.RatePerMinute
	if rpm <= 0 {
		rpm = 120
	}
	limiter := rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)

	return &Client{
		provider:        provider,
		cache:           cache,
		limiter:         limiter,
		model:           cfg.Model,
		embedderVersion: embedderVersion,
		dims:            dims,
		maxRetries:      3,
		baseBackoff:     500 * time.Millisecond,
	}, nil
}

// CacheKey returns the content-addressed cache key sha256(content):version:modality.
func CacheKey(content, embedderVersion string, modality domain.Modality) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x:%s:%s", sum, embedderVersion, modality)
}

// EmbedTexts embeds a batch of text chunks, consulting the cache first and
// acquiring one rate-limit token per cache miss before calling the provider.
func (c *Client) EmbedTexts(ctx context.Context, texts []string, modality domain.Modality) ([]Result, error) {
	results := make([]Result, len(texts))
	keys := make([]string, len(texts))
	var missIdx []int
	var missTexts []string

	for i, t := range texts {
		key := CacheKey(t, c.embedderVersion, modality)
		keys[i] = key
		if entry, ok, err := c.cache.ReadEmbeddingCache(ctx, key); err == nil && ok {
			results[i] = Result{Vector: entry.Vector, FromCache: true}
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return results, nil
	}

	if err := c.limiter.WaitN(ctx, len(missTexts)); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", domain.ErrEmbeddingUnavail, err)
	}

	vectors, err := c.embedWithRetry(ctx, missTexts)
	if err != nil {
		return c.fallbackToCache(ctx, results, missIdx, keys, err)
	}

	now := time.Now()
	for n, idx := range missIdx {
		vec := l2Normalize(vectors[n])
		if c.dims > 0 && len(vec) != c.dims {
			return nil, fmt.Errorf("%w: embedding returned %d dims, want %d", domain.ErrInvariantViolation, len(vec), c.dims)
		}
		results[idx] = Result{Vector: vec}
		_ = c.cache.UpsertEmbeddingCache(ctx, domain.EmbeddingCacheEntry{
			Key: keys[idx], Vector: vec, LastUsedAt: now,
		})
	}
	return results, nil
}

// EmbedText is a convenience single-input wrapper over EmbedTexts.
func (c *Client) EmbedText(ctx context.Context, text string, modality domain.Modality) (Result, error) {
	out, err := c.EmbedTexts(ctx, []string{text}, modality)
	if err != nil {
		return Result{}, err
	}
	return out[0], nil
}

// EmbedImage embeds a single image, cache-keyed off its raw bytes the same
// way EmbedTexts keys off text content. Providers that implement ImageProvider
// are called directly; others receive the image as a base64-encoded string
// through the ordinary text embedding path.
func (c *Client) EmbedImage(ctx context.Context, imageRef string, imageBytes []byte) (Result, error) {
	key := CacheKey(string(imageBytes), c.embedderVersion, domain.ModalityImage)
	if entry, ok, err := c.cache.ReadEmbeddingCache(ctx, key); err == nil && ok {
		return Result{Vector: entry.Vector, FromCache: true}, nil
	}

	if err := c.limiter.WaitN(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("%w: rate limiter: %v", domain.ErrEmbeddingUnavail, err)
	}

	vec, err := c.embedImageWithRetry(ctx, imageBytes)
	if err != nil {
		if entry, ok, rerr := c.cache.ReadEmbeddingCache(ctx, key); rerr == nil && ok {
			return Result{Vector: entry.Vector, FromCache: true, Stale: true}, nil
		}
		return Result{}, fmt.Errorf("%w: %s: %v", domain.ErrEmbeddingUnavail, imageRef, err)
	}

	vec = l2Normalize(vec)
	if c.dims > 0 && len(vec) != c.dims {
		return Result{}, fmt.Errorf("%w: embedding returned %d dims, want %d", domain.ErrInvariantViolation, len(vec), c.dims)
	}
	_ = c.cache.UpsertEmbeddingCache(ctx, domain.EmbeddingCacheEntry{Key: key, Vector: vec, LastUsedAt: time.Now()})
	return Result{Vector: vec}, nil
}

func (c *Client) embedImageWithRetry(ctx context.Context, imageBytes []byte) ([]float32, error) {
	ip, ok := c.provider.(ImageProvider)
	if !ok {
		vectors, err := c.embedWithRetry(ctx, []string{base64.StdEncoding.EncodeToString(imageBytes)})
		if err != nil {
			return nil, err
		}
		return vectors[0], nil
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		vec, err := ip.EmbedImage(ctx, c.model, imageBytes)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		var statusErr *StatusError
		if !errors.As(err, &statusErr) || !statusErr.Retryable() {
			return nil, err
		}
		if attempt == c.maxRetries {
			break
		}
		delay := backoffWithJitter(c.baseBackoff, attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// fallbackToCache implements the stale-embedding path: if the live provider
// call failed, re-check the cache for each miss (another worker may have
// populated it meanwhile) before surfacing EmbeddingUnavailable.
func (c *Client) fallbackToCache(ctx context.Context, results []Result, missIdx []int, keys []string, cause error) ([]Result, error) {
	allStale := true
	for _, idx := range missIdx {
		entry, ok, rerr := c.cache.ReadEmbeddingCache(ctx, keys[idx])
		if rerr != nil || !ok {
			allStale = false
			continue
		}
		results[idx] = Result{Vector: entry.Vector, FromCache: true, Stale: true}
	}
	if !allStale {
		return nil, fmt.Errorf("%w: %v", domain.ErrEmbeddingUnavail, cause)
	}
	return results, nil
}

func (c *Client) embedWithRetry(ctx context.Context, inputs []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		vectors, err := c.provider.Embed(ctx, c.model, inputs)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		var statusErr *StatusError
		if !errors.As(err, &statusErr) || !statusErr.Retryable() {
			return nil, err
		}
		if attempt == c.maxRetries {
			break
		}
		delay := backoffWithJitter(c.baseBackoff, attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func backoffWithJitter(base time.Duration, attempt int) time.Duration {
	d := base * time.Duration(math.Pow(2, float64(attempt)))
	var jitter time.Duration
	if half := int64(d) / 2; half > 0 {
		jitter = time.Duration(rand.Int63n(half))
	}
	return d + jitter
}

func l2Normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
