package embedclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/localcontainers/containerd/internal/domain"
	"github.com/localcontainers/containerd/internal/store/relational"
)

type fakeProvider struct {
	calls   int
	fail    *StatusError
	vectors map[string][]float32
}

func (f *fakeProvider) Embed(_ context.Context, _ string, inputs []string) ([][]float32, error) {
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		if v, ok := f.vectors[in]; ok {
			out[i] = v
			continue
		}
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

type fakeImageProvider struct {
	fakeProvider
	imageCalls int
	fail       *StatusError
}

func (f *fakeImageProvider) EmbedImage(_ context.Context, _ string, image []byte) ([]float32, error) {
	f.imageCalls++
	if f.fail != nil {
		return nil, f.fail
	}
	return []float32{1, 1, 1}, nil
}

func newTestClient(provider Provider, cache relational.Store) *Client {
	return &Client{
		provider:        provider,
		cache:           cache,
		limiter:         rate.NewLimiter(rate.Inf, 1000),
		model:           "test-model",
		embedderVersion: "v1",
		dims:            3,
		maxRetries:      2,
	}
}

func TestClient_EmbedTexts_CachesMissesAndNormalizes(t *testing.T) {
	cache := relational.NewMemory()
	provider := &fakeProvider{}
	client := newTestClient(provider, cache)

	results, err := client.EmbedTexts(context.Background(), []string{"hello"}, domain.ModalityText)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].FromCache)
	var sumSq float32
	for _, x := range results[0].Vector {
		sumSq += x * x
	}
	assert.InDelta(t, 1.0, sumSq, 1e-6)
	assert.Equal(t, 1, provider.calls)

	results2, err := client.EmbedTexts(context.Background(), []string{"hello"}, domain.ModalityText)
	require.NoError(t, err)
	assert.True(t, results2[0].FromCache)
	assert.Equal(t, 1, provider.calls, "second call must be served entirely from cache")
}

func TestClient_EmbedTexts_ServesCachedKeyWithoutCallingFailingProvider(t *testing.T) {
	cache := relational.NewMemory()
	require.NoError(t, cache.UpsertEmbeddingCache(context.Background(), domain.EmbeddingCacheEntry{
		Key:    CacheKey("hello", "v1", domain.ModalityText),
		Vector: []float32{0.1, 0.2, 0.3},
	}))
	// "hello" is already cached, so it is served from the cache and the
	// failing provider is never reached.
	provider := &fakeProvider{fail: &StatusError{Code: 503, Msg: "down"}}
	client := newTestClient(provider, cache)
	client.cache.(*relational.Memory).SetDown(false)

	results, err := client.EmbedTexts(context.Background(), []string{"hello"}, domain.ModalityText)
	require.NoError(t, err)
	assert.True(t, results[0].FromCache)
}

func TestClient_EmbedTexts_ReturnsEmbeddingUnavailableWithNoCacheAndProviderDown(t *testing.T) {
	cache := relational.NewMemory()
	provider := &fakeProvider{fail: &StatusError{Code: 500, Msg: "down"}}
	client := newTestClient(provider, cache)

	_, err := client.EmbedTexts(context.Background(), []string{"uncached"}, domain.ModalityText)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEmbeddingUnavail)
}

func TestClient_EmbedTexts_NonRetryableStatusFailsImmediately(t *testing.T) {
	cache := relational.NewMemory()
	provider := &fakeProvider{fail: &StatusError{Code: 400, Msg: "bad request"}}
	client := newTestClient(provider, cache)

	_, err := client.EmbedTexts(context.Background(), []string{"x"}, domain.ModalityText)
	require.Error(t, err)
	assert.Equal(t, 1, provider.calls, "a non-retryable status must not be retried")
}

func TestClient_EmbedImage_UsesNativeProviderAndCaches(t *testing.T) {
	cache := relational.NewMemory()
	provider := &fakeImageProvider{}
	client := newTestClient(provider, cache)

	res, err := client.EmbedImage(context.Background(), "doc-1/page/1", []byte("png-bytes"))
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, 1, provider.imageCalls)
	assert.Equal(t, 0, provider.calls, "native image provider must not go through the text path")

	res2, err := client.EmbedImage(context.Background(), "doc-1/page/1", []byte("png-bytes"))
	require.NoError(t, err)
	assert.True(t, res2.FromCache)
	assert.Equal(t, 1, provider.imageCalls, "second call must be served from cache")
}

func TestClient_EmbedImage_ReturnsEmbeddingUnavailableWithNoCacheAndProviderDown(t *testing.T) {
	cache := relational.NewMemory()
	provider := &fakeImageProvider{fail: &StatusError{Code: 500, Msg: "down"}}
	client := newTestClient(provider, cache)

	_, err := client.EmbedImage(context.Background(), "doc-1/page/1", []byte("uncached-bytes"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEmbeddingUnavail)
}

func TestClient_EmbedImage_FallsBackToBase64TextForNonImageProvider(t *testing.T) {
	cache := relational.NewMemory()
	provider := &fakeProvider{}
	client := newTestClient(provider, cache)

	res, err := client.EmbedImage(context.Background(), "doc-1/page/1", []byte("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, 1, provider.calls, "provider without ImageProvider must be called through the text path")
	assert.NotEmpty(t, res.Vector)
}

func TestL2Normalize_ProducesUnitVector(t *testing.T) {
	out := l2Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, out[0], 1e-6)
	assert.InDelta(t, 0.8, out[1], 1e-6)
}
