// Package embedclient implements the embedding contract: deterministic,
// rate-limited, content-cached embedding of text and image inputs, producing
// L2-normalized vectors of exactly the container's configured dimensionality.
package embedclient

import "context"

// Provider is a raw embedding backend: given a model name and a batch of
// text inputs, return one vector per input in the same order. Implementations
// are not responsible for caching, rate limiting, retries, or normalization —
// Client handles those uniformly over any Provider.
type Provider interface {
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

// ImageProvider is implemented by backends with native image embedding
// support. Client falls back to embedding a base64-encoded payload through
// the text path for providers that don't implement it.
type ImageProvider interface {
	EmbedImage(ctx context.Context, model string, image []byte) ([]float32, error)
}

// StatusError carries the HTTP status code of a failed provider call so the
// retry loop can distinguish 429/5xx (retryable) from other 4xx (not).
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string { return e.Msg }

// Retryable reports whether the status code indicates a transient condition
// worth retrying: 429 (rate limited) or any 5xx (server error).
func (e *StatusError) Retryable() bool {
	return e.Code == 429 || e.Code >= 500
}
