package embedclient

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/localcontainers/containerd/internal/config"
)

// genaiProvider embeds through Google's Gemini embedding API, the other
// alternate backend behind the embedding adapter's common interface.
type genaiProvider struct {
	client *genai.Client
}

func newGenAIProvider(ctx context.Context, cfg config.EmbeddingConfig) (*genaiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &genaiProvider{client: client}, nil
}

func (p *genaiProvider) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(inputs))
	for i, s := range inputs {
		contents[i] = genai.NewContentFromText(s, genai.RoleUser)
	}
	resp, err := p.client.Models.EmbedContent(ctx, model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("genai embed content: %w", err)
	}
	if len(resp.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("unexpected embedding count: got %d, want %d", len(resp.Embeddings), len(inputs))
	}
	out := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}
