package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/localcontainers/containerd/internal/config"
)

// httpProvider calls a generic OpenAI-compatible embeddings endpoint,
// adapted from the corpus's plain-HTTP embedding client.
type httpProvider struct {
	host      string
	apiKey    string
	apiHeader string
	timeout   time.Duration
	client    *http.Client
}

func newHTTPProvider(cfg config.EmbeddingConfig) *httpProvider {
	return &httpProvider{
		host:      cfg.Host,
		apiKey:    cfg.APIKey,
		apiHeader: cfg.APIHeader,
		timeout:   30 * time.Second,
		client:    http.DefaultClient,
	}
}

type httpEmbedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type httpEmbedResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *httpProvider) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	body, err := json.Marshal(httpEmbedReq{Model: model, Input: inputs})
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, p.host, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case p.apiHeader == "Authorization":
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	case p.apiHeader != "":
		req.Header.Set(p.apiHeader, p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, &StatusError{Code: resp.StatusCode, Msg: fmt.Sprintf("embeddings error: %s: %s", resp.Status, string(respBody))}
	}

	var er httpEmbedResp
	if err := json.Unmarshal(respBody, &er); err != nil {
		return nil, fmt.Errorf("parse embedding response: %w", err)
	}
	if len(er.Data) != len(inputs) {
		return nil, fmt.Errorf("unexpected embedding count: got %d, want %d", len(er.Data), len(inputs))
	}
	out := make([][]float32, len(er.Data))
	for i := range er.Data {
		out[i] = er.Data[i].Embedding
	}
	return out, nil
}
