package rpcapi

import (
	"context"
	"fmt"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/localcontainers/containerd/internal/domain"
	"github.com/localcontainers/containerd/internal/retrieve"
)

type searchInput struct {
	Query             string            `json:"query,omitempty" jsonschema:"Query text; required unless query_image_base64 is set"`
	QueryImageBase64  string            `json:"query_image_base64,omitempty" jsonschema:"Base64-encoded query image, for image-to-image crossmodal search"`
	ContainerIDs      []string          `json:"container_ids" jsonschema:"required,Containers to search"`
	Mode              string            `json:"mode,omitempty" jsonschema:"One of semantic, hybrid, bm25, crossmodal, rerank (default hybrid)"`
	K                 int               `json:"k,omitempty" jsonschema:"Number of results to return, 1..50 (default 10)"`
	Rerank            bool              `json:"rerank,omitempty"`
	Diagnostics       bool              `json:"diagnostics,omitempty"`
	Filters           map[string]string `json:"filters,omitempty"`
	TimeoutMS         int               `json:"timeout_ms,omitempty"`
}

type searchResultOut struct {
	ChunkID     string            `json:"chunk_id"`
	DocID       string            `json:"doc_id"`
	ContainerID string            `json:"container_id"`
	Title       string            `json:"title,omitempty"`
	Snippet     string            `json:"snippet"`
	URI         string            `json:"uri,omitempty"`
	Score       float64           `json:"score"`
	Provenance  domain.Provenance `json:"provenance"`
	Modality    string            `json:"modality"`
}

type diagnosticsOut struct {
	BM25Hits   int    `json:"bm25_hits"`
	VectorHits int    `json:"vector_hits"`
	DedupDrops int    `json:"dedup_drops"`
	Mode       string `json:"mode"`
}

type searchOutput struct {
	Envelope
	Results     []searchResultOut `json:"results"`
	TotalHits   int               `json:"total_hits"`
	Returned    int               `json:"returned"`
	Diagnostics *diagnosticsOut   `json:"diagnostics,omitempty"`
}

func (s *Server) registerSearch() {
	gomcp.AddTool(s.mcp, &gomcp.Tool{
		Name:        "search",
		Description: "Run hybrid dense+sparse retrieval over one or more containers and return ranked, snippeted chunks.",
	}, func(ctx context.Context, _ *gomcp.CallToolRequest, args searchInput) (*gomcp.CallToolResult, searchOutput, error) {
		requestID := newRequestID()
		if args.QueryImageBase64 != "" {
			env := newEnvelope(requestID, false, nil, []domain.IssueCode{domain.IssueNotImplemented})
			return textResult("image queries are not implemented"), searchOutput{Envelope: env}, nil
		}
		if args.Query == "" || len(args.ContainerIDs) == 0 {
			env := newEnvelope(requestID, false, nil, []domain.IssueCode{domain.IssueInvalidParams})
			err := fmt.Errorf("%w: query and container_ids are required", domain.ErrInvariantViolation)
			return textResult("query and container_ids are required"), searchOutput{Envelope: env}, err
		}

		req := retrieve.Request{
			QueryText:    args.Query,
			ContainerIDs: args.ContainerIDs,
			Mode:         retrieve.Mode(args.Mode),
			K:            args.K,
			Filters:      args.Filters,
			Diagnostics:  args.Diagnostics,
			Rerank:       args.Rerank,
			TimeoutMS:    args.TimeoutMS,
		}
		resp, err := s.retriever.Retrieve(ctx, req)
		if err != nil {
			env := newEnvelope(requestID, true, nil, []domain.IssueCode{domain.IssueInvalidParams})
			return textResult(err.Error()), searchOutput{Envelope: env}, err
		}

		out := searchOutput{Returned: len(resp.Results), TotalHits: len(resp.Results)}
		for _, r := range resp.Results {
			out.Results = append(out.Results, searchResultOut{
				ChunkID:     r.ChunkID,
				DocID:       r.DocID,
				ContainerID: r.ContainerID,
				Snippet:     r.Snippet,
				Score:       r.Score,
				Provenance:  r.Provenance,
				Modality:    string(r.Modality),
			})
		}
		if args.Diagnostics {
			out.Diagnostics = &diagnosticsOut{
				BM25Hits:   resp.Diagnostics.BM25Hits,
				VectorHits: resp.Diagnostics.VectorHits,
				DedupDrops: resp.Diagnostics.DedupDrops,
				Mode:       string(resp.Diagnostics.Mode),
			}
		}

		timings := map[string]int64{
			"total_ms":  resp.Diagnostics.TotalMS,
			"embed_ms":  resp.Diagnostics.EmbedMS,
			"bm25_ms":   resp.Diagnostics.BM25MS,
			"vector_ms": resp.Diagnostics.VectorMS,
			"rerank_ms": resp.Diagnostics.RerankMS,
			"dedup_ms":  resp.Diagnostics.DedupMS,
		}
		out.Envelope = newEnvelope(requestID, resp.Partial, timings, resp.Issues)
		return textResult(fmt.Sprintf("returned %d result(s)", out.Returned)), out, nil
	})
}
