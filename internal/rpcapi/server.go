package rpcapi

import (
	"context"
	"fmt"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"github.com/google/uuid"

	"github.com/localcontainers/containerd/internal/domain"
	"github.com/localcontainers/containerd/internal/ingest"
	"github.com/localcontainers/containerd/internal/retrieve"
	"github.com/localcontainers/containerd/internal/store/relational"
)

// Server is the MCP tool surface over the retrieval/ingestion core. It
// calls the internal engines directly, with no network hop between the
// tool dispatch and the domain logic.
type Server struct {
	mcp       *gomcp.Server
	rel       relational.Store
	retriever *retrieve.Engine
	pipeline  *ingest.Pipeline
	enqueue   func(ctx context.Context, job domain.Job) (domain.Job, error)
}

// New builds the MCP server and registers every tool. enqueue is the
// callback used by the async Ingest path; ordinarily relational.Store's
// own EnqueueJob method.
func New(rel relational.Store, retriever *retrieve.Engine, pipeline *ingest.Pipeline, name, version string) *Server {
	if name == "" {
		name = "containerd"
	}
	if version == "" {
		version = "v1"
	}
	s := &Server{
		rel:       rel,
		retriever: retriever,
		pipeline:  pipeline,
		enqueue:   rel.EnqueueJob,
	}
	s.mcp = gomcp.NewServer(&gomcp.Implementation{Name: name, Version: version}, nil)
	s.registerSearch()
	s.registerIngest()
	s.registerDescribe()
	s.registerJobs()
	return s
}

// Run serves the MCP protocol over stdio until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	log.Info().Msg("starting rpc server on stdio transport")
	if err := s.mcp.Run(ctx, &gomcp.StdioTransport{}); err != nil {
		return fmt.Errorf("rpc server run: %w", err)
	}
	return nil
}

func newRequestID() string {
	return uuid.NewString()
}

func textResult(text string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{Content: []gomcp.Content{&gomcp.TextContent{Text: text}}}
}
