package rpcapi

import (
	"context"
	"fmt"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/localcontainers/containerd/internal/domain"
	"github.com/localcontainers/containerd/internal/ingest"
)

type ingestSourceInput struct {
	URI      string         `json:"uri" jsonschema:"required,URI or file reference to ingest"`
	Modality string         `json:"modality,omitempty" jsonschema:"text, pdf, image, web, or auto (default auto)"`
	Title    string         `json:"title,omitempty"`
	MIME     string         `json:"mime,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

type ingestInput struct {
	Container string              `json:"container" jsonschema:"required,Container id or slug to ingest into"`
	Sources   []ingestSourceInput `json:"sources" jsonschema:"required,One or more sources to ingest"`
	Mode      string              `json:"mode,omitempty" jsonschema:"async or blocking (default async)"`
	TimeoutMS int                 `json:"timeout_ms,omitempty"`
}

type jobSummary struct {
	JobID       string `json:"job_id"`
	SourceURI   string `json:"source_uri"`
	Status      string `json:"status"`
	SubmittedAt string `json:"submitted_at"`
}

type ingestResultSummary struct {
	DocumentID      string `json:"document_id"`
	ChunksInserted  int    `json:"chunks_inserted"`
	VectorsUpserted int    `json:"vectors_upserted"`
	Duplicate       bool   `json:"duplicate"`
	Issue           string `json:"issue,omitempty"`
}

type ingestOutput struct {
	Envelope
	Jobs    []jobSummary           `json:"jobs,omitempty"`
	Results []ingestResultSummary  `json:"results,omitempty"`
}

func (s *Server) registerIngest() {
	gomcp.AddTool(s.mcp, &gomcp.Tool{
		Name:        "ingest",
		Description: "Submit one or more sources for ingestion into a container, either queued asynchronously or run to completion inline.",
	}, func(ctx context.Context, _ *gomcp.CallToolRequest, args ingestInput) (*gomcp.CallToolResult, ingestOutput, error) {
		requestID := newRequestID()

		container, err := s.rel.GetContainer(ctx, args.Container)
		if err != nil {
			env := newEnvelope(requestID, false, nil, []domain.IssueCode{domain.IssueContainerNotFound})
			return textResult(err.Error()), ingestOutput{Envelope: env}, err
		}
		if len(args.Sources) == 0 {
			env := newEnvelope(requestID, false, nil, []domain.IssueCode{domain.IssueInvalidParams})
			err := fmt.Errorf("%w: at least one source is required", domain.ErrInvariantViolation)
			return textResult(err.Error()), ingestOutput{Envelope: env}, err
		}

		blocking := args.Mode == "blocking"
		out := ingestOutput{}
		var issues []domain.IssueCode

		for _, src := range args.Sources {
			modality := domain.Modality(src.Modality)
			if modality == "" {
				modality = domain.ModalityAuto
			}
			if !container.AllowsModality(modality) {
				issues = append(issues, domain.IssueBlockedModality)
				continue
			}

			if blocking {
				res, err := s.pipeline.Ingest(ctx, container, ingest.Source{
					URI: src.URI, Modality: modality, Title: src.Title, MIME: src.MIME, Meta: src.Meta,
				})
				summary := ingestResultSummary{
					DocumentID:      res.DocumentID,
					ChunksInserted:  res.ChunksInserted,
					VectorsUpserted: res.VectorsUpserted,
					Duplicate:       res.Duplicate,
					Issue:           string(res.Issue),
				}
				if err != nil {
					issues = append(issues, domain.IssueIngestFail)
				}
				out.Results = append(out.Results, summary)
				continue
			}

			job, err := s.enqueue(ctx, domain.Job{
				Kind:        domain.JobIngest,
				ContainerID: container.ID,
				Payload: map[string]any{
					"uri": src.URI, "modality": string(modality), "title": src.Title, "mime": src.MIME, "meta": src.Meta,
				},
			})
			if err != nil {
				issues = append(issues, domain.IssueIngestFail)
				continue
			}
			out.Jobs = append(out.Jobs, jobSummary{
				JobID:       job.ID,
				SourceURI:   src.URI,
				Status:      string(domain.JobQueued),
				SubmittedAt: time.Now().UTC().Format(time.RFC3339),
			})
		}

		out.Envelope = newEnvelope(requestID, false, nil, issues)
		msg := fmt.Sprintf("submitted %d source(s)", len(args.Sources))
		return textResult(msg), out, nil
	})
}
