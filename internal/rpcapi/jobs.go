package rpcapi

import (
	"context"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/localcontainers/containerd/internal/domain"
	"github.com/localcontainers/containerd/internal/validation"
)

type jobStatusInput struct {
	JobID string `json:"job_id" jsonschema:"required,Job id to inspect"`
}

type jobStatusOutput struct {
	Envelope
	Status        string `json:"status"`
	Retries       int    `json:"retries"`
	LastHeartbeat string `json:"last_heartbeat,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (s *Server) registerJobs() {
	gomcp.AddTool(s.mcp, &gomcp.Tool{
		Name:        "job_status",
		Description: "Look up a queued or running ingestion job by id.",
	}, func(ctx context.Context, _ *gomcp.CallToolRequest, args jobStatusInput) (*gomcp.CallToolResult, jobStatusOutput, error) {
		requestID := newRequestID()

		if _, err := validation.JobID(args.JobID); err != nil {
			env := newEnvelope(requestID, false, nil, []domain.IssueCode{domain.IssueInvalidParams})
			return textResult(err.Error()), jobStatusOutput{Envelope: env}, err
		}

		job, err := s.rel.GetJob(ctx, args.JobID)
		if err != nil {
			env := newEnvelope(requestID, false, nil, []domain.IssueCode{domain.IssueInvalidParams})
			return textResult(err.Error()), jobStatusOutput{Envelope: env}, err
		}

		out := jobStatusOutput{
			Envelope: newEnvelope(requestID, false, nil, nil),
			Status:   string(job.Status),
			Retries:  job.Retries,
			Error:    job.Error,
		}
		if !job.LastHeartbeat.IsZero() {
			out.LastHeartbeat = job.LastHeartbeat.UTC().Format("2006-01-02T15:04:05Z07:00")
		}
		return textResult("job " + args.JobID + " status " + string(job.Status)), out, nil
	})
}
