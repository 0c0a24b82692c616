package rpcapi

import (
	"context"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/localcontainers/containerd/internal/domain"
)

type describeInput struct {
	ContainerID string `json:"container_id,omitempty" jsonschema:"Describe a single container; omit to list all"`
}

type containerOut struct {
	ID                string   `json:"id"`
	Slug              string   `json:"slug"`
	Theme             string   `json:"theme"`
	AllowedModalities []string `json:"allowed_modalities"`
	State             string   `json:"state"`
	ParentID          string   `json:"parent_id,omitempty"`
}

type describeOutput struct {
	Envelope
	Containers []containerOut `json:"containers"`
}

func toContainerOut(c domain.Container) containerOut {
	var modalities []string
	for m, ok := range c.AllowedModalities {
		if ok {
			modalities = append(modalities, string(m))
		}
	}
	return containerOut{
		ID:                c.ID,
		Slug:              c.Slug,
		Theme:             c.Theme,
		AllowedModalities: modalities,
		State:             string(c.State),
		ParentID:          c.ParentID,
	}
}

func (s *Server) registerDescribe() {
	gomcp.AddTool(s.mcp, &gomcp.Tool{
		Name:        "describe_containers",
		Description: "Describe a single container by id, or list every registered container.",
	}, func(ctx context.Context, _ *gomcp.CallToolRequest, args describeInput) (*gomcp.CallToolResult, describeOutput, error) {
		requestID := newRequestID()

		if args.ContainerID != "" {
			c, err := s.rel.GetContainer(ctx, args.ContainerID)
			if err != nil {
				env := newEnvelope(requestID, false, nil, []domain.IssueCode{domain.IssueContainerNotFound})
				return textResult(err.Error()), describeOutput{Envelope: env}, err
			}
			out := describeOutput{Envelope: newEnvelope(requestID, false, nil, nil), Containers: []containerOut{toContainerOut(c)}}
			return textResult("found 1 container"), out, nil
		}

		containers, err := s.rel.ListContainers(ctx)
		if err != nil {
			env := newEnvelope(requestID, true, nil, nil)
			return textResult(err.Error()), describeOutput{Envelope: env}, err
		}
		out := describeOutput{Envelope: newEnvelope(requestID, false, nil, nil)}
		for _, c := range containers {
			out.Containers = append(out.Containers, toContainerOut(c))
		}
		return textResult("listed containers"), out, nil
	})
}
