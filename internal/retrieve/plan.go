package retrieve

import (
	"context"
	"fmt"
	"strings"

	"github.com/localcontainers/containerd/internal/domain"
)

// plan is the normalized, container-expanded retrieval target.
type plan struct {
	query      string
	containers []domain.Container
}

// buildPlan normalizes the query text and expands the requested container
// ids into their full subtrees — any container whose descendants exist in
// the hierarchy contributes its entire subtree to the fan-out.
func (e *Engine) buildPlan(ctx context.Context, req Request) (plan, error) {
	if len(req.ContainerIDs) == 0 {
		return plan{}, fmt.Errorf("%w: at least one container_id is required", domain.ErrInvariantViolation)
	}

	all, err := e.Rel.ListContainers(ctx)
	if err != nil {
		return plan{}, fmt.Errorf("list containers: %w", err)
	}
	byParent := map[string][]domain.Container{}
	byID := map[string]domain.Container{}
	for _, c := range all {
		byID[c.ID] = c
		byParent[c.ParentID] = append(byParent[c.ParentID], c)
	}

	seen := map[string]bool{}
	var expanded []domain.Container
	var walk func(id string)
	walk = func(id string) {
		c, ok := byID[id]
		if !ok || seen[c.ID] {
			return
		}
		seen[c.ID] = true
		expanded = append(expanded, c)
		for _, child := range byParent[c.ID] {
			walk(child.ID)
		}
	}
	for _, id := range req.ContainerIDs {
		walk(id)
	}
	if len(expanded) == 0 {
		return plan{}, domain.ErrContainerNotFound
	}

	return plan{query: normalizeQuery(req.QueryText), containers: expanded}, nil
}

func normalizeQuery(q string) string {
	s := strings.TrimSpace(q)
	var b strings.Builder
	prevSpace := false
	for _, r := range s {
		if r == '\n' || r == '\t' || r == '\r' {
			r = ' '
		}
		if r == ' ' {
			if prevSpace {
				continue
			}
			prevSpace = true
		} else {
			prevSpace = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
