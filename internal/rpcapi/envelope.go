// Package rpcapi exposes the container retrieval/ingestion core as an MCP
// tool surface: Search, Ingest, container describe/list, and job status.
// Every tool response carries an envelope wrapping its typed payload, so a
// caller can always check partial/issues before trusting the results.
package rpcapi

import "github.com/localcontainers/containerd/internal/domain"

// envelopeVersion is the wire version stamped on every response.
const envelopeVersion = "v1"

// Envelope wraps every tool's typed payload with the request-level metadata
// every caller needs regardless of which tool they called.
type Envelope struct {
	Version   string           `json:"version"`
	RequestID string           `json:"request_id"`
	Partial   bool             `json:"partial"`
	TimingsMS map[string]int64 `json:"timings_ms,omitempty"`
	Issues    []string         `json:"issues,omitempty"`
}

func newEnvelope(requestID string, partial bool, timings map[string]int64, issues []domain.IssueCode) Envelope {
	codes := make([]string, 0, len(issues))
	for _, i := range issues {
		codes = append(codes, string(i))
	}
	return Envelope{
		Version:   envelopeVersion,
		RequestID: requestID,
		Partial:   partial,
		TimingsMS: timings,
		Issues:    codes,
	}
}
