package rpcapi

import (
	"testing"

	"github.com/localcontainers/containerd/internal/domain"
)

func TestNewEnvelope_CarriesIssueCodesAsStrings(t *testing.T) {
	env := newEnvelope("req-1", true, map[string]int64{"total_ms": 42}, []domain.IssueCode{domain.IssueNoHits, domain.IssueTimeout})

	if env.Version != envelopeVersion {
		t.Fatalf("version = %q, want %q", env.Version, envelopeVersion)
	}
	if env.RequestID != "req-1" {
		t.Fatalf("request id = %q", env.RequestID)
	}
	if !env.Partial {
		t.Fatal("expected partial=true")
	}
	if env.TimingsMS["total_ms"] != 42 {
		t.Fatalf("timings_ms[total_ms] = %d, want 42", env.TimingsMS["total_ms"])
	}
	if len(env.Issues) != 2 || env.Issues[0] != string(domain.IssueNoHits) || env.Issues[1] != string(domain.IssueTimeout) {
		t.Fatalf("issues = %v", env.Issues)
	}
}

func TestNewEnvelope_NilIssuesYieldsEmptySlice(t *testing.T) {
	env := newEnvelope("req-2", false, nil, nil)
	if len(env.Issues) != 0 {
		t.Fatalf("expected no issues, got %v", env.Issues)
	}
}

func TestToContainerOut_OnlyListsAllowedModalities(t *testing.T) {
	c := domain.Container{
		ID:    "c1",
		Slug:  "research",
		Theme: "papers",
		State: domain.ContainerActive,
		AllowedModalities: map[domain.Modality]bool{
			domain.ModalityText: true,
			domain.ModalityPDF:  true,
			domain.ModalityImage: false,
		},
	}
	out := toContainerOut(c)
	if out.ID != "c1" || out.Slug != "research" || out.State != string(domain.ContainerActive) {
		t.Fatalf("unexpected container out: %+v", out)
	}
	seen := map[string]bool{}
	for _, m := range out.AllowedModalities {
		seen[m] = true
	}
	if !seen[string(domain.ModalityText)] || !seen[string(domain.ModalityPDF)] {
		t.Fatalf("expected text and pdf allowed, got %v", out.AllowedModalities)
	}
	if seen[string(domain.ModalityImage)] {
		t.Fatalf("image should not be listed as allowed: %v", out.AllowedModalities)
	}
}
