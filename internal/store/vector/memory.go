package vector

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/localcontainers/containerd/internal/domain"
)

// Memory is an in-process Store used by retrieval/ingestion unit tests so
// they never dial a real Qdrant instance.
type Memory struct {
	mu          sync.Mutex
	collections map[string]map[string]Point
	down        bool
}

// NewMemory returns an empty in-memory vector store.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]map[string]Point)}
}

// SetDown simulates the vector store being unreachable, for VECTOR_DOWN tests.
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

func (m *Memory) EnsureCollection(_ context.Context, containerID string, modality domain.Modality, _ int) (string, error) {
	name := CollectionName(containerID, modality)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return "", domain.ErrVectorDown
	}
	if m.collections[name] == nil {
		m.collections[name] = make(map[string]Point)
	}
	return name, nil
}

func (m *Memory) Upsert(_ context.Context, collection string, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return domain.ErrVectorDown
	}
	if m.collections[collection] == nil {
		m.collections[collection] = make(map[string]Point)
	}
	for _, p := range points {
		m.collections[collection][p.ChunkID] = p
	}
	return nil
}

func (m *Memory) Search(_ context.Context, collection string, q []float32, k int, filter map[string]string) ([]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, domain.ErrVectorDown
	}
	if k <= 0 {
		k = 10
	}
	var out []Result
	for _, p := range m.collections[collection] {
		if !matchFilter(p.Metadata, filter) {
			continue
		}
		out = append(out, Result{ChunkID: p.ChunkID, Score: cosine(q, p.Vector), Metadata: p.Metadata})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, collection string, chunkIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return domain.ErrVectorDown
	}
	for _, id := range chunkIDs {
		delete(m.collections[collection], id)
	}
	return nil
}

func (m *Memory) Close() error { return nil }

func matchFilter(meta map[string]string, filter map[string]string) bool {
	for k, v := range filter {
		if meta[k] != v {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
