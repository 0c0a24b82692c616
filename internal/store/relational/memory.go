package relational

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/localcontainers/containerd/internal/domain"
)

// Memory is an in-process Store used by ingestion/retrieval unit tests so
// they never dial a real Postgres instance.
type Memory struct {
	mu         sync.Mutex
	containers map[string]domain.Container
	slugs      map[string]string // slug -> id
	documents  map[string]domain.Document
	docByHash  map[string]string // containerID|hash -> docID
	chunks     map[string]domain.Chunk
	cache      map[string]domain.EmbeddingCacheEntry
	jobs       map[string]domain.Job
	down       bool
}

// NewMemory returns an empty in-memory relational store.
func NewMemory() *Memory {
	return &Memory{
		containers: make(map[string]domain.Container),
		slugs:      make(map[string]string),
		documents:  make(map[string]domain.Document),
		docByHash:  make(map[string]string),
		chunks:     make(map[string]domain.Chunk),
		cache:      make(map[string]domain.EmbeddingCacheEntry),
		jobs:       make(map[string]domain.Job),
	}
}

// SetDown simulates the relational store being unreachable.
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

func (m *Memory) checkDown() error {
	if m.down {
		return domain.ErrStoreUnavailable
	}
	return nil
}

func (m *Memory) GetContainer(_ context.Context, idOrSlug string) (domain.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDown(); err != nil {
		return domain.Container{}, err
	}
	if c, ok := m.containers[idOrSlug]; ok {
		return c, nil
	}
	if id, ok := m.slugs[idOrSlug]; ok {
		return m.containers[id], nil
	}
	return domain.Container{}, domain.ErrContainerNotFound
}

func (m *Memory) CreateContainer(_ context.Context, c domain.Container) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDown(); err != nil {
		return err
	}
	m.containers[c.ID] = c
	m.slugs[c.Slug] = c.ID
	return nil
}

func (m *Memory) ListContainers(_ context.Context) ([]domain.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDown(); err != nil {
		return nil, err
	}
	out := make([]domain.Container, 0, len(m.containers))
	for _, c := range m.containers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) InsertDocument(_ context.Context, doc domain.Document) (domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDown(); err != nil {
		return domain.Document{}, err
	}
	key := doc.ContainerID + "|" + doc.Hash
	if existingID, ok := m.docByHash[key]; ok {
		return m.documents[existingID], domain.ErrDuplicateSource
	}
	m.documents[doc.ID] = doc
	m.docByHash[key] = doc.ID
	return doc, nil
}

func (m *Memory) GetDocument(_ context.Context, id string) (domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDown(); err != nil {
		return domain.Document{}, err
	}
	d, ok := m.documents[id]
	if !ok {
		return domain.Document{}, domain.ErrDocumentNotFound
	}
	return d, nil
}

func (m *Memory) ListDocuments(_ context.Context, containerID string) ([]domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDown(); err != nil {
		return nil, err
	}
	var out []domain.Document
	for _, d := range m.documents {
		if d.ContainerID == containerID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetChunksByIDs(_ context.Context, ids []string) ([]domain.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDown(); err != nil {
		return nil, err
	}
	out := make([]domain.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.chunks[id]; ok && !c.Deleted {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) InsertChunks(_ context.Context, chunks []domain.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDown(); err != nil {
		return err
	}
	for _, c := range chunks {
		m.chunks[c.ID] = c
	}
	return nil
}

func (m *Memory) DeleteChunks(_ context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.chunks {
		if c.DocID == docID {
			delete(m.chunks, id)
		}
	}
	return nil
}

func (m *Memory) SoftDeleteChunks(_ context.Context, chunkIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range chunkIDs {
		if c, ok := m.chunks[id]; ok {
			c.Deleted = true
			m.chunks[id] = c
		}
	}
	return nil
}

func (m *Memory) MarkNeedsReconcile(_ context.Context, chunkIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range chunkIDs {
		if c, ok := m.chunks[id]; ok {
			c.NeedsReconcile = true
			m.chunks[id] = c
		}
	}
	return nil
}

func (m *Memory) ChunksNeedingReconcile(_ context.Context, limit int) ([]domain.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []domain.Chunk
	for _, c := range m.chunks {
		if c.NeedsReconcile && !c.Deleted {
			out = append(out, c)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) BM25Search(_ context.Context, containerID, query string, k int, filters map[string]string) ([]BM25Hit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDown(); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 10
	}
	terms := strings.Fields(strings.ToLower(query))
	var hits []BM25Hit
	for _, c := range m.chunks {
		if c.ContainerID != containerID || c.Deleted {
			continue
		}
		if !matchMeta(c.Meta, filters) {
			continue
		}
		lower := strings.ToLower(c.Text)
		var score float64
		for _, t := range terms {
			score += float64(strings.Count(lower, t))
		}
		if score == 0 {
			continue
		}
		hits = append(hits, BM25Hit{ChunkID: c.ID, Score: score, Snippet: snippetOf(c.Text), Text: c.Text})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func matchMeta(meta map[string]any, filters map[string]string) bool {
	for k, v := range filters {
		if fmt.Sprintf("%v", meta[k]) != v {
			return false
		}
	}
	return true
}

func snippetOf(text string) string {
	if len(text) <= 320 {
		return text
	}
	return text[:320]
}

func (m *Memory) UpsertEmbeddingCache(_ context.Context, e domain.EmbeddingCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[e.Key] = e
	return nil
}

func (m *Memory) ReadEmbeddingCache(_ context.Context, key string) (domain.EmbeddingCacheEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[key]
	return e, ok, nil
}

func (m *Memory) EnqueueJob(_ context.Context, job domain.Job) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = domain.JobQueued
	m.jobs[job.ID] = job
	return job, nil
}

func (m *Memory) ClaimJob(_ context.Context, workerID string, visibilityTimeout time.Duration) (domain.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []domain.Job
	for _, j := range m.jobs {
		if j.Status == domain.JobQueued {
			candidates = append(candidates, j)
			continue
		}
		if j.Status == domain.JobRunning && time.Since(j.LastHeartbeat) > visibilityTimeout {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return domain.Job{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	claimed := candidates[0]
	if claimed.Status == domain.JobRunning {
		claimed.Retries++
	}
	claimed.Status = domain.JobRunning
	claimed.WorkerID = workerID
	claimed.LastHeartbeat = time.Now()
	m.jobs[claimed.ID] = claimed
	return claimed, true, nil
}

func (m *Memory) HeartbeatJob(_ context.Context, jobID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.WorkerID != workerID || j.Status != domain.JobRunning {
		return nil
	}
	j.LastHeartbeat = time.Now()
	m.jobs[jobID] = j
	return nil
}

func (m *Memory) CompleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	j.Status = domain.JobDone
	m.jobs[jobID] = j
	return nil
}

func (m *Memory) FailJob(_ context.Context, jobID, errMsg string, requeue bool, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	j.Error = errMsg
	if requeue {
		j.Status = domain.JobQueued
		j.Retries++
	} else {
		j.Status = domain.JobFailed
	}
	m.jobs[jobID] = j
	return nil
}

func (m *Memory) GetJob(_ context.Context, jobID string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return j, nil
}

func (m *Memory) ReapExpired(_ context.Context, visibilityTimeout time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, j := range m.jobs {
		if j.Status == domain.JobRunning && time.Since(j.LastHeartbeat) > visibilityTimeout {
			j.Status = domain.JobQueued
			j.Retries++
			m.jobs[id] = j
			n++
		}
	}
	return n, nil
}
