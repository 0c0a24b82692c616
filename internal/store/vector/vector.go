// Package vector adapts Qdrant to the per-(container,modality) HNSW
// collection contract.
package vector

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/localcontainers/containerd/internal/config"
	"github.com/localcontainers/containerd/internal/domain"
)

// payloadIDField stores a chunk's real id when it had to be mapped to a
// synthetic UUID point id, mirroring Qdrant's UUID-or-integer-only point ids.
const payloadIDField = "_original_id"

// Point is one vector + mirrored chunk payload to upsert.
type Point struct {
	ChunkID  string
	Vector   []float32
	Metadata map[string]string
}

// Result is a single hit from a similarity search, chunk id plus score.
type Result struct {
	ChunkID  string
	Score    float64
	Metadata map[string]string
}

// Store is the vector-store contract used by the retrieval/ingestion cores.
type Store interface {
	EnsureCollection(ctx context.Context, containerID string, modality domain.Modality, dims int) (string, error)
	Upsert(ctx context.Context, collection string, points []Point) error
	Search(ctx context.Context, collection string, q []float32, k int, filter map[string]string) ([]Result, error)
	Delete(ctx context.Context, collection string, chunkIDs []string) error
	Close() error
}

// CollectionName returns the conventioned collection name c_<container_id>_<modality>.
func CollectionName(containerID string, modality domain.Modality) string {
	return fmt.Sprintf("c_%s_%s", containerID, modality)
}

type qdrantStore struct {
	client *qdrant.Client
	hnsw   config.HNSWConfig
	metric string
}

// New constructs a Store backed by a Qdrant gRPC client. The DSN may carry
// an "api_key" query parameter, e.g. "http://localhost:6334?api_key=...".
func New(dsn string, cfg config.VectorStoreConfig) (Store, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse vector store dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	portStr := parsed.Port()
	if portStr == "" {
		portStr = "6334"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in vector store dsn: %w", err)
	}
	qc := &qdrant.Config{Host: host, Port: port}
	if parsed.Scheme == "https" {
		qc.UseTLS = true
	}
	if key := parsed.Query().Get("api_key"); key != "" {
		qc.APIKey = key
	}
	client, err := qdrant.NewClient(qc)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &qdrantStore{client: client, hnsw: cfg.HNSW, metric: strings.ToLower(strings.TrimSpace(cfg.Metric))}, nil
}

func (s *qdrantStore) EnsureCollection(ctx context.Context, containerID string, modality domain.Modality, dims int) (string, error) {
	name := CollectionName(containerID, modality)
	if dims <= 0 {
		return "", fmt.Errorf("vector store requires dims > 0")
	}
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return "", fmt.Errorf("%w: check collection exists: %v", domain.ErrVectorDown, err)
	}
	if exists {
		return name, nil
	}
	var distance qdrant.Distance
	switch s.metric {
	case "l2", "euclidean":
		distance = qdrant.Distance_Euclid
	case "ip", "dot":
		distance = qdrant.Distance_Dot
	case "manhattan":
		distance = qdrant.Distance_Manhattan
	default:
		distance = qdrant.Distance_Cosine
	}
	m := uint64(s.hnsw.M)
	efConstruct := uint64(s.hnsw.EFConstruct)
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dims),
			Distance: distance,
			HnswConfig: &qdrant.HnswConfigDiff{
				M:           &m,
				EfConstruct: &efConstruct,
			},
		}),
	})
	if err != nil {
		return "", fmt.Errorf("%w: create collection: %v", domain.ErrVectorDown, err)
	}
	return name, nil
}

// pointID maps an arbitrary chunk id to a Qdrant-legal point id (UUID or
// uint64), deriving a deterministic UUID when the chunk id is not already one.
func pointID(chunkID string) (string, bool) {
	if _, err := uuid.Parse(chunkID); err == nil {
		return chunkID, false
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String(), true
}

func (s *qdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	pts := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		uid, derived := pointID(p.ChunkID)
		payload := make(map[string]any, len(p.Metadata)+1)
		for k, v := range p.Metadata {
			payload[k] = v
		}
		if derived {
			payload[payloadIDField] = p.ChunkID
		}
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		pts = append(pts, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(uid),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payload),
		})
	}
	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: collection, Points: pts}); err != nil {
		return fmt.Errorf("%w: upsert: %v", domain.ErrVectorDown, err)
	}
	return nil
}

func (s *qdrantStore) Search(ctx context.Context, collection string, q []float32, k int, filter map[string]string) ([]Result, error) {
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(q))
	copy(vec, q)
	var qf *qdrant.Filter
	if len(filter) > 0 {
		must := make([]*qdrant.Condition, 0, len(filter))
		for fk, fv := range filter {
			must = append(must, qdrant.NewMatch(fk, fv))
		}
		qf = &qdrant.Filter{Must: must}
	}
	limit := uint64(k)
	hits, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         qf,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", domain.ErrVectorDown, err)
	}
	out := make([]Result, 0, len(hits))
	for _, hit := range hits {
		uid := hit.Id.GetUuid()
		if uid == "" {
			uid = hit.Id.String()
		}
		meta := make(map[string]string)
		original := ""
		if hit.Payload != nil {
			for k, v := range hit.Payload {
				if k == payloadIDField {
					original = v.GetStringValue()
					continue
				}
				meta[k] = v.GetStringValue()
			}
		}
		id := original
		if id == "" {
			id = uid
		}
		out = append(out, Result{ChunkID: id, Score: float64(hit.Score), Metadata: meta})
	}
	return out, nil
}

func (s *qdrantStore) Delete(ctx context.Context, collection string, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	ids := make([]*qdrant.PointId, 0, len(chunkIDs))
	for _, c := range chunkIDs {
		uid, _ := pointID(c)
		ids = append(ids, qdrant.NewIDUUID(uid))
	}
	if _, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(ids...),
	}); err != nil {
		return fmt.Errorf("%w: delete: %v", domain.ErrVectorDown, err)
	}
	return nil
}

func (s *qdrantStore) Close() error {
	return s.client.Close()
}
