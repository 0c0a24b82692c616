package relational

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/localcontainers/containerd/internal/domain"
)

type postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres bootstraps the schema (idempotently) and returns a Store.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (Store, error) {
	p := &postgres{pool: pool}
	if err := p.bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return p, nil
}

// OpenPool opens a connection pool against dsn with conservative bounds and
// verifies connectivity with a short-lived ping before returning.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse relational dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MinConns = 0
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create relational pool: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping relational store: %w", err)
	}
	return pool, nil
}

func (p *postgres) bootstrap(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS pg_trgm`,
		`CREATE TABLE IF NOT EXISTS containers (
			id TEXT PRIMARY KEY,
			slug TEXT UNIQUE NOT NULL,
			theme TEXT NOT NULL DEFAULT '',
			allowed_modalities TEXT[] NOT NULL DEFAULT '{}',
			embedder_name TEXT NOT NULL DEFAULT '',
			embedder_version TEXT NOT NULL DEFAULT '',
			dims INT NOT NULL DEFAULT 0,
			policy JSONB NOT NULL DEFAULT '{}'::jsonb,
			state TEXT NOT NULL DEFAULT 'active',
			parent_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			container_id TEXT NOT NULL,
			uri TEXT NOT NULL DEFAULT '',
			mime TEXT NOT NULL DEFAULT '',
			hash TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			size BIGINT NOT NULL DEFAULT 0,
			state TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE(container_id, hash)
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			container_id TEXT NOT NULL,
			doc_id TEXT NOT NULL,
			modality TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			token_start INT NOT NULL DEFAULT 0,
			token_end INT NOT NULL DEFAULT 0,
			provenance JSONB NOT NULL DEFAULT '{}'::jsonb,
			meta JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding_version TEXT NOT NULL DEFAULT '',
			dedup_of TEXT NOT NULL DEFAULT '',
			needs_reconcile BOOLEAN NOT NULL DEFAULT false,
			deleted BOOLEAN NOT NULL DEFAULT false,
			ingested_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ts tsvector GENERATED ALWAYS AS (to_tsvector('simple', coalesce(text,''))) STORED
		)`,
		`CREATE INDEX IF NOT EXISTS chunks_ts_idx ON chunks USING GIN (ts)`,
		`CREATE INDEX IF NOT EXISTS chunks_container_idx ON chunks (container_id, modality)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			container_id TEXT NOT NULL DEFAULT '',
			payload JSONB NOT NULL DEFAULT '{}'::jsonb,
			retries INT NOT NULL DEFAULT 0,
			worker_id TEXT NOT NULL DEFAULT '',
			last_heartbeat TIMESTAMPTZ,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			run_after TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs (status, run_after, created_at)`,
		`CREATE TABLE IF NOT EXISTS embedding_cache (
			key TEXT PRIMARY KEY,
			vector JSONB NOT NULL,
			last_used_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, s := range stmts {
		if _, err := p.pool.Exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}

// --- containers ---

func (p *postgres) GetContainer(ctx context.Context, idOrSlug string) (domain.Container, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, slug, theme, allowed_modalities, embedder_name, embedder_version, dims, policy, state, parent_id, created_at
FROM containers WHERE id = $1 OR slug = $1`, idOrSlug)
	var c domain.Container
	var modalities []string
	var policyJSON []byte
	if err := row.Scan(&c.ID, &c.Slug, &c.Theme, &modalities, &c.EmbedderName, &c.EmbedderVersion, &c.Dims, &policyJSON, &c.State, &c.ParentID, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Container{}, domain.ErrContainerNotFound
		}
		return domain.Container{}, wrapStoreErr(err)
	}
	c.AllowedModalities = map[domain.Modality]bool{}
	for _, m := range modalities {
		c.AllowedModalities[domain.Modality(m)] = true
	}
	_ = json.Unmarshal(policyJSON, &c.Policy)
	return c, nil
}

func (p *postgres) CreateContainer(ctx context.Context, c domain.Container) error {
	modalities := make([]string, 0, len(c.AllowedModalities))
	for m, ok := range c.AllowedModalities {
		if ok {
			modalities = append(modalities, string(m))
		}
	}
	policyJSON, err := json.Marshal(c.Policy)
	if err != nil {
		return fmt.Errorf("%w: marshal policy: %v", domain.ErrInvariantViolation, err)
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO containers(id, slug, theme, allowed_modalities, embedder_name, embedder_version, dims, policy, state, parent_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET theme=EXCLUDED.theme, allowed_modalities=EXCLUDED.allowed_modalities,
  embedder_name=EXCLUDED.embedder_name, embedder_version=EXCLUDED.embedder_version, dims=EXCLUDED.dims,
  policy=EXCLUDED.policy, state=EXCLUDED.state, parent_id=EXCLUDED.parent_id`,
		c.ID, c.Slug, c.Theme, modalities, c.EmbedderName, c.EmbedderVersion, c.Dims, policyJSON, c.State, c.ParentID)
	return wrapStoreErr(err)
}

func (p *postgres) ListContainers(ctx context.Context) ([]domain.Container, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, slug, theme, allowed_modalities, embedder_name, embedder_version, dims, policy, state, parent_id, created_at
FROM containers ORDER BY created_at`)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()
	var out []domain.Container
	for rows.Next() {
		var c domain.Container
		var modalities []string
		var policyJSON []byte
		if err := rows.Scan(&c.ID, &c.Slug, &c.Theme, &modalities, &c.EmbedderName, &c.EmbedderVersion, &c.Dims, &policyJSON, &c.State, &c.ParentID, &c.CreatedAt); err != nil {
			return nil, wrapStoreErr(err)
		}
		c.AllowedModalities = map[domain.Modality]bool{}
		for _, m := range modalities {
			c.AllowedModalities[domain.Modality(m)] = true
		}
		_ = json.Unmarshal(policyJSON, &c.Policy)
		out = append(out, c)
	}
	return out, wrapStoreErr(rows.Err())
}

// --- documents ---

func (p *postgres) InsertDocument(ctx context.Context, doc domain.Document) (domain.Document, error) {
	_, err := p.pool.Exec(ctx, `
INSERT INTO documents(id, container_id, uri, mime, hash, title, size, state)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		doc.ID, doc.ContainerID, doc.URI, doc.MIME, doc.Hash, doc.Title, doc.Size, doc.State)
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := p.documentByHash(ctx, doc.ContainerID, doc.Hash)
			if lookupErr != nil {
				return domain.Document{}, lookupErr
			}
			return existing, domain.ErrDuplicateSource
		}
		return domain.Document{}, wrapStoreErr(err)
	}
	return doc, nil
}

func (p *postgres) documentByHash(ctx context.Context, containerID, hash string) (domain.Document, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, container_id, uri, mime, hash, title, size, state, created_at
FROM documents WHERE container_id=$1 AND hash=$2`, containerID, hash)
	var d domain.Document
	if err := row.Scan(&d.ID, &d.ContainerID, &d.URI, &d.MIME, &d.Hash, &d.Title, &d.Size, &d.State, &d.CreatedAt); err != nil {
		return domain.Document{}, wrapStoreErr(err)
	}
	return d, nil
}

func (p *postgres) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, container_id, uri, mime, hash, title, size, state, created_at
FROM documents WHERE id=$1`, id)
	var d domain.Document
	if err := row.Scan(&d.ID, &d.ContainerID, &d.URI, &d.MIME, &d.Hash, &d.Title, &d.Size, &d.State, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Document{}, domain.ErrDocumentNotFound
		}
		return domain.Document{}, wrapStoreErr(err)
	}
	return d, nil
}

func (p *postgres) ListDocuments(ctx context.Context, containerID string) ([]domain.Document, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, container_id, uri, mime, hash, title, size, state, created_at
FROM documents WHERE container_id=$1 ORDER BY created_at`, containerID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()
	var out []domain.Document
	for rows.Next() {
		var d domain.Document
		if err := rows.Scan(&d.ID, &d.ContainerID, &d.URI, &d.MIME, &d.Hash, &d.Title, &d.Size, &d.State, &d.CreatedAt); err != nil {
			return nil, wrapStoreErr(err)
		}
		out = append(out, d)
	}
	return out, wrapStoreErr(rows.Err())
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "duplicate key value") || strings.Contains(err.Error(), "SQLSTATE 23505")
}

// --- chunks ---

func (p *postgres) InsertChunks(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return wrapStoreErr(err)
	}
	defer tx.Rollback(ctx)

	for _, c := range chunks {
		provJSON, _ := json.Marshal(c.Provenance)
		metaJSON, _ := json.Marshal(c.Meta)
		_, err := tx.Exec(ctx, `
INSERT INTO chunks(id, container_id, doc_id, modality, text, token_start, token_end, provenance, meta, embedding_version, dedup_of, needs_reconcile, deleted, ingested_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (id) DO UPDATE SET text=EXCLUDED.text, meta=EXCLUDED.meta, needs_reconcile=EXCLUDED.needs_reconcile, dedup_of=EXCLUDED.dedup_of`,
			c.ID, c.ContainerID, c.DocID, string(c.Modality), c.Text, c.TokenStart, c.TokenEnd, provJSON, metaJSON, c.EmbeddingVer, c.DedupOf, c.NeedsReconcile, c.Deleted, c.Provenance.IngestedAt)
		if err != nil {
			return fmt.Errorf("%w: insert chunk %s: %v", domain.ErrInvariantViolation, c.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

func (p *postgres) DeleteChunks(ctx context.Context, docID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM chunks WHERE doc_id=$1`, docID)
	return wrapStoreErr(err)
}

func (p *postgres) SoftDeleteChunks(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, `UPDATE chunks SET deleted=true WHERE id = ANY($1)`, chunkIDs)
	return wrapStoreErr(err)
}

func (p *postgres) MarkNeedsReconcile(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, `UPDATE chunks SET needs_reconcile=true WHERE id = ANY($1)`, chunkIDs)
	return wrapStoreErr(err)
}

func (p *postgres) ChunksNeedingReconcile(ctx context.Context, limit int) ([]domain.Chunk, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
SELECT id, container_id, doc_id, modality, text, token_start, token_end, provenance, meta, embedding_version, dedup_of, needs_reconcile, deleted, ingested_at
FROM chunks WHERE needs_reconcile = true AND deleted = false LIMIT $1`, limit)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()
	var out []domain.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, wrapStoreErr(err)
		}
		out = append(out, c)
	}
	return out, wrapStoreErr(rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(rows rowScanner) (domain.Chunk, error) {
	var c domain.Chunk
	var modality string
	var provJSON, metaJSON []byte
	var ingestedAt time.Time
	if err := rows.Scan(&c.ID, &c.ContainerID, &c.DocID, &modality, &c.Text, &c.TokenStart, &c.TokenEnd, &provJSON, &metaJSON, &c.EmbeddingVer, &c.DedupOf, &c.NeedsReconcile, &c.Deleted, &ingestedAt); err != nil {
		return domain.Chunk{}, err
	}
	c.Modality = domain.Modality(modality)
	_ = json.Unmarshal(provJSON, &c.Provenance)
	_ = json.Unmarshal(metaJSON, &c.Meta)
	c.Provenance.IngestedAt = ingestedAt
	return c, nil
}

func (p *postgres) GetChunksByIDs(ctx context.Context, ids []string) ([]domain.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, `
SELECT id, container_id, doc_id, modality, text, token_start, token_end, provenance, meta, embedding_version, dedup_of, needs_reconcile, deleted, ingested_at
FROM chunks WHERE id = ANY($1) AND deleted = false`, ids)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()
	var out []domain.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, wrapStoreErr(err)
		}
		out = append(out, c)
	}
	return out, wrapStoreErr(rows.Err())
}

// --- BM25 search ---

func (p *postgres) BM25Search(ctx context.Context, containerID, query string, k int, filters map[string]string) ([]BM25Hit, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, nil
	}
	if k <= 0 {
		k = 10
	}
	run := func(stmt string) ([]BM25Hit, error) {
		rows, err := p.pool.Query(ctx, stmt, containerID, q, k)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		out := make([]BM25Hit, 0, k)
		for rows.Next() {
			var h BM25Hit
			var metaJSON []byte
			if err := rows.Scan(&h.ChunkID, &h.Score, &h.Snippet, &h.Text, &metaJSON); err != nil {
				return nil, err
			}
			var meta map[string]string
			_ = json.Unmarshal(metaJSON, &meta)
			h.Meta = meta
			out = append(out, h)
		}
		return out, rows.Err()
	}

	websearchStmt := `
SELECT id, ts_rank(ts, websearch_to_tsquery('simple', $2)) AS score,
       ts_headline('simple', text, websearch_to_tsquery('simple', $2)) AS snippet,
       text, meta::text::jsonb
FROM chunks
WHERE container_id = $1 AND deleted = false
  AND ts @@ websearch_to_tsquery('simple', $2)
ORDER BY score DESC, id ASC
LIMIT $3`
	hits, err := run(websearchStmt)
	if err == nil {
		return hits, nil
	}
	plainStmt := `
SELECT id, ts_rank(ts, plainto_tsquery('simple', $2)) AS score,
       left(text, 320) AS snippet,
       text, meta::text::jsonb
FROM chunks
WHERE container_id = $1 AND deleted = false
  AND ts @@ plainto_tsquery('simple', $2)
ORDER BY score DESC, id ASC
LIMIT $3`
	hits, err = run(plainStmt)
	return hits, wrapStoreErr(err)
}

// --- embedding cache ---

func (p *postgres) UpsertEmbeddingCache(ctx context.Context, e domain.EmbeddingCacheEntry) error {
	vecJSON, err := json.Marshal(e.Vector)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO embedding_cache(key, vector, last_used_at) VALUES ($1,$2,$3)
ON CONFLICT (key) DO UPDATE SET vector=EXCLUDED.vector, last_used_at=EXCLUDED.last_used_at`,
		e.Key, vecJSON, e.LastUsedAt)
	return wrapStoreErr(err)
}

func (p *postgres) ReadEmbeddingCache(ctx context.Context, key string) (domain.EmbeddingCacheEntry, bool, error) {
	row := p.pool.QueryRow(ctx, `SELECT key, vector, last_used_at FROM embedding_cache WHERE key=$1`, key)
	var e domain.EmbeddingCacheEntry
	var vecJSON []byte
	if err := row.Scan(&e.Key, &vecJSON, &e.LastUsedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.EmbeddingCacheEntry{}, false, nil
		}
		return domain.EmbeddingCacheEntry{}, false, wrapStoreErr(err)
	}
	_ = json.Unmarshal(vecJSON, &e.Vector)
	return e, true, nil
}

// --- jobs ---

func (p *postgres) EnqueueJob(ctx context.Context, job domain.Job) (domain.Job, error) {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return domain.Job{}, err
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO jobs(id, kind, status, container_id, payload, retries)
VALUES ($1,$2,'queued',$3,$4,0)`, job.ID, string(job.Kind), job.ContainerID, payloadJSON)
	if err != nil {
		return domain.Job{}, wrapStoreErr(err)
	}
	job.Status = domain.JobQueued
	return job, nil
}

// ClaimJob implements the cooperative claim: oldest ready queued row, or
// oldest running row whose heartbeat expired, locked with
// FOR UPDATE SKIP LOCKED so concurrent claimers never collide.
func (p *postgres) ClaimJob(ctx context.Context, workerID string, visibilityTimeout time.Duration) (domain.Job, bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return domain.Job{}, false, wrapStoreErr(err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
SELECT id, kind, status, container_id, payload, retries, worker_id, last_heartbeat, error, created_at, updated_at
FROM jobs
WHERE (status = 'queued' AND run_after <= now())
   OR (status = 'running' AND last_heartbeat < now() - $1::interval)
ORDER BY created_at ASC
FOR UPDATE SKIP LOCKED
LIMIT 1`, visibilityTimeout.String())
	var j domain.Job
	var kind, status string
	var payloadJSON []byte
	var lastHeartbeat *time.Time
	if err := row.Scan(&j.ID, &kind, &status, &j.ContainerID, &payloadJSON, &j.Retries, &j.WorkerID, &lastHeartbeat, &j.Error, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, wrapStoreErr(err)
	}
	requeued := status == "running"
	retries := j.Retries
	if requeued {
		retries++
	}
	_, err = tx.Exec(ctx, `
UPDATE jobs SET status='running', worker_id=$1, last_heartbeat=now(), retries=$2, updated_at=now() WHERE id=$3`,
		workerID, retries, j.ID)
	if err != nil {
		return domain.Job{}, false, wrapStoreErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, false, wrapStoreErr(err)
	}
	j.Kind = domain.JobKind(kind)
	j.Status = domain.JobRunning
	j.WorkerID = workerID
	j.Retries = retries
	_ = json.Unmarshal(payloadJSON, &j.Payload)
	return j, true, nil
}

func (p *postgres) HeartbeatJob(ctx context.Context, jobID, workerID string) error {
	_, err := p.pool.Exec(ctx, `
UPDATE jobs SET last_heartbeat=now(), updated_at=now() WHERE id=$1 AND worker_id=$2 AND status='running'`, jobID, workerID)
	return wrapStoreErr(err)
}

func (p *postgres) CompleteJob(ctx context.Context, jobID string) error {
	_, err := p.pool.Exec(ctx, `UPDATE jobs SET status='done', updated_at=now() WHERE id=$1`, jobID)
	return wrapStoreErr(err)
}

func (p *postgres) FailJob(ctx context.Context, jobID, errMsg string, requeue bool, retryDelay time.Duration) error {
	if requeue {
		_, err := p.pool.Exec(ctx, `
UPDATE jobs SET status='queued', error=$2, retries=retries + 1, run_after=now() + $3::interval, updated_at=now() WHERE id=$1`,
			jobID, errMsg, retryDelay.String())
		return wrapStoreErr(err)
	}
	_, err := p.pool.Exec(ctx, `UPDATE jobs SET status='failed', error=$2, updated_at=now() WHERE id=$1`, jobID, errMsg)
	return wrapStoreErr(err)
}

func (p *postgres) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, kind, status, container_id, payload, retries, worker_id, last_heartbeat, error, created_at, updated_at
FROM jobs WHERE id=$1`, jobID)
	var j domain.Job
	var kind, status string
	var payloadJSON []byte
	var lastHeartbeat *time.Time
	if err := row.Scan(&j.ID, &kind, &status, &j.ContainerID, &payloadJSON, &j.Retries, &j.WorkerID, &lastHeartbeat, &j.Error, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, domain.ErrJobNotFound
		}
		return domain.Job{}, wrapStoreErr(err)
	}
	j.Kind = domain.JobKind(kind)
	j.Status = domain.JobStatus(status)
	if lastHeartbeat != nil {
		j.LastHeartbeat = *lastHeartbeat
	}
	_ = json.Unmarshal(payloadJSON, &j.Payload)
	return j, nil
}

func (p *postgres) ReapExpired(ctx context.Context, visibilityTimeout time.Duration) (int, error) {
	tag, err := p.pool.Exec(ctx, `
UPDATE jobs SET status='queued', retries=retries+1, updated_at=now()
WHERE status='running' AND last_heartbeat < now() - $1::interval`, visibilityTimeout.String())
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	return int(tag.RowsAffected()), nil
}
