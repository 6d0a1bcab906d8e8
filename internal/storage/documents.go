package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/veritail/veritail/internal/ident"
	"github.com/veritail/veritail/internal/model"
)

// UpsertSource persists a fetched document, deduplicating within the job by
// canonical URL hash. When the row already exists the stored document is
// returned unchanged, so concurrent inserts of the same URL collapse to one
// row per job.
func (db *DB) UpsertSource(ctx context.Context, doc model.SourceDocument) (model.SourceDocument, error) {
	if doc.ID == uuid.Nil {
		doc.ID = ident.NewID()
	}
	if doc.URLHash == "" {
		doc.URLHash = ident.URLHash(doc.URL)
	}
	if doc.Domain == "" {
		doc.Domain = ident.Domain(doc.URL)
	}
	if doc.Status == "" {
		doc.Status = model.DocSuccess
	}
	if doc.FetchedAt.IsZero() {
		doc.FetchedAt = db.clock.Now()
	}
	metaJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return model.SourceDocument{}, fmt.Errorf("storage: marshal doc metadata: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO source_documents (id, job_id, url, url_hash, domain, raw_content, status, metadata, embedding, fetched_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (job_id, url_hash) DO NOTHING`,
		doc.ID, doc.JobID, doc.URL, doc.URLHash, doc.Domain, doc.RawContent,
		string(doc.Status), metaJSON, doc.Embedding, doc.FetchedAt,
	)
	if err != nil {
		return model.SourceDocument{}, fmt.Errorf("storage: upsert source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.getSourceByHash(ctx, doc.JobID, doc.URLHash)
	}
	return doc, nil
}

func (db *DB) getSourceByHash(ctx context.Context, jobID uuid.UUID, urlHash string) (model.SourceDocument, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, job_id, url, url_hash, domain, raw_content, status, metadata, fetched_at
		 FROM source_documents WHERE job_id = $1 AND url_hash = $2`, jobID, urlHash)
	return scanSource(row)
}

// GetSource loads one document by id.
func (db *DB) GetSource(ctx context.Context, docID uuid.UUID) (model.SourceDocument, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, job_id, url, url_hash, domain, raw_content, status, metadata, fetched_at
		 FROM source_documents WHERE id = $1`, docID)
	return scanSource(row)
}

// FindSourceByURL returns the freshest successfully fetched copy of a URL
// across all jobs, provided it is younger than ttl. This is the cross-job
// content cache: the executor consults it before scraping.
func (db *DB) FindSourceByURL(ctx context.Context, rawURL string, ttl time.Duration) (model.SourceDocument, error) {
	cutoff := db.clock.Now().Add(-ttl)
	row := db.pool.QueryRow(ctx,
		`SELECT id, job_id, url, url_hash, domain, raw_content, status, metadata, fetched_at
		 FROM source_documents
		 WHERE url_hash = $1 AND status = 'success' AND fetched_at > $2
		 ORDER BY fetched_at DESC LIMIT 1`,
		ident.URLHash(rawURL), cutoff)
	return scanSource(row)
}

// ListSourcesByJob returns all documents fetched for a job, oldest first.
func (db *DB) ListSourcesByJob(ctx context.Context, jobID uuid.UUID) ([]model.SourceDocument, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, job_id, url, url_hash, domain, raw_content, status, metadata, fetched_at
		 FROM source_documents WHERE job_id = $1 ORDER BY fetched_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("storage: list sources: %w", err)
	}
	defer rows.Close()

	var docs []model.SourceDocument
	for rows.Next() {
		doc, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// CountSourcesByJob returns how many documents a job has persisted.
// Used to enforce the source-document budget dimension.
func (db *DB) CountSourcesByJob(ctx context.Context, jobID uuid.UUID) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM source_documents WHERE job_id = $1`, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count sources: %w", err)
	}
	return n, nil
}

// SearchSourcesByEmbedding returns the job's documents nearest to the query
// vector. Only documents that were stored with an embedding participate.
func (db *DB) SearchSourcesByEmbedding(ctx context.Context, jobID uuid.UUID, query pgvector.Vector, limit int) ([]model.SourceDocument, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, job_id, url, url_hash, domain, raw_content, status, metadata, fetched_at
		 FROM source_documents
		 WHERE job_id = $1 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $2
		 LIMIT $3`, jobID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: search sources: %w", err)
	}
	defer rows.Close()

	var docs []model.SourceDocument
	for rows.Next() {
		doc, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func scanSource(row pgx.Row) (model.SourceDocument, error) {
	var (
		doc      model.SourceDocument
		status   string
		metaJSON []byte
	)
	err := row.Scan(&doc.ID, &doc.JobID, &doc.URL, &doc.URLHash, &doc.Domain,
		&doc.RawContent, &status, &metaJSON, &doc.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SourceDocument{}, ErrNotFound
	}
	if err != nil {
		return model.SourceDocument{}, fmt.Errorf("storage: scan source: %w", err)
	}
	doc.Status = model.DocStatus(status)
	if err := json.Unmarshal(metaJSON, &doc.Metadata); err != nil {
		return model.SourceDocument{}, fmt.Errorf("storage: decode doc metadata: %w", err)
	}
	return doc, nil
}
