package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/veritail/veritail/internal/ident"
	"github.com/veritail/veritail/internal/model"
)

// InsertClaimsBatch inserts claims atomically: either every row lands or
// none do. Re-inserting an existing (source_doc_id, field, value) combination
// is a no-op, which makes extraction replays idempotent.
func (db *DB) InsertClaimsBatch(ctx context.Context, claims []model.Claim) error {
	if len(claims) == 0 {
		return nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin claims batch: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	batch := &pgx.Batch{}
	now := db.clock.Now()
	for _, c := range claims {
		id := c.ID
		if id == uuid.Nil {
			id = ident.NewID()
		}
		extractedAt := c.ExtractedAt
		if extractedAt.IsZero() {
			extractedAt = now
		}
		batch.Queue(
			`INSERT INTO claims (id, item_id, source_doc_id, field, value, confidence, extracted_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (source_doc_id, field, value) DO NOTHING`,
			id, c.ItemID, c.SourceDocID, c.Field, c.Value, c.Confidence, extractedAt,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for range claims {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("storage: insert claims batch: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("storage: close claims batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit claims batch: %w", err)
	}
	return nil
}

// ClaimsForItem returns all claims recorded for an item, joined with the
// provenance (URL, domain, fetch time) of their source documents.
func (db *DB) ClaimsForItem(ctx context.Context, itemID uuid.UUID) ([]model.SourcedClaim, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT c.id, c.item_id, c.source_doc_id, c.field, c.value, c.confidence, c.extracted_at,
		        d.url, d.domain, d.fetched_at,
		        COALESCE((d.metadata->>'fallback')::boolean, FALSE)
		 FROM claims c
		 JOIN source_documents d ON d.id = c.source_doc_id
		 WHERE c.item_id = $1
		 ORDER BY c.extracted_at, c.id`, itemID)
	if err != nil {
		return nil, fmt.Errorf("storage: claims for item: %w", err)
	}
	defer rows.Close()

	var claims []model.SourcedClaim
	for rows.Next() {
		var c model.SourcedClaim
		if err := rows.Scan(&c.ID, &c.ItemID, &c.SourceDocID, &c.Field, &c.Value, &c.Confidence,
			&c.ExtractedAt, &c.SourceURL, &c.SourceDomain, &c.FetchedAt, &c.Fallback); err != nil {
			return nil, fmt.Errorf("storage: scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// ClaimsForFields is ClaimsForItem restricted to a field set; used when
// re-resolving only the fields touched by a repair pass.
func (db *DB) ClaimsForFields(ctx context.Context, itemID uuid.UUID, fields []string) ([]model.SourcedClaim, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT c.id, c.item_id, c.source_doc_id, c.field, c.value, c.confidence, c.extracted_at,
		        d.url, d.domain, d.fetched_at,
		        COALESCE((d.metadata->>'fallback')::boolean, FALSE)
		 FROM claims c
		 JOIN source_documents d ON d.id = c.source_doc_id
		 WHERE c.item_id = $1 AND c.field = ANY($2)
		 ORDER BY c.extracted_at, c.id`, itemID, fields)
	if err != nil {
		return nil, fmt.Errorf("storage: claims for fields: %w", err)
	}
	defer rows.Close()

	var claims []model.SourcedClaim
	for rows.Next() {
		var c model.SourcedClaim
		if err := rows.Scan(&c.ID, &c.ItemID, &c.SourceDocID, &c.Field, &c.Value, &c.Confidence,
			&c.ExtractedAt, &c.SourceURL, &c.SourceDomain, &c.FetchedAt, &c.Fallback); err != nil {
			return nil, fmt.Errorf("storage: scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}
