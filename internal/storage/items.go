package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/veritail/veritail/internal/ident"
	"github.com/veritail/veritail/internal/model"
)

// EnsureItem returns the item bound to a job, creating an empty processing
// record if none exists yet. Safe to call from any stage.
func (db *DB) EnsureItem(ctx context.Context, jobID uuid.UUID) (model.Item, error) {
	item, err := db.GetItemByJob(ctx, jobID)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.Item{}, err
	}

	item = model.Item{
		ID:        ident.NewID(),
		JobID:     jobID,
		Data:      map[string]any{},
		Evidence:  map[string]model.FieldEvidence{},
		Status:    model.ItemProcessing,
		UpdatedAt: db.clock.Now(),
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO items (id, job_id, data, evidence, status, validation_errors, updated_at)
		 VALUES ($1, $2, '{}', '{}', $3, '[]', $4)
		 ON CONFLICT (job_id) DO NOTHING`,
		item.ID, jobID, string(item.Status), item.UpdatedAt,
	)
	if err != nil {
		return model.Item{}, fmt.Errorf("storage: ensure item: %w", err)
	}
	// A concurrent writer may have won the insert; read back the canonical row.
	return db.GetItemByJob(ctx, jobID)
}

// GetItemByJob loads the item bound to a job.
func (db *DB) GetItemByJob(ctx context.Context, jobID uuid.UUID) (model.Item, error) {
	var (
		item         model.Item
		status       string
		dataJSON     []byte
		evidenceJSON []byte
		errsJSON     []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, job_id, data, evidence, status, validation_errors, updated_at
		 FROM items WHERE job_id = $1`, jobID).
		Scan(&item.ID, &item.JobID, &dataJSON, &evidenceJSON, &status, &errsJSON, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Item{}, ErrNotFound
	}
	if err != nil {
		return model.Item{}, fmt.Errorf("storage: get item: %w", err)
	}
	item.Status = model.ItemStatus(status)
	if err := json.Unmarshal(dataJSON, &item.Data); err != nil {
		return model.Item{}, fmt.Errorf("storage: decode item data: %w", err)
	}
	if err := json.Unmarshal(evidenceJSON, &item.Evidence); err != nil {
		return model.Item{}, fmt.Errorf("storage: decode item evidence: %w", err)
	}
	if err := json.Unmarshal(errsJSON, &item.ValidationErrors); err != nil {
		return model.Item{}, fmt.Errorf("storage: decode validation errors: %w", err)
	}
	if item.Data == nil {
		item.Data = map[string]any{}
	}
	if item.Evidence == nil {
		item.Evidence = map[string]model.FieldEvidence{}
	}
	return item, nil
}

// GetItem loads an item by its own id.
func (db *DB) GetItem(ctx context.Context, itemID uuid.UUID) (model.Item, error) {
	var jobID uuid.UUID
	err := db.pool.QueryRow(ctx, `SELECT job_id FROM items WHERE id = $1`, itemID).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Item{}, ErrNotFound
	}
	if err != nil {
		return model.Item{}, fmt.Errorf("storage: get item by id: %w", err)
	}
	return db.GetItemByJob(ctx, jobID)
}

// SaveItem overwrites the item's record, evidence, status, and validation
// errors. All item mutations are serialized through the orchestrator, so a
// plain overwrite is safe.
func (db *DB) SaveItem(ctx context.Context, item model.Item) error {
	dataJSON, err := json.Marshal(item.Data)
	if err != nil {
		return fmt.Errorf("storage: marshal item data: %w", err)
	}
	evidenceJSON, err := json.Marshal(item.Evidence)
	if err != nil {
		return fmt.Errorf("storage: marshal item evidence: %w", err)
	}
	if item.ValidationErrors == nil {
		item.ValidationErrors = []string{}
	}
	errsJSON, err := json.Marshal(item.ValidationErrors)
	if err != nil {
		return fmt.Errorf("storage: marshal validation errors: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE items SET data = $2, evidence = $3, status = $4, validation_errors = $5, updated_at = $6
		 WHERE id = $1`,
		item.ID, dataJSON, evidenceJSON, string(item.Status), errsJSON, db.clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("storage: save item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
