package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// AuditEntry is an append-only record of a state change to a job or item.
type AuditEntry struct {
	TenantID   string
	EntityType string
	EntityID   string
	Action     string
	Before     any
	After      any
	Reason     string
}

// InsertAudit appends an audit event. The target table is append-only.
func (db *DB) InsertAudit(ctx context.Context, e AuditEntry) error {
	var (
		beforeJSON []byte
		afterJSON  []byte
		err        error
	)
	if e.Before != nil {
		beforeJSON, err = json.Marshal(e.Before)
		if err != nil {
			return fmt.Errorf("storage: marshal audit before: %w", err)
		}
	}
	if e.After != nil {
		afterJSON, err = json.Marshal(e.After)
		if err != nil {
			return fmt.Errorf("storage: marshal audit after: %w", err)
		}
	}

	if _, err := db.pool.Exec(ctx,
		`INSERT INTO audit_log (tenant_id, entity_type, entity_id, action, before, after, reason, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.TenantID, e.EntityType, e.EntityID, e.Action, beforeJSON, afterJSON, e.Reason, db.clock.Now(),
	); err != nil {
		return fmt.Errorf("storage: insert audit: %w", err)
	}
	return nil
}
