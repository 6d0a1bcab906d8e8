package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/veritail/veritail/internal/ident"
	"github.com/veritail/veritail/internal/model"
)

// CreateJob inserts a new job in the pending state. InputHash is derived
// from the raw input when not provided.
func (db *DB) CreateJob(ctx context.Context, job model.Job) (model.Job, error) {
	if job.ID == uuid.Nil {
		job.ID = ident.NewID()
	}
	if job.InputHash == "" {
		job.InputHash = ident.InputHash(job.InputRaw)
	}
	if job.Mode == "" {
		job.Mode = model.ModeBalanced
	}
	job.Status = model.JobPending
	now := db.clock.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	var budgetsJSON []byte
	if job.Budgets != nil {
		var err error
		budgetsJSON, err = json.Marshal(job.Budgets)
		if err != nil {
			return model.Job{}, fmt.Errorf("storage: marshal job budgets: %w", err)
		}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO jobs (id, tenant_id, input_raw, input_hash, mode, status,
		                   previous_job_id, api_keys_ref, budgets, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.TenantID, job.InputRaw, job.InputHash, string(job.Mode), string(job.Status),
		job.PreviousJobID, job.APIKeysRef, budgetsJSON, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return model.Job{}, fmt.Errorf("storage: create job: %w", err)
	}
	return job, nil
}

// GetJob loads a job by id.
func (db *DB) GetJob(ctx context.Context, jobID uuid.UUID) (model.Job, error) {
	var (
		j           model.Job
		mode        string
		status      string
		planJSON    []byte
		budgetsJSON []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, input_raw, input_hash, mode, status, plan, degraded, error, result_ref,
		        previous_job_id, api_keys_ref, budgets, created_at, updated_at
		 FROM jobs WHERE id = $1`, jobID).
		Scan(&j.ID, &j.TenantID, &j.InputRaw, &j.InputHash, &mode, &status, &planJSON,
			&j.Degraded, &j.Error, &j.ResultRef,
			&j.PreviousJobID, &j.APIKeysRef, &budgetsJSON, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Job{}, ErrNotFound
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("storage: get job: %w", err)
	}
	j.Mode = model.Mode(mode)
	j.Status = model.JobStatus(status)
	if len(planJSON) > 0 {
		var p model.Plan
		if err := json.Unmarshal(planJSON, &p); err != nil {
			return model.Job{}, fmt.Errorf("storage: decode job plan: %w", err)
		}
		j.Plan = &p
	}
	if len(budgetsJSON) > 0 {
		var b model.JobBudgets
		if err := json.Unmarshal(budgetsJSON, &b); err != nil {
			return model.Job{}, fmt.Errorf("storage: decode job budgets: %w", err)
		}
		j.Budgets = &b
	}
	return j, nil
}

// TransitionJob moves a job to a new status, enforcing the monotonic stage
// order, and appends the transition to the step log in the same transaction.
// Re-entering the current status is a no-op for the status column but still
// logged, which keeps stage handlers idempotent across crashes.
func (db *DB) TransitionJob(ctx context.Context, jobID uuid.UUID, to model.JobStatus, detail map[string]any) error {
	return WithRetry(ctx, 2, 50*time.Millisecond, func() error {
		return db.transitionJob(ctx, jobID, to, detail)
	})
}

func (db *DB) transitionJob(ctx context.Context, jobID uuid.UUID, to model.JobStatus, detail map[string]any) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin transition: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: lock job: %w", err)
	}
	if !model.CanTransition(model.JobStatus(current), to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET status = $2, updated_at = $3 WHERE id = $1`,
		jobID, string(to), db.clock.Now(),
	); err != nil {
		return fmt.Errorf("storage: update job status: %w", err)
	}

	detailJSON, err := json.Marshal(orEmpty(detail))
	if err != nil {
		return fmt.Errorf("storage: marshal step detail: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO job_steps (job_id, stage, detail, created_at) VALUES ($1, $2, $3, $4)`,
		jobID, string(to), detailJSON, db.clock.Now(),
	); err != nil {
		return fmt.Errorf("storage: append job step: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit transition: %w", err)
	}
	return nil
}

// SetJobPlan persists the immutable research plan produced by planning.
func (db *DB) SetJobPlan(ctx context.Context, jobID uuid.UUID, plan model.Plan) error {
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("storage: marshal plan: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE jobs SET plan = $2, updated_at = $3 WHERE id = $1`,
		jobID, planJSON, db.clock.Now())
	if err != nil {
		return fmt.Errorf("storage: set job plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetJobDegraded flips the job-wide credit-exhaustion flag. One-way: a job
// never leaves degraded mode.
func (db *DB) SetJobDegraded(ctx context.Context, jobID uuid.UUID) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE jobs SET degraded = TRUE, updated_at = $2 WHERE id = $1`,
		jobID, db.clock.Now()); err != nil {
		return fmt.Errorf("storage: set job degraded: %w", err)
	}
	return nil
}

// MarkJobFailed moves the job to failed and persists the error.
func (db *DB) MarkJobFailed(ctx context.Context, jobID uuid.UUID, cause string) error {
	if err := db.TransitionJob(ctx, jobID, model.JobFailed, map[string]any{"error": cause}); err != nil {
		return err
	}
	if _, err := db.pool.Exec(ctx,
		`UPDATE jobs SET error = $2, updated_at = $3 WHERE id = $1`,
		jobID, cause, db.clock.Now()); err != nil {
		return fmt.Errorf("storage: persist job error: %w", err)
	}
	return nil
}

// SetJobResultRef points the job at its finalized item.
func (db *DB) SetJobResultRef(ctx context.Context, jobID, itemID uuid.UUID) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE jobs SET result_ref = $2, updated_at = $3 WHERE id = $1`,
		jobID, itemID, db.clock.Now()); err != nil {
		return fmt.Errorf("storage: set result ref: %w", err)
	}
	return nil
}

// FindCachedJob returns the most recent finished job for the same tenant and
// normalized input, used to short-circuit duplicate submissions when
// force_refresh is false.
func (db *DB) FindCachedJob(ctx context.Context, tenantID, inputHash string) (model.Job, error) {
	var id uuid.UUID
	err := db.pool.QueryRow(ctx,
		`SELECT id FROM jobs
		 WHERE tenant_id = $1 AND input_hash = $2 AND status = 'done' AND result_ref IS NOT NULL
		 ORDER BY created_at DESC LIMIT 1`, tenantID, inputHash).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Job{}, ErrNotFound
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("storage: find cached job: %w", err)
	}
	return db.GetJob(ctx, id)
}

// ListSteps returns the append-only stage transition log for a job.
func (db *DB) ListSteps(ctx context.Context, jobID uuid.UUID) ([]model.JobStep, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, job_id, stage, detail, created_at FROM job_steps WHERE job_id = $1 ORDER BY id`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("storage: list steps: %w", err)
	}
	defer rows.Close()

	var steps []model.JobStep
	for rows.Next() {
		var s model.JobStep
		if err := rows.Scan(&s.ID, &s.JobID, &s.Stage, &s.Detail, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
