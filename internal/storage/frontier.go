package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/veritail/veritail/internal/ident"
	"github.com/veritail/veritail/internal/model"
)

// AddTask enqueues a frontier task. If the job already holds a pending or
// processing task with the same value, the insert is a no-op and the
// returned bool is false. Terminal rows never block re-enqueueing.
func (db *DB) AddTask(ctx context.Context, task model.Task) (bool, error) {
	if task.ID == uuid.Nil {
		task.ID = ident.NewID()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = db.clock.Now()
	}
	metaJSON, err := json.Marshal(task.Meta)
	if err != nil {
		return false, fmt.Errorf("storage: marshal task meta: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO frontier (id, job_id, type, value, priority, depth, state, attempts, meta, enqueued_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, $7, $8)
		 ON CONFLICT (job_id, value) WHERE state IN ('pending', 'processing') DO NOTHING`,
		task.ID, task.JobID, string(task.Type), task.Value, task.Priority, task.Depth,
		metaJSON, task.EnqueuedAt,
	)
	if err != nil {
		return false, fmt.Errorf("storage: add task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// NextBatch atomically selects up to n pending tasks in (priority desc,
// enqueued_at asc) order, marks them processing, and grants each a lease.
// Concurrent callers skip rows locked by one another instead of blocking.
func (db *DB) NextBatch(ctx context.Context, jobID uuid.UUID, n int, lease time.Duration) ([]model.Task, error) {
	if n <= 0 {
		return nil, nil
	}
	leaseExpiry := db.clock.Now().Add(lease)

	rows, err := db.pool.Query(ctx,
		`WITH picked AS (
		     SELECT id FROM frontier
		     WHERE job_id = $1 AND state = 'pending'
		     ORDER BY priority DESC, enqueued_at ASC
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED
		 )
		 UPDATE frontier f
		 SET state = 'processing', lease_expires_at = $3
		 FROM picked
		 WHERE f.id = picked.id
		 RETURNING f.id, f.job_id, f.type, f.value, f.priority, f.depth, f.state,
		           f.attempts, f.lease_expires_at, f.meta, f.enqueued_at`,
		jobID, n, leaseExpiry)
	if err != nil {
		return nil, fmt.Errorf("storage: next batch: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: next batch rows: %w", err)
	}

	// UPDATE ... RETURNING does not preserve the selection order.
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].EnqueuedAt.Before(tasks[j].EnqueuedAt)
	})
	return tasks, nil
}

// CompleteTask transitions a processing task to completed or failed.
// Tasks whose lease already expired (and were reaped back to pending) are
// left untouched; their next attempt will re-run.
func (db *DB) CompleteTask(ctx context.Context, taskID uuid.UUID, outcome model.TaskState) error {
	if outcome != model.TaskCompleted && outcome != model.TaskFailed {
		return fmt.Errorf("storage: complete task: invalid outcome %q", outcome)
	}
	if _, err := db.pool.Exec(ctx,
		`UPDATE frontier SET state = $2, lease_expires_at = NULL
		 WHERE id = $1 AND state = 'processing'`,
		taskID, string(outcome)); err != nil {
		return fmt.Errorf("storage: complete task: %w", err)
	}
	return nil
}

// Stats summarizes a job's frontier by state.
func (db *DB) Stats(ctx context.Context, jobID uuid.UUID) (model.FrontierStats, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT state, count(*) FROM frontier WHERE job_id = $1 GROUP BY state`, jobID)
	if err != nil {
		return model.FrontierStats{}, fmt.Errorf("storage: frontier stats: %w", err)
	}
	defer rows.Close()

	var stats model.FrontierStats
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return model.FrontierStats{}, fmt.Errorf("storage: scan frontier stats: %w", err)
		}
		switch model.TaskState(state) {
		case model.TaskPending:
			stats.Pending = n
		case model.TaskProcessing:
			stats.Processing = n
		case model.TaskCompleted:
			stats.Completed = n
		case model.TaskFailed:
			stats.Failed = n
		}
	}
	return stats, rows.Err()
}

// ReapExpiredLeases returns expired processing tasks to pending with their
// attempt count incremented, then fails any task that has exhausted
// maxAttempts. Returns how many leases were reaped.
func (db *DB) ReapExpiredLeases(ctx context.Context, jobID uuid.UUID, maxAttempts int) (int, error) {
	now := db.clock.Now()

	tag, err := db.pool.Exec(ctx,
		`UPDATE frontier
		 SET state = 'pending', attempts = attempts + 1, lease_expires_at = NULL
		 WHERE job_id = $1 AND state = 'processing' AND lease_expires_at < $2`,
		jobID, now)
	if err != nil {
		return 0, fmt.Errorf("storage: reap leases: %w", err)
	}

	if _, err := db.pool.Exec(ctx,
		`UPDATE frontier SET state = 'failed'
		 WHERE job_id = $1 AND state = 'pending' AND attempts >= $2`,
		jobID, maxAttempts); err != nil {
		return 0, fmt.Errorf("storage: fail exhausted tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ReleaseTask hands a processing task straight back to the frontier with its
// attempt count incremented, failing it when maxAttempts is spent. Callers use
// it when they know the work will not finish under the current lease, so the
// task never sits leased waiting for expiry. Tasks that are not processing are
// left untouched and report an empty state.
func (db *DB) ReleaseTask(ctx context.Context, taskID uuid.UUID, maxAttempts int) (model.TaskState, error) {
	var state string
	err := db.pool.QueryRow(ctx,
		`UPDATE frontier
		 SET state = CASE WHEN attempts + 1 >= $2 THEN 'failed' ELSE 'pending' END,
		     attempts = attempts + 1,
		     lease_expires_at = NULL
		 WHERE id = $1 AND state = 'processing'
		 RETURNING state`,
		taskID, maxAttempts).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage: release task: %w", err)
	}
	return model.TaskState(state), nil
}

// GetTask loads one frontier task by id.
func (db *DB) GetTask(ctx context.Context, taskID uuid.UUID) (model.Task, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, job_id, type, value, priority, depth, state, attempts, lease_expires_at, meta, enqueued_at
		 FROM frontier WHERE id = $1`, taskID)
	return scanTask(row)
}

func scanTask(row pgx.Row) (model.Task, error) {
	var (
		task     model.Task
		typ      string
		state    string
		metaJSON []byte
	)
	err := row.Scan(&task.ID, &task.JobID, &typ, &task.Value, &task.Priority, &task.Depth,
		&state, &task.Attempts, &task.LeaseExpiresAt, &metaJSON, &task.EnqueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, ErrNotFound
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("storage: scan task: %w", err)
	}
	task.Type = model.StrategyType(typ)
	task.State = model.TaskState(state)
	if err := json.Unmarshal(metaJSON, &task.Meta); err != nil {
		return model.Task{}, fmt.Errorf("storage: decode task meta: %w", err)
	}
	return task, nil
}
