package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of a frontier task.
// A processing task holds a lease; on expiry it returns to pending with
// attempts incremented. Completed and failed are terminal.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskProcessing TaskState = "processing"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
)

// TaskMeta carries strategy context along with a frontier task.
type TaskMeta struct {
	Strategy       string         `json:"strategy,omitempty"`
	TargetDomain   string         `json:"target_domain,omitempty"`
	Schema         map[string]any `json:"schema,omitempty"`
	DiscoveredFrom string         `json:"discovered_from,omitempty"`
	Repair         bool           `json:"repair,omitempty"`
	RepairField    string         `json:"repair_field,omitempty"`
	Expand         bool           `json:"expand,omitempty"`
}

// Task is one unit of frontier work: a query to run, a URL to fetch,
// or a domain to crawl or map.
type Task struct {
	ID             uuid.UUID    `json:"id"`
	JobID          uuid.UUID    `json:"job_id"`
	Type           StrategyType `json:"type"`
	Value          string       `json:"value"`
	Priority       int          `json:"priority"`
	Depth          int          `json:"depth"`
	State          TaskState    `json:"state"`
	Attempts       int          `json:"attempts"`
	LeaseExpiresAt *time.Time   `json:"lease_expires_at,omitempty"`
	Meta           TaskMeta     `json:"meta"`
	EnqueuedAt     time.Time    `json:"enqueued_at"`
}

// FrontierStats summarizes a job's frontier by task state.
type FrontierStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Expansion is follow-up work discovered while executing a task.
// The scheduler enqueues expansions at reduced priority and increased depth.
type Expansion struct {
	Type  StrategyType `json:"type"`
	Value string       `json:"value"`
	Meta  TaskMeta     `json:"meta"`
}
