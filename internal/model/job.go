// Package model defines the persistent entities of the research core:
// jobs, plans, frontier tasks, source documents, claims, and items.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Mode controls how much research budget a job receives.
type Mode string

const (
	ModeFast     Mode = "fast"
	ModeBalanced Mode = "balanced"
	ModeDeep     Mode = "deep"
)

// JobStatus is the persisted stage of a job. Transitions are monotonic in
// stage order; "failed" is terminal and reachable from any non-terminal state.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobPlanning   JobStatus = "planning"
	JobSearching  JobStatus = "searching"
	JobEnrichment JobStatus = "enrichment"
	JobPolish     JobStatus = "polish"
	JobGateCheck  JobStatus = "gate_check"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// stageOrder maps each non-terminal status to its position in the pipeline.
var stageOrder = map[JobStatus]int{
	JobPending:    0,
	JobPlanning:   1,
	JobSearching:  2,
	JobEnrichment: 3,
	JobPolish:     4,
	JobGateCheck:  5,
	JobDone:       6,
}

// CanTransition reports whether a job may move from one status to another.
// Forward moves and re-entry into the same stage are allowed; "failed" is
// allowed from any non-terminal state.
func CanTransition(from, to JobStatus) bool {
	if from == JobFailed || from == JobDone {
		return false
	}
	if to == JobFailed {
		return true
	}
	fo, ok1 := stageOrder[from]
	to2, ok2 := stageOrder[to]
	return ok1 && ok2 && to2 >= fo
}

// JobBudgets carries caller-supplied execution caps. They tighten the
// configured defaults, never widen them; zero values leave a default in force.
type JobBudgets struct {
	MaxQueries    int `json:"max_queries,omitempty"`
	LimitPerQuery int `json:"limit_per_query,omitempty"`
	Concurrency   int `json:"concurrency,omitempty"`
}

// Job is the unit of work for one input title.
type Job struct {
	ID        uuid.UUID  `json:"id"`
	TenantID  string     `json:"tenant_id"`
	InputRaw  string     `json:"input_raw"`
	InputHash string     `json:"input_hash"`
	Mode      Mode       `json:"mode"`
	Status    JobStatus  `json:"status"`
	Plan      *Plan      `json:"plan,omitempty"`
	Degraded  bool       `json:"degraded"`
	Error     *string    `json:"error,omitempty"`
	ResultRef *uuid.UUID `json:"result_ref,omitempty"`

	// Submission context recorded with the job: rerun lineage, an opaque
	// reference to the caller's adapter credentials, and execution caps.
	PreviousJobID *uuid.UUID  `json:"previous_job_id,omitempty"`
	APIKeysRef    string      `json:"api_keys_ref,omitempty"`
	Budgets       *JobBudgets `json:"budgets,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobStep is one entry in the append-only stage transition log.
type JobStep struct {
	ID        int64          `json:"id"`
	JobID     uuid.UUID      `json:"job_id"`
	Stage     string         `json:"stage"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
