package model

import (
	"time"

	"github.com/google/uuid"
)

// ItemStatus is the publish-readiness of the evolving product record.
type ItemStatus string

const (
	ItemProcessing  ItemStatus = "processing"
	ItemNeedsReview ItemStatus = "needs_review"
	ItemPublished   ItemStatus = "published"
	ItemFailed      ItemStatus = "failed"
)

// FieldEvidence records the provenance of one resolved field.
type FieldEvidence struct {
	Value      any       `json:"value"`
	SourceURL  string    `json:"source_url,omitempty"`
	Confidence float64   `json:"confidence"`
	IsConflict bool      `json:"is_conflict"`
	Method     string    `json:"method"`
	Timestamp  time.Time `json:"timestamp"`
}

// Item is the evolving product record bound to a job. Data holds the merged
// record keyed by dotted field path; Evidence holds per-field provenance.
type Item struct {
	ID               uuid.UUID                `json:"id"`
	JobID            uuid.UUID                `json:"job_id"`
	Data             map[string]any           `json:"data"`
	Evidence         map[string]FieldEvidence `json:"evidence"`
	Status           ItemStatus               `json:"status"`
	ValidationErrors []string                 `json:"validation_errors"`
	UpdatedAt        time.Time                `json:"updated_at"`
}

// Result is the persisted output shape returned to callers once a job ends.
type Result struct {
	JobID                uuid.UUID                `json:"job_id"`
	InputRaw             string                   `json:"input_raw"`
	InputHash            string                   `json:"input_hash"`
	Data                 map[string]any           `json:"data"`
	Evidence             map[string]FieldEvidence `json:"evidence"`
	Status               ItemStatus               `json:"status"`
	ValidationErrors     []string                 `json:"validation_errors"`
	ProcessedAt          time.Time                `json:"processed_at"`
	ProcessingDurationMS int64                    `json:"processing_duration_ms"`
	RulesetVersion       string                   `json:"ruleset_version"`
	ParserVersion        string                   `json:"parser_version"`
}
