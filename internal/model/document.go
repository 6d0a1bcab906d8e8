package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// DocStatus records how fetching a source document went.
type DocStatus string

const (
	DocSuccess DocStatus = "success"
	DocFailed  DocStatus = "failed"
	DocSkipped DocStatus = "skipped"
)

// DocMetadata is descriptive metadata captured alongside fetched content.
type DocMetadata struct {
	Title      string `json:"title,omitempty"`
	SourceType string `json:"source_type,omitempty"`
	Fallback   bool   `json:"fallback,omitempty"` // content came from the fallback search provider
}

// SourceDocument is raw fetched content, immutable once created.
// (job_id, url_hash) is unique; url_hash additionally serves as a
// cross-job content cache key within the configured TTL.
type SourceDocument struct {
	ID         uuid.UUID        `json:"id"`
	JobID      uuid.UUID        `json:"job_id"`
	URL        string           `json:"url"`
	URLHash    string           `json:"url_hash"`
	Domain     string           `json:"domain"`
	RawContent string           `json:"raw_content"`
	Status     DocStatus        `json:"status"`
	Metadata   DocMetadata      `json:"metadata"`
	Embedding  *pgvector.Vector `json:"-"`
	FetchedAt  time.Time        `json:"fetched_at"`
}
