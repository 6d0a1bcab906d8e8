package model

import (
	"time"

	"github.com/google/uuid"
)

// Claim is an atomic field extraction attributed to exactly one source
// document. Field is a dotted path (e.g. "packaging.weight_g"); Value is a
// string, JSON-encoded when the underlying value is not a scalar.
type Claim struct {
	ID          uuid.UUID `json:"id"`
	ItemID      uuid.UUID `json:"item_id"`
	SourceDocID uuid.UUID `json:"source_doc_id"`
	Field       string    `json:"field"`
	Value       string    `json:"value"`
	Confidence  int       `json:"confidence"` // 0-100
	ExtractedAt time.Time `json:"extracted_at"`
}

// SourcedClaim is a claim joined with the provenance of its source document,
// which the trust engine needs for tier weighting and freshness decay.
type SourcedClaim struct {
	Claim
	SourceURL    string    `json:"source_url"`
	SourceDomain string    `json:"source_domain"`
	FetchedAt    time.Time `json:"fetched_at"`
	Fallback     bool      `json:"fallback"`
}
