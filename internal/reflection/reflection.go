// Package reflection closes the gap between a resolved draft and a
// publishable record: it critiques the draft against the required field set,
// turns each gap into targeted repair work, and merges re-resolved fields
// back under a confidence-monotonic rule.
package reflection

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/veritail/veritail/internal/adapters"
	"github.com/veritail/veritail/internal/ident"
	"github.com/veritail/veritail/internal/model"
	"github.com/veritail/veritail/internal/trust"
)

// RepairPriority places repair tasks above ordinary expansions but below
// fresh plan seeds.
const RepairPriority = 30

// MinFieldConfidence is the floor below which a resolved field still counts
// as a gap.
const MinFieldConfidence = 0.6

// UnverifiedCompatField holds compatibility entries that were claimed but not
// verified.
const UnverifiedCompatField = "compatible_printers_unverified"

// Goal reasons.
const (
	ReasonMissing       = "missing"
	ReasonLowConfidence = "low_confidence"
)

// Goal is one identified gap in the draft.
type Goal struct {
	Field  string
	Reason string
	Query  string
}

// EvidenceIndex finds already-fetched documents by semantic similarity.
type EvidenceIndex interface {
	SearchSourcesByEmbedding(ctx context.Context, jobID uuid.UUID, query pgvector.Vector, limit int) ([]model.SourceDocument, error)
}

// Reflector builds repair plans. Embedder and index are optional; when both
// are wired, repair goals first probe evidence the job already paid for
// before reaching for new searches.
type Reflector struct {
	embedder adapters.Embedder
	index    EvidenceIndex
	logger   *slog.Logger
}

// New creates a reflector. embedder and index may be nil.
func New(embedder adapters.Embedder, index EvidenceIndex, logger *slog.Logger) *Reflector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reflector{embedder: embedder, index: index, logger: logger}
}

// Critique lists the required fields the draft is still missing or holds at
// low confidence, each with a repair query grounded in the product identity.
func (r *Reflector) Critique(item model.Item, job model.Job, required []string) []Goal {
	label := productLabel(item, job)
	var goals []Goal
	for _, field := range required {
		ev, ok := item.Evidence[field]
		switch {
		case !ok || ev.Value == nil:
			goals = append(goals, Goal{Field: field, Reason: ReasonMissing, Query: repairQuery(label, field)})
		case ev.Confidence < MinFieldConfidence:
			goals = append(goals, Goal{Field: field, Reason: ReasonLowConfidence, Query: repairQuery(label, field)})
		}
	}
	return goals
}

// RepairTasks turns goals into frontier tasks. When the evidence index knows
// a similar already-fetched document, the repair targets that URL directly;
// otherwise it becomes a fresh query.
func (r *Reflector) RepairTasks(ctx context.Context, job model.Job, goals []Goal, depth int) []model.Task {
	tasks := make([]model.Task, 0, len(goals))
	for _, g := range goals {
		taskType := model.StrategyQuery
		value := g.Query
		if url, ok := r.probeCached(ctx, job.ID, g.Query); ok {
			taskType = model.StrategyURL
			value = url
		}
		tasks = append(tasks, model.Task{
			ID:       ident.NewID(),
			JobID:    job.ID,
			Type:     taskType,
			Value:    value,
			Priority: RepairPriority,
			Depth:    depth,
			State:    model.TaskPending,
			Meta: model.TaskMeta{
				Repair:      true,
				RepairField: g.Field,
			},
		})
	}
	return tasks
}

// probeCached looks for an already-fetched document semantically close to
// the repair query. Best effort; any failure falls through to a web query.
func (r *Reflector) probeCached(ctx context.Context, jobID uuid.UUID, query string) (string, bool) {
	if r.embedder == nil || r.index == nil {
		return "", false
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.Debug("repair probe embedding failed", slog.Any("error", err))
		return "", false
	}
	docs, err := r.index.SearchSourcesByEmbedding(ctx, jobID, pgvector.NewVector(vec), 1)
	if err != nil || len(docs) == 0 {
		return "", false
	}
	return docs[0].URL, true
}

// ApplyResolutions merges resolved fields into the item. A resolved value
// lands only when the field was missing or the new confidence strictly
// exceeds the recorded one, so repair never degrades the draft and re-running
// resolution over the same claims is a no-op. Policy failures surface as
// validation reason codes instead of values. Returns the fields that changed.
func ApplyResolutions(item *model.Item, resolutions map[string]trust.Resolution) []string {
	if item.Data == nil {
		item.Data = make(map[string]any)
	}
	if item.Evidence == nil {
		item.Evidence = make(map[string]model.FieldEvidence)
	}

	var changed []string
	for field, res := range resolutions {
		if res.FailureReason != "" {
			addReason(item, res.FailureReason)
			continue
		}
		if res.Value == nil {
			continue
		}

		prev, exists := item.Evidence[field]
		if exists && prev.Value != nil && res.Confidence <= prev.Confidence {
			continue
		}

		sourceURL := ""
		if len(res.Sources) > 0 {
			sourceURL = res.Sources[0]
		}
		item.Data[field] = res.Value
		item.Evidence[field] = model.FieldEvidence{
			Value:      res.Value,
			SourceURL:  sourceURL,
			Confidence: res.Confidence,
			IsConflict: res.IsConflict,
			Method:     res.Method,
			Timestamp:  res.ResolvedAt,
		}
		if len(res.Unverified) > 0 {
			item.Data[UnverifiedCompatField] = res.Unverified
		}
		changed = append(changed, field)
	}
	return changed
}

func addReason(item *model.Item, reason string) {
	for _, r := range item.ValidationErrors {
		if r == reason {
			return
		}
	}
	item.ValidationErrors = append(item.ValidationErrors, reason)
}

func productLabel(item model.Item, job model.Job) string {
	brand, _ := item.Data["brand"].(string)
	mdl, _ := item.Data["model"].(string)
	if brand != "" && mdl != "" {
		return brand + " " + mdl
	}
	if job.Plan != nil && job.Plan.CanonicalName != "" {
		return job.Plan.CanonicalName
	}
	return job.InputRaw
}

func repairQuery(label, field string) string {
	hint := strings.ReplaceAll(field, ".", " ")
	hint = strings.ReplaceAll(hint, "_", " ")
	return fmt.Sprintf("%s %s", label, hint)
}
