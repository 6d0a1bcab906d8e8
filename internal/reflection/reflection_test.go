package reflection

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritail/veritail/internal/ident"
	"github.com/veritail/veritail/internal/model"
	"github.com/veritail/veritail/internal/trust"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func draftItem(fields map[string]model.FieldEvidence) model.Item {
	data := make(map[string]any, len(fields))
	for f, ev := range fields {
		data[f] = ev.Value
	}
	return model.Item{
		ID:       ident.NewID(),
		JobID:    ident.NewID(),
		Data:     data,
		Evidence: fields,
		Status:   model.ItemProcessing,
	}
}

func TestCritiqueFindsGaps(t *testing.T) {
	item := draftItem(map[string]model.FieldEvidence{
		"brand":       {Value: "hp", Confidence: 0.92},
		"yield_pages": {Value: "1600", Confidence: 0.4},
	})
	job := model.Job{InputRaw: "HP CF217A toner"}

	goals := New(nil, nil, nil).Critique(item, job, []string{"brand", "model", "yield_pages"})

	require.Len(t, goals, 2)
	byField := map[string]Goal{}
	for _, g := range goals {
		byField[g.Field] = g
	}
	assert.Equal(t, ReasonMissing, byField["model"].Reason)
	assert.Equal(t, ReasonLowConfidence, byField["yield_pages"].Reason)
	assert.Contains(t, byField["yield_pages"].Query, "yield pages")
}

func TestCritiqueCleanDraft(t *testing.T) {
	item := draftItem(map[string]model.FieldEvidence{
		"brand": {Value: "hp", Confidence: 0.92},
		"model": {Value: "CF217A", Confidence: 0.88},
	})
	goals := New(nil, nil, nil).Critique(item, model.Job{}, []string{"brand", "model"})
	assert.Empty(t, goals)
}

func TestRepairTasksShape(t *testing.T) {
	job := model.Job{ID: ident.NewID(), InputRaw: "HP CF217A"}
	goals := []Goal{{Field: "yield_pages", Reason: ReasonMissing, Query: "HP CF217A yield pages"}}

	tasks := New(nil, nil, nil).RepairTasks(context.Background(), job, goals, 2)

	require.Len(t, tasks, 1)
	assert.Equal(t, model.StrategyQuery, tasks[0].Type)
	assert.Equal(t, RepairPriority, tasks[0].Priority)
	assert.Equal(t, 2, tasks[0].Depth)
	assert.True(t, tasks[0].Meta.Repair)
	assert.Equal(t, "yield_pages", tasks[0].Meta.RepairField)
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

type fakeIndex struct {
	docs []model.SourceDocument
}

func (f *fakeIndex) SearchSourcesByEmbedding(context.Context, uuid.UUID, pgvector.Vector, int) ([]model.SourceDocument, error) {
	return f.docs, nil
}

func TestRepairTasksProbeCachedEvidence(t *testing.T) {
	job := model.Job{ID: ident.NewID(), InputRaw: "HP CF217A"}
	idx := &fakeIndex{docs: []model.SourceDocument{{URL: "https://hp.com/cf217a"}}}
	r := New(fakeEmbedder{}, idx, nil)

	tasks := r.RepairTasks(context.Background(), job, []Goal{
		{Field: "yield_pages", Query: "HP CF217A yield pages"},
	}, 1)

	require.Len(t, tasks, 1)
	// A semantically close cached document beats a fresh web query.
	assert.Equal(t, model.StrategyURL, tasks[0].Type)
	assert.Equal(t, "https://hp.com/cf217a", tasks[0].Value)
	assert.True(t, tasks[0].Meta.Repair)
}

func resolution(field string, value any, confidence float64) trust.Resolution {
	return trust.Resolution{
		Field:      field,
		Value:      value,
		Confidence: confidence,
		Sources:    []string{"https://hp.com/p"},
		Method:     trust.MethodWeightedVote,
		ResolvedAt: testNow,
	}
}

func TestApplyResolutionsFillsEmptyDraft(t *testing.T) {
	item := model.Item{}
	changed := ApplyResolutions(&item, map[string]trust.Resolution{
		"brand": resolution("brand", "hp", 0.9),
		"model": resolution("model", "CF217A", 0.85),
	})

	assert.Len(t, changed, 2)
	assert.Equal(t, "hp", item.Data["brand"])
	assert.Equal(t, 0.9, item.Evidence["brand"].Confidence)
	assert.Equal(t, "https://hp.com/p", item.Evidence["brand"].SourceURL)
}

func TestApplyResolutionsConfidenceMonotonic(t *testing.T) {
	item := model.Item{}
	ApplyResolutions(&item, map[string]trust.Resolution{
		"yield_pages": resolution("yield_pages", "1600", 0.75),
	})

	// A weaker re-resolution never degrades the draft.
	changed := ApplyResolutions(&item, map[string]trust.Resolution{
		"yield_pages": resolution("yield_pages", "1500", 0.6),
	})
	assert.Empty(t, changed)
	assert.Equal(t, "1600", item.Data["yield_pages"])
	assert.Equal(t, 0.75, item.Evidence["yield_pages"].Confidence)

	// A stronger one replaces it.
	changed = ApplyResolutions(&item, map[string]trust.Resolution{
		"yield_pages": resolution("yield_pages", "1700", 0.9),
	})
	assert.Equal(t, []string{"yield_pages"}, changed)
	assert.Equal(t, "1700", item.Data["yield_pages"])
}

func TestApplyResolutionsIdempotent(t *testing.T) {
	res := map[string]trust.Resolution{
		"brand": resolution("brand", "hp", 0.9),
	}
	item := model.Item{}
	ApplyResolutions(&item, res)
	changed := ApplyResolutions(&item, res)

	assert.Empty(t, changed)
	assert.Equal(t, "hp", item.Data["brand"])
}

func TestApplyResolutionsRecordsPolicyFailures(t *testing.T) {
	item := model.Item{}
	ApplyResolutions(&item, map[string]trust.Resolution{
		"packaging.weight_g": {Field: "packaging.weight_g", FailureReason: trust.ReasonMissingNixData},
	})
	ApplyResolutions(&item, map[string]trust.Resolution{
		"packaging.weight_g": {Field: "packaging.weight_g", FailureReason: trust.ReasonMissingNixData},
	})

	assert.Equal(t, []string{trust.ReasonMissingNixData}, item.ValidationErrors)
	assert.NotContains(t, item.Data, "packaging.weight_g")
}

func TestApplyResolutionsUnverifiedCompat(t *testing.T) {
	item := model.Item{}
	res := resolution("compatibility.printers", []string{"M102", "M130"}, 0.8)
	res.IsConflict = true
	res.Method = trust.MethodWeightedVoteConflict
	res.Unverified = []string{"M203"}

	ApplyResolutions(&item, map[string]trust.Resolution{"compatibility.printers": res})

	assert.Equal(t, []string{"M102", "M130"}, item.Data["compatibility.printers"])
	assert.Equal(t, []string{"M203"}, item.Data[UnverifiedCompatField])
	assert.True(t, item.Evidence["compatibility.printers"].IsConflict)
}
