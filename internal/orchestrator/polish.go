package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/veritail/veritail/internal/model"
	"github.com/veritail/veritail/internal/trust"
)

// identityFields get their display casing restored during polish. Voting
// works over casefolded values; the published record should read the way the
// sources actually wrote it.
var identityFields = []string{"brand", "model"}

// stagePolish tidies the resolved draft for publication: restores original
// casing on identity fields from the underlying claims and drops empty
// values.
func (o *Orchestrator) stagePolish(ctx context.Context, job model.Job, item model.Item) (model.Item, error) {
	claims, err := o.db.ClaimsForFields(ctx, item.ID, identityFields)
	if err != nil {
		return item, fmt.Errorf("orchestrator: load identity claims: %w", err)
	}

	for _, field := range identityFields {
		resolved, _ := item.Data[field].(string)
		if resolved == "" {
			continue
		}
		if display := displayCasing(field, resolved, claims); display != "" {
			item.Data[field] = display
			ev := item.Evidence[field]
			ev.Value = display
			item.Evidence[field] = ev
		}
	}

	for field, v := range item.Data {
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			delete(item.Data, field)
			delete(item.Evidence, field)
		}
	}

	item.UpdatedAt = o.clock.Now()
	if err := o.db.SaveItem(ctx, item); err != nil {
		return item, fmt.Errorf("orchestrator: save polished item: %w", err)
	}
	return item, o.transition(ctx, job.ID, model.JobGateCheck, nil)
}

// displayCasing picks the most common raw spelling among the claims that
// voted for the resolved value. Ties break lexicographically so polish is
// deterministic.
func displayCasing(field, resolved string, claims []model.SourcedClaim) string {
	counts := make(map[string]int)
	for _, c := range claims {
		if c.Field != field {
			continue
		}
		if trust.NormalizeValue(field, c.Value) != trust.NormalizeValue(field, resolved) {
			continue
		}
		counts[strings.TrimSpace(c.Value)]++
	}
	if len(counts) == 0 {
		return ""
	}
	spellings := make([]string, 0, len(counts))
	for s := range counts {
		spellings = append(spellings, s)
	}
	sort.Slice(spellings, func(i, j int) bool {
		if counts[spellings[i]] != counts[spellings[j]] {
			return counts[spellings[i]] > counts[spellings[j]]
		}
		return spellings[i] < spellings[j]
	})
	return spellings[0]
}
