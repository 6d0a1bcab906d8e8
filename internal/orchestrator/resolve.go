package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/veritail/veritail/internal/adapters"
	"github.com/veritail/veritail/internal/config"
	"github.com/veritail/veritail/internal/gate"
	"github.com/veritail/veritail/internal/model"
	"github.com/veritail/veritail/internal/reflection"
	"github.com/veritail/veritail/internal/scheduler"
)

// MethodSynthesis marks identity fields recovered by the synthesis fallback
// rather than weighted voting.
const MethodSynthesis = "synthesis_fallback"

// synthesisConfidence is deliberately below the publish floor so synthesized
// identity alone never publishes without corroboration.
const synthesisConfidence = 0.5

const identitySchema = `{
	"type": "object",
	"required": ["brand", "model"],
	"properties": {
		"brand": {"type": "string"},
		"model": {"type": "string"}
	}
}`

const synthesisPrompt = `The documents below describe one consumable product.
State its brand and canonical model (manufacturer part number). Answer from
the documents only; use an empty string when a value cannot be determined.`

// maxSynthesisDocs bounds how many sources feed the synthesis prompt.
const maxSynthesisDocs = 3

// stageResolve arbitrates all collected claims into the draft record, runs
// the synthesis fallback when the identity fields are still missing, then
// closes remaining gaps through bounded reflection repair loops.
func (o *Orchestrator) stageResolve(ctx context.Context, job model.Job, item model.Item, sched *scheduler.Scheduler, logger *slog.Logger) (model.Item, error) {
	claims, err := o.db.ClaimsForItem(ctx, item.ID)
	if err != nil {
		return item, fmt.Errorf("orchestrator: load claims: %w", err)
	}
	resolutions := o.trust.ResolveAll(claims)
	changed := reflection.ApplyResolutions(&item, resolutions)
	logger.Info("claims resolved",
		slog.Int("claims", len(claims)),
		slog.Int("fields", len(resolutions)),
		slog.Int("changed", len(changed)))

	if missingIdentity(item) {
		o.synthesize(ctx, job, &item, logger)
	}

	required := gate.RequiredFields(job.Mode)
	for loop := 1; loop <= o.cfg.MaxReflectionLoops; loop++ {
		goals := o.reflect.Critique(item, job, required)
		if len(goals) == 0 {
			break
		}
		logger.Info("reflection repair", slog.Int("loop", loop), slog.Int("goals", len(goals)))

		for _, task := range o.reflect.RepairTasks(ctx, job, goals, loop) {
			if _, err := o.db.AddTask(ctx, task); err != nil {
				return item, fmt.Errorf("orchestrator: enqueue repair: %w", err)
			}
		}
		if _, err := sched.RunSlice(ctx, job.ID, item.ID); err != nil {
			return item, fmt.Errorf("orchestrator: repair slice: %w", err)
		}

		fields := make([]string, 0, len(goals))
		for _, g := range goals {
			fields = append(fields, g.Field)
		}
		repairClaims, err := o.db.ClaimsForFields(ctx, item.ID, fields)
		if err != nil {
			return item, fmt.Errorf("orchestrator: load repair claims: %w", err)
		}
		reflection.ApplyResolutions(&item, o.trust.ResolveAll(repairClaims))
	}

	item.UpdatedAt = o.clock.Now()
	if err := o.db.SaveItem(ctx, item); err != nil {
		return item, fmt.Errorf("orchestrator: save draft: %w", err)
	}
	return item, o.transition(ctx, job.ID, model.JobPolish, map[string]any{
		"fields": len(item.Data),
	})
}

func missingIdentity(item model.Item) bool {
	brand, _ := item.Data["brand"].(string)
	mdl, _ := item.Data["model"].(string)
	return strings.TrimSpace(brand) == "" || strings.TrimSpace(mdl) == ""
}

// synthesize runs one LLM pass over the combined sources to recover brand
// and model when voting produced neither. Best effort; reflection and the
// gate handle a refusal.
func (o *Orchestrator) synthesize(ctx context.Context, job model.Job, item *model.Item, logger *slog.Logger) {
	docs, err := o.db.ListSourcesByJob(ctx, job.ID)
	if err != nil || len(docs) == 0 {
		return
	}

	prompt := o.cfg.Prompts[config.PromptIdentitySynthesis]
	if prompt == "" {
		prompt = synthesisPrompt
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n\nInput title: %s\n\n", prompt, job.InputRaw)
	used := 0
	for _, d := range docs {
		if d.Status != model.DocSuccess || d.RawContent == "" {
			continue
		}
		content := d.RawContent
		if len(content) > 4000 {
			content = content[:4000]
		}
		fmt.Fprintf(&sb, "--- %s ---\n%s\n", d.URL, content)
		if used++; used == maxSynthesisDocs {
			break
		}
	}
	if used == 0 {
		return
	}

	callCtx := ctx
	if o.cfg.AdapterTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.cfg.AdapterTimeout)
		defer cancel()
	}
	payload, err := o.deps.LLM.GenerateJSON(callCtx, sb.String(), json.RawMessage(identitySchema), nil)
	if err != nil {
		logger.Warn("synthesis fallback failed", slog.Any("error", err))
		return
	}
	var identity struct {
		Brand string `json:"brand"`
		Model string `json:"model"`
	}
	if err := adapters.DecodeValid(json.RawMessage(identitySchema), payload, &identity); err != nil {
		logger.Warn("synthesis payload rejected", slog.Any("error", err))
		return
	}

	now := o.clock.Now()
	fill := func(field, value string) {
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		if s, _ := item.Data[field].(string); s != "" {
			return
		}
		item.Data[field] = value
		item.Evidence[field] = model.FieldEvidence{
			Value:      value,
			Confidence: synthesisConfidence,
			Method:     MethodSynthesis,
			Timestamp:  now,
		}
	}
	fill("brand", identity.Brand)
	fill("model", identity.Model)
}
