// Package orchestrator drives a job through its persisted stage machine:
// planning, frontier-driven search, trust resolution with reflection repair,
// polish, gate check, and finalization. Every stage reads its inputs from
// persistent state and commits its outputs before the status advances, so a
// crash at any point resumes from the last committed stage.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veritail/veritail/internal/adapters"
	"github.com/veritail/veritail/internal/config"
	"github.com/veritail/veritail/internal/executor"
	"github.com/veritail/veritail/internal/gate"
	"github.com/veritail/veritail/internal/ident"
	"github.com/veritail/veritail/internal/integrity"
	"github.com/veritail/veritail/internal/model"
	"github.com/veritail/veritail/internal/ratelimit"
	"github.com/veritail/veritail/internal/reflection"
	"github.com/veritail/veritail/internal/scheduler"
	"github.com/veritail/veritail/internal/storage"
	"github.com/veritail/veritail/internal/trust"
)

// Versions stamped into every produced record.
const (
	RulesetVersion = "2026.2"
	ParserVersion  = "veritail/1.0"
)

// breakerCoolOff is how long the scrape credit breaker stays open after
// tripping before probing the provider again.
const breakerCoolOff = 5 * time.Minute

// Orchestrator runs jobs end to end against one database and one adapter set.
// The scrape credit breaker is process-scoped: once a provider reports
// exhaustion, every job on this process fails fast to the fallback path until
// the cool-off elapses.
type Orchestrator struct {
	db      *storage.DB
	deps    adapters.Deps
	cfg     config.Config
	trust   *trust.Engine
	gate    *gate.Gatekeeper
	reflect *reflection.Reflector
	limiter ratelimit.Limiter
	clock   ident.Clock
	logger  *slog.Logger
}

// New wires an orchestrator. The scraper is wrapped with the credit breaker
// here so all jobs share it.
func New(db *storage.DB, deps adapters.Deps, cfg config.Config, clock ident.Clock, logger *slog.Logger) *Orchestrator {
	if clock == nil {
		clock = ident.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Scraper != nil {
		deps.Scraper = adapters.NewGuardedScraper(deps.Scraper, breakerCoolOff, logger)
	}
	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.ScrapeDomainRPS > 0 {
		limiter = ratelimit.NewDomainLimiter(cfg.ScrapeDomainRPS, cfg.ScrapeDomainBurst)
	}
	return &Orchestrator{
		db:      db,
		deps:    deps,
		cfg:     cfg,
		trust:   trust.NewEngine(trust.DefaultTiers(), cfg.LogisticsHost, clock),
		gate:    gate.New(deps.Images, logger),
		reflect: reflection.New(deps.Embedder, db, logger),
		limiter: limiter,
		clock:   clock,
		logger:  logger,
	}
}

// Close releases process-scoped resources (the politeness limiter).
func (o *Orchestrator) Close() {
	_ = o.limiter.Close()
}

// RunJob drives one job to a terminal state and returns its result. It can
// be called on a fresh job or on one interrupted mid-pipeline; hydration
// happens from persistent state before every stage.
func (o *Orchestrator) RunJob(ctx context.Context, jobID uuid.UUID) (model.Result, error) {
	start := o.clock.Now()
	budgetDeadline := start.Add(o.cfg.JobBudgetWallclock)

	job, err := o.db.GetJob(ctx, jobID)
	if err != nil {
		return model.Result{}, fmt.Errorf("orchestrator: load job: %w", err)
	}
	logger := o.logger.With(slog.String("job_id", jobID.String()), slog.String("tenant_id", job.TenantID))

	item, err := o.db.EnsureItem(ctx, jobID)
	if err != nil {
		return model.Result{}, o.fail(ctx, jobID, fmt.Errorf("orchestrator: ensure item: %w", err))
	}

	exec, sched := o.buildExecution(job)

	for {
		job, err = o.db.GetJob(ctx, jobID)
		if err != nil {
			return model.Result{}, fmt.Errorf("orchestrator: hydrate job: %w", err)
		}

		switch job.Status {
		case model.JobPending:
			if err := o.transition(ctx, jobID, model.JobPlanning, nil); err != nil {
				return model.Result{}, o.fail(ctx, jobID, err)
			}

		case model.JobPlanning:
			if err := o.stagePlan(ctx, job); err != nil {
				return model.Result{}, o.fail(ctx, jobID, err)
			}

		case model.JobSearching:
			if job.Degraded {
				exec.MarkExhausted()
			}
			if err := o.stageSearch(ctx, job, item, sched, budgetDeadline, logger); err != nil {
				return model.Result{}, o.fail(ctx, jobID, err)
			}

		case model.JobEnrichment:
			item, err = o.stageResolve(ctx, job, item, sched, logger)
			if err != nil {
				return model.Result{}, o.fail(ctx, jobID, err)
			}

		case model.JobPolish:
			item, err = o.stagePolish(ctx, job, item)
			if err != nil {
				return model.Result{}, o.fail(ctx, jobID, err)
			}

		case model.JobGateCheck:
			item, err = o.stageGate(ctx, job, item)
			if err != nil {
				return model.Result{}, o.fail(ctx, jobID, err)
			}

		case model.JobDone:
			return o.buildResult(ctx, job, start)

		case model.JobFailed:
			return model.Result{}, fmt.Errorf("orchestrator: job failed: %s", orUnknown(job.Error))

		default:
			return model.Result{}, o.fail(ctx, jobID,
				fmt.Errorf("orchestrator: unknown job status %q", job.Status))
		}
	}
}

// buildExecution assembles the per-job executor and scheduler. Caller-supplied
// budgets tighten the configured defaults, never widen them.
func (o *Orchestrator) buildExecution(job model.Job) (*executor.Executor, *scheduler.Scheduler) {
	var (
		queryBudget *adapters.CallBudget
		searchLimit int
	)
	if job.Budgets != nil {
		if job.Budgets.MaxQueries > 0 {
			queryBudget = adapters.NewCallBudget(job.Budgets.MaxQueries)
		}
		searchLimit = job.Budgets.LimitPerQuery
	}

	exec := executor.New(o.db, o.deps, executor.Options{
		CacheTTL:        o.cfg.SourceCacheTTL,
		AdapterTimeout:  o.cfg.AdapterTimeout,
		CallBudget:      adapters.NewCallBudget(o.cfg.JobBudgetAdapterCalls),
		DocBudget:       adapters.NewCallBudget(o.cfg.JobBudgetSourceDocs),
		QueryBudget:     queryBudget,
		SearchLimit:     searchLimit,
		Limiter:         o.limiter,
		Clock:           o.clock,
		Logger:          o.logger,
		ClaimPrompt:     o.cfg.Prompts[config.PromptClaimExtraction],
		RelevancePrompt: o.cfg.Prompts[config.PromptRelevanceFilter],
		ExpansionPrompt: o.cfg.Prompts[config.PromptQueryExpansion],
	})
	sched := scheduler.New(o.db, exec, scheduler.Options{
		Concurrency:   o.effectiveConcurrency(job),
		SliceDeadline: o.cfg.SliceDeadline,
		DrainMargin:   o.cfg.DrainMargin,
		DrainTimeout:  o.cfg.DrainTimeout,
		Lease:         o.cfg.Lease,
		MaxAttempts:   o.cfg.MaxTaskAttempts,
		DepthCap:      depthCap(job.Mode),
		Clock:         o.clock,
		Logger:        o.logger,
	})
	return exec, sched
}

// effectiveConcurrency caps the configured fan-out by the plan's suggestion
// and the caller-supplied budget, whichever is tightest.
func (o *Orchestrator) effectiveConcurrency(job model.Job) int {
	concurrency := o.cfg.MaxConcurrency
	if job.Plan != nil && job.Plan.SuggestedBudget != nil &&
		job.Plan.SuggestedBudget.Concurrency > 0 && job.Plan.SuggestedBudget.Concurrency < concurrency {
		concurrency = job.Plan.SuggestedBudget.Concurrency
	}
	if job.Budgets != nil && job.Budgets.Concurrency > 0 && job.Budgets.Concurrency < concurrency {
		concurrency = job.Budgets.Concurrency
	}
	return concurrency
}

// stagePlan derives the plan once, persists it, seeds the frontier, and
// advances to searching. Re-entry after a crash reuses the stored plan and
// relies on frontier dedup.
func (o *Orchestrator) stagePlan(ctx context.Context, job model.Job) error {
	plan := model.Plan{}
	if job.Plan != nil {
		plan = *job.Plan
	} else {
		plan = o.buildPlan(job)
		if err := o.db.SetJobPlan(ctx, job.ID, plan); err != nil {
			return fmt.Errorf("orchestrator: persist plan: %w", err)
		}
	}
	if err := o.seedFrontier(ctx, job, plan); err != nil {
		return err
	}
	return o.transition(ctx, job.ID, model.JobSearching, map[string]any{
		"strategies": len(plan.Strategies),
		"mpn":        plan.MPN,
	})
}

// stageSearch runs execution slices until the frontier drains or a bound
// (slice count, wall clock budget) is hit. Credit exhaustion degrades the job
// without failing it.
func (o *Orchestrator) stageSearch(ctx context.Context, job model.Job, item model.Item, sched *scheduler.Scheduler, budgetDeadline time.Time, logger *slog.Logger) error {
	for slice := 1; slice <= o.cfg.MaxSlices; slice++ {
		if !o.clock.Now().Before(budgetDeadline) {
			logger.Warn("wall clock budget reached, stopping dispatch", slog.Int("slice", slice))
			break
		}
		res, err := sched.RunSlice(ctx, job.ID, item.ID)
		if err != nil {
			return fmt.Errorf("orchestrator: slice %d: %w", slice, err)
		}
		logger.Info("slice finished",
			slog.Int("slice", slice),
			slog.Int("dispatched", res.Dispatched),
			slog.Int("completed", res.Completed),
			slog.Int("failed", res.Failed),
			slog.Bool("done", res.Done),
			slog.Bool("exhausted", res.Exhausted))

		if res.Exhausted && !job.Degraded {
			if err := o.db.SetJobDegraded(ctx, job.ID); err != nil {
				return fmt.Errorf("orchestrator: mark degraded: %w", err)
			}
			job.Degraded = true
		}
		if res.Done {
			break
		}
	}
	return o.transition(ctx, job.ID, model.JobEnrichment, nil)
}

// stageGate applies the gatekeeper, persists the decision, and finalizes the
// job with its result reference and an audit trail entry.
func (o *Orchestrator) stageGate(ctx context.Context, job model.Job, item model.Item) (model.Item, error) {
	before := item.Status
	outcome := o.gate.Check(ctx, job, item)
	item.Status = outcome.Status
	item.ValidationErrors = outcome.Reasons
	item.UpdatedAt = o.clock.Now()
	if err := o.db.SaveItem(ctx, item); err != nil {
		return item, fmt.Errorf("orchestrator: save gated item: %w", err)
	}
	if err := o.db.SetJobResultRef(ctx, job.ID, item.ID); err != nil {
		return item, fmt.Errorf("orchestrator: set result ref: %w", err)
	}

	// Tamper-evident digests: the record hash binds the published data to the
	// ruleset, the evidence root binds it to the exact fetched content.
	after := map[string]any{
		"status":            string(item.Status),
		"validation_errors": item.ValidationErrors,
		"record_hash":       integrity.RecordHash(item.ID, item.Data, RulesetVersion, item.UpdatedAt),
	}
	if docs, err := o.db.ListSourcesByJob(ctx, job.ID); err == nil {
		leaves := make([]string, 0, len(docs))
		for _, d := range docs {
			leaves = append(leaves, integrity.SourceHash(d.URLHash, d.RawContent, d.FetchedAt))
		}
		after["evidence_root"] = integrity.EvidenceRoot(leaves)
	}

	if err := o.db.InsertAudit(ctx, storage.AuditEntry{
		TenantID:   job.TenantID,
		EntityType: "item",
		EntityID:   item.ID.String(),
		Action:     "gate_check",
		Before:     map[string]any{"status": string(before)},
		After:      after,
		Reason:     "quality gate decision",
	}); err != nil {
		o.logger.Warn("audit write failed", slog.Any("error", err))
	}

	return item, o.transition(ctx, job.ID, model.JobDone, map[string]any{
		"item_status": string(item.Status),
		"reasons":     outcome.Reasons,
	})
}

// buildResult assembles the caller-facing record from persisted state.
func (o *Orchestrator) buildResult(ctx context.Context, job model.Job, start time.Time) (model.Result, error) {
	item, err := o.db.GetItemByJob(ctx, job.ID)
	if err != nil {
		return model.Result{}, fmt.Errorf("orchestrator: load final item: %w", err)
	}
	now := o.clock.Now()
	return model.Result{
		JobID:                job.ID,
		InputRaw:             job.InputRaw,
		InputHash:            job.InputHash,
		Data:                 item.Data,
		Evidence:             item.Evidence,
		Status:               item.Status,
		ValidationErrors:     item.ValidationErrors,
		ProcessedAt:          now,
		ProcessingDurationMS: now.Sub(start).Milliseconds(),
		RulesetVersion:       RulesetVersion,
		ParserVersion:        ParserVersion,
	}, nil
}

// transition advances the job status and records the step.
func (o *Orchestrator) transition(ctx context.Context, jobID uuid.UUID, to model.JobStatus, detail map[string]any) error {
	if err := o.db.TransitionJob(ctx, jobID, to, detail); err != nil {
		return fmt.Errorf("orchestrator: transition to %s: %w", to, err)
	}
	return nil
}

// fail marks the job failed with the error persisted, unless the failure is
// itself a failed-state read.
func (o *Orchestrator) fail(ctx context.Context, jobID uuid.UUID, cause error) error {
	o.logger.Error("job failed", slog.String("job_id", jobID.String()), slog.Any("error", cause))
	if err := o.db.MarkJobFailed(ctx, jobID, cause.Error()); err != nil {
		o.logger.Error("failure not persisted", slog.String("job_id", jobID.String()), slog.Any("error", err))
	}
	return cause
}

func orUnknown(s *string) string {
	if s == nil || *s == "" {
		return "unknown"
	}
	return *s
}
