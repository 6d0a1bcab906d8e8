// Package veritail is the public API for embedding the Veritail research
// engine: it turns noisy supplier product titles into verified, structured
// product records with per-field provenance and confidence.
//
// Consumers construct an Engine with their adapter implementations and run
// jobs through it:
//
//	eng, err := veritail.New(deps,
//	    veritail.WithVersion(version),
//	    veritail.WithLogger(logger),
//	)
//	if err != nil { ... }
//	jobID, err := eng.Submit(ctx, veritail.SubmitRequest{
//	    InputRaw: "HP CF217A",
//	    TenantID: "acme",
//	    Mode:     "balanced",
//	})
//	result, err := eng.Process(ctx, jobID)
//
// The import graph enforces a strict no-cycle rule: veritail (root) imports
// internal/*, but internal/* never imports veritail (root).
package veritail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/veritail/veritail/internal/adapters"
	"github.com/veritail/veritail/internal/config"
	"github.com/veritail/veritail/internal/ident"
	"github.com/veritail/veritail/internal/model"
	"github.com/veritail/veritail/internal/orchestrator"
	"github.com/veritail/veritail/internal/storage"
	"github.com/veritail/veritail/internal/telemetry"
	"github.com/veritail/veritail/migrations"
)

// Engine is the research pipeline lifecycle. Construct with New(), submit
// jobs with Submit(), drive them with Process().
type Engine struct {
	cfg          config.Config
	db           *storage.DB
	orch         *orchestrator.Orchestrator
	otelShutdown telemetry.Shutdown
	clock        ident.Clock
	logger       *slog.Logger
	version      string
}

// New initialises the engine: loads configuration, connects to the database,
// runs migrations, and wires the orchestrator. It does not start any
// goroutines.
func New(deps adapters.Deps, opts ...Option) (*Engine, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := o.clock
	if clock == nil {
		clock = ident.SystemClock{}
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("veritail starting", "version", version)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, clock, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	return &Engine{
		cfg:          cfg,
		db:           db,
		orch:         orchestrator.New(db, deps, cfg, clock, logger),
		otelShutdown: otelShutdown,
		clock:        clock,
		logger:       logger,
		version:      version,
	}, nil
}

// SubmitRequest is the boundary contract for starting a job.
type SubmitRequest struct {
	InputRaw     string
	TenantID     string
	Mode         model.Mode // defaults to balanced
	ForceRefresh bool       // bypass the (tenant, input) result cache

	// PreviousJobID links a resubmission to the run it supersedes.
	PreviousJobID *uuid.UUID
	// APIKeysRef is an opaque reference to the caller's adapter credentials,
	// recorded with the job and passed through untouched.
	APIKeysRef string
	// Budgets tightens this job's execution caps below the configured
	// defaults: max_queries, limit_per_query, concurrency.
	Budgets *model.JobBudgets
}

// Submit registers a job for the input title. Unless ForceRefresh is set, a
// finished job for the same tenant and normalized input is reused and its id
// returned instead of creating new work.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (uuid.UUID, error) {
	input := strings.TrimSpace(req.InputRaw)
	if input == "" {
		return uuid.Nil, fmt.Errorf("veritail: input title is required")
	}
	if req.TenantID == "" {
		return uuid.Nil, fmt.Errorf("veritail: tenant id is required")
	}
	mode := req.Mode
	if mode == "" {
		mode = model.ModeBalanced
	}

	hash := ident.InputHash(input)
	if !req.ForceRefresh {
		cached, err := e.db.FindCachedJob(ctx, req.TenantID, hash)
		if err == nil {
			e.logger.Info("reusing cached job",
				"tenant_id", req.TenantID, "job_id", cached.ID.String())
			return cached.ID, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return uuid.Nil, fmt.Errorf("veritail: cache lookup: %w", err)
		}
	}

	job, err := e.db.CreateJob(ctx, model.Job{
		ID:            ident.NewID(),
		TenantID:      req.TenantID,
		InputRaw:      input,
		InputHash:     hash,
		Mode:          mode,
		Status:        model.JobPending,
		PreviousJobID: req.PreviousJobID,
		APIKeysRef:    req.APIKeysRef,
		Budgets:       req.Budgets,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("veritail: create job: %w", err)
	}
	return job.ID, nil
}

// Process drives a job to a terminal state and returns the produced record.
// Safe to call on a job interrupted by a previous crash; it resumes from the
// last committed stage.
func (e *Engine) Process(ctx context.Context, jobID uuid.UUID) (model.Result, error) {
	return e.orch.RunJob(ctx, jobID)
}

// JobStatus is the answer to a status query: current stage, the append-only
// step log, and the result when the job has finished.
type JobStatus struct {
	JobID    uuid.UUID       `json:"job_id"`
	Status   model.JobStatus `json:"status"`
	Degraded bool            `json:"degraded"`
	Error    string          `json:"error,omitempty"`
	Steps    []model.JobStep `json:"steps"`
	Result   *model.Result   `json:"result,omitempty"`
}

// Status reports a job's progress.
func (e *Engine) Status(ctx context.Context, jobID uuid.UUID) (JobStatus, error) {
	job, err := e.db.GetJob(ctx, jobID)
	if err != nil {
		return JobStatus{}, fmt.Errorf("veritail: load job: %w", err)
	}
	steps, err := e.db.ListSteps(ctx, jobID)
	if err != nil {
		return JobStatus{}, fmt.Errorf("veritail: load steps: %w", err)
	}

	status := JobStatus{
		JobID:    job.ID,
		Status:   job.Status,
		Degraded: job.Degraded,
		Steps:    steps,
	}
	if job.Error != nil {
		status.Error = *job.Error
	}
	if job.Status == model.JobDone && job.ResultRef != nil {
		item, err := e.db.GetItem(ctx, *job.ResultRef)
		if err != nil {
			return JobStatus{}, fmt.Errorf("veritail: load result item: %w", err)
		}
		status.Result = &model.Result{
			JobID:                job.ID,
			InputRaw:             job.InputRaw,
			InputHash:            job.InputHash,
			Data:                 item.Data,
			Evidence:             item.Evidence,
			Status:               item.Status,
			ValidationErrors:     item.ValidationErrors,
			ProcessedAt:          item.UpdatedAt,
			ProcessingDurationMS: job.UpdatedAt.Sub(job.CreatedAt).Milliseconds(),
			RulesetVersion:       orchestrator.RulesetVersion,
			ParserVersion:        orchestrator.ParserVersion,
		}
	}
	return status, nil
}

// DB exposes the storage layer for advanced embedding scenarios (custom
// reporting, cleanup jobs). Most consumers never need it.
func (e *Engine) DB() *storage.DB { return e.db }

// Close releases the database pool, the orchestrator's process-scoped
// resources, and flushes telemetry.
func (e *Engine) Close() {
	e.orch.Close()
	e.db.Close()
	if e.otelShutdown != nil {
		_ = e.otelShutdown(context.Background())
	}
}
