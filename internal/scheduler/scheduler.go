// Package scheduler drives the execution phase of a job in bounded slices.
// Each slice pulls tasks from the frontier under a concurrency cap, dispatches
// them to the executor, integrates results, and drains cleanly before the
// slice deadline. Work abandoned mid-flight returns to the frontier through
// lease expiry; work whose retries are already spent is released back
// explicitly so a slice never drains around a live lease.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/veritail/veritail/internal/adapters"
	"github.com/veritail/veritail/internal/executor"
	"github.com/veritail/veritail/internal/ident"
	"github.com/veritail/veritail/internal/model"
	"github.com/veritail/veritail/internal/telemetry"
)

// expansionPriorityDrop is subtracted from the parent task's priority when
// enqueueing discovered follow-up work.
const expansionPriorityDrop = 10

// Frontier is the persistent task queue surface the scheduler needs.
type Frontier interface {
	NextBatch(ctx context.Context, jobID uuid.UUID, n int, lease time.Duration) ([]model.Task, error)
	AddTask(ctx context.Context, task model.Task) (bool, error)
	CompleteTask(ctx context.Context, taskID uuid.UUID, outcome model.TaskState) error
	ReleaseTask(ctx context.Context, taskID uuid.UUID, maxAttempts int) (model.TaskState, error)
	ReapExpiredLeases(ctx context.Context, jobID uuid.UUID, maxAttempts int) (int, error)
}

// Runner executes tasks. Implemented by *executor.Executor.
type Runner interface {
	Run(ctx context.Context, task model.Task, itemID uuid.UUID) (executor.Output, error)
	RunBatch(ctx context.Context, tasks []model.Task, itemID uuid.UUID) (map[uuid.UUID]executor.Output, map[uuid.UUID]error)
	Exhausted() bool
}

// Options tunes slice execution.
type Options struct {
	Concurrency   int
	SliceDeadline time.Duration
	DrainMargin   time.Duration
	DrainTimeout  time.Duration
	Lease         time.Duration
	MaxAttempts   int
	DepthCap      int // 0 disables the cap
	Clock         ident.Clock
	Logger        *slog.Logger
}

// SliceResult summarizes one slice.
type SliceResult struct {
	Done       bool // frontier empty and nothing in flight
	Exhausted  bool // some task hit credit exhaustion
	Dispatched int
	Completed  int
	Failed     int
}

// Scheduler runs slices for one job.
type Scheduler struct {
	frontier Frontier
	runner   Runner
	opts     Options

	sliceDuration metric.Float64Histogram
	taskCount     metric.Int64Counter
}

// New creates a scheduler.
func New(frontier Frontier, runner Runner, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = ident.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	meter := telemetry.Meter("veritail/scheduler")
	sliceDur, _ := meter.Float64Histogram("veritail.slice.duration",
		metric.WithDescription("Wall-clock time of one execution slice (ms)"),
		metric.WithUnit("ms"),
	)
	taskCount, _ := meter.Int64Counter("veritail.slice.tasks",
		metric.WithDescription("Tasks finished per outcome"),
	)
	return &Scheduler{
		frontier:      frontier,
		runner:        runner,
		opts:          opts,
		sliceDuration: sliceDur,
		taskCount:     taskCount,
	}
}

// taskResult is one finished task future.
type taskResult struct {
	task model.Task
	out  executor.Output
	err  error
}

// RunSlice executes one slice for the job. It dispatches until the drain
// point, then awaits all in-flight tasks bounded by the hard wall clock.
// Tasks still running at the hard stop are cancelled cooperatively and
// return to the frontier via lease expiry.
func (s *Scheduler) RunSlice(ctx context.Context, jobID, itemID uuid.UUID) (SliceResult, error) {
	start := s.opts.Clock.Now()
	deadline := start.Add(s.opts.SliceDeadline)
	drainAt := deadline.Add(-s.opts.DrainMargin)
	hardStop := deadline.Add(s.opts.DrainTimeout)

	// Recover tasks abandoned by a previous crash or slice overrun before
	// pulling new work.
	reaped, err := s.frontier.ReapExpiredLeases(ctx, jobID, s.opts.MaxAttempts)
	if err != nil {
		return SliceResult{}, fmt.Errorf("scheduler: reap leases: %w", err)
	}
	if reaped > 0 {
		s.opts.Logger.Info("recovered expired task leases",
			slog.String("job_id", jobID.String()), slog.Int("reaped", reaped))
	}

	taskCtx, cancel := context.WithDeadline(ctx, hardStop)
	defer cancel()

	var (
		res     SliceResult
		active  int
		results = make(chan taskResult)
		g       errgroup.Group
	)

	for s.opts.Clock.Now().Before(drainAt) && ctx.Err() == nil {
		free := s.opts.Concurrency - active
		if free > 0 {
			tasks, err := s.frontier.NextBatch(ctx, jobID, free, s.opts.Lease)
			if err != nil {
				return res, fmt.Errorf("scheduler: next batch: %w", err)
			}
			if len(tasks) == 0 && active == 0 {
				res.Done = true
				break
			}
			active += s.dispatch(taskCtx, &g, tasks, itemID, results)
			res.Dispatched += len(tasks)
		}

		if active == 0 {
			continue
		}
		timer := time.NewTimer(time.Until(drainAt))
		select {
		case r := <-results:
			timer.Stop()
			active--
			s.integrate(ctx, r, &res)
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	// Drain: no new dispatch, await everything in flight up to the hard stop.
	drainTimer := time.NewTimer(time.Until(hardStop))
	defer drainTimer.Stop()
	for active > 0 {
		select {
		case r := <-results:
			active--
			s.integrate(ctx, r, &res)
		case <-drainTimer.C:
			// Cooperative cancellation; abandoned tasks come back through
			// lease expiry.
			cancel()
		case <-ctx.Done():
			cancel()
		}
		if taskCtx.Err() != nil && active > 0 {
			// Cancelled futures still deliver a result promptly.
			r := <-results
			active--
			s.integrate(ctx, r, &res)
		}
	}
	_ = g.Wait()

	res.Exhausted = res.Exhausted || s.runner.Exhausted()
	s.record(ctx, start, res)
	return res, ctx.Err()
}

// record emits slice metrics. Instruments come from the global meter provider
// and are no-ops when telemetry is not configured.
func (s *Scheduler) record(ctx context.Context, start time.Time, res SliceResult) {
	s.sliceDuration.Record(ctx, float64(s.opts.Clock.Now().Sub(start).Milliseconds()))
	s.taskCount.Add(ctx, int64(res.Completed),
		metric.WithAttributes(attribute.String("outcome", "completed")))
	s.taskCount.Add(ctx, int64(res.Failed),
		metric.WithAttributes(attribute.String("outcome", "failed")))
}

// dispatch fans tasks out to the executor. Consecutive url tasks (two or
// more) share one batched scrape; everything else runs individually. Returns
// the number of in-flight futures added, one per task.
func (s *Scheduler) dispatch(ctx context.Context, g *errgroup.Group, tasks []model.Task, itemID uuid.UUID, results chan<- taskResult) int {
	var urlTasks, rest []model.Task
	for _, t := range tasks {
		if t.Type == model.StrategyURL {
			urlTasks = append(urlTasks, t)
		} else {
			rest = append(rest, t)
		}
	}

	if len(urlTasks) == 1 {
		rest = append(rest, urlTasks[0])
		urlTasks = nil
	}
	if len(urlTasks) > 1 {
		batch := urlTasks
		g.Go(func() error {
			outs, errs := s.runner.RunBatch(ctx, batch, itemID)
			for _, t := range batch {
				if err, ok := errs[t.ID]; ok {
					results <- taskResult{task: t, err: err}
					continue
				}
				results <- taskResult{task: t, out: outs[t.ID]}
			}
			return nil
		})
	}
	for _, t := range rest {
		task := t
		g.Go(func() error {
			out, err := s.runner.Run(ctx, task, itemID)
			results <- taskResult{task: task, out: out, err: err}
			return nil
		})
	}
	return len(tasks)
}

// integrate records one finished task: completion state in the frontier and
// expansion enqueueing. Docs and claims were already persisted inside the
// executor.
func (s *Scheduler) integrate(ctx context.Context, r taskResult, res *SliceResult) {
	if r.out.Exhausted {
		res.Exhausted = true
	}

	if r.err != nil {
		switch adapters.KindOf(r.err) {
		case adapters.KindTransient:
			// Retries inside the executor are spent. Release the task back to
			// pending (or failed, once attempts run out) right away; holding
			// the lease until expiry would let the slice report an empty
			// frontier while the task is still live.
			state, rerr := s.frontier.ReleaseTask(ctx, r.task.ID, s.opts.MaxAttempts)
			if rerr != nil {
				s.opts.Logger.Error("task release not recorded",
					slog.String("task_id", r.task.ID.String()), slog.Any("error", rerr))
				return
			}
			if state == model.TaskFailed {
				res.Failed++
			}
			s.opts.Logger.Warn("task released for retry",
				slog.String("task_id", r.task.ID.String()),
				slog.String("state", string(state)), slog.Any("error", r.err))
			return
		case adapters.KindCreditsExhausted:
			res.Exhausted = true
			// Nothing left to do for this task until credits recover; its
			// partial output is already durable.
			s.complete(ctx, r.task, model.TaskCompleted, res)
			return
		default:
			s.opts.Logger.Warn("task failed",
				slog.String("task_id", r.task.ID.String()),
				slog.String("kind", string(adapters.KindOf(r.err))),
				slog.Any("error", r.err))
			s.complete(ctx, r.task, model.TaskFailed, res)
			return
		}
	}

	s.complete(ctx, r.task, model.TaskCompleted, res)
	s.enqueueExpansions(ctx, r.task, r.out.Expansions)
}

func (s *Scheduler) complete(ctx context.Context, task model.Task, outcome model.TaskState, res *SliceResult) {
	if err := s.frontier.CompleteTask(ctx, task.ID, outcome); err != nil {
		s.opts.Logger.Error("task completion not recorded",
			slog.String("task_id", task.ID.String()), slog.Any("error", err))
		return
	}
	if outcome == model.TaskFailed {
		res.Failed++
	} else {
		res.Completed++
	}
}

// enqueueExpansions adds discovered follow-up work below the parent's
// priority and one level deeper. Duplicates are dropped by the frontier.
func (s *Scheduler) enqueueExpansions(ctx context.Context, parent model.Task, exps []model.Expansion) {
	depth := parent.Depth + 1
	if s.opts.DepthCap > 0 && depth > s.opts.DepthCap {
		return
	}
	for _, exp := range exps {
		task := model.Task{
			ID:         ident.NewID(),
			JobID:      parent.JobID,
			Type:       exp.Type,
			Value:      exp.Value,
			Priority:   parent.Priority - expansionPriorityDrop,
			Depth:      depth,
			State:      model.TaskPending,
			Meta:       exp.Meta,
			EnqueuedAt: s.opts.Clock.Now(),
		}
		inserted, err := s.frontier.AddTask(ctx, task)
		if err != nil {
			s.opts.Logger.Warn("expansion not enqueued",
				slog.String("value", exp.Value), slog.Any("error", err))
			continue
		}
		if !inserted {
			s.opts.Logger.Debug("expansion already queued", slog.String("value", exp.Value))
		}
	}
}
