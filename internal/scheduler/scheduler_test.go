package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritail/veritail/internal/adapters"
	"github.com/veritail/veritail/internal/executor"
	"github.com/veritail/veritail/internal/ident"
	"github.com/veritail/veritail/internal/model"
)

// memFrontier mimics the Postgres frontier: pending tasks ordered by
// (priority desc, enqueued_at asc), live-value dedup, lease on pull.
type memFrontier struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*model.Task
	seq   int
}

func newMemFrontier() *memFrontier {
	return &memFrontier{tasks: make(map[uuid.UUID]*model.Task)}
}

func (f *memFrontier) AddTask(_ context.Context, task model.Task) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		live := t.State == model.TaskPending || t.State == model.TaskProcessing
		if live && t.JobID == task.JobID && t.Value == task.Value {
			return false, nil
		}
	}
	f.seq++
	task.EnqueuedAt = time.Date(2026, 8, 1, 0, 0, 0, f.seq, time.UTC)
	cp := task
	f.tasks[task.ID] = &cp
	return true, nil
}

func (f *memFrontier) NextBatch(_ context.Context, jobID uuid.UUID, n int, _ time.Duration) ([]model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pending []*model.Task
	for _, t := range f.tasks {
		if t.JobID == jobID && t.State == model.TaskPending {
			pending = append(pending, t)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].EnqueuedAt.Before(pending[j].EnqueuedAt)
	})
	if len(pending) > n {
		pending = pending[:n]
	}
	out := make([]model.Task, 0, len(pending))
	for _, t := range pending {
		t.State = model.TaskProcessing
		out = append(out, *t)
	}
	return out, nil
}

func (f *memFrontier) CompleteTask(_ context.Context, taskID uuid.UUID, outcome model.TaskState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok || t.State != model.TaskProcessing {
		return errors.New("not processing")
	}
	t.State = outcome
	return nil
}

func (f *memFrontier) ReleaseTask(_ context.Context, taskID uuid.UUID, maxAttempts int) (model.TaskState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok || t.State != model.TaskProcessing {
		return "", nil
	}
	t.Attempts++
	if t.Attempts >= maxAttempts {
		t.State = model.TaskFailed
	} else {
		t.State = model.TaskPending
	}
	return t.State, nil
}

func (f *memFrontier) ReapExpiredLeases(context.Context, uuid.UUID, int) (int, error) {
	return 0, nil
}

func (f *memFrontier) byState(state model.TaskState) []model.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Task
	for _, t := range f.tasks {
		if t.State == state {
			out = append(out, *t)
		}
	}
	return out
}

// fakeRunner scripts per-value outputs and records run order.
type fakeRunner struct {
	mu         sync.Mutex
	outs       map[string]executor.Output
	errs       map[string]error
	order      []string
	batchCalls int
	exhausted  bool
}

func (r *fakeRunner) Run(_ context.Context, task model.Task, _ uuid.UUID) (executor.Output, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, task.Value)
	if err, ok := r.errs[task.Value]; ok {
		return executor.Output{}, err
	}
	return r.outs[task.Value], nil
}

func (r *fakeRunner) RunBatch(ctx context.Context, tasks []model.Task, itemID uuid.UUID) (map[uuid.UUID]executor.Output, map[uuid.UUID]error) {
	r.mu.Lock()
	r.batchCalls++
	r.mu.Unlock()
	outs := make(map[uuid.UUID]executor.Output)
	errs := make(map[uuid.UUID]error)
	for _, t := range tasks {
		out, err := r.Run(ctx, t, itemID)
		if err != nil {
			errs[t.ID] = err
			continue
		}
		outs[t.ID] = out
	}
	return outs, errs
}

func (r *fakeRunner) Exhausted() bool { return r.exhausted }

func testOptions(concurrency int) Options {
	return Options{
		Concurrency:   concurrency,
		SliceDeadline: 2 * time.Second,
		DrainMargin:   200 * time.Millisecond,
		DrainTimeout:  time.Second,
		Lease:         time.Minute,
		MaxAttempts:   3,
	}
}

func addTask(t *testing.T, f *memFrontier, jobID uuid.UUID, typ model.StrategyType, value string, priority int) model.Task {
	t.Helper()
	task := model.Task{
		ID:       ident.NewID(),
		JobID:    jobID,
		Type:     typ,
		Value:    value,
		Priority: priority,
		State:    model.TaskPending,
	}
	inserted, err := f.AddTask(context.Background(), task)
	require.NoError(t, err)
	require.True(t, inserted)
	return task
}

func TestRunSliceDispatchOrder(t *testing.T) {
	jobID, itemID := ident.NewID(), ident.NewID()
	f := newMemFrontier()
	addTask(t, f, jobID, model.StrategyQuery, "low", 10)
	addTask(t, f, jobID, model.StrategyQuery, "high", 90)
	addTask(t, f, jobID, model.StrategyQuery, "mid-first", 50)
	addTask(t, f, jobID, model.StrategyQuery, "mid-second", 50)

	r := &fakeRunner{outs: map[string]executor.Output{}}
	s := New(f, r, testOptions(1)) // serial dispatch exposes ordering

	res, err := s.RunSlice(context.Background(), jobID, itemID)
	require.NoError(t, err)

	assert.True(t, res.Done)
	assert.Equal(t, 4, res.Completed)
	assert.Equal(t, []string{"high", "mid-first", "mid-second", "low"}, r.order)
}

func TestRunSliceDoneOnEmptyFrontier(t *testing.T) {
	jobID, itemID := ident.NewID(), ident.NewID()
	s := New(newMemFrontier(), &fakeRunner{}, testOptions(4))

	res, err := s.RunSlice(context.Background(), jobID, itemID)
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Zero(t, res.Dispatched)
}

func TestRunSliceBatchesURLTasks(t *testing.T) {
	jobID, itemID := ident.NewID(), ident.NewID()
	f := newMemFrontier()
	addTask(t, f, jobID, model.StrategyURL, "https://a.example/p", 50)
	addTask(t, f, jobID, model.StrategyURL, "https://b.example/p", 50)
	addTask(t, f, jobID, model.StrategyURL, "https://c.example/p", 50)

	r := &fakeRunner{outs: map[string]executor.Output{}}
	s := New(f, r, testOptions(4))

	res, err := s.RunSlice(context.Background(), jobID, itemID)
	require.NoError(t, err)

	assert.True(t, res.Done)
	assert.Equal(t, 3, res.Completed)
	assert.Equal(t, 1, r.batchCalls)
}

func TestRunSliceEnqueuesExpansions(t *testing.T) {
	jobID, itemID := ident.NewID(), ident.NewID()
	f := newMemFrontier()
	parent := addTask(t, f, jobID, model.StrategyQuery, "seed", 50)
	_ = parent

	r := &fakeRunner{outs: map[string]executor.Output{
		"seed": {Expansions: []model.Expansion{
			{Type: model.StrategyQuery, Value: "followup-1"},
			{Type: model.StrategyQuery, Value: "followup-2"},
		}},
	}}
	s := New(f, r, testOptions(2))

	res, err := s.RunSlice(context.Background(), jobID, itemID)
	require.NoError(t, err)
	require.True(t, res.Done)

	// Expansions ran in the same slice at reduced priority and deeper depth.
	assert.Equal(t, 3, res.Completed)
	done := f.byState(model.TaskCompleted)
	byValue := make(map[string]model.Task, len(done))
	for _, task := range done {
		byValue[task.Value] = task
	}
	require.Contains(t, byValue, "followup-1")
	assert.Equal(t, 40, byValue["followup-1"].Priority)
	assert.Equal(t, 1, byValue["followup-1"].Depth)
}

func TestRunSliceDepthCapStopsExpansion(t *testing.T) {
	jobID, itemID := ident.NewID(), ident.NewID()
	f := newMemFrontier()
	deep := model.Task{
		ID: ident.NewID(), JobID: jobID, Type: model.StrategyQuery,
		Value: "deep", Priority: 50, Depth: 2, State: model.TaskPending,
	}
	_, err := f.AddTask(context.Background(), deep)
	require.NoError(t, err)

	r := &fakeRunner{outs: map[string]executor.Output{
		"deep": {Expansions: []model.Expansion{{Type: model.StrategyQuery, Value: "too-deep"}}},
	}}
	opts := testOptions(2)
	opts.DepthCap = 2
	s := New(f, r, opts)

	res, err := s.RunSlice(context.Background(), jobID, itemID)
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, 1, res.Completed)
	assert.Empty(t, f.byState(model.TaskPending))
}

func TestRunSliceFailureHandling(t *testing.T) {
	jobID, itemID := ident.NewID(), ident.NewID()
	f := newMemFrontier()
	addTask(t, f, jobID, model.StrategyQuery, "ok", 90)
	bad := addTask(t, f, jobID, model.StrategyQuery, "bad", 80)
	flaky := addTask(t, f, jobID, model.StrategyQuery, "flaky", 70)

	r := &fakeRunner{
		outs: map[string]executor.Output{"ok": {}},
		errs: map[string]error{
			"bad":   adapters.NewError(adapters.KindPermanent, "run", errors.New("boom")),
			"flaky": adapters.NewError(adapters.KindTransient, "run", errors.New("503")),
		},
	}
	s := New(f, r, testOptions(1))

	res, err := s.RunSlice(context.Background(), jobID, itemID)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 2, res.Failed)
	assert.True(t, res.Done)

	// The transient task was released back to pending after each attempt and
	// retried within the slice until its attempts ran out.
	failedIDs := make(map[uuid.UUID]bool)
	for _, task := range f.byState(model.TaskFailed) {
		failedIDs[task.ID] = true
	}
	assert.True(t, failedIDs[bad.ID])
	assert.True(t, failedIDs[flaky.ID])
	assert.Empty(t, f.byState(model.TaskProcessing))
}

func TestRunSliceTransientExhaustionLeavesNothingLeased(t *testing.T) {
	jobID, itemID := ident.NewID(), ident.NewID()
	f := newMemFrontier()
	task := addTask(t, f, jobID, model.StrategyQuery, "always-503", 50)

	r := &fakeRunner{errs: map[string]error{
		"always-503": adapters.NewError(adapters.KindTransient, "run", errors.New("503")),
	}}
	s := New(f, r, testOptions(2))

	res, err := s.RunSlice(context.Background(), jobID, itemID)
	require.NoError(t, err)

	// A slice must not report an empty frontier while a task still holds a
	// lease. The task ends terminal once its attempts are spent.
	assert.True(t, res.Done)
	assert.Empty(t, f.byState(model.TaskProcessing))
	assert.Empty(t, f.byState(model.TaskPending))
	failed := f.byState(model.TaskFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, task.ID, failed[0].ID)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Equal(t, 1, res.Failed)
}

func TestRunSliceExhaustionPropagates(t *testing.T) {
	jobID, itemID := ident.NewID(), ident.NewID()
	f := newMemFrontier()
	task := addTask(t, f, jobID, model.StrategyQuery, "q", 50)

	r := &fakeRunner{
		errs: map[string]error{
			"q": adapters.NewError(adapters.KindCreditsExhausted, "scrape", errors.New("402")),
		},
		exhausted: true,
	}
	s := New(f, r, testOptions(2))

	res, err := s.RunSlice(context.Background(), jobID, itemID)
	require.NoError(t, err)

	assert.True(t, res.Exhausted)
	// Credit exhaustion completes the task rather than failing it; the job
	// degrades instead of erroring.
	done := f.byState(model.TaskCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, task.ID, done[0].ID)
}

func TestRunSliceDeduplicatesExpansions(t *testing.T) {
	jobID, itemID := ident.NewID(), ident.NewID()
	f := newMemFrontier()
	addTask(t, f, jobID, model.StrategyQuery, "a", 60)
	addTask(t, f, jobID, model.StrategyQuery, "b", 50)

	// Both parents discover the same follow-up; it must run once.
	exp := []model.Expansion{{Type: model.StrategyQuery, Value: "shared"}}
	r := &fakeRunner{outs: map[string]executor.Output{
		"a": {Expansions: exp},
		"b": {Expansions: exp},
	}}
	s := New(f, r, testOptions(1))

	res, err := s.RunSlice(context.Background(), jobID, itemID)
	require.NoError(t, err)
	require.True(t, res.Done)

	shared := 0
	for _, task := range f.byState(model.TaskCompleted) {
		if task.Value == "shared" {
			shared++
		}
	}
	assert.Equal(t, 1, shared)
}
