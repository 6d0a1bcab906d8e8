package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritail/veritail/internal/model"
	"github.com/veritail/veritail/internal/storage"
	"github.com/veritail/veritail/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

// newJob inserts a fresh pending job for a test to work against.
func newJob(t *testing.T, input string) model.Job {
	t.Helper()
	job, err := testDB.CreateJob(context.Background(), model.Job{
		TenantID: "tenant-" + t.Name(),
		InputRaw: input,
		Mode:     model.ModeBalanced,
	})
	require.NoError(t, err)
	return job
}

// newItem binds an item to the job.
func newItem(t *testing.T, jobID uuid.UUID) model.Item {
	t.Helper()
	item, err := testDB.EnsureItem(context.Background(), jobID)
	require.NoError(t, err)
	return item
}

// newDoc persists a source document for the job.
func newDoc(t *testing.T, jobID uuid.UUID, url string) model.SourceDocument {
	t.Helper()
	doc, err := testDB.UpsertSource(context.Background(), model.SourceDocument{
		JobID:      jobID,
		URL:        url,
		RawContent: "content of " + url,
	})
	require.NoError(t, err)
	return doc
}

func TestCreateAndGetJob(t *testing.T) {
	ctx := context.Background()

	job := newJob(t, "HP CF217A toner cartridge")
	assert.Equal(t, model.JobPending, job.Status)
	assert.NotEmpty(t, job.InputHash)

	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "HP CF217A toner cartridge", got.InputRaw)
	assert.Equal(t, model.ModeBalanced, got.Mode)
	assert.False(t, got.Degraded)
	assert.Nil(t, got.Plan)
}

func TestCreateJobPersistsSubmissionContext(t *testing.T) {
	ctx := context.Background()

	base := newJob(t, "HP CF217A")
	job, err := testDB.CreateJob(ctx, model.Job{
		TenantID:      "tenant-" + t.Name(),
		InputRaw:      "HP CF217A",
		Mode:          model.ModeBalanced,
		PreviousJobID: &base.ID,
		APIKeysRef:    "kms://tenant-keys/acme/1",
		Budgets:       &model.JobBudgets{MaxQueries: 6, LimitPerQuery: 4, Concurrency: 2},
	})
	require.NoError(t, err)

	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PreviousJobID)
	assert.Equal(t, base.ID, *got.PreviousJobID)
	assert.Equal(t, "kms://tenant-keys/acme/1", got.APIKeysRef)
	require.NotNil(t, got.Budgets)
	assert.Equal(t, model.JobBudgets{MaxQueries: 6, LimitPerQuery: 4, Concurrency: 2}, *got.Budgets)

	// Absent submission context stays absent.
	assert.Nil(t, base.PreviousJobID)
	plain, err := testDB.GetJob(ctx, base.ID)
	require.NoError(t, err)
	assert.Nil(t, plain.Budgets)
	assert.Empty(t, plain.APIKeysRef)
}

func TestGetJobNotFound(t *testing.T) {
	_, err := testDB.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTransitionJobForwardAndSteps(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "Brother TN-2420")

	require.NoError(t, testDB.TransitionJob(ctx, job.ID, model.JobPlanning, nil))
	require.NoError(t, testDB.TransitionJob(ctx, job.ID, model.JobSearching, map[string]any{"tasks": 4}))

	// Re-entering the current stage is allowed and still logged.
	require.NoError(t, testDB.TransitionJob(ctx, job.ID, model.JobSearching, nil))

	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobSearching, got.Status)

	steps, err := testDB.ListSteps(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "planning", steps[0].Stage)
	assert.Equal(t, "searching", steps[1].Stage)
	assert.Equal(t, "searching", steps[2].Stage)
	assert.Equal(t, float64(4), steps[1].Detail["tasks"])
}

func TestTransitionJobRejectsBackwards(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "Canon 045H")

	require.NoError(t, testDB.TransitionJob(ctx, job.ID, model.JobSearching, nil))
	err := testDB.TransitionJob(ctx, job.ID, model.JobPlanning, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	// Status is unchanged and no step was logged for the rejected move.
	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobSearching, got.Status)

	steps, err := testDB.ListSteps(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 1)
}

func TestMarkJobFailed(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "Epson 603XL")

	require.NoError(t, testDB.MarkJobFailed(ctx, job.ID, "planner exploded"))

	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "planner exploded", *got.Error)

	// Failed is terminal.
	err = testDB.TransitionJob(ctx, job.ID, model.JobSearching, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
}

func TestSetJobPlanRoundTrip(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "HP CF217A")

	plan := model.Plan{
		MPN:           "CF217A",
		CanonicalName: "HP CF217A",
		Strategies: []model.Strategy{
			{Name: "main", Type: model.StrategyQuery, Value: "HP CF217A specifications"},
			{Name: "direct_guess", Type: model.StrategyURL, Value: "https://www.hp.com/search?q=CF217A"},
		},
		SuggestedBudget: &model.Budget{Mode: model.ModeBalanced, Concurrency: 4, Depth: 2},
		Evidence:        map[string]string{"brand": "hp"},
	}
	require.NoError(t, testDB.SetJobPlan(ctx, job.ID, plan))

	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Plan)
	assert.Equal(t, "CF217A", got.Plan.MPN)
	assert.Len(t, got.Plan.Strategies, 2)
	assert.Equal(t, 4, got.Plan.SuggestedBudget.Concurrency)

	assert.ErrorIs(t, testDB.SetJobPlan(ctx, uuid.New(), plan), storage.ErrNotFound)
}

func TestSetJobDegraded(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "Kyocera TK-1170")

	require.NoError(t, testDB.SetJobDegraded(ctx, job.ID))
	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.Degraded)
}

func TestFindCachedJob(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "Lexmark 51B2000")

	// Not cached while the job is still running.
	_, err := testDB.FindCachedJob(ctx, job.TenantID, job.InputHash)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	item := newItem(t, job.ID)
	for _, s := range []model.JobStatus{
		model.JobPlanning, model.JobSearching, model.JobEnrichment,
		model.JobPolish, model.JobGateCheck,
	} {
		require.NoError(t, testDB.TransitionJob(ctx, job.ID, s, nil))
	}
	require.NoError(t, testDB.SetJobResultRef(ctx, job.ID, item.ID))
	require.NoError(t, testDB.TransitionJob(ctx, job.ID, model.JobDone, nil))

	cached, err := testDB.FindCachedJob(ctx, job.TenantID, job.InputHash)
	require.NoError(t, err)
	assert.Equal(t, job.ID, cached.ID)

	// A different tenant never sees it.
	_, err = testDB.FindCachedJob(ctx, "someone-else", job.InputHash)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEnsureItemIdempotent(t *testing.T) {
	job := newJob(t, "Ricoh SP 150")

	first := newItem(t, job.ID)
	second := newItem(t, job.ID)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, model.ItemProcessing, second.Status)
	assert.NotNil(t, second.Data)
	assert.NotNil(t, second.Evidence)
}

func TestSaveItemRoundTrip(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "Xerox 106R02773")
	item := newItem(t, job.ID)

	item.Data["brand"] = "Xerox"
	item.Data["model"] = "106R02773"
	item.Evidence["brand"] = model.FieldEvidence{
		Value:      "Xerox",
		SourceURL:  "https://www.xerox.com/supplies",
		Confidence: 0.92,
		Method:     "weighted_vote",
		Timestamp:  time.Now().UTC(),
	}
	item.Status = model.ItemPublished
	item.ValidationErrors = []string{"missing_nix_data: packaging.weight_g"}
	require.NoError(t, testDB.SaveItem(ctx, item))

	got, err := testDB.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "Xerox", got.Data["brand"])
	assert.Equal(t, model.ItemPublished, got.Status)
	assert.Equal(t, []string{"missing_nix_data: packaging.weight_g"}, got.ValidationErrors)
	assert.InDelta(t, 0.92, got.Evidence["brand"].Confidence, 1e-9)
	assert.Equal(t, "weighted_vote", got.Evidence["brand"].Method)

	missing := item
	missing.ID = uuid.New()
	assert.ErrorIs(t, testDB.SaveItem(ctx, missing), storage.ErrNotFound)
}

func TestUpsertSourceCollapsesPerJob(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "Pantum TL-410")

	first := newDoc(t, job.ID, "https://www.pantum.com/tl-410")
	assert.NotEmpty(t, first.URLHash)
	assert.Equal(t, "pantum.com", first.Domain)

	// Same URL again in the same job returns the stored row unchanged.
	again, err := testDB.UpsertSource(ctx, model.SourceDocument{
		JobID:      job.ID,
		URL:        "https://www.pantum.com/tl-410",
		RawContent: "different content that must not overwrite",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.RawContent, again.RawContent)

	// A different job gets its own row for the same URL.
	other := newJob(t, "Pantum TL-410 alt")
	otherDoc := newDoc(t, other.ID, "https://www.pantum.com/tl-410")
	assert.NotEqual(t, first.ID, otherDoc.ID)

	n, err := testDB.CountSourcesByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFindSourceByURLHonorsTTL(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "HP 305A")

	fresh := newDoc(t, job.ID, "https://www.hp.com/305a")
	got, err := testDB.FindSourceByURL(ctx, "https://www.hp.com/305a", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, got.ID)

	// A stale copy is invisible through the cache.
	stale, err := testDB.UpsertSource(ctx, model.SourceDocument{
		JobID:     job.ID,
		URL:       "https://www.hp.com/305a-old",
		FetchedAt: time.Now().UTC().Add(-48 * time.Hour),
	})
	require.NoError(t, err)
	_, err = testDB.FindSourceByURL(ctx, stale.URL, 24*time.Hour)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Failed fetches never serve as cache hits.
	failed, err := testDB.UpsertSource(ctx, model.SourceDocument{
		JobID:  job.ID,
		URL:    "https://www.hp.com/305a-broken",
		Status: model.DocFailed,
	})
	require.NoError(t, err)
	_, err = testDB.FindSourceByURL(ctx, failed.URL, 24*time.Hour)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFindSourceByURLIgnoresQueryNoise(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "Brother DR-2400")

	doc := newDoc(t, job.ID, "https://www.brother.eu/dr-2400?utm_source=feed&ref=x")
	got, err := testDB.FindSourceByURL(ctx, "https://www.brother.eu/dr-2400", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
}

func TestInsertClaimsBatchIdempotent(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "HP CE285A")
	item := newItem(t, job.ID)
	doc := newDoc(t, job.ID, "https://www.hp.com/ce285a")

	claims := []model.Claim{
		{ItemID: item.ID, SourceDocID: doc.ID, Field: "brand", Value: "HP", Confidence: 95},
		{ItemID: item.ID, SourceDocID: doc.ID, Field: "model", Value: "CE285A", Confidence: 90},
	}
	require.NoError(t, testDB.InsertClaimsBatch(ctx, claims))

	// Replaying the same extraction lands zero new rows.
	require.NoError(t, testDB.InsertClaimsBatch(ctx, claims))

	got, err := testDB.ClaimsForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "brand", got[0].Field)
	assert.Equal(t, "https://www.hp.com/ce285a", got[0].SourceURL)
	assert.Equal(t, "hp.com", got[0].SourceDomain)
	assert.False(t, got[0].Fallback)
}

func TestClaimsCarryFallbackProvenance(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "Canon CRG-057")
	item := newItem(t, job.ID)

	doc, err := testDB.UpsertSource(ctx, model.SourceDocument{
		JobID:    job.ID,
		URL:      "https://cache.example.com/crg-057",
		Metadata: model.DocMetadata{Fallback: true},
	})
	require.NoError(t, err)
	require.NoError(t, testDB.InsertClaimsBatch(ctx, []model.Claim{
		{ItemID: item.ID, SourceDocID: doc.ID, Field: "brand", Value: "Canon", Confidence: 80},
	}))

	got, err := testDB.ClaimsForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Fallback)
}

func TestClaimsForFields(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "Epson T0711")
	item := newItem(t, job.ID)
	doc := newDoc(t, job.ID, "https://www.epson.eu/t0711")

	require.NoError(t, testDB.InsertClaimsBatch(ctx, []model.Claim{
		{ItemID: item.ID, SourceDocID: doc.ID, Field: "brand", Value: "Epson", Confidence: 95},
		{ItemID: item.ID, SourceDocID: doc.ID, Field: "color", Value: "black", Confidence: 85},
		{ItemID: item.ID, SourceDocID: doc.ID, Field: "packaging.weight_g", Value: "60", Confidence: 70},
	}))

	got, err := testDB.ClaimsForFields(ctx, item.ID, []string{"brand", "packaging.weight_g"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, c := range got {
		assert.NotEqual(t, "color", c.Field)
	}

	got, err = testDB.ClaimsForFields(ctx, item.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAddTaskDeduplicatesLiveTasks(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "HP 26A")

	added, err := testDB.AddTask(ctx, model.Task{
		JobID: job.ID, Type: model.StrategyQuery, Value: "HP 26A specs", Priority: 80,
	})
	require.NoError(t, err)
	assert.True(t, added)

	// Same value while the first is still pending: dropped.
	added, err = testDB.AddTask(ctx, model.Task{
		JobID: job.ID, Type: model.StrategyQuery, Value: "HP 26A specs", Priority: 50,
	})
	require.NoError(t, err)
	assert.False(t, added)

	// After the task reaches a terminal state the value may be enqueued again.
	tasks, err := testDB.NextBatch(ctx, job.ID, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, testDB.CompleteTask(ctx, tasks[0].ID, model.TaskCompleted))

	added, err = testDB.AddTask(ctx, model.Task{
		JobID: job.ID, Type: model.StrategyQuery, Value: "HP 26A specs", Priority: 30,
	})
	require.NoError(t, err)
	assert.True(t, added)
}

func TestNextBatchOrdering(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "Brother LC-3217")

	base := time.Now().UTC()
	for i, spec := range []struct {
		value    string
		priority int
	}{
		{"low", 10},
		{"mid-first", 50},
		{"high", 90},
		{"mid-second", 50},
	} {
		_, err := testDB.AddTask(ctx, model.Task{
			JobID:      job.ID,
			Type:       model.StrategyQuery,
			Value:      spec.value,
			Priority:   spec.priority,
			EnqueuedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	tasks, err := testDB.NextBatch(ctx, job.ID, 3, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "high", tasks[0].Value)
	assert.Equal(t, "mid-first", tasks[1].Value)
	assert.Equal(t, "mid-second", tasks[2].Value)
	for _, task := range tasks {
		assert.Equal(t, model.TaskProcessing, task.State)
		assert.NotNil(t, task.LeaseExpiresAt)
	}

	// Leased tasks are invisible to the next pull.
	rest, err := testDB.NextBatch(ctx, job.ID, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "low", rest[0].Value)
}

func TestCompleteTaskGuards(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "Canon PG-545")

	_, err := testDB.AddTask(ctx, model.Task{
		JobID: job.ID, Type: model.StrategyQuery, Value: "canon pg-545", Priority: 50,
	})
	require.NoError(t, err)

	err = testDB.CompleteTask(ctx, uuid.New(), model.TaskState("bogus"))
	assert.Error(t, err)

	tasks, err := testDB.NextBatch(ctx, job.ID, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, testDB.CompleteTask(ctx, tasks[0].ID, model.TaskFailed))

	// A second completion on a task that already reached a terminal state is
	// a no-op; the first outcome wins.
	require.NoError(t, testDB.CompleteTask(ctx, tasks[0].ID, model.TaskCompleted))

	got, err := testDB.GetTask(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.State)
}

func TestReapExpiredLeases(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "HP 953XL")

	_, err := testDB.AddTask(ctx, model.Task{
		JobID: job.ID, Type: model.StrategyURL, Value: "https://www.hp.com/953xl", Priority: 50,
	})
	require.NoError(t, err)

	// Lease in the past: expires immediately.
	tasks, err := testDB.NextBatch(ctx, job.ID, 1, -time.Second)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	reaped, err := testDB.ReapExpiredLeases(ctx, job.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	got, err := testDB.GetTask(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.LeaseExpiresAt)
}

func TestReapFailsExhaustedTasks(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "Epson 104")

	_, err := testDB.AddTask(ctx, model.Task{
		JobID: job.ID, Type: model.StrategyQuery, Value: "epson 104 specs", Priority: 50,
	})
	require.NoError(t, err)

	var taskID uuid.UUID
	for attempt := 0; attempt < 3; attempt++ {
		tasks, err := testDB.NextBatch(ctx, job.ID, 1, -time.Second)
		require.NoError(t, err)
		require.Len(t, tasks, 1, "attempt %d", attempt)
		taskID = tasks[0].ID
		_, err = testDB.ReapExpiredLeases(ctx, job.ID, 3)
		require.NoError(t, err)
	}

	got, err := testDB.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.State)
	assert.Equal(t, 3, got.Attempts)
}

func TestReleaseTaskReturnsToPending(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "Xerox 106R03621")

	_, err := testDB.AddTask(ctx, model.Task{
		JobID: job.ID, Type: model.StrategyQuery, Value: "xerox 106r03621 specs", Priority: 50,
	})
	require.NoError(t, err)

	tasks, err := testDB.NextBatch(ctx, job.ID, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	state, err := testDB.ReleaseTask(ctx, tasks[0].ID, 3)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, state)

	got, err := testDB.GetTask(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.LeaseExpiresAt)

	// Released tasks are immediately available again.
	again, err := testDB.NextBatch(ctx, job.ID, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, tasks[0].ID, again[0].ID)
}

func TestReleaseTaskFailsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "Ricoh SP 150")

	_, err := testDB.AddTask(ctx, model.Task{
		JobID: job.ID, Type: model.StrategyQuery, Value: "ricoh sp 150 specs", Priority: 50,
	})
	require.NoError(t, err)

	var state model.TaskState
	for attempt := 0; attempt < 2; attempt++ {
		tasks, err := testDB.NextBatch(ctx, job.ID, 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, tasks, 1, "attempt %d", attempt)
		state, err = testDB.ReleaseTask(ctx, tasks[0].ID, 2)
		require.NoError(t, err)
	}
	assert.Equal(t, model.TaskFailed, state)

	// Terminal or already-released tasks are left alone.
	tasks, err := testDB.NextBatch(ctx, job.ID, 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestReleaseTaskIgnoresNonProcessing(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "Pantum PC-211")

	_, err := testDB.AddTask(ctx, model.Task{
		JobID: job.ID, Type: model.StrategyQuery, Value: "pantum pc-211", Priority: 50,
	})
	require.NoError(t, err)

	tasks, err := testDB.NextBatch(ctx, job.ID, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, testDB.CompleteTask(ctx, tasks[0].ID, model.TaskCompleted))

	state, err := testDB.ReleaseTask(ctx, tasks[0].ID, 3)
	require.NoError(t, err)
	assert.Empty(t, state)

	got, err := testDB.GetTask(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, got.State)
	assert.Equal(t, 0, got.Attempts)
}

func TestFrontierStats(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "Kyocera TK-5240")

	for _, v := range []string{"a", "b", "c"} {
		_, err := testDB.AddTask(ctx, model.Task{
			JobID: job.ID, Type: model.StrategyQuery, Value: v, Priority: 50,
		})
		require.NoError(t, err)
	}
	tasks, err := testDB.NextBatch(ctx, job.ID, 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.NoError(t, testDB.CompleteTask(ctx, tasks[0].ID, model.TaskCompleted))

	stats, err := testDB.Stats(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FrontierStats{Pending: 1, Processing: 1, Completed: 1}, stats)
}

func TestTaskMetaRoundTrip(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "HP 117A")

	_, err := testDB.AddTask(ctx, model.Task{
		JobID:    job.ID,
		Type:     model.StrategyDomainMap,
		Value:    "packaging lookup",
		Priority: 60,
		Depth:    1,
		Meta: model.TaskMeta{
			Strategy:     "logistics",
			TargetDomain: "nix.example.com",
			Repair:       true,
			RepairField:  "packaging.weight_g",
		},
	})
	require.NoError(t, err)

	tasks, err := testDB.NextBatch(ctx, job.ID, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "nix.example.com", tasks[0].Meta.TargetDomain)
	assert.True(t, tasks[0].Meta.Repair)
	assert.Equal(t, "packaging.weight_g", tasks[0].Meta.RepairField)
	assert.Equal(t, 1, tasks[0].Depth)
}

func TestSearchSourcesByEmbedding(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "Brother TN-423")

	store := func(url string, vec []float32) model.SourceDocument {
		v := pgvector.NewVector(vec)
		doc, err := testDB.UpsertSource(ctx, model.SourceDocument{
			JobID:     job.ID,
			URL:       url,
			Embedding: &v,
		})
		require.NoError(t, err)
		return doc
	}
	near := store("https://a.example.com", []float32{1, 0, 0})
	far := store("https://b.example.com", []float32{0, 1, 0})
	newDoc(t, job.ID, "https://no-embedding.example.com")

	got, err := testDB.SearchSourcesByEmbedding(ctx, job.ID, pgvector.NewVector([]float32{0.9, 0.1, 0}), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, near.ID, got[0].ID)
	assert.Equal(t, far.ID, got[1].ID)
}

func TestInsertAudit(t *testing.T) {
	ctx := context.Background()
	job := newJob(t, "Xerox 013R00691")

	require.NoError(t, testDB.InsertAudit(ctx, storage.AuditEntry{
		TenantID:   job.TenantID,
		EntityType: "item",
		EntityID:   job.ID.String(),
		Action:     "gate_check",
		Before:     map[string]any{"status": "processing"},
		After:      map[string]any{"status": "published"},
		Reason:     "all gates passed",
	}))

	var n int
	err := testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM audit_log WHERE tenant_id = $1`, job.TenantID).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunMigrationsIdempotent(t *testing.T) {
	// All migrations already ran in TestMain; a second pass applies nothing.
	var before int
	require.NoError(t, testDB.Pool().QueryRow(context.Background(),
		`SELECT count(*) FROM schema_migrations`).Scan(&before))
	assert.Positive(t, before)
}
