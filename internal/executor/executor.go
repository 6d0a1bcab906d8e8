// Package executor turns one frontier task into persisted source documents
// and claims. It is the only layer that talks to the external adapters; every
// provider failure is classified into the error taxonomy before it reaches
// the scheduler, and the frontier is never mutated here except through the
// returned expansions.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/veritail/veritail/internal/adapters"
	"github.com/veritail/veritail/internal/ident"
	"github.com/veritail/veritail/internal/model"
	"github.com/veritail/veritail/internal/ratelimit"
	"github.com/veritail/veritail/internal/storage"
	"github.com/veritail/veritail/internal/telemetry"
)

// Retry policy for transient adapter failures.
const (
	retryBase     = time.Second
	retryFactor   = 2
	retryCap      = 30 * time.Second
	retryAttempts = 3
)

// Defaults for search fan-out.
const (
	defaultSearchLimit = 8
	defaultRelevantK   = 5
	crawlDepth         = 1
)

var (
	errBudgetReached = errors.New("job budget reached")
	errNoFallback    = errors.New("no fallback provider configured")
)

// Store is the evidence persistence surface the executor needs.
type Store interface {
	UpsertSource(ctx context.Context, doc model.SourceDocument) (model.SourceDocument, error)
	FindSourceByURL(ctx context.Context, rawURL string, ttl time.Duration) (model.SourceDocument, error)
	InsertClaimsBatch(ctx context.Context, claims []model.Claim) error
}

// Output is everything one task produced. Docs and Claims are already
// persisted when Run returns; Expansions are follow-up work for the caller
// to enqueue.
type Output struct {
	Docs       []model.SourceDocument
	Claims     []model.Claim
	Expansions []model.Expansion
	Exhausted  bool
}

// Options tunes an executor instance.
type Options struct {
	CacheTTL       time.Duration         // evidence reuse window for previously fetched URLs
	AdapterTimeout time.Duration         // per adapter call
	CallBudget     *adapters.CallBudget  // job-wide adapter call ceiling
	DocBudget      *adapters.CallBudget  // job-wide source document ceiling
	QueryBudget    *adapters.CallBudget  // caller-supplied cap on search queries, nil disables
	SearchLimit    int
	RelevantK      int
	Limiter        ratelimit.Limiter // per-domain fetch politeness, nil disables
	Clock          ident.Clock
	Logger         *slog.Logger

	// Prompt overrides. Empty fields keep the built-in texts.
	ClaimPrompt     string
	RelevancePrompt string
	ExpansionPrompt string
}

// Executor processes frontier tasks for a single job. It is safe for
// concurrent use; the exhausted flag and budgets are shared across all
// in-flight tasks of the job.
type Executor struct {
	store Store
	deps  adapters.Deps
	opts  Options

	adapterCalls metric.Int64Counter
	exhausted    atomic.Bool
}

// New creates an executor for one job run.
func New(store Store, deps adapters.Deps, opts Options) *Executor {
	if opts.Clock == nil {
		opts.Clock = ident.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = defaultSearchLimit
	}
	if opts.RelevantK <= 0 {
		opts.RelevantK = defaultRelevantK
	}
	calls, _ := telemetry.Meter("veritail/executor").Int64Counter("veritail.adapter.calls",
		metric.WithDescription("Outbound adapter call attempts per operation"),
	)
	return &Executor{store: store, deps: deps, opts: opts, adapterCalls: calls}
}

// Exhausted reports whether any adapter call of this job hit credit
// exhaustion. Once set it never clears for the lifetime of the run.
func (e *Executor) Exhausted() bool { return e.exhausted.Load() }

// MarkExhausted pre-sets degraded mode, used when a resumed job was already
// degraded before the restart.
func (e *Executor) MarkExhausted() { e.exhausted.Store(true) }

// Run executes one task. Persistence happens incrementally, so a partial
// failure still leaves earlier docs and claims durable; the error reports
// why the remainder stopped.
func (e *Executor) Run(ctx context.Context, task model.Task, itemID uuid.UUID) (Output, error) {
	switch task.Type {
	case model.StrategyQuery:
		return e.runQuery(ctx, task, itemID)
	case model.StrategyURL:
		return e.runURL(ctx, task, itemID)
	case model.StrategyDomainCrawl:
		return e.runDomainCrawl(ctx, task, itemID)
	case model.StrategyDomainMap:
		return e.runDomainMap(ctx, task, itemID)
	default:
		return Output{}, adapters.NewError(adapters.KindPermanent, "run",
			fmt.Errorf("unknown task type %q", task.Type))
	}
}

// RunBatch handles a group of url tasks with one ScrapeBatch call. Results
// are keyed by task ID. When the whole batch call fails, each URL falls back
// to an individual Scrape. The batch shares one adapter call, but every other
// fetch rule applies per URL exactly as on the single path: cached evidence is
// reused, the politeness limiter is consulted before scraping, and each
// persisted document spends the doc budget.
func (e *Executor) RunBatch(ctx context.Context, tasks []model.Task, itemID uuid.UUID) (map[uuid.UUID]Output, map[uuid.UUID]error) {
	outs := make(map[uuid.UUID]Output, len(tasks))
	errs := make(map[uuid.UUID]error)

	var toScrape []model.Task
	for _, t := range tasks {
		doc, err := e.cachedDoc(ctx, t.JobID, t.Value)
		switch {
		case err == nil:
			claims, cerr := e.extractClaims(ctx, itemID, doc)
			if cerr != nil {
				errs[t.ID] = cerr
				continue
			}
			outs[t.ID] = Output{
				Docs:      []model.SourceDocument{doc},
				Claims:    claims,
				Exhausted: e.exhausted.Load(),
			}
		case errors.Is(err, storage.ErrNotFound):
			if lerr := e.allowFetch(ctx, t.Value); lerr != nil {
				errs[t.ID] = lerr
				continue
			}
			toScrape = append(toScrape, t)
		default:
			errs[t.ID] = fmt.Errorf("executor: cache lookup: %w", err)
		}
	}
	if len(toScrape) == 0 {
		return outs, errs
	}

	urls := make([]string, len(toScrape))
	byURL := make(map[string]model.Task, len(toScrape))
	for i, t := range toScrape {
		urls[i] = t.Value
		byURL[t.Value] = t
	}

	results, err := e.scrapeBatch(ctx, urls)
	if err != nil {
		// Whole-batch failure: degrade to per-URL scrapes so one provider
		// hiccup does not sink every task in the group.
		e.opts.Logger.Warn("batch scrape failed, falling back to per-url",
			slog.Int("urls", len(urls)), slog.Any("error", err))
		for _, t := range toScrape {
			out, runErr := e.runURL(ctx, t, itemID)
			if runErr != nil {
				errs[t.ID] = runErr
				continue
			}
			outs[t.ID] = out
		}
		return outs, errs
	}

	for _, r := range results {
		t, ok := byURL[r.URL]
		if !ok {
			continue
		}
		if r.Err != nil {
			if adapters.IsCreditsExhausted(r.Err) {
				e.exhausted.Store(true)
			}
			errs[t.ID] = r.Err
			continue
		}
		if !e.opts.DocBudget.Spend() {
			errs[t.ID] = adapters.NewError(adapters.KindPermanent, "scrape_batch", errBudgetReached)
			continue
		}
		doc, claims, perr := e.persistAndExtract(ctx, t.JobID, itemID, *r.Result, false)
		if perr != nil {
			errs[t.ID] = perr
			continue
		}
		outs[t.ID] = Output{
			Docs:      []model.SourceDocument{doc},
			Claims:    claims,
			Exhausted: e.exhausted.Load(),
		}
	}
	return outs, errs
}

// spend consumes one unit of the adapter call budget.
func (e *Executor) spend() bool { return e.opts.CallBudget.Spend() }

// allowFetch consults the politeness limiter for the URL's domain. Denial is
// reported as a transient failure so the retry backoff spaces out the next
// attempt; a limiter malfunction fails open.
func (e *Executor) allowFetch(ctx context.Context, rawURL string) error {
	if e.opts.Limiter == nil {
		return nil
	}
	domain := ident.Domain(rawURL)
	ok, err := e.opts.Limiter.Allow(ctx, domain)
	if err != nil {
		e.opts.Logger.Warn("rate limiter error", slog.Any("error", err))
		return nil
	}
	if !ok {
		return adapters.NewError(adapters.KindTransient, "ratelimit",
			fmt.Errorf("domain %s throttled", domain))
	}
	return nil
}

// retry runs fn with exponential backoff on transient failures. Other kinds
// return immediately.
func (e *Executor) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := retryBase
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if e.opts.AdapterTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, e.opts.AdapterTimeout)
		}
		e.adapterCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
		err = fn(callCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil || !adapters.IsTransient(err) || ctx.Err() != nil {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		e.opts.Logger.Debug("transient adapter failure, backing off",
			slog.String("op", op), slog.Int("attempt", attempt), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= retryFactor
		if delay > retryCap {
			delay = retryCap
		}
	}
	return err
}

// cachedDoc serves a URL from previously recorded evidence within the TTL
// (from any job), rebinding the hit to this job while keeping its original
// fetch time so freshness decay stays honest. Returns storage.ErrNotFound on
// a miss.
func (e *Executor) cachedDoc(ctx context.Context, jobID uuid.UUID, url string) (model.SourceDocument, error) {
	cached, err := e.store.FindSourceByURL(ctx, url, e.opts.CacheTTL)
	if err != nil {
		return model.SourceDocument{}, err
	}
	doc := model.SourceDocument{
		ID:         ident.NewID(),
		JobID:      jobID,
		URL:        cached.URL,
		URLHash:    cached.URLHash,
		Domain:     cached.Domain,
		RawContent: cached.RawContent,
		Status:     model.DocSuccess,
		Metadata:   cached.Metadata,
		FetchedAt:  cached.FetchedAt,
	}
	return e.store.UpsertSource(ctx, doc)
}

// fetchDoc resolves a URL to content, cache first. A miss scrapes.
func (e *Executor) fetchDoc(ctx context.Context, jobID uuid.UUID, url string) (model.SourceDocument, error) {
	doc, err := e.cachedDoc(ctx, jobID, url)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return model.SourceDocument{}, fmt.Errorf("executor: cache lookup: %w", err)
	}

	if !e.opts.DocBudget.Spend() || !e.spend() {
		return model.SourceDocument{}, adapters.NewError(adapters.KindPermanent, "fetch", errBudgetReached)
	}

	var res *adapters.ScrapeResult
	err = e.retry(ctx, "scrape", func(ctx context.Context) error {
		if lerr := e.allowFetch(ctx, url); lerr != nil {
			return lerr
		}
		var serr error
		res, serr = e.deps.Scraper.Scrape(ctx, url, adapters.ScrapeOptions{})
		return serr
	})
	if err != nil {
		if adapters.IsCreditsExhausted(err) {
			e.exhausted.Store(true)
		}
		return model.SourceDocument{}, err
	}
	return e.persistScrape(ctx, jobID, *res, false)
}

func (e *Executor) scrapeBatch(ctx context.Context, urls []string) ([]adapters.BatchResult, error) {
	if !e.spend() {
		return nil, adapters.NewError(adapters.KindPermanent, "scrape_batch", errBudgetReached)
	}
	var results []adapters.BatchResult
	err := e.retry(ctx, "scrape_batch", func(ctx context.Context) error {
		var berr error
		results, berr = e.deps.Scraper.ScrapeBatch(ctx, urls, adapters.ScrapeOptions{})
		return berr
	})
	if err != nil {
		if adapters.IsCreditsExhausted(err) {
			e.exhausted.Store(true)
		}
		return nil, err
	}
	return results, nil
}

// persistScrape stores a scrape result as a source document, attaching an
// embedding when an embedder is configured.
func (e *Executor) persistScrape(ctx context.Context, jobID uuid.UUID, res adapters.ScrapeResult, fallback bool) (model.SourceDocument, error) {
	doc := model.SourceDocument{
		ID:         ident.NewID(),
		JobID:      jobID,
		URL:        ident.CanonicalizeURL(res.URL),
		URLHash:    ident.URLHash(res.URL),
		Domain:     ident.Domain(res.URL),
		RawContent: res.Markdown,
		Status:     model.DocSuccess,
		Metadata: model.DocMetadata{
			Title:      res.Title,
			SourceType: res.SourceType,
			Fallback:   fallback,
		},
		FetchedAt: e.opts.Clock.Now(),
	}
	e.attachEmbedding(ctx, &doc)
	return e.store.UpsertSource(ctx, doc)
}

// persistAndExtract stores a scrape result and extracts claims from it.
func (e *Executor) persistAndExtract(ctx context.Context, jobID, itemID uuid.UUID, res adapters.ScrapeResult, fallback bool) (model.SourceDocument, []model.Claim, error) {
	doc, err := e.persistScrape(ctx, jobID, res, fallback)
	if err != nil {
		return model.SourceDocument{}, nil, err
	}
	claims, err := e.extractClaims(ctx, itemID, doc)
	if err != nil {
		return doc, nil, err
	}
	return doc, claims, nil
}
