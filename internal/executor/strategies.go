package executor

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/veritail/veritail/internal/adapters"
	"github.com/veritail/veritail/internal/model"
)

// runQuery searches the web, filters the hits, scrapes the survivors cache
// first, and extracts claims from each fetched document.
func (e *Executor) runQuery(ctx context.Context, task model.Task, itemID uuid.UUID) (Output, error) {
	if e.exhausted.Load() {
		return e.runFallbackQuery(ctx, task, itemID)
	}

	hits, err := e.search(ctx, task.Value, adapters.SearchOptions{Limit: e.opts.SearchLimit})
	if err != nil {
		if adapters.IsCreditsExhausted(err) {
			e.exhausted.Store(true)
			return e.runFallbackQuery(ctx, task, itemID)
		}
		return Output{Exhausted: e.exhausted.Load()}, err
	}
	if len(hits) == 0 {
		return e.runFallbackQuery(ctx, task, itemID)
	}

	out, err := e.processHits(ctx, task, itemID, e.filterRelevant(ctx, task.Value, hits))
	if err != nil {
		return out, err
	}
	if task.Meta.Expand {
		out.Expansions = e.requestExpansions(ctx, task, out.Docs)
	}
	out.Exhausted = e.exhausted.Load()
	return out, nil
}

// runURL fetches one URL (cache first) and extracts claims. Tasks carrying an
// extraction schema go through the structured-extraction adapter when one is
// wired, with the scrape path as fallback.
func (e *Executor) runURL(ctx context.Context, task model.Task, itemID uuid.UUID) (Output, error) {
	if len(task.Meta.Schema) > 0 && e.deps.Extractor != nil {
		out, err := e.runSchemaExtract(ctx, task, itemID)
		if err == nil {
			return out, nil
		}
		if adapters.IsCreditsExhausted(err) {
			e.exhausted.Store(true)
		}
		e.opts.Logger.Warn("structured extraction failed, falling back to scrape",
			slog.String("url", task.Value), slog.Any("error", err))
	}

	doc, err := e.fetchDoc(ctx, task.JobID, task.Value)
	if err != nil {
		return Output{Exhausted: e.exhausted.Load()}, err
	}
	claims, err := e.extractClaims(ctx, itemID, doc)
	if err != nil {
		return Output{Docs: []model.SourceDocument{doc}, Exhausted: e.exhausted.Load()}, err
	}
	return Output{
		Docs:      []model.SourceDocument{doc},
		Claims:    claims,
		Exhausted: e.exhausted.Load(),
	}, nil
}

// runDomainCrawl scrapes the root with a small depth allowance and treats
// every returned page as a url task.
func (e *Executor) runDomainCrawl(ctx context.Context, task model.Task, itemID uuid.UUID) (Output, error) {
	if !e.opts.DocBudget.Spend() || !e.spend() {
		return Output{}, adapters.NewError(adapters.KindPermanent, "crawl",
			errBudgetReached)
	}

	var res *adapters.ScrapeResult
	err := e.retry(ctx, "crawl", func(ctx context.Context) error {
		if lerr := e.allowFetch(ctx, task.Value); lerr != nil {
			return lerr
		}
		var serr error
		res, serr = e.deps.Scraper.Scrape(ctx, task.Value, adapters.ScrapeOptions{Depth: crawlDepth})
		return serr
	})
	if err != nil {
		if adapters.IsCreditsExhausted(err) {
			e.exhausted.Store(true)
		}
		return Output{Exhausted: e.exhausted.Load()}, err
	}

	pages := append([]adapters.ScrapeResult{*res}, res.Subpages...)
	var out Output
	for _, page := range pages {
		if len(out.Docs) > 0 && !e.opts.DocBudget.Remaining() {
			break
		}
		doc, claims, perr := e.persistAndExtract(ctx, task.JobID, itemID, page, false)
		if perr != nil {
			if adapters.IsCreditsExhausted(perr) {
				e.exhausted.Store(true)
				break
			}
			e.opts.Logger.Warn("crawl page failed",
				slog.String("url", page.URL), slog.Any("error", perr))
			continue
		}
		out.Docs = append(out.Docs, doc)
		out.Claims = append(out.Claims, claims...)
	}
	out.Exhausted = e.exhausted.Load()
	return out, nil
}

// runDomainMap searches scoped to the target domain and processes the hits
// like a query task.
func (e *Executor) runDomainMap(ctx context.Context, task model.Task, itemID uuid.UUID) (Output, error) {
	domain := task.Meta.TargetDomain
	if domain == "" {
		domain = task.Value
	}
	hits, err := e.search(ctx, task.Value, adapters.SearchOptions{
		Limit:  e.opts.SearchLimit,
		Domain: domain,
	})
	if err != nil {
		if adapters.IsCreditsExhausted(err) {
			e.exhausted.Store(true)
		}
		return Output{Exhausted: e.exhausted.Load()}, err
	}

	out, err := e.processHits(ctx, task, itemID, e.filterRelevant(ctx, task.Value, hits))
	out.Exhausted = e.exhausted.Load()
	return out, err
}

// search wraps the search adapter with budgets and retry. The query budget is
// the caller-supplied cap on distinct searches, separate from the job-wide
// adapter call budget.
func (e *Executor) search(ctx context.Context, query string, opts adapters.SearchOptions) ([]adapters.SearchHit, error) {
	if !e.opts.QueryBudget.Spend() || !e.spend() {
		return nil, adapters.NewError(adapters.KindPermanent, "search", errBudgetReached)
	}
	var hits []adapters.SearchHit
	err := e.retry(ctx, "search", func(ctx context.Context) error {
		var serr error
		hits, serr = e.deps.Searcher.Search(ctx, query, opts)
		return serr
	})
	return hits, err
}

// processHits fetches each selected hit and extracts claims. Per-URL failures
// are skipped; credit exhaustion flips the whole job into degraded mode and
// the remaining hits are abandoned in favor of the fallback provider.
func (e *Executor) processHits(ctx context.Context, task model.Task, itemID uuid.UUID, hits []adapters.SearchHit) (Output, error) {
	var out Output
	for i, h := range hits {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		doc, err := e.fetchDoc(ctx, task.JobID, h.URL)
		if err != nil {
			if adapters.IsCreditsExhausted(err) {
				e.exhausted.Store(true)
				fb, ferr := e.runFallbackQuery(ctx, task, itemID)
				out.Docs = append(out.Docs, fb.Docs...)
				out.Claims = append(out.Claims, fb.Claims...)
				if ferr != nil && len(out.Docs) == 0 {
					return out, ferr
				}
				return out, nil
			}
			e.opts.Logger.Warn("hit fetch failed",
				slog.String("url", h.URL), slog.Int("hit", i), slog.Any("error", err))
			continue
		}
		claims, err := e.extractClaims(ctx, itemID, doc)
		if err != nil {
			e.opts.Logger.Warn("claim extraction failed",
				slog.String("url", doc.URL), slog.Any("error", err))
			out.Docs = append(out.Docs, doc)
			continue
		}
		out.Docs = append(out.Docs, doc)
		out.Claims = append(out.Claims, claims...)
	}
	return out, nil
}

// runFallbackQuery serves a query task from the fallback provider, whose hits
// already carry content so no scrape credits are needed.
func (e *Executor) runFallbackQuery(ctx context.Context, task model.Task, itemID uuid.UUID) (Output, error) {
	out := Output{Exhausted: e.exhausted.Load()}
	if e.deps.Fallback == nil {
		return out, adapters.NewError(adapters.KindCreditsExhausted, "fallback",
			errNoFallback)
	}
	if !e.spend() {
		return out, adapters.NewError(adapters.KindPermanent, "fallback", errBudgetReached)
	}

	var hits []adapters.FallbackHit
	err := e.retry(ctx, "fallback_search", func(ctx context.Context) error {
		var ferr error
		hits, ferr = e.deps.Fallback.FallbackSearch(ctx, task.Value)
		return ferr
	})
	if err != nil {
		return out, err
	}

	limit := e.opts.RelevantK
	for _, h := range hits {
		if len(out.Docs) >= limit || !e.opts.DocBudget.Spend() {
			break
		}
		doc, claims, perr := e.persistAndExtract(ctx, task.JobID, itemID, adapters.ScrapeResult{
			URL:      h.URL,
			Markdown: h.Markdown,
			Title:    h.Title,
		}, true)
		if perr != nil {
			e.opts.Logger.Warn("fallback doc failed",
				slog.String("url", h.URL), slog.Any("error", perr))
			continue
		}
		out.Docs = append(out.Docs, doc)
		out.Claims = append(out.Claims, claims...)
	}
	return out, nil
}
