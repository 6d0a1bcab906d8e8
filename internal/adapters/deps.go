package adapters

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// Deps bundles the adapter set handed to the executor. Searcher, Scraper,
// and LLM are required; the rest are optional and nil-checked by callers.
type Deps struct {
	Searcher  Searcher
	Scraper   Scraper
	Extractor SchemaExtractor
	LLM       LLM
	Images    ImageChecker
	Fallback  FallbackSearcher
	Embedder  Embedder
}

// CallBudget counts adapter calls against a per-job ceiling. It is shared by
// every concurrent task of a job, so the counter is atomic.
type CallBudget struct {
	max  int64
	used atomic.Int64
}

// NewCallBudget creates a budget allowing max adapter calls. max <= 0 means
// unlimited.
func NewCallBudget(max int) *CallBudget {
	return &CallBudget{max: int64(max)}
}

// Spend consumes one call. It returns false when the ceiling is already
// reached; the call must not be made.
func (b *CallBudget) Spend() bool {
	if b == nil || b.max <= 0 {
		return true
	}
	return b.used.Add(1) <= b.max
}

// Used returns the number of calls spent so far.
func (b *CallBudget) Used() int64 {
	if b == nil {
		return 0
	}
	return b.used.Load()
}

// Remaining reports whether the budget has room for another call without
// consuming it.
func (b *CallBudget) Remaining() bool {
	if b == nil || b.max <= 0 {
		return true
	}
	return b.used.Load() < b.max
}

// GuardedScraper wraps a Scraper with a circuit breaker keyed on credit
// exhaustion. Once the provider reports CreditsExhausted the breaker opens
// and further calls fail fast with the same kind instead of burning the
// provider's rate limit; after the cool-off one probe call is let through.
// Other failure kinds pass through without affecting the breaker.
type GuardedScraper struct {
	inner   Scraper
	breaker *gobreaker.CircuitBreaker
}

// NewGuardedScraper wraps inner. coolOff is how long the breaker stays open
// after tripping before probing the provider again.
func NewGuardedScraper(inner Scraper, coolOff time.Duration, logger *slog.Logger) *GuardedScraper {
	if logger == nil {
		logger = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "scraper-credits",
		MaxRequests: 1,
		Timeout:     coolOff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
		IsSuccessful: func(err error) bool {
			// Only credit exhaustion counts against the breaker. Transient
			// and not-found failures are per-URL conditions, not provider
			// state.
			return !IsCreditsExhausted(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("scrape credit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return &GuardedScraper{inner: inner, breaker: cb}
}

func (g *GuardedScraper) Scrape(ctx context.Context, url string, opts ScrapeOptions) (*ScrapeResult, error) {
	res, err := g.breaker.Execute(func() (any, error) {
		return g.inner.Scrape(ctx, url, opts)
	})
	if err != nil {
		return nil, coerceBreakerErr("scrape", err)
	}
	return res.(*ScrapeResult), nil
}

func (g *GuardedScraper) ScrapeBatch(ctx context.Context, urls []string, opts ScrapeOptions) ([]BatchResult, error) {
	res, err := g.breaker.Execute(func() (any, error) {
		return g.inner.ScrapeBatch(ctx, urls, opts)
	})
	if err != nil {
		return nil, coerceBreakerErr("scrape_batch", err)
	}
	return res.([]BatchResult), nil
}

// coerceBreakerErr maps an open or saturated breaker to CreditsExhausted,
// since that is the only condition that opens it.
func coerceBreakerErr(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return NewError(KindCreditsExhausted, op, err)
	}
	return err
}
