// Package adapters defines the external collaborators the core depends on:
// web search, scraping, structured extraction, LLM JSON generation, image
// quality checks, and the fallback content provider. Implementations live
// outside this module; the core sees only these interfaces and the error
// taxonomy.
package adapters

import (
	"context"
	"encoding/json"
)

// SearchOptions bounds a search call.
type SearchOptions struct {
	Limit  int    // max hits to return; 0 means provider default
	Domain string // restrict results to this domain (domain_map strategy)
	Lang   string // preferred result language, e.g. "ru"
}

// SearchHit is one web search result.
type SearchHit struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Searcher runs web searches.
type Searcher interface {
	Search(ctx context.Context, query string, opts SearchOptions) ([]SearchHit, error)
}

// ScrapeOptions bounds a scrape call.
type ScrapeOptions struct {
	Depth int // crawl depth allowance; 0 fetches only the given URL
}

// ScrapeResult is fetched page content rendered to markdown. Crawls with
// Depth > 0 return discovered sub-pages in Subpages, one level flat.
type ScrapeResult struct {
	URL        string         `json:"url"`
	Markdown   string         `json:"markdown"`
	Title      string         `json:"title,omitempty"`
	SourceType string         `json:"source_type,omitempty"`
	Subpages   []ScrapeResult `json:"subpages,omitempty"`
}

// BatchResult pairs one URL of a batch with its outcome. Exactly one of
// Result and Err is set.
type BatchResult struct {
	URL    string
	Result *ScrapeResult
	Err    error
}

// Scraper fetches page content. Scrape may fail with KindCreditsExhausted,
// KindNotFound, or KindTransient; ScrapeBatch reports per-URL outcomes and
// returns a top-level error only when the whole batch failed.
type Scraper interface {
	Scrape(ctx context.Context, url string, opts ScrapeOptions) (*ScrapeResult, error)
	ScrapeBatch(ctx context.Context, urls []string, opts ScrapeOptions) ([]BatchResult, error)
}

// SchemaExtractor performs structured extraction from a live URL against a
// JSON schema.
type SchemaExtractor interface {
	ExtractSchema(ctx context.Context, url string, schema json.RawMessage) (json.RawMessage, error)
}

// LLM generates JSON constrained by a schema. hints carry few-shot context
// such as the product category or prior draft values.
type LLM interface {
	GenerateJSON(ctx context.Context, prompt string, schema json.RawMessage, hints map[string]any) (json.RawMessage, error)
}

// ImageReport is the outcome of an image quality check.
type ImageReport struct {
	Passes  bool     `json:"passes"`
	Reasons []string `json:"reasons,omitempty"`
}

// ImageChecker validates product images.
type ImageChecker interface {
	ImageQC(ctx context.Context, imageURL string) (ImageReport, error)
}

// FallbackHit is a search result that already carries page content, so no
// scrape call is needed to use it.
type FallbackHit struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Markdown string `json:"markdown"`
}

// FallbackSearcher is the degraded-mode content provider, used only when the
// primary scraper is out of credits or a search yields nothing.
type FallbackSearcher interface {
	FallbackSearch(ctx context.Context, query string) ([]FallbackHit, error)
}

// Embedder is optional. When present, source documents get embeddings so
// reflection can probe already-fetched evidence before spending new calls.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
