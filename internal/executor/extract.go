package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/veritail/veritail/internal/adapters"
	"github.com/veritail/veritail/internal/ident"
	"github.com/veritail/veritail/internal/model"
)

// claimSchema is the generic claim envelope every extraction must satisfy.
// Values are strings; non-scalar values are JSON-encoded by the model per
// the prompt.
const claimSchema = `{
	"type": "object",
	"required": ["claims"],
	"properties": {
		"claims": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["field", "value", "confidence"],
				"properties": {
					"field": {"type": "string", "minLength": 1},
					"value": {"type": "string"},
					"confidence": {"type": "integer", "minimum": 0, "maximum": 100}
				}
			}
		}
	}
}`

const relevanceSchema = `{
	"type": "object",
	"required": ["urls"],
	"properties": {
		"urls": {"type": "array", "items": {"type": "string"}}
	}
}`

const expansionSchema = `{
	"type": "object",
	"required": ["queries"],
	"properties": {
		"queries": {"type": "array", "items": {"type": "string"}}
	}
}`

// Built-in prompt texts. Each can be replaced through the matching Options
// field; configuration owns the wording, the executor only owns the envelope.
const claimPrompt = `Extract product attribute claims from the page content below.
Return one claim per attribute you can read directly from the page. Use dotted
field paths (brand, model, yield_pages, color, print_technology,
compatibility.printers, packaging.weight_g, packaging.width_mm, ...). Encode
list values as JSON arrays inside the value string. Confidence reflects how
explicit the page is about the attribute. Do not infer attributes the page
does not state.`

const relevancePrompt = `From the search results below, select the URLs most
likely to describe the exact product being researched. Exclude category pages,
unrelated models, and pages without product attributes.`

const expansionPrompt = `Based on the fetched documents below, propose follow-up
search queries that would fill attribute gaps for this product. Prefer queries
naming the exact part number. Return at most three.`

// maxContentChars bounds how much page content is handed to the model.
const maxContentChars = 20000

// promptOr prefers configured prompt text over the built-in default.
func promptOr(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}

// extractClaims asks the LLM for claims against the generic claim schema,
// validates the payload at the boundary, and persists the batch. The batch is
// only committed if the context is still live, so a cancelled task writes
// nothing.
func (e *Executor) extractClaims(ctx context.Context, itemID uuid.UUID, doc model.SourceDocument) ([]model.Claim, error) {
	if !e.spend() {
		return nil, nil
	}

	content := doc.RawContent
	if len(content) > maxContentChars {
		content = content[:maxContentChars]
	}
	prompt := fmt.Sprintf("%s\n\nSource URL: %s\n\n%s",
		promptOr(e.opts.ClaimPrompt, claimPrompt), doc.URL, content)

	var payload json.RawMessage
	err := e.retry(ctx, "llm_claims", func(ctx context.Context) error {
		var lerr error
		payload, lerr = e.deps.LLM.GenerateJSON(ctx, prompt, json.RawMessage(claimSchema), nil)
		return lerr
	})
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Claims []struct {
			Field      string `json:"field"`
			Value      string `json:"value"`
			Confidence int    `json:"confidence"`
		} `json:"claims"`
	}
	if err := adapters.DecodeValid(json.RawMessage(claimSchema), payload, &decoded); err != nil {
		return nil, err
	}

	claims := make([]model.Claim, 0, len(decoded.Claims))
	for _, c := range decoded.Claims {
		if strings.TrimSpace(c.Value) == "" {
			continue
		}
		claims = append(claims, model.Claim{
			ID:          ident.NewID(),
			ItemID:      itemID,
			SourceDocID: doc.ID,
			Field:       c.Field,
			Value:       c.Value,
			Confidence:  c.Confidence,
			ExtractedAt: e.opts.Clock.Now(),
		})
	}
	if len(claims) == 0 {
		return nil, nil
	}

	// Cancellation checkpoint: claims from an interrupted task must not be
	// half-written. The insert itself is transactional.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.store.InsertClaimsBatch(ctx, claims); err != nil {
		return nil, fmt.Errorf("executor: persist claims: %w", err)
	}
	return claims, nil
}

// structuredConfidence is recorded on claims from schema extraction; the
// adapter reads fields off the page rather than inferring them.
const structuredConfidence = 90

// runSchemaExtract reads the task's URL through the structured extraction
// adapter and turns the returned top-level fields into claims directly,
// skipping the scrape-then-LLM path. The raw payload is persisted as the
// source document so provenance and the evidence root still cover it.
func (e *Executor) runSchemaExtract(ctx context.Context, task model.Task, itemID uuid.UUID) (Output, error) {
	if !e.opts.DocBudget.Spend() || !e.spend() {
		return Output{}, adapters.NewError(adapters.KindPermanent, "extract", errBudgetReached)
	}
	schema, err := json.Marshal(task.Meta.Schema)
	if err != nil {
		return Output{}, adapters.NewError(adapters.KindValidation, "extract", err)
	}

	var payload json.RawMessage
	err = e.retry(ctx, "extract", func(ctx context.Context) error {
		if lerr := e.allowFetch(ctx, task.Value); lerr != nil {
			return lerr
		}
		var xerr error
		payload, xerr = e.deps.Extractor.ExtractSchema(ctx, task.Value, schema)
		return xerr
	})
	if err != nil {
		return Output{}, err
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Output{}, adapters.NewError(adapters.KindValidation, "extract", err)
	}

	doc, err := e.persistScrape(ctx, task.JobID, adapters.ScrapeResult{
		URL:        task.Value,
		Markdown:   string(payload),
		SourceType: "structured_extraction",
	}, false)
	if err != nil {
		return Output{}, err
	}

	now := e.opts.Clock.Now()
	claims := make([]model.Claim, 0, len(fields))
	for field, v := range fields {
		var value string
		switch x := v.(type) {
		case string:
			value = strings.TrimSpace(x)
		case nil:
		default:
			b, _ := json.Marshal(x)
			value = string(b)
		}
		if value == "" {
			continue
		}
		claims = append(claims, model.Claim{
			ID:          ident.NewID(),
			ItemID:      itemID,
			SourceDocID: doc.ID,
			Field:       field,
			Value:       value,
			Confidence:  structuredConfidence,
			ExtractedAt: now,
		})
	}
	if len(claims) > 0 {
		if err := e.store.InsertClaimsBatch(ctx, claims); err != nil {
			return Output{Docs: []model.SourceDocument{doc}}, fmt.Errorf("executor: persist claims: %w", err)
		}
	}
	return Output{
		Docs:      []model.SourceDocument{doc},
		Claims:    claims,
		Exhausted: e.exhausted.Load(),
	}, nil
}

// filterRelevant selects the top-K search hits worth scraping. On LLM failure
// it degrades to the first K hits rather than dropping the task.
func (e *Executor) filterRelevant(ctx context.Context, query string, hits []adapters.SearchHit) []adapters.SearchHit {
	k := e.opts.RelevantK
	if len(hits) <= k {
		return hits
	}
	if !e.spend() {
		return hits[:k]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n\nProduct query: %s\n\nResults:\n",
		promptOr(e.opts.RelevancePrompt, relevancePrompt), query)
	for _, h := range hits {
		fmt.Fprintf(&sb, "- %s | %s | %s\n", h.URL, h.Title, h.Snippet)
	}
	fmt.Fprintf(&sb, "\nReturn at most %d URLs.", k)

	var payload json.RawMessage
	err := e.retry(ctx, "llm_filter", func(ctx context.Context) error {
		var lerr error
		payload, lerr = e.deps.LLM.GenerateJSON(ctx, sb.String(), json.RawMessage(relevanceSchema), nil)
		return lerr
	})
	if err != nil {
		e.opts.Logger.Warn("relevance filter failed, keeping top hits", slog.Any("error", err))
		return hits[:k]
	}

	var decoded struct {
		URLs []string `json:"urls"`
	}
	if err := adapters.DecodeValid(json.RawMessage(relevanceSchema), payload, &decoded); err != nil {
		return hits[:k]
	}

	wanted := make(map[string]bool, len(decoded.URLs))
	for _, u := range decoded.URLs {
		wanted[ident.CanonicalizeURL(u)] = true
	}
	selected := make([]adapters.SearchHit, 0, k)
	for _, h := range hits {
		if wanted[ident.CanonicalizeURL(h.URL)] {
			selected = append(selected, h)
			if len(selected) == k {
				break
			}
		}
	}
	if len(selected) == 0 {
		return hits[:k]
	}
	return selected
}

// requestExpansions asks for follow-up queries grounded in what this task
// fetched. Failures are non-fatal; expansion is best effort.
func (e *Executor) requestExpansions(ctx context.Context, task model.Task, docs []model.SourceDocument) []model.Expansion {
	if len(docs) == 0 || !e.spend() {
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n\nOriginal query: %s\n\nDocuments:\n",
		promptOr(e.opts.ExpansionPrompt, expansionPrompt), task.Value)
	for _, d := range docs {
		snippet := d.RawContent
		if len(snippet) > 500 {
			snippet = snippet[:500]
		}
		fmt.Fprintf(&sb, "- %s: %s\n", d.URL, snippet)
	}

	var payload json.RawMessage
	err := e.retry(ctx, "llm_expand", func(ctx context.Context) error {
		var lerr error
		payload, lerr = e.deps.LLM.GenerateJSON(ctx, sb.String(), json.RawMessage(expansionSchema), nil)
		return lerr
	})
	if err != nil {
		e.opts.Logger.Warn("expansion request failed", slog.Any("error", err))
		return nil
	}

	var decoded struct {
		Queries []string `json:"queries"`
	}
	if err := adapters.DecodeValid(json.RawMessage(expansionSchema), payload, &decoded); err != nil {
		return nil
	}

	exps := make([]model.Expansion, 0, len(decoded.Queries))
	for _, q := range decoded.Queries {
		q = strings.TrimSpace(q)
		if q == "" || q == task.Value {
			continue
		}
		exps = append(exps, model.Expansion{
			Type:  model.StrategyQuery,
			Value: q,
			Meta:  model.TaskMeta{DiscoveredFrom: task.Value},
		})
	}
	return exps
}

// attachEmbedding computes a content embedding when an embedder is wired.
// Embedding failures never fail the fetch.
func (e *Executor) attachEmbedding(ctx context.Context, doc *model.SourceDocument) {
	if e.deps.Embedder == nil || doc.RawContent == "" {
		return
	}
	text := doc.RawContent
	if len(text) > maxContentChars {
		text = text[:maxContentChars]
	}
	vec, err := e.deps.Embedder.Embed(ctx, text)
	if err != nil {
		e.opts.Logger.Debug("embedding failed", slog.String("url", doc.URL), slog.Any("error", err))
		return
	}
	v := pgvector.NewVector(vec)
	doc.Embedding = &v
}
