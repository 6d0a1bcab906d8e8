package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"classified transient", NewError(KindTransient, "scrape", errors.New("503")), KindTransient},
		{"classified credits", NewError(KindCreditsExhausted, "scrape", nil), KindCreditsExhausted},
		{"wrapped classified", errorsJoin(NewError(KindNotFound, "scrape", nil)), KindNotFound},
		{"context canceled", context.Canceled, KindTransient},
		{"deadline exceeded", context.DeadlineExceeded, KindTransient},
		{"unclassified", errors.New("boom"), KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func errorsJoin(err error) error {
	return errors.Join(errors.New("outer"), err)
}

func TestCallBudget(t *testing.T) {
	b := NewCallBudget(2)
	assert.True(t, b.Spend())
	assert.True(t, b.Spend())
	assert.False(t, b.Spend())
	assert.False(t, b.Remaining())

	unlimited := NewCallBudget(0)
	for range 100 {
		assert.True(t, unlimited.Spend())
	}

	var nilBudget *CallBudget
	assert.True(t, nilBudget.Spend())
}

type scriptedScraper struct {
	errs  []error
	calls int
}

func (s *scriptedScraper) Scrape(ctx context.Context, url string, opts ScrapeOptions) (*ScrapeResult, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return &ScrapeResult{URL: url, Markdown: "# ok"}, nil
}

func (s *scriptedScraper) ScrapeBatch(ctx context.Context, urls []string, opts ScrapeOptions) ([]BatchResult, error) {
	out := make([]BatchResult, 0, len(urls))
	for _, u := range urls {
		res, err := s.Scrape(ctx, u, opts)
		out = append(out, BatchResult{URL: u, Result: res, Err: err})
	}
	return out, nil
}

func TestGuardedScraperOpensOnCredits(t *testing.T) {
	inner := &scriptedScraper{errs: []error{
		NewError(KindCreditsExhausted, "scrape", errors.New("402")),
	}}
	g := NewGuardedScraper(inner, time.Hour, nil)

	_, err := g.Scrape(context.Background(), "https://a.example/p", ScrapeOptions{})
	require.Error(t, err)
	assert.True(t, IsCreditsExhausted(err))

	// Breaker is open: the provider is not called again.
	_, err = g.Scrape(context.Background(), "https://b.example/p", ScrapeOptions{})
	require.Error(t, err)
	assert.True(t, IsCreditsExhausted(err))
	assert.Equal(t, 1, inner.calls)
}

func TestGuardedScraperIgnoresTransient(t *testing.T) {
	inner := &scriptedScraper{errs: []error{
		NewError(KindTransient, "scrape", errors.New("503")),
		nil,
	}}
	g := NewGuardedScraper(inner, time.Hour, nil)

	_, err := g.Scrape(context.Background(), "https://a.example/p", ScrapeOptions{})
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	// Transient failures do not open the breaker.
	res, err := g.Scrape(context.Background(), "https://a.example/p", ScrapeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "# ok", res.Markdown)
	assert.Equal(t, 2, inner.calls)
}

func TestValidateJSON(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"required": ["field", "value"],
		"properties": {
			"field": {"type": "string"},
			"value": {"type": "string"},
			"confidence": {"type": "integer", "minimum": 0, "maximum": 100}
		}
	}`)

	require.NoError(t, ValidateJSON(schema, json.RawMessage(`{"field":"brand","value":"HP","confidence":90}`)))

	err := ValidateJSON(schema, json.RawMessage(`{"field":"brand"}`))
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))

	err = ValidateJSON(schema, json.RawMessage(`{"field":"brand","value":"HP","confidence":150}`))
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestDecodeValid(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","required":["queries"],"properties":{"queries":{"type":"array","items":{"type":"string"}}}}`)

	var out struct {
		Queries []string `json:"queries"`
	}
	require.NoError(t, DecodeValid(schema, json.RawMessage(`{"queries":["a","b"]}`), &out))
	assert.Equal(t, []string{"a", "b"}, out.Queries)

	err := DecodeValid(schema, json.RawMessage(`{"queries":"not-an-array"}`), &out)
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}
