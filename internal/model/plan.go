package model

// StrategyType says how a planned research strategy is executed.
type StrategyType string

const (
	StrategyQuery       StrategyType = "query"
	StrategyURL         StrategyType = "url"
	StrategyDomainCrawl StrategyType = "domain_crawl"
	StrategyDomainMap   StrategyType = "domain_map"
)

// Strategy is a single planned line of investigation.
type Strategy struct {
	Name         string         `json:"name"`
	Type         StrategyType   `json:"type"`
	Value        string         `json:"value"`
	TargetDomain string         `json:"target_domain,omitempty"`
	Schema       map[string]any `json:"schema,omitempty"`
}

// Budget carries the planner's suggested execution limits.
type Budget struct {
	Mode        Mode `json:"mode"`
	Concurrency int  `json:"concurrency"`
	Depth       int  `json:"depth"`
}

// Plan is the research strategy derived from the input title.
// Produced once at planning and immutable thereafter.
type Plan struct {
	Strategies      []Strategy        `json:"strategies"`
	MPN             string            `json:"mpn,omitempty"`
	CanonicalName   string            `json:"canonical_name,omitempty"`
	SuggestedBudget *Budget           `json:"suggested_budget,omitempty"`
	Evidence        map[string]string `json:"evidence,omitempty"` // pre-known facts, field path -> value
}
