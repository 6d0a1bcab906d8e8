package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/veritail/veritail/internal/ident"
	"github.com/veritail/veritail/internal/model"
)

// Seed priorities. The direct manufacturer guess outranks everything; repair
// tasks later land at 30 and expansions below their parents.
const (
	priorityDirectGuess = 100
	priorityMainQuery   = 80
	prioritySpecsQuery  = 75
	priorityCompatQuery = 70
	priorityLogistics   = 60
)

// mpnPattern matches manufacturer part numbers like CF217A, TN-2420, 106R03621.
var mpnPattern = regexp.MustCompile(`\b(\d{2,4}[A-Z]{1,2}\d{2,6}|[A-Z]{1,4}-?\d{2,6}[A-Z]{0,3})\b`)

// manufacturerDomains maps a brand token in the input title to the official
// domain used for the direct-guess strategy.
var manufacturerDomains = map[string]string{
	"hp":      "hp.com",
	"brother": "brother.com",
	"canon":   "canon.com",
	"epson":   "epson.com",
	"kyocera": "kyocera.com",
	"lexmark": "lexmark.com",
	"ricoh":   "ricoh.com",
	"samsung": "samsung.com",
	"xerox":   "xerox.com",
	"pantum":  "pantum.com",
}

// productSchema is the structured-extraction request attached to the
// direct-guess strategy. When a SchemaExtractor adapter is configured, the
// manufacturer page is read through it instead of the scrape-then-LLM path.
var productSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"brand":            map[string]any{"type": "string"},
		"model":            map[string]any{"type": "string"},
		"color":            map[string]any{"type": "string"},
		"yield_pages":      map[string]any{"type": "string"},
		"print_technology": map[string]any{"type": "string"},
	},
}

// depthCap bounds expansion depth per mode.
func depthCap(mode model.Mode) int {
	switch mode {
	case model.ModeFast:
		return 1
	case model.ModeDeep:
		return 3
	default:
		return 2
	}
}

// buildPlan derives the research strategy from the input title. When the
// title carries a recognizable MPN and a known manufacturer, the plan
// short-circuits search planning with a direct guess at the manufacturer's
// site; otherwise it falls back to generic query strategies. Logistics data
// is always sourced through the authoritative host except in fast mode.
func (o *Orchestrator) buildPlan(job model.Job) model.Plan {
	input := strings.TrimSpace(job.InputRaw)
	mpn := mpnPattern.FindString(strings.ToUpper(input))
	brand := detectBrand(input)

	plan := model.Plan{MPN: mpn}
	if brand != "" && mpn != "" {
		plan.CanonicalName = fmt.Sprintf("%s %s", strings.ToUpper(brand[:1])+brand[1:], mpn)
	}

	if domain, ok := manufacturerDomains[brand]; ok && mpn != "" {
		plan.Strategies = append(plan.Strategies, model.Strategy{
			Name:   "direct_guess",
			Type:   model.StrategyURL,
			Value:  fmt.Sprintf("https://www.%s/search?q=%s", domain, url.QueryEscape(mpn)),
			Schema: productSchema,
		})
	} else {
		plan.Strategies = append(plan.Strategies,
			model.Strategy{Name: "main", Type: model.StrategyQuery, Value: input},
			model.Strategy{Name: "specs", Type: model.StrategyQuery, Value: input + " specifications"},
		)
	}

	compatSubject := input
	if mpn != "" {
		compatSubject = mpn
	}
	plan.Strategies = append(plan.Strategies, model.Strategy{
		Name:  "compatibility",
		Type:  model.StrategyQuery,
		Value: compatSubject + " compatibility",
	})

	if job.Mode != model.ModeFast && o.cfg.LogisticsHost != "" {
		plan.Strategies = append(plan.Strategies, model.Strategy{
			Name:         "logistics",
			Type:         model.StrategyDomainMap,
			Value:        compatSubject,
			TargetDomain: o.cfg.LogisticsHost,
		})
	}
	return plan
}

func detectBrand(input string) string {
	for _, token := range strings.Fields(strings.ToLower(input)) {
		if _, ok := manufacturerDomains[token]; ok {
			return token
		}
	}
	return ""
}

// seedFrontier translates plan strategies into frontier tasks. The frontier's
// live-value dedup makes re-seeding after a crash a no-op.
func (o *Orchestrator) seedFrontier(ctx context.Context, job model.Job, plan model.Plan) error {
	for _, s := range plan.Strategies {
		task := model.Task{
			ID:       ident.NewID(),
			JobID:    job.ID,
			Type:     s.Type,
			Value:    s.Value,
			Priority: strategyPriority(s),
			State:    model.TaskPending,
			Meta: model.TaskMeta{
				Strategy:     s.Name,
				TargetDomain: s.TargetDomain,
				Schema:       s.Schema,
				Expand:       s.Type == model.StrategyQuery && s.Name == "main",
			},
			EnqueuedAt: o.clock.Now(),
		}
		if _, err := o.db.AddTask(ctx, task); err != nil {
			return fmt.Errorf("orchestrator: seed frontier: %w", err)
		}
	}
	return nil
}

func strategyPriority(s model.Strategy) int {
	switch s.Name {
	case "direct_guess":
		return priorityDirectGuess
	case "main":
		return priorityMainQuery
	case "specs":
		return prioritySpecsQuery
	case "compatibility":
		return priorityCompatQuery
	case "logistics":
		return priorityLogistics
	default:
		return priorityMainQuery
	}
}
