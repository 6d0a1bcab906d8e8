package trust

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/veritail/veritail/internal/ident"
	"github.com/veritail/veritail/internal/model"
)

// Method names recorded on resolved fields.
const (
	MethodWeightedVote         = "weighted_vote"
	MethodWeightedVoteConflict = "weighted_vote_with_conflict"
)

// Failure reasons for policy-gated fields.
const (
	ReasonMissingNixData = "missing_nix_data"
)

// Verification statuses for compatibility entries.
const (
	VerifyConfirmed = "ru_verified"
	VerifyUnknown   = "ru_unknown"
	VerifyRejected  = "ru_rejected"
)

// conflictRatio: a runner-up group scoring at least this fraction of the
// winner marks the field as conflicted.
const conflictRatio = 0.85

// logisticsPrefix gates packaging fields to the authoritative host.
const logisticsPrefix = "packaging."

// compatibilityField is the printer-model list subject to verification policy.
const compatibilityField = "compatibility.printers"

// Resolution is the arbitration outcome for one field.
type Resolution struct {
	Field         string
	Value         any      // normalized scalar string or []string for sets
	Confidence    float64  // 0-1
	Sources       []string // URLs of the claims backing the winning value
	IsConflict    bool
	Method        string
	FailureReason string   // set when policy yields no value
	Unverified    []string // compatibility entries seen but not verified
	ResolvedAt    time.Time
}

// Engine resolves claim sets into trusted values.
type Engine struct {
	tiers         Tiers
	logisticsHost string
	clock         ident.Clock
}

// NewEngine creates a trust engine. logisticsHost is the only domain whose
// claims count for packaging fields.
func NewEngine(tiers Tiers, logisticsHost string, clock ident.Clock) *Engine {
	if clock == nil {
		clock = ident.SystemClock{}
	}
	return &Engine{tiers: tiers, logisticsHost: logisticsHost, clock: clock}
}

// ResolveAll groups claims by field and resolves each. Fields whose policy
// yields no value still appear in the result with a FailureReason, so the
// gatekeeper can report them.
func (e *Engine) ResolveAll(claims []model.SourcedClaim) map[string]Resolution {
	byField := make(map[string][]model.SourcedClaim)
	for _, c := range claims {
		byField[c.Field] = append(byField[c.Field], c)
	}

	out := make(map[string]Resolution, len(byField))
	for field, fieldClaims := range byField {
		if res, ok := e.ResolveField(field, fieldClaims); ok {
			out[field] = res
		}
	}
	return out
}

// ResolveField arbitrates the claims for one field. Returns ok=false only
// for an empty claim list.
func (e *Engine) ResolveField(field string, claims []model.SourcedClaim) (Resolution, bool) {
	if len(claims) == 0 {
		return Resolution{}, false
	}

	if strings.HasPrefix(field, logisticsPrefix) {
		claims = e.filterLogistics(claims)
		if len(claims) == 0 {
			return Resolution{
				Field:         field,
				FailureReason: ReasonMissingNixData,
				ResolvedAt:    e.clock.Now(),
			}, true
		}
	}

	if field == compatibilityField {
		return e.resolveCompatibility(field, claims), true
	}
	return e.resolveWeightedVote(field, claims), true
}

// claimWeight is w_tier * c_claim * freshness(age). Freshness floors at 0.5
// after a year.
func (e *Engine) claimWeight(c model.SourcedClaim) float64 {
	w := e.tiers.Classify(c.SourceDomain).Weight()
	conf := float64(c.Confidence) / 100
	ageDays := e.clock.Now().Sub(c.FetchedAt).Hours() / 24
	freshness := math.Max(0.5, 1-ageDays/365)
	return w * conf * freshness
}

type valueGroup struct {
	normalized string
	score      float64
	sources    []string
}

func (e *Engine) groupByValue(field string, claims []model.SourcedClaim) []valueGroup {
	groups := make(map[string]*valueGroup)
	for _, c := range claims {
		key := NormalizeValue(field, c.Value)
		if key == "" {
			continue
		}
		g, ok := groups[key]
		if !ok {
			g = &valueGroup{normalized: key}
			groups[key] = g
		}
		g.score += e.claimWeight(c)
		g.sources = append(g.sources, c.SourceURL)
	}

	ordered := make([]valueGroup, 0, len(groups))
	for _, g := range groups {
		sort.Strings(g.sources)
		ordered = append(ordered, *g)
	}
	// Deterministic order: score desc, then normalized value as tie-break,
	// so permutations of the input claim list resolve identically.
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].score != ordered[j].score {
			return ordered[i].score > ordered[j].score
		}
		return ordered[i].normalized < ordered[j].normalized
	})
	return ordered
}

func (e *Engine) resolveWeightedVote(field string, claims []model.SourcedClaim) Resolution {
	// Single claim short-circuit: confidence is the bare tier-weighted claim
	// confidence, no freshness decay.
	if len(claims) == 1 {
		c := claims[0]
		return Resolution{
			Field:      field,
			Value:      valueOf(NormalizeValue(field, c.Value)),
			Confidence: clamp01(e.tiers.Classify(c.SourceDomain).Weight() * float64(c.Confidence) / 100),
			Sources:    []string{c.SourceURL},
			Method:     MethodWeightedVote,
			ResolvedAt: e.clock.Now(),
		}
	}

	groups := e.groupByValue(field, claims)
	if len(groups) == 0 {
		return Resolution{Field: field, ResolvedAt: e.clock.Now()}
	}

	winner := groups[0]
	conflict := len(groups) > 1 && groups[1].score >= conflictRatio*winner.score
	method := MethodWeightedVote
	if conflict {
		method = MethodWeightedVoteConflict
	}

	var total float64
	for _, g := range groups {
		total += g.score
	}

	return Resolution{
		Field:      field,
		Value:      valueOf(winner.normalized),
		Confidence: clamp01(winner.score / total),
		Sources:    winner.sources,
		IsConflict: conflict,
		Method:     method,
		ResolvedAt: e.clock.Now(),
	}
}

// resolveCompatibility applies the weighted vote over whole printer-model
// sets, then verifies each entry of the winning set individually: an entry
// is ru_verified with two independent tier A-C sources or one tier A source.
// Entries seen anywhere but not verified surface as Unverified.
func (e *Engine) resolveCompatibility(field string, claims []model.SourcedClaim) Resolution {
	base := e.resolveWeightedVote(field, claims)

	// For model lists any disagreement between sets is a conflict, even when
	// the winning set dominates the vote: a missing or extra model is a real
	// compatibility dispute, not noise.
	distinct := make(map[string]bool)
	for _, c := range claims {
		distinct[NormalizeValue(field, c.Value)] = true
	}
	if len(distinct) > 1 {
		base.IsConflict = true
		base.Method = MethodWeightedVoteConflict
	}

	winnerSet, _ := base.Value.([]string)

	// Which independent domains mention each entry, and at what best tier.
	domainsByEntry := make(map[string]map[string]Tier)
	for _, c := range claims {
		elems, ok := decodeSet(NormalizeValue(field, c.Value))
		if !ok {
			elems = []string{strings.TrimSpace(c.Value)}
		}
		tier := e.tiers.Classify(c.SourceDomain)
		for _, entry := range elems {
			if entry == "" {
				continue
			}
			if domainsByEntry[entry] == nil {
				domainsByEntry[entry] = make(map[string]Tier)
			}
			if prev, ok := domainsByEntry[entry][c.SourceDomain]; !ok || tier.Weight() > prev.Weight() {
				domainsByEntry[entry][c.SourceDomain] = tier
			}
		}
	}

	verified := make([]string, 0, len(winnerSet))
	verifiedSet := make(map[string]bool)
	for _, entry := range winnerSet {
		if verifyEntry(domainsByEntry[entry]) == VerifyConfirmed {
			verified = append(verified, entry)
			verifiedSet[entry] = true
		}
	}

	var unverified []string
	for entry := range domainsByEntry {
		if !verifiedSet[entry] {
			unverified = append(unverified, entry)
		}
	}
	sort.Strings(unverified)

	base.Value = verified
	base.Unverified = unverified
	return base
}

// verifyEntry classifies one compatibility entry from the domains that
// mention it.
func verifyEntry(domains map[string]Tier) string {
	if len(domains) == 0 {
		return VerifyRejected
	}
	credible := 0
	for _, tier := range domains {
		if tier == TierA {
			return VerifyConfirmed
		}
		if tier == TierB || tier == TierC {
			credible++
		}
	}
	if credible >= 2 {
		return VerifyConfirmed
	}
	return VerifyUnknown
}

func (e *Engine) filterLogistics(claims []model.SourcedClaim) []model.SourcedClaim {
	var kept []model.SourcedClaim
	for _, c := range claims {
		if c.SourceDomain == e.logisticsHost {
			kept = append(kept, c)
		}
	}
	return kept
}

// valueOf decodes canonical set strings back into string slices; scalars
// pass through.
func valueOf(normalized string) any {
	if elems, ok := decodeSet(normalized); ok {
		return elems
	}
	return normalized
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}
