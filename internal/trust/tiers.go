// Package trust arbitrates conflicting field claims into a single trusted
// value using per-source tier weights, inter-source agreement, and freshness
// decay. Resolution is deterministic and insensitive to claim order.
package trust

import "strings"

// Tier is a source trust category. Lower letters weigh more.
type Tier string

const (
	TierA Tier = "A" // official / manufacturer
	TierB Tier = "B" // verified retailer, logistics-authoritative host
	TierC Tier = "C" // general marketplace
	TierD Tier = "D" // oem-factory / foreign wholesale
	TierE Tier = "E" // unknown, forum
)

// Weight returns the vote weight for a tier.
func (t Tier) Weight() float64 {
	switch t {
	case TierA:
		return 1.00
	case TierB:
		return 0.90
	case TierC:
		return 0.70
	case TierD:
		return 0.55
	default:
		return 0.35
	}
}

// Tiers classifies source domains into trust categories. The lists are
// data-driven configuration; DefaultTiers covers the common hosts.
type Tiers struct {
	Manufacturer map[string]bool
	Retailer     map[string]bool
	Marketplace  map[string]bool
	Wholesale    map[string]bool
}

// DefaultTiers returns a classification seeded with well-known hosts.
// Deployments extend it from configuration.
func DefaultTiers() Tiers {
	return Tiers{
		Manufacturer: set("hp.com", "brother.com", "canon.com", "epson.com", "kyocera.com",
			"lexmark.com", "ricoh.com", "samsung.com", "xerox.com", "pantum.com"),
		Retailer: set("nix.ru", "staples.com", "officedepot.com", "dns-shop.ru", "citilink.ru"),
		Marketplace: set("amazon.com", "ebay.com", "ozon.ru", "wildberries.ru",
			"aliexpress.com", "walmart.com"),
		Wholesale: set("alibaba.com", "made-in-china.com", "globalsources.com", "1688.com"),
	}
}

// Classify maps a source domain to its tier. Subdomains inherit the
// classification of their registrable parent.
func (t Tiers) Classify(domain string) Tier {
	domain = strings.ToLower(strings.TrimSpace(domain))
	for d := domain; d != ""; d = parentDomain(d) {
		switch {
		case t.Manufacturer[d]:
			return TierA
		case t.Retailer[d]:
			return TierB
		case t.Marketplace[d]:
			return TierC
		case t.Wholesale[d]:
			return TierD
		}
	}
	return TierE
}

func parentDomain(d string) string {
	i := strings.Index(d, ".")
	if i < 0 {
		return ""
	}
	parent := d[i+1:]
	if !strings.Contains(parent, ".") {
		return "" // never classify by bare TLD
	}
	return parent
}

func set(ss ...string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}
