// Package ident provides time, identifiers, and the stable hashes used to
// deduplicate inputs and fetched URLs. All hash functions are pure and
// deterministic.
package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock time so stores and schedulers are testable.
type Clock interface {
	Now() time.Time
}

// SystemClock returns the real time in UTC.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant. Test helper.
type FixedClock struct{ T time.Time }

// Now implements Clock.
func (c FixedClock) Now() time.Time { return c.T }

// NewID returns a fresh random UUID.
func NewID() uuid.UUID { return uuid.New() }

// InputHash hashes a raw input title after normalization (trim + lowercase),
// so equivalent titles map to the same cached result.
func InputHash(inputRaw string) string {
	norm := strings.ToLower(strings.TrimSpace(inputRaw))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// URLHash hashes the canonical form of a URL.
func URLHash(rawURL string) string {
	sum := sha256.Sum256([]byte(CanonicalizeURL(rawURL)))
	return hex.EncodeToString(sum[:])
}

// CanonicalizeURL lowercases the host, strips the fragment, and sorts query
// parameters so semantically equal URLs hash identically. Unparseable input
// falls back to the trimmed original.
func CanonicalizeURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(rawURL)
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.RawQuery != "" {
		q := u.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			vs := q[k]
			sort.Strings(vs)
			for _, v := range vs {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = b.String()
	}
	return u.String()
}

// Domain extracts the lowercased host of a URL, without port or "www." prefix.
// Returns "" when the URL has no host.
func Domain(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}
