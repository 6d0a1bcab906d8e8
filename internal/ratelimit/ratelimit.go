// Package ratelimit provides a pluggable rate limiting interface used to
// keep outbound fetch traffic polite.
//
// The built-in implementation is an in-memory token bucket keyed by target
// domain (DomainLimiter). Deployments that fan research out across several
// processes can substitute a shared store behind the Limiter interface.
package ratelimit

import "context"

// Limiter decides whether an outbound request identified by key should be
// allowed. Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is opaque;
	// callers construct it (the executor uses the target domain, e.g.
	// "hp.com"). Returning an error signals a limiter malfunction; callers
	// should fail open rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
