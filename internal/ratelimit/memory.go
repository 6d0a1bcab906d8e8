package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket is a single token bucket for one domain.
type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// DomainLimiter implements Limiter with an in-memory token bucket per
// domain, so a burst of discovered URLs on one site cannot hammer it while
// other sites proceed unimpeded.
//
// A background goroutine evicts domains not fetched recently to bound
// memory across long-lived processes.
type DomainLimiter struct {
	rate  float64 // tokens added per second
	burst float64 // maximum tokens (bucket capacity)

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewDomainLimiter creates a token bucket limiter.
//   - rate: sustained fetches per second per domain
//   - burst: maximum burst size (token bucket capacity)
//
// Call Close to stop the eviction goroutine.
func NewDomainLimiter(rate float64, burst int) *DomainLimiter {
	l := &DomainLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Allow consumes one token from the domain's bucket. Returns true if a token
// was available (fetch may proceed), false otherwise.
func (l *DomainLimiter) Allow(_ context.Context, domain string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[domain]
	if !ok {
		// First fetch for this domain: start with a full bucket minus one token.
		l.buckets[domain] = &bucket{
			tokens:     l.burst - 1,
			lastAccess: now,
		}
		return true, nil
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastAccess).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastAccess = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (l *DomainLimiter) Close() error {
	l.stopOnce.Do(func() { close(l.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts buckets that haven't been accessed recently.
func (l *DomainLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evictStale()
		}
	}
}

func (l *DomainLimiter) evictStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for domain, b := range l.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(l.buckets, domain)
		}
	}
}
