// Package ratelimit throttles the token endpoint per client with a token
// bucket, backed by memory for single instances or Redis for fleets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Policy defines the per-client limits.
type Policy struct {
	RPM   int
	Burst int
}

// Store abstracts the storage for rate limiting buckets.
type Store interface {
	// Allow checks whether the client may perform an action costing 'cost'.
	Allow(ctx context.Context, clientID string, policy Policy, cost int) (bool, error)
}

// TokenBucket is a thread-safe token bucket.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func NewTokenBucket(ratePerSec float64, capacity int) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: ratePerSec,
		lastRefill: time.Now(),
	}
}

func (tb *TokenBucket) Allow(cost int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens = tb.tokens + elapsed*tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= float64(cost) {
		tb.tokens -= float64(cost)
		return true
	}
	return false
}

// Check consults the store for one request. A nil store fails closed.
func Check(ctx context.Context, store Store, clientID string, policy Policy) error {
	if store == nil {
		return fmt.Errorf("ratelimit: no limiter store configured")
	}
	allowed, err := store.Allow(ctx, clientID, policy, 1)
	if err != nil {
		return fmt.Errorf("ratelimit check failed: %w", err)
	}
	if !allowed {
		return fmt.Errorf("ratelimit: limit exceeded for %s", clientID)
	}
	return nil
}

// MemoryStore keeps buckets per client. Single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*TokenBucket)}
}

func (s *MemoryStore) Allow(ctx context.Context, clientID string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tb, exists := s.buckets[clientID]
	if !exists {
		rate := float64(policy.RPM) / 60.0
		if rate <= 0 {
			rate = 1
		}
		tb = NewTokenBucket(rate, policy.Burst)
		s.buckets[clientID] = tb
	}
	return tb.Allow(cost), nil
}
