package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	sweepInterval = time.Minute
	bucketIdleTTL = 10 * time.Minute
)

// tokenBucket tracks the remaining credit for one rate-limit key.
type tokenBucket struct {
	remaining float64
	touched   time.Time
}

// MemoryLimiter is a per-key token bucket held entirely in process memory.
//
// Every key refills at a fixed rate up to a burst capacity, so a client can
// absorb a short spike and then settles at the sustained rate. Buckets idle
// longer than bucketIdleTTL are swept by a background goroutine, keeping the
// map bounded across many API keys and client IPs.
type MemoryLimiter struct {
	perSecond float64
	capacity  float64

	mu      sync.Mutex
	buckets map[string]*tokenBucket
	clock   func() time.Time // test seam, defaults to time.Now

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMemoryLimiter builds a limiter that refills perSecond tokens per second
// up to the given burst capacity and starts its sweeper goroutine. The caller
// owns the limiter and must Close it to stop the sweeper.
func NewMemoryLimiter(perSecond float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		perSecond: perSecond,
		capacity:  float64(burst),
		buckets:   make(map[string]*tokenBucket),
		clock:     time.Now,
		stop:      make(chan struct{}),
	}
	go m.sweeper()
	return m
}

// Allow takes one token from the bucket for key, creating the bucket on
// first sight. The error return satisfies Limiter; it is always nil here.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	b, ok := m.buckets[key]
	if !ok {
		// An unseen key starts with a full bucket; this request takes
		// the first token.
		m.buckets[key] = &tokenBucket{remaining: m.capacity - 1, touched: now}
		return true, nil
	}

	b.remaining += now.Sub(b.touched).Seconds() * m.perSecond
	if b.remaining > m.capacity {
		b.remaining = m.capacity
	}
	b.touched = now

	if b.remaining < 1 {
		return false, nil
	}
	b.remaining--
	return true, nil
}

// Close stops the sweeper goroutine. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

func (m *MemoryLimiter) sweeper() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep drops buckets whose last request is older than bucketIdleTTL.
func (m *MemoryLimiter) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock().Add(-bucketIdleTTL)
	for key, b := range m.buckets {
		if b.touched.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
