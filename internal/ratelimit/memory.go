package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	count       int64
	windowStart time.Time
	window      time.Duration
}

// MemoryStore keeps fixed-window counters in process memory. It suits a single
// instance; use RedisStore when several replicas must share limits.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time

	cleanupInterval time.Duration
	stopCh          chan struct{}
	stopOnce        sync.Once
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, letting tests move windows forward without sleeping.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithCleanupInterval starts a background sweep that evicts buckets whose
// window has elapsed. Zero disables the sweep.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.cleanupInterval = d }
}

// NewMemoryStore creates an in-memory bucket store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cleanupInterval > 0 {
		go s.cleanup()
	}
	return s
}

// Increment implements Store.
func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[key]
	if !ok || now.Sub(b.windowStart) >= b.window {
		b = &bucket{windowStart: now, window: window}
		s.buckets[key] = b
	}
	b.count++

	return b.count, b.windowStart.Add(b.window).Sub(now), nil
}

// Sweep evicts every bucket whose window has elapsed and returns how many
// were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, b := range s.buckets {
		if now.Sub(b.windowStart) >= b.window {
			delete(s.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live buckets.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
