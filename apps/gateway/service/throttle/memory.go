package throttle

import (
	"context"
	"sync"
	"time"
)

type memoryCounter struct {
	hits      int64
	expiresAt time.Time
}

// memoryCounterStore is an in-process CounterStore for mem:// deployments
// and tests. Windows and blocks expire lazily on access.
type memoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	blocks   map[string]time.Time
}

// NewMemoryCounterStore creates an in-memory counter store.
func NewMemoryCounterStore() CounterStore {
	return &memoryCounterStore{
		counters: make(map[string]*memoryCounter),
		blocks:   make(map[string]time.Time),
	}
}

func (s *memoryCounterStore) Increment(
	_ context.Context,
	key string,
	window time.Duration,
) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	counter, ok := s.counters[key]
	if !ok || now.After(counter.expiresAt) {
		counter = &memoryCounter{expiresAt: now.Add(window)}
		s.counters[key] = counter
	}

	counter.hits++
	return counter.hits, counter.expiresAt.Sub(now), nil
}

func (s *memoryCounterStore) Block(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Keep the original expiry when already blocked.
	if until, ok := s.blocks[key]; ok && time.Now().Before(until) {
		return nil
	}
	s.blocks[key] = time.Now().Add(ttl)
	return nil
}

func (s *memoryCounterStore) Blocked(_ context.Context, key string) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	until, ok := s.blocks[key]
	if !ok {
		return false, 0, nil
	}

	remaining := time.Until(until)
	if remaining <= 0 {
		delete(s.blocks, key)
		return false, 0, nil
	}
	return true, remaining, nil
}
