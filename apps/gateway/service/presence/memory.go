package presence

import (
	"context"
	"encoding/json"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// memoryStore is an in-process Store for mem:// deployments and tests.
// It mirrors the redis store's expiry semantics via lazy eviction.
type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryStore creates an in-memory presence store.
func NewMemoryStore() Store {
	return &memoryStore{
		entries: make(map[string]memoryEntry),
	}
}

func (s *memoryStore) Save(_ context.Context, id string, rec *Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := &Record{SubscriptionID: id}
	if entry, ok := s.entries[id]; ok && time.Now().Before(entry.expiresAt) {
		if existing := decodeRecord(id, entry.data); existing.Legacy == "" {
			merged = existing
		}
	}
	merged.Merge(rec)
	if merged.CreatedAt == 0 {
		merged.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return err
	}

	s.entries[id] = memoryEntry{
		data:      data,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (s *memoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	entry, ok := s.entries[id]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, id)
		s.mu.Unlock()
		return nil, nil
	}

	return decodeRecord(id, entry.data), nil
}

func (s *memoryStore) Delete(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return 0, nil
	}
	delete(s.entries, id)
	return 1, nil
}

func (s *memoryStore) List(_ context.Context, prefix string) iter.Seq2[string, *Record] {
	return func(yield func(string, *Record) bool) {
		now := time.Now()

		s.mu.RLock()
		ids := make([]string, 0, len(s.entries))
		for id, entry := range s.entries {
			if strings.HasPrefix(id, prefix) && now.Before(entry.expiresAt) {
				ids = append(ids, id)
			}
		}
		s.mu.RUnlock()

		sort.Strings(ids)

		for _, id := range ids {
			s.mu.RLock()
			entry, ok := s.entries[id]
			s.mu.RUnlock()
			if !ok {
				continue
			}

			if !yield(id, decodeRecord(id, entry.data)) {
				return
			}
		}
	}
}

func (s *memoryStore) Ping(_ context.Context) error {
	return nil
}
