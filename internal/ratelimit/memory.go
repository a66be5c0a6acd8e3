package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps a sliding window of hits per key. Only suitable for a
// single long-running process.
type MemoryStore struct {
	mu        sync.Mutex
	hitsByKey map[string][]time.Time
	maxKeys   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hitsByKey: make(map[string][]time.Time),
		maxKeys:   5000,
	}
}

func (s *MemoryStore) Allow(_ context.Context, key string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	threshold := now.Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	hits := s.hitsByKey[key]
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}

	if len(filtered) >= maxHits {
		retryAfter := filtered[0].Add(window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		s.hitsByKey[key] = filtered
		return false, retryAfter, nil
	}

	filtered = append(filtered, now)
	s.hitsByKey[key] = filtered

	if len(s.hitsByKey) > s.maxKeys {
		for k, value := range s.hitsByKey {
			if len(value) == 0 || value[len(value)-1].Before(threshold) {
				delete(s.hitsByKey, k)
			}
		}
	}

	return true, 0, nil
}
