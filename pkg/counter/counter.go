package counter

import (
	"context"
	"sync"
	"time"
)

// Store tracks fixed-window request counts per key with expiry.
type Store interface {
	// Incr adds one to the key's counter, starting a new window if none is
	// active, and returns the count after the increment and the window reset time.
	Incr(ctx context.Context, key string, window time.Duration) (int, time.Time, error)
	// Peek returns the current count without consuming budget.
	Peek(ctx context.Context, key string, window time.Duration) (int, time.Time, error)
}

type MemoryStore struct {
	mu    sync.Mutex
	items map[string]entry
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewMemory() *MemoryStore {
	return &MemoryStore{items: make(map[string]entry)}
}

func (s *MemoryStore) Incr(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	if window <= 0 {
		window = time.Minute
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanup(now)
	curr, ok := s.items[key]
	if !ok || !now.Before(curr.resetAt) {
		curr = entry{count: 0, resetAt: now.Add(window)}
	}
	curr.count++
	s.items[key] = curr
	return curr.count, curr.resetAt, nil
}

func (s *MemoryStore) Peek(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	if window <= 0 {
		window = time.Minute
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanup(now)
	curr, ok := s.items[key]
	if !ok || !now.Before(curr.resetAt) {
		return 0, now.Add(window), nil
	}
	return curr.count, curr.resetAt, nil
}

func (s *MemoryStore) cleanup(now time.Time) {
	for k, v := range s.items {
		if !now.Before(v.resetAt) {
			delete(s.items, k)
		}
	}
}
