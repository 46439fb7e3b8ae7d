package pending

import (
	"context"
	"sync"
	"time"
)

type MemoryStore struct {
	mu      sync.Mutex
	entries map[int64]Entry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore returns a process-local store. A ttl <= 0 keeps entries until taken.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: make(map[int64]Entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, e Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.liveLocked(e.ChatID); ok {
		return false, nil
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = s.now().UTC()
	}
	s.entries[e.ChatID] = e
	return true, nil
}

func (s *MemoryStore) Take(_ context.Context, chatID int64) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveLocked(chatID)
	if ok {
		delete(s.entries, chatID)
	}
	return e, ok, nil
}

func (s *MemoryStore) liveLocked(chatID int64) (Entry, bool) {
	e, ok := s.entries[chatID]
	if !ok {
		return Entry{}, false
	}
	if s.ttl > 0 && s.now().Sub(e.ReceivedAt) > s.ttl {
		delete(s.entries, chatID)
		return Entry{}, false
	}
	return e, true
}
