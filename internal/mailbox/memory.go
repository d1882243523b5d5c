package mailbox

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local ListStore for single-node deployments and
// tests. Expired lists are dropped lazily on access.
type MemoryStore struct {
	mu    sync.Mutex
	lists map[string]*memoryList
	now   func() time.Time
}

type memoryList struct {
	values    []string
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithNow(time.Now)
}

func NewMemoryStoreWithNow(now func() time.Time) *MemoryStore {
	return &MemoryStore{lists: make(map[string]*memoryList), now: now}
}

func (s *MemoryStore) Append(_ context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.liveLocked(key)
	if l == nil {
		l = &memoryList{}
		s.lists[key] = l
	}
	l.values = append(l.values, value)
	return nil
}

func (s *MemoryStore) Range(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.liveLocked(key)
	if l == nil {
		return []string{}, nil
	}

	n := int64(len(l.values))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return []string{}, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l.values[start:stop+1])
	return out, nil
}

func (s *MemoryStore) TrimFront(_ context.Context, key string, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.liveLocked(key)
	if l == nil || n <= 0 {
		return nil
	}
	if n >= int64(len(l.values)) {
		delete(s.lists, key)
		return nil
	}
	l.values = append([]string(nil), l.values[n:]...)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lists, key)
	return nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.liveLocked(key); l != nil {
		l.expiresAt = s.now().Add(ttl)
	}
	return nil
}

// Exists reports whether a live list is stored under key.
func (s *MemoryStore) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked(key) != nil
}

func (s *MemoryStore) liveLocked(key string) *memoryList {
	l, ok := s.lists[key]
	if !ok {
		return nil
	}
	if !l.expiresAt.IsZero() && !s.now().Before(l.expiresAt) {
		delete(s.lists, key)
		return nil
	}
	return l
}
