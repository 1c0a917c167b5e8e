package artifact

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps artifacts in process memory. It backs tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	changes notifier
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, key string, content []byte, producer string) error {
	if err := ValidateKey(key, false); err != nil {
		return err
	}
	copied := append([]byte(nil), content...)
	s.mu.Lock()
	s.records[key] = Record{
		Key:       key,
		Content:   copied,
		Location:  s.Locate(key),
		Producer:  producer,
		Size:      int64(len(copied)),
		CreatedAt: s.now(),
	}
	s.mu.Unlock()
	s.changes.notify(key)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Record, error) {
	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Content = append([]byte(nil), rec.Content...)
	return rec, nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	_, ok := s.records[key]
	s.mu.RUnlock()
	return ok, nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.records))
	for key := range s.records {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	s.mu.RUnlock()
	return sortedUnique(keys), nil
}

func (s *MemoryStore) Locate(key string) string {
	return "mem://" + strings.TrimLeft(key, "/")
}

func (s *MemoryStore) OnChange(fn func(key string)) func() {
	return s.changes.subscribe(fn)
}
