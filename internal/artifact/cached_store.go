package artifact

import (
	"context"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CacheStats is a point-in-time view of cache effectiveness.
type CacheStats struct {
	Hits         uint64
	Misses       uint64
	OriginReads  uint64
	OriginWrites uint64
}

// CachedStore keeps recently read artifact records in memory in front of a
// slower origin. Listings and negative lookups always go to the origin so the
// readiness evaluator never sees a stale "missing".
type CachedStore struct {
	origin Store
	cache  *lru.Cache[string, Record]

	hits         atomic.Uint64
	misses       atomic.Uint64
	originReads  atomic.Uint64
	originWrites atomic.Uint64
}

func NewCachedStore(origin Store, maxEntries int) (*CachedStore, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	cache, err := lru.New[string, Record](maxEntries)
	if err != nil {
		return nil, err
	}
	return &CachedStore{origin: origin, cache: cache}, nil
}

func (s *CachedStore) Put(ctx context.Context, key string, content []byte, producer string) error {
	s.originWrites.Add(1)
	s.cache.Remove(key)
	if err := s.origin.Put(ctx, key, content, producer); err != nil {
		return err
	}
	return nil
}

func (s *CachedStore) Get(ctx context.Context, key string) (Record, error) {
	if rec, ok := s.cache.Get(key); ok {
		s.hits.Add(1)
		rec.Content = append([]byte(nil), rec.Content...)
		return rec, nil
	}
	s.misses.Add(1)
	s.originReads.Add(1)
	rec, err := s.origin.Get(ctx, key)
	if err != nil {
		return Record{}, err
	}
	cached := rec
	cached.Content = append([]byte(nil), rec.Content...)
	s.cache.Add(key, cached)
	return rec, nil
}

// Stat always asks the origin; worker processes may rewrite files behind the
// cache.
func (s *CachedStore) Stat(ctx context.Context, key string) (Record, error) {
	s.originReads.Add(1)
	return Stat(ctx, s.origin, key)
}

func (s *CachedStore) Exists(ctx context.Context, key string) (bool, error) {
	if s.cache.Contains(key) {
		s.hits.Add(1)
		return true, nil
	}
	s.originReads.Add(1)
	return s.origin.Exists(ctx, key)
}

func (s *CachedStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.originReads.Add(1)
	return s.origin.List(ctx, prefix)
}

func (s *CachedStore) Locate(key string) string { return s.origin.Locate(key) }

func (s *CachedStore) OnChange(fn func(key string)) func() {
	if fn == nil {
		return func() {}
	}
	return s.origin.OnChange(func(key string) {
		s.cache.Remove(key)
		fn(key)
	})
}

func (s *CachedStore) Commit(ctx context.Context, key, producer string) error {
	s.cache.Remove(key)
	return Commit(ctx, s.origin, key, producer)
}

func (s *CachedStore) Materialize(ctx context.Context, key string) (string, error) {
	return LocalPath(ctx, s.origin, key)
}

// Stats returns cache counters.
func (s *CachedStore) Stats() CacheStats {
	return CacheStats{
		Hits:         s.hits.Load(),
		Misses:       s.misses.Load(),
		OriginReads:  s.originReads.Load(),
		OriginWrites: s.originWrites.Load(),
	}
}
