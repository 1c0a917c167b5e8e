package artifact

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a key has no stored artifact.
var ErrNotFound = errors.New("artifact not found")

// Record is a stored artifact plus its provenance.
type Record struct {
	Key       string
	Content   []byte
	Location  string
	Producer  string
	Size      int64
	CreatedAt time.Time
}

// Store persists run artifacts keyed by path-shaped names.
//
// Puts are atomic per key: readers observe either the previous content or the
// new content, never a partial write. Change notifications are best-effort
// wake-ups; callers must still re-check state.
type Store interface {
	Put(ctx context.Context, key string, content []byte, producer string) error
	Get(ctx context.Context, key string) (Record, error)
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Locate(key string) string
	OnChange(fn func(key string)) (cancel func())
}

// Committer is implemented by stores that must be told when a worker process
// wrote an artifact directly into the local workspace.
type Committer interface {
	Commit(ctx context.Context, key, producer string) error
}

// Materializer is implemented by stores that can stage a remote artifact into
// the local workspace and return its filesystem path.
type Materializer interface {
	Materialize(ctx context.Context, key string) (string, error)
}

// Stater is implemented by stores that can describe an artifact without
// reading its content.
type Stater interface {
	Stat(ctx context.Context, key string) (Record, error)
}

// Stat returns key's record without content, falling back to Get.
func Stat(ctx context.Context, store Store, key string) (Record, error) {
	if s, ok := store.(Stater); ok {
		return s.Stat(ctx, key)
	}
	rec, err := store.Get(ctx, key)
	rec.Content = nil
	return rec, err
}

// Commit records provenance for key when the store supports it.
func Commit(ctx context.Context, store Store, key, producer string) error {
	if c, ok := store.(Committer); ok {
		return c.Commit(ctx, key, producer)
	}
	return nil
}

// LocalPath returns a path a worker process can read key from, staging it
// locally first when the store is remote-backed.
func LocalPath(ctx context.Context, store Store, key string) (string, error) {
	if m, ok := store.(Materializer); ok {
		return m.Materialize(ctx, key)
	}
	return store.Locate(key), nil
}

// ListMatching returns the stored keys that satisfy pattern, which may be an
// exact key or a wildcard.
func ListMatching(ctx context.Context, store Store, pattern string) ([]string, error) {
	if !IsWildcard(pattern) {
		ok, err := store.Exists(ctx, pattern)
		if err != nil || !ok {
			return nil, err
		}
		return []string{pattern}, nil
	}
	keys, err := store.List(ctx, WildcardPrefix(pattern))
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, key := range keys {
		if Match(pattern, key) {
			out = append(out, key)
		}
	}
	return out, nil
}

// notifier fans change events out to subscribers.
type notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(string)
}

func (n *notifier) subscribe(fn func(string)) func() {
	if fn == nil {
		return func() {}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func(string))
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

func (n *notifier) notify(key string) {
	n.mu.Lock()
	subs := make([]func(string), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()
	for _, fn := range subs {
		fn(key)
	}
}

func sortedUnique(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)
	out := keys[:1]
	for _, k := range keys[1:] {
		if k != out[len(out)-1] {
			out = append(out, k)
		}
	}
	return out
}
