package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"foreman/internal/fileutil"
	"foreman/internal/logging"
)

const (
	metaDirName        = ".foreman"
	provenanceFileName = "provenance.json"
	watchDebounce      = 50 * time.Millisecond
)

type provenanceEntry struct {
	Producer    string    `json:"producer"`
	CommittedAt time.Time `json:"committed_at"`
}

// DirStore keeps artifacts as files under a run's output directory. Worker
// processes write there directly; the store tracks which worker produced each
// key and turns filesystem events into change notifications.
type DirStore struct {
	root    string
	logger  *slog.Logger
	changes notifier

	mu         sync.Mutex
	provenance map[string]provenanceEntry
	loaded     bool
}

// NewDirStore creates root if needed and returns a store rooted there.
func NewDirStore(root string, logger *slog.Logger) (*DirStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &DirStore{
		root:   abs,
		logger: logging.NewComponentLogger(logger, "artifact-dir"),
	}, nil
}

// Root returns the absolute artifact root directory.
func (s *DirStore) Root() string { return s.root }

func (s *DirStore) Put(_ context.Context, key string, content []byte, producer string) error {
	if err := ValidateKey(key, false); err != nil {
		return err
	}
	if err := fileutil.WriteFileAtomic(s.Locate(key), content, 0o644); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := s.recordProvenance(key, producer); err != nil {
		return err
	}
	s.changes.notify(key)
	return nil
}

// ImportFile copies a local file into the store under key.
func (s *DirStore) ImportFile(_ context.Context, key, src, producer string) error {
	if err := ValidateKey(key, false); err != nil {
		return err
	}
	if err := fileutil.CopyFileAtomic(src, s.Locate(key)); err != nil {
		return fmt.Errorf("import %s: %w", key, err)
	}
	if err := s.recordProvenance(key, producer); err != nil {
		return err
	}
	s.changes.notify(key)
	return nil
}

// Commit records that producer wrote key directly into the workspace.
func (s *DirStore) Commit(_ context.Context, key, producer string) error {
	ok, err := s.exists(key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("commit %s: %w", key, ErrNotFound)
	}
	if err := s.recordProvenance(key, producer); err != nil {
		return err
	}
	s.changes.notify(key)
	return nil
}

func (s *DirStore) Get(ctx context.Context, key string) (Record, error) {
	rec, err := s.Stat(ctx, key)
	if err != nil {
		return Record{}, err
	}
	rec.Content, err = os.ReadFile(rec.Location)
	if err != nil {
		return Record{}, fmt.Errorf("read %s: %w", key, err)
	}
	return rec, nil
}

// Stat describes key from the file metadata without reading it.
func (s *DirStore) Stat(_ context.Context, key string) (Record, error) {
	if ValidateKey(key, false) != nil || hiddenKey(key) {
		return Record{}, ErrNotFound
	}
	path := s.Locate(key)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("stat %s: %w", key, err)
	}
	if info.IsDir() {
		return Record{}, ErrNotFound
	}
	prov, _ := s.lookupProvenance(key)
	return Record{
		Key:       key,
		Location:  path,
		Producer:  prov.Producer,
		Size:      info.Size(),
		CreatedAt: info.ModTime(),
	}, nil
}

func (s *DirStore) Exists(_ context.Context, key string) (bool, error) {
	return s.exists(key)
}

func (s *DirStore) exists(key string) (bool, error) {
	if ValidateKey(key, false) != nil || hiddenKey(key) {
		return false, nil
	}
	info, err := os.Stat(s.Locate(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return !info.IsDir(), nil
}

func (s *DirStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if path == s.root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return sortedUnique(keys), nil
}

func (s *DirStore) Locate(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimLeft(key, "/")))
}

func (s *DirStore) OnChange(fn func(key string)) func() {
	return s.changes.subscribe(fn)
}

// Watch turns filesystem writes under the root into change notifications until
// ctx is cancelled. Writes made by worker processes become visible to
// subscribers without waiting for the next poll.
func (s *DirStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := s.watchDirRecursive(watcher, s.root); err != nil {
		_ = watcher.Close()
		return err
	}
	go s.watchLoop(ctx, watcher)
	return nil
}

func (s *DirStore) watchDirRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != s.root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (s *DirStore) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	pending := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			rel, err := filepath.Rel(s.root, event.Name)
			if err != nil {
				continue
			}
			key := filepath.ToSlash(rel)
			if hiddenKey(key) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := s.watchDirRecursive(watcher, event.Name); err != nil {
						s.logger.Debug("watch new directory failed", logging.Error(err))
					}
					continue
				}
			}
			pending[key] = struct{}{}
			debounce.Reset(watchDebounce)

		case <-debounce.C:
			keys := make([]string, 0, len(pending))
			for key := range pending {
				keys = append(keys, key)
			}
			pending = make(map[string]struct{})
			for _, key := range sortedUnique(keys) {
				s.changes.notify(key)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Debug("artifact watcher error", logging.Error(err))
		}
	}
}

func (s *DirStore) provenancePath() string {
	return filepath.Join(s.root, metaDirName, provenanceFileName)
}

func (s *DirStore) loadProvenanceLocked() error {
	if s.loaded {
		return nil
	}
	s.provenance = make(map[string]provenanceEntry)
	data, err := os.ReadFile(s.provenancePath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("read provenance: %w", err)
	}
	if err := json.Unmarshal(data, &s.provenance); err != nil {
		return fmt.Errorf("decode provenance: %w", err)
	}
	s.loaded = true
	return nil
}

func (s *DirStore) recordProvenance(key, producer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadProvenanceLocked(); err != nil {
		return err
	}
	s.provenance[key] = provenanceEntry{Producer: producer, CommittedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(s.provenance, "", "  ")
	if err != nil {
		return fmt.Errorf("encode provenance: %w", err)
	}
	if err := fileutil.WriteFileAtomic(s.provenancePath(), data, 0o644); err != nil {
		return fmt.Errorf("write provenance: %w", err)
	}
	return nil
}

func (s *DirStore) lookupProvenance(key string) (provenanceEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadProvenanceLocked(); err != nil {
		s.logger.Debug("provenance unavailable", logging.Error(err))
		return provenanceEntry{}, false
	}
	entry, ok := s.provenance[key]
	return entry, ok
}
