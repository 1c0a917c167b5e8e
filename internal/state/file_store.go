package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"

	"foreman/internal/fileutil"
)

// ErrRunNotFound is returned when no snapshot exists for a run.
var ErrRunNotFound = errors.New("run not found")

// ErrRunLocked is returned when another process owns the run.
var ErrRunLocked = errors.New("run is locked by another process")

// Persister saves and restores run snapshots.
type Persister interface {
	Save(ctx context.Context, s PipelineState) error
	Load(ctx context.Context, runID string) (PipelineState, error)
	List(ctx context.Context) ([]PipelineState, error)
}

const (
	stateFileName = "state.json"
	lockFileName  = "run.lock"
	// CancelFileName is the marker an operator drops into a run directory to
	// request cancellation of a driver running in another process.
	CancelFileName = "CANCEL"
)

// FileStore persists one JSON snapshot per run under root/<run>/state.json.
type FileStore struct {
	root string
}

// NewFileStore returns a store rooted at the runs directory.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// Root returns the runs directory.
func (f *FileStore) Root() string { return f.root }

// RunDir returns the directory for runID.
func (f *FileStore) RunDir(runID string) string { return filepath.Join(f.root, runID) }

// Save writes the snapshot atomically.
func (f *FileStore) Save(_ context.Context, s PipelineState) error {
	if err := ValidateRunID(s.RunID); err != nil {
		return err
	}
	data, err := s.Marshal()
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := fileutil.WriteFileAtomic(filepath.Join(f.RunDir(s.RunID), stateFileName), data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// Load reads the snapshot for runID.
func (f *FileStore) Load(_ context.Context, runID string) (PipelineState, error) {
	if err := ValidateRunID(runID); err != nil {
		return PipelineState{}, err
	}
	data, err := os.ReadFile(filepath.Join(f.RunDir(runID), stateFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return PipelineState{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return PipelineState{}, fmt.Errorf("read state: %w", err)
	}
	s, err := Unmarshal(data)
	if err != nil {
		return PipelineState{}, fmt.Errorf("decode state for %s: %w", runID, err)
	}
	return s, nil
}

// List returns every run snapshot, most recently started first. Directories
// without a readable snapshot are skipped.
func (f *FileStore) List(ctx context.Context) ([]PipelineState, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs directory: %w", err)
	}
	var out []PipelineState
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		s, err := f.Load(ctx, entry.Name())
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	sortByStart(out)
	return out, nil
}

// RequestCancel drops the cancel marker into the run directory.
func (f *FileStore) RequestCancel(runID string) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(f.RunDir(runID), stateFileName)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return fmt.Errorf("stat state: %w", err)
	}
	return os.WriteFile(filepath.Join(f.RunDir(runID), CancelFileName), nil, 0o644)
}

// CancelRequested reports whether the cancel marker exists.
func (f *FileStore) CancelRequested(runID string) bool {
	_, err := os.Stat(filepath.Join(f.RunDir(runID), CancelFileName))
	return err == nil
}

// ClearCancel removes a stale cancel marker before a run (re)starts.
func (f *FileStore) ClearCancel(runID string) error {
	err := os.Remove(filepath.Join(f.RunDir(runID), CancelFileName))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Lock takes the per-run lock so only one driver advances a run at a time.
// The returned function releases it.
func (f *FileStore) Lock(runID string) (func() error, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	dir := f.RunDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}
	lock := flock.New(filepath.Join(dir, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunLocked, runID)
	}
	return lock.Unlock, nil
}

// ValidateRunID rejects identifiers that cannot be used as a directory name.
func ValidateRunID(runID string) error {
	switch {
	case strings.TrimSpace(runID) == "":
		return errors.New("run id is required")
	case runID != strings.TrimSpace(runID),
		strings.ContainsAny(runID, `/\`),
		runID == ".", runID == "..",
		strings.HasPrefix(runID, "."):
		return fmt.Errorf("invalid run id %q", runID)
	}
	return nil
}

func sortByStart(states []PipelineState) {
	sort.SliceStable(states, func(i, j int) bool {
		if states[i].StartedAt.Equal(states[j].StartedAt) {
			return states[i].RunID > states[j].RunID
		}
		return states[i].StartedAt.After(states[j].StartedAt)
	})
}
