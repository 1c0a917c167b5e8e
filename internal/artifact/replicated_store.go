package artifact

import (
	"context"
	"errors"
	"fmt"
)

// ReplicatedStore pairs the local run workspace, where worker processes read
// and write files, with a remote store that holds the durable copy. Keys
// present in either side are visible; committed worker outputs are pushed to
// the remote and remote-only inputs are staged locally on demand.
type ReplicatedStore struct {
	local  *DirStore
	remote Store
}

func NewReplicatedStore(local *DirStore, remote Store) *ReplicatedStore {
	return &ReplicatedStore{local: local, remote: remote}
}

func (s *ReplicatedStore) Put(ctx context.Context, key string, content []byte, producer string) error {
	if err := s.local.Put(ctx, key, content, producer); err != nil {
		return err
	}
	if err := s.remote.Put(ctx, key, content, producer); err != nil {
		return fmt.Errorf("replicate %s: %w", key, err)
	}
	return nil
}

func (s *ReplicatedStore) Get(ctx context.Context, key string) (Record, error) {
	rec, err := s.local.Get(ctx, key)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}
	return s.remote.Get(ctx, key)
}

// Stat prefers the local workspace copy, which is what workers rewrite.
func (s *ReplicatedStore) Stat(ctx context.Context, key string) (Record, error) {
	rec, err := s.local.Stat(ctx, key)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return rec, err
	}
	return Stat(ctx, s.remote, key)
}

func (s *ReplicatedStore) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := s.local.Exists(ctx, key)
	if err != nil || ok {
		return ok, err
	}
	return s.remote.Exists(ctx, key)
}

func (s *ReplicatedStore) List(ctx context.Context, prefix string) ([]string, error) {
	localKeys, err := s.local.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	remoteKeys, err := s.remote.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return sortedUnique(append(localKeys, remoteKeys...)), nil
}

func (s *ReplicatedStore) Locate(key string) string { return s.local.Locate(key) }

func (s *ReplicatedStore) OnChange(fn func(key string)) func() {
	cancelLocal := s.local.OnChange(fn)
	cancelRemote := s.remote.OnChange(fn)
	return func() {
		cancelLocal()
		cancelRemote()
	}
}

// Commit records provenance locally and pushes the worker's output to the
// remote store.
func (s *ReplicatedStore) Commit(ctx context.Context, key, producer string) error {
	if err := s.local.Commit(ctx, key, producer); err != nil {
		return err
	}
	rec, err := s.local.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := s.remote.Put(ctx, key, rec.Content, producer); err != nil {
		return fmt.Errorf("replicate %s: %w", key, err)
	}
	return nil
}

// Materialize ensures key exists in the local workspace and returns its path.
func (s *ReplicatedStore) Materialize(ctx context.Context, key string) (string, error) {
	ok, err := s.local.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if ok {
		return s.local.Locate(key), nil
	}
	rec, err := s.remote.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", key, err)
	}
	if err := s.local.Put(ctx, key, rec.Content, rec.Producer); err != nil {
		return "", fmt.Errorf("stage %s: %w", key, err)
	}
	return s.local.Locate(key), nil
}

// Watch forwards to the local workspace watcher.
func (s *ReplicatedStore) Watch(ctx context.Context) error {
	return s.local.Watch(ctx)
}
