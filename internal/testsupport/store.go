package testsupport

import (
	"testing"

	"foreman/internal/config"
	"foreman/internal/runstore"
)

// MustOpenRunStore opens the SQLite run store configured by cfg and registers
// cleanup.
func MustOpenRunStore(t testing.TB, cfg *config.Config) *runstore.Store {
	t.Helper()

	store, err := runstore.Open(cfg.SQLitePath())
	if err != nil {
		t.Fatalf("runstore.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
