package state

import (
	"context"
	"fmt"
)

// mirrored saves to a primary and a secondary persister and reads from the
// primary only.
type mirrored struct {
	primary   Persister
	secondary Persister
}

// Mirror returns a Persister that writes every snapshot to both primary and
// secondary. It is used to keep <run>/state.json current when the primary
// store is a database.
func Mirror(primary, secondary Persister) Persister {
	if secondary == nil {
		return primary
	}
	return &mirrored{primary: primary, secondary: secondary}
}

func (m *mirrored) Save(ctx context.Context, s PipelineState) error {
	if err := m.primary.Save(ctx, s); err != nil {
		return err
	}
	if err := m.secondary.Save(ctx, s); err != nil {
		return fmt.Errorf("mirror snapshot: %w", err)
	}
	return nil
}

func (m *mirrored) Load(ctx context.Context, runID string) (PipelineState, error) {
	return m.primary.Load(ctx, runID)
}

func (m *mirrored) List(ctx context.Context) ([]PipelineState, error) {
	return m.primary.List(ctx)
}
