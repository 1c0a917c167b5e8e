package decision

import (
	"context"
	"fmt"

	"foreman/internal/registry"
	"foreman/internal/services"
	"foreman/internal/state"
)

// Static routes along the on_success / on_failure edges declared by the
// worker that just finished. TIMEOUT follows on_failure.
type Static struct {
	reg *registry.Registry
}

// NewStatic returns a static maker over reg.
func NewStatic(reg *registry.Registry) *Static {
	return &Static{reg: reg}
}

// Decide implements Maker.
func (s *Static) Decide(_ context.Context, in Input) (Decision, error) {
	desc, ok := s.reg.Get(in.Outcome.Worker)
	if !ok {
		return Decision{}, services.Wrap(services.ErrValidation, "decision", "static",
			fmt.Sprintf("unknown worker %q", in.Outcome.Worker), nil)
	}
	edges, edge := desc.Transitions.OnFailure, "on_failure"
	if in.Outcome.Status == state.StatusSuccess {
		edges, edge = desc.Transitions.OnSuccess, "on_success"
	}
	next := pending(edges, in.State)
	reason := fmt.Sprintf("%s edges of %s", edge, desc.Name)
	if len(edges) == 0 {
		reason = fmt.Sprintf("%s declares no %s edges", desc.Name, edge)
	} else if len(next) < len(edges) {
		reason += " (already executed targets skipped)"
	}
	return Decision{
		NextWorkers: next,
		Confidence:  1,
		Reason:      reason,
		Strategy:    StrategyStatic,
	}, nil
}
