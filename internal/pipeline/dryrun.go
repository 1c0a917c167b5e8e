package pipeline

import (
	"context"
	"fmt"
	"slices"

	"foreman/internal/artifact"
	"foreman/internal/config"
	"foreman/internal/readiness"
	"foreman/internal/registry"
	"foreman/internal/services"
)

// Plan is the result of a dry run.
type Plan struct {
	// Ready lists workers that could start right now.
	Ready []string
	// Reachable lists workers whose inputs can eventually be produced,
	// assuming every reachable worker succeeds.
	Reachable []string
	// Unreachable maps each remaining worker to the inputs nothing provides.
	Unreachable map[string][]string
	// UnproducibleOutputs are expected outputs no reachable worker declares
	// and the store does not already hold.
	UnproducibleOutputs []string
}

// OK reports whether every worker is reachable and every expected output can
// be produced.
func (p Plan) OK() bool {
	return len(p.Unreachable) == 0 && len(p.UnproducibleOutputs) == 0
}

// DryRun checks what a run would be able to do with the artifacts currently
// in store, without executing anything.
func DryRun(ctx context.Context, reg *registry.Registry, store artifact.Store, expected []string) (Plan, error) {
	res, err := readiness.Evaluate(ctx, reg, store, readiness.View{})
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{Ready: res.Ready, Unreachable: make(map[string][]string)}

	existing, err := store.List(ctx, "")
	if err != nil {
		return Plan{}, fmt.Errorf("list artifacts: %w", err)
	}
	// Declared outputs on disk do not count until their producer succeeds.
	var available []string
	for _, key := range existing {
		if !reg.IsOutput(key) {
			available = append(available, key)
		}
	}
	satisfied := func(input string) bool {
		for _, key := range available {
			if artifact.Overlaps(input, key) {
				return true
			}
		}
		return false
	}

	reached := make(map[string]bool)
	for progress := true; progress; {
		progress = false
		for _, desc := range reg.All() {
			if reached[desc.Name] {
				continue
			}
			if !slices.ContainsFunc(desc.Inputs.Required, func(in string) bool { return !satisfied(in) }) {
				reached[desc.Name] = true
				available = append(available, desc.Outputs...)
				progress = true
			}
		}
	}

	for _, desc := range reg.All() {
		if reached[desc.Name] {
			plan.Reachable = append(plan.Reachable, desc.Name)
			continue
		}
		var missing []string
		for _, in := range desc.Inputs.Required {
			if !satisfied(in) {
				missing = append(missing, in)
			}
		}
		plan.Unreachable[desc.Name] = missing
	}
	for _, key := range expected {
		if !satisfied(key) {
			plan.UnproducibleOutputs = append(plan.UnproducibleOutputs, key)
		}
	}
	return plan, nil
}

// PlanGoal loads the configured workers and dry-runs goal against the given
// seed files. Nothing is written to the runs directory.
func PlanGoal(ctx context.Context, cfg *config.Config, goalName string, seeds map[string]string) (Plan, error) {
	var goal config.Goal
	if goalName != "" {
		var ok bool
		if goal, ok = cfg.Goal(goalName); !ok {
			return Plan{}, services.Wrap(services.ErrConfiguration, "pipeline", "dry run",
				fmt.Sprintf("unknown goal %q", goalName), nil)
		}
	}
	store := artifact.NewMemoryStore()
	seedKeys, err := seed(ctx, store, seeds)
	if err != nil {
		return Plan{}, err
	}
	reg, err := LoadRegistry(cfg, seedKeys, nil)
	if err != nil {
		return Plan{}, err
	}
	return DryRun(ctx, reg, store, goal.ExpectedOutputs)
}
