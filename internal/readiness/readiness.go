package readiness

import (
	"context"
	"fmt"
	"sort"

	"foreman/internal/artifact"
	"foreman/internal/registry"
)

// View is the slice of run state readiness depends on.
type View struct {
	// Succeeded holds workers whose latest outcome was SUCCESS.
	Succeeded map[string]bool
	// Done holds every worker with a recorded outcome, success or not.
	Done map[string]bool
	// Running holds workers currently executing.
	Running map[string]bool
}

// Result is the outcome of one evaluation.
type Result struct {
	// Ready lists runnable workers in name order.
	Ready []string
	// Inputs maps each ready worker to the concrete keys that satisfied its
	// required and optional inputs, in sorted order.
	Inputs map[string][]string
	// Blocked maps each pending worker to the required inputs it still lacks.
	Blocked map[string][]string
}

// Evaluate reports which workers can start now. A worker is ready when it has
// not run, is not running, and every required input is available. A wildcard
// input is satisfied by at least one matching key. A key that some worker
// declares as an output only counts once one of its producers succeeded, so
// stale or partial files from a failed producer never unblock consumers.
// Keys configured as external inputs count as soon as they exist.
//
// Evaluate only reads from the store; calling it twice with the same view and
// store contents yields the same result.
func Evaluate(ctx context.Context, reg *registry.Registry, store artifact.Store, view View) (Result, error) {
	res := Result{
		Inputs:  make(map[string][]string),
		Blocked: make(map[string][]string),
	}
	if reg == nil || store == nil {
		return res, fmt.Errorf("readiness: registry and store are required")
	}
	ev := evaluator{ctx: ctx, reg: reg, store: store, view: view}

	for _, desc := range reg.All() {
		if view.Done[desc.Name] || view.Running[desc.Name] {
			continue
		}
		var resolved, missing []string
		for _, in := range desc.Inputs.Required {
			keys, err := ev.available(in)
			if err != nil {
				return Result{}, err
			}
			if len(keys) == 0 {
				missing = append(missing, in)
				continue
			}
			resolved = append(resolved, keys...)
		}
		if len(missing) > 0 {
			res.Blocked[desc.Name] = missing
			continue
		}
		for _, in := range desc.Inputs.Optional {
			keys, err := ev.available(in)
			if err != nil {
				return Result{}, err
			}
			resolved = append(resolved, keys...)
		}
		res.Ready = append(res.Ready, desc.Name)
		res.Inputs[desc.Name] = dedupe(resolved)
	}
	return res, nil
}

type evaluator struct {
	ctx   context.Context
	reg   *registry.Registry
	store artifact.Store
	view  View
}

// available returns the concrete keys that currently satisfy pattern.
func (e evaluator) available(pattern string) ([]string, error) {
	if !artifact.IsWildcard(pattern) {
		ok, err := e.store.Exists(e.ctx, pattern)
		if err != nil {
			return nil, fmt.Errorf("readiness: check %s: %w", pattern, err)
		}
		if !ok || !e.countable(pattern) {
			return nil, nil
		}
		return []string{pattern}, nil
	}
	keys, err := artifact.ListMatching(e.ctx, e.store, pattern)
	if err != nil {
		return nil, fmt.Errorf("readiness: list %s: %w", pattern, err)
	}
	var out []string
	for _, key := range keys {
		if e.countable(key) {
			out = append(out, key)
		}
	}
	return out, nil
}

func (e evaluator) countable(key string) bool {
	if e.reg.IsExternal(key) {
		return true
	}
	producers := e.reg.Producers(key)
	if len(producers) == 0 {
		return true
	}
	for _, p := range producers {
		if e.view.Succeeded[p] {
			return true
		}
	}
	return false
}

func dedupe(keys []string) []string {
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
