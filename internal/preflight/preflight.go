package preflight

import (
	"context"

	"foreman/internal/config"
	"foreman/internal/deps"
	"foreman/internal/registry"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// Options tunes RunAll.
type Options struct {
	// Registry enables the worker binary checks when set.
	Registry *registry.Registry
	// SkipNetwork omits checks that contact remote services.
	SkipNetwork bool
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config, opts Options) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Runs directory", cfg.Paths.RunsDir),
		CheckDirectoryAccess("Workers directory", cfg.Paths.WorkersDir),
	}
	if cfg.Paths.LogDir != "" {
		results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))
	}
	if cfg.State.Backend == config.StateBackendSQLite {
		results = append(results, CheckStateDatabase(cfg.SQLitePath()))
	}

	if opts.Registry != nil {
		var optional []string
		if cfg.AdaptiveEnabled() {
			optional = append(optional, cfg.Decision.EscalationWorker)
		}
		statuses := deps.CheckBinaries(deps.WorkerRequirements(opts.Registry.All(), optional...))
		results = append(results, workerResults(statuses)...)
	}

	if opts.SkipNetwork {
		return results
	}
	if cfg.Artifacts.Backend == config.ArtifactBackendPostgres {
		results = append(results, CheckPostgres(ctx, cfg.Artifacts.Postgres.DSN))
	}
	switch cfg.Decision.Provider {
	case config.ProviderOpenRouter:
		if cfg.AdaptiveEnabled() {
			results = append(results, CheckLLM(ctx, "Decision LLM", cfg.GetLLM()))
		}
	case config.ProviderGemini:
		if cfg.AdaptiveEnabled() {
			results = append(results, CheckGeminiKey(cfg.Gemini.APIKey))
		}
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

func workerResults(statuses []deps.Status) []Result {
	out := make([]Result, 0, len(statuses))
	for _, s := range statuses {
		r := Result{Name: "Worker " + s.Name, Passed: s.Available || s.Optional, Detail: s.Command}
		switch {
		case !s.Available && s.Optional:
			r.Detail = s.Detail + " (optional)"
		case !s.Available:
			r.Detail = s.Detail
		case s.Detail != "":
			r.Detail = s.Command + " (" + s.Detail + ")"
		}
		out = append(out, r)
	}
	return out
}
