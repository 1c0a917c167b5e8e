package pipeline

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"foreman/internal/artifact"
	"foreman/internal/escalation"
	"foreman/internal/logging"
	"foreman/internal/state"
)

// SummaryKey is the artifact written at the end of every run.
const SummaryKey = "execution_summary.json"

// WorkerResult is the per-worker line of a summary.
type WorkerResult struct {
	Worker   string        `json:"worker"`
	Status   state.Status  `json:"status"`
	Duration time.Duration `json:"duration_ns"`
	ExitCode int           `json:"exit_code"`
	Error    string        `json:"error,omitempty"`
	Outputs  []string      `json:"outputs,omitempty"`
	LogPath  string        `json:"log_path,omitempty"`
}

// Summary describes a finished (or already terminal) run.
type Summary struct {
	RunID     string          `json:"run_id"`
	Goal      string          `json:"goal,omitempty"`
	Lifecycle state.Lifecycle `json:"lifecycle"`
	// Success is true when the run completed, every expected output exists
	// and every failed worker was routed somewhere by its decision.
	Success bool `json:"success"`
	// UnhandledFailures are failed workers whose decision triggered nothing.
	UnhandledFailures []string       `json:"unhandled_failures,omitempty"`
	Reason            string         `json:"reason,omitempty"`
	Escalated         bool           `json:"escalated"`
	EscalationKey     string         `json:"escalation_artifact,omitempty"`
	Workers           []WorkerResult `json:"workers"`
	Artifacts         []string       `json:"artifacts"`
	ExpectedOutputs   []string       `json:"expected_outputs,omitempty"`
	MissingOutputs    []string       `json:"missing_outputs,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
	FinishedAt        time.Time      `json:"finished_at"`
	Duration          time.Duration  `json:"duration_ns"`
}

// Completed returns the names of workers that succeeded.
func (s Summary) Completed() []string {
	return s.namesWith(func(st state.Status) bool { return st == state.StatusSuccess })
}

// Failed returns the names of workers that failed or timed out.
func (s Summary) Failed() []string {
	return s.namesWith(func(st state.Status) bool { return st != state.StatusSuccess })
}

func (s Summary) namesWith(match func(state.Status) bool) []string {
	var out []string
	for _, w := range s.Workers {
		if match(w.Status) {
			out = append(out, w.Worker)
		}
	}
	return out
}

func (d *Driver) summarize(ctx context.Context) Summary {
	snap := d.opts.State.Snapshot()
	sum := Summary{
		RunID:           snap.RunID,
		Goal:            snap.Goal,
		Lifecycle:       snap.Lifecycle,
		Reason:          snap.Reason,
		Escalated:       snap.Escalated(),
		ExpectedOutputs: slices.Clone(d.opts.ExpectedOutputs),
		StartedAt:       snap.StartedAt,
		FinishedAt:      snap.UpdatedAt,
	}
	if snap.FinishedAt != nil {
		sum.FinishedAt = *snap.FinishedAt
	}
	if elapsed := sum.FinishedAt.Sub(sum.StartedAt); elapsed > 0 {
		sum.Duration = elapsed
	}
	if snap.Escalation != nil {
		sum.EscalationKey = snap.Escalation.ArtifactKey
	}
	for _, o := range append(slices.Clone(snap.Completed), snap.Failed...) {
		sum.Workers = append(sum.Workers, WorkerResult{
			Worker:   o.Worker,
			Status:   o.Status,
			Duration: o.Duration(),
			ExitCode: o.ExitCode,
			Error:    o.ErrorDetail,
			Outputs:  slices.Clone(o.Outputs),
			LogPath:  o.LogPath,
		})
	}
	slices.SortStableFunc(sum.Workers, func(a, b WorkerResult) int {
		ao, _ := snap.OutcomeFor(a.Worker)
		bo, _ := snap.OutcomeFor(b.Worker)
		return ao.FinishedAt.Compare(bo.FinishedAt)
	})

	keys, err := d.opts.Store.List(ctx, "")
	if err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, d.logger), "artifact listing failed", "summary_list_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "summary omits the artifact list and expected outputs count as missing"),
		)
	}
	sum.Artifacts = slices.DeleteFunc(keys, func(k string) bool { return k == SummaryKey })
	for _, pattern := range d.opts.ExpectedOutputs {
		if !matchesAny(pattern, sum.Artifacts) {
			sum.MissingOutputs = append(sum.MissingOutputs, pattern)
		}
	}
	sum.UnhandledFailures = unhandledFailures(snap)
	sum.Success = sum.Lifecycle == state.LifecycleCompleted &&
		len(sum.MissingOutputs) == 0 && len(sum.UnhandledFailures) == 0
	return sum
}

// unhandledFailures lists failed workers whose last decision triggered no
// follow-up, or that were never routed because the run stopped.
func unhandledFailures(snap state.PipelineState) []string {
	routed := make(map[string]bool, len(snap.Decisions))
	for _, rec := range snap.Decisions {
		routed[rec.Worker] = len(rec.NextWorkers) > 0
	}
	var out []string
	for _, o := range snap.Failed {
		if !routed[o.Worker] {
			out = append(out, o.Worker)
		}
	}
	return out
}

func matchesAny(pattern string, keys []string) bool {
	for _, key := range keys {
		if artifact.Match(pattern, key) {
			return true
		}
	}
	return false
}

func (d *Driver) writeSummary(ctx context.Context, sum Summary) {
	logger := logging.WithContext(ctx, d.logger)
	data, err := json.MarshalIndent(sum, "", "  ")
	if err == nil {
		err = d.opts.Store.Put(ctx, SummaryKey, data, escalation.Producer)
	}
	if err != nil {
		logging.WarnWithContext(logger, "execution summary not written", "summary_write_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "run summary is only available from the state snapshot"),
		)
		return
	}
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "run_summary"),
		logging.String(logging.FieldLifecycle, string(sum.Lifecycle)),
		logging.Bool("success", sum.Success),
		logging.Int("completed", len(sum.Completed())),
		logging.Int("failed", len(sum.Failed())),
		logging.Duration("duration", sum.Duration),
	}
	if len(sum.MissingOutputs) > 0 {
		attrs = append(attrs, logging.Strings("missing_outputs", sum.MissingOutputs))
	}
	logger.Info("run finished", logging.Args(attrs...)...)
}
