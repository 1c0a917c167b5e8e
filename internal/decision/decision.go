package decision

import (
	"context"
	"slices"
	"time"

	"foreman/internal/state"
)

// Strategy names the path that produced a decision.
type Strategy string

const (
	StrategyStatic     Strategy = "static"
	StrategyAdaptive   Strategy = "adaptive"
	StrategyEscalation Strategy = "escalation"
)

// Input is what a Maker sees after a worker finishes.
type Input struct {
	Outcome state.Outcome
	// State is a snapshot that already includes Outcome.
	State state.PipelineState
}

// Decision is the routing result for one completed worker.
type Decision struct {
	NextWorkers []string
	Confidence  float64
	Escalate    bool
	Reason      string
	Strategy    Strategy
	// Fallback is set when static routing replaced an adaptive answer.
	Fallback bool
}

// Maker decides which workers to trigger next.
type Maker interface {
	Decide(ctx context.Context, in Input) (Decision, error)
}

// Record converts d into the audit entry kept in the pipeline state.
func (d Decision) Record(in Input, at time.Time) state.DecisionRecord {
	return state.DecisionRecord{
		Worker:      in.Outcome.Worker,
		Status:      in.Outcome.Status,
		NextWorkers: slices.Clone(d.NextWorkers),
		Confidence:  d.Confidence,
		Escalate:    d.Escalate,
		Reason:      d.Reason,
		Strategy:    string(d.Strategy),
		Fallback:    d.Fallback,
		DecidedAt:   at,
	}
}

// EscalationRecord builds the hand-off record for an escalating decision.
// target is the configured escalation worker.
func EscalationRecord(in Input, d Decision, target string, at time.Time) state.EscalationRecord {
	snapshot := in.State.Clone()
	return state.EscalationRecord{
		TriggeringWorker: in.Outcome.Worker,
		Reason:           d.Reason,
		Confidence:       d.Confidence,
		Target:           target,
		CreatedAt:        at,
		Snapshot:         &snapshot,
	}
}

// pending removes workers that already have an outcome or are running, and
// duplicates, keeping first-seen order.
func pending(names []string, s state.PipelineState) []string {
	done := s.DoneSet()
	running := s.RunningSet()
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" || done[name] || running[name] || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}
