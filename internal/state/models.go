package state

import (
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// SchemaVersion is written into every persisted snapshot.
const SchemaVersion = 1

// Lifecycle is the coarse state of a pipeline run.
type Lifecycle string

const (
	LifecycleInitializing     Lifecycle = "INITIALIZING"
	LifecycleWaitingForInputs Lifecycle = "WAITING_FOR_INPUTS"
	LifecycleAgentsReady      Lifecycle = "AGENTS_READY"
	LifecycleProcessing       Lifecycle = "PROCESSING"
	LifecycleCompleted        Lifecycle = "COMPLETED"
	LifecycleFailed           Lifecycle = "FAILED"
)

var allLifecycles = []Lifecycle{
	LifecycleInitializing,
	LifecycleWaitingForInputs,
	LifecycleAgentsReady,
	LifecycleProcessing,
	LifecycleCompleted,
	LifecycleFailed,
}

var lifecycleSet = func() map[Lifecycle]struct{} {
	set := make(map[Lifecycle]struct{}, len(allLifecycles))
	for _, l := range allLifecycles {
		set[l] = struct{}{}
	}
	return set
}()

// ParseLifecycle converts a string into a Lifecycle, accepting any case.
func ParseLifecycle(value string) (Lifecycle, bool) {
	l := Lifecycle(strings.ToUpper(strings.TrimSpace(value)))
	_, ok := lifecycleSet[l]
	return l, ok
}

// Lifecycles returns every lifecycle in machine order.
func Lifecycles() []Lifecycle { return slices.Clone(allLifecycles) }

// Terminal reports whether no further transitions are allowed.
func (l Lifecycle) Terminal() bool {
	return l == LifecycleCompleted || l == LifecycleFailed
}

// Status classifies an execution outcome.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusTimeout Status = "TIMEOUT"
)

// Outcome is the immutable result of one worker execution.
type Outcome struct {
	Worker      string    `json:"worker"`
	Status      Status    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	ExitCode    int       `json:"exit_code"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	Outputs     []string  `json:"outputs,omitempty"`
	LogPath     string    `json:"log_path,omitempty"`
}

// Succeeded reports whether the outcome was SUCCESS.
func (o Outcome) Succeeded() bool { return o.Status == StatusSuccess }

// Duration returns the wall time of the execution.
func (o Outcome) Duration() time.Duration {
	if o.FinishedAt.Before(o.StartedAt) {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}

// DecisionRecord is the audit entry for one routing decision.
type DecisionRecord struct {
	Worker      string    `json:"worker"`
	Status      Status    `json:"status"`
	NextWorkers []string  `json:"next_workers"`
	Confidence  float64   `json:"confidence"`
	Escalate    bool      `json:"escalate,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Strategy    string    `json:"strategy"`
	Fallback    bool      `json:"fallback,omitempty"`
	DecidedAt   time.Time `json:"decided_at"`
}

// EscalationRecord captures a deliberate hand-off to the human-facing worker.
type EscalationRecord struct {
	TriggeringWorker string         `json:"triggering_worker"`
	Reason           string         `json:"reason"`
	Confidence       float64        `json:"confidence"`
	Target           string         `json:"target"`
	CreatedAt        time.Time      `json:"created_at"`
	ArtifactKey      string         `json:"artifact_key,omitempty"`
	Snapshot         *PipelineState `json:"snapshot,omitempty"`
}

// PipelineState is the persisted record of one run. Unknown JSON fields are
// ignored on load so older binaries can read newer snapshots.
type PipelineState struct {
	Version          int               `json:"version"`
	RunID            string            `json:"run_id"`
	Goal             string            `json:"goal,omitempty"`
	Lifecycle        Lifecycle         `json:"lifecycle"`
	Completed        []Outcome         `json:"completed"`
	Failed           []Outcome         `json:"failed"`
	CurrentlyRunning []string          `json:"currently_running"`
	Triggered        []string          `json:"triggered"`
	Decisions        []DecisionRecord  `json:"decisions,omitempty"`
	Escalation       *EscalationRecord `json:"escalation,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	Resumes          int               `json:"resumes,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	FinishedAt       *time.Time        `json:"finished_at,omitempty"`
}

// NewPipelineState returns a fresh INITIALIZING state.
func NewPipelineState(runID, goal string, now time.Time) PipelineState {
	return PipelineState{
		Version:   SchemaVersion,
		RunID:     runID,
		Goal:      goal,
		Lifecycle: LifecycleInitializing,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy.
func (s PipelineState) Clone() PipelineState {
	out := s
	out.Completed = cloneOutcomes(s.Completed)
	out.Failed = cloneOutcomes(s.Failed)
	out.CurrentlyRunning = slices.Clone(s.CurrentlyRunning)
	out.Triggered = slices.Clone(s.Triggered)
	if s.Decisions != nil {
		out.Decisions = make([]DecisionRecord, len(s.Decisions))
		for i, d := range s.Decisions {
			d.NextWorkers = slices.Clone(d.NextWorkers)
			out.Decisions[i] = d
		}
	}
	if s.Escalation != nil {
		esc := *s.Escalation
		if esc.Snapshot != nil {
			snap := esc.Snapshot.Clone()
			esc.Snapshot = &snap
		}
		out.Escalation = &esc
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

func cloneOutcomes(in []Outcome) []Outcome {
	if in == nil {
		return nil
	}
	out := make([]Outcome, len(in))
	for i, o := range in {
		o.Outputs = slices.Clone(o.Outputs)
		out[i] = o
	}
	return out
}

// SucceededSet returns workers with a SUCCESS outcome.
func (s PipelineState) SucceededSet() map[string]bool {
	set := make(map[string]bool, len(s.Completed))
	for _, o := range s.Completed {
		set[o.Worker] = true
	}
	return set
}

// DoneSet returns workers with any recorded outcome.
func (s PipelineState) DoneSet() map[string]bool {
	set := make(map[string]bool, len(s.Completed)+len(s.Failed))
	for _, o := range s.Completed {
		set[o.Worker] = true
	}
	for _, o := range s.Failed {
		set[o.Worker] = true
	}
	return set
}

// RunningSet returns workers currently executing.
func (s PipelineState) RunningSet() map[string]bool {
	set := make(map[string]bool, len(s.CurrentlyRunning))
	for _, name := range s.CurrentlyRunning {
		set[name] = true
	}
	return set
}

// CompletedNames returns successful workers in completion order.
func (s PipelineState) CompletedNames() []string {
	names := make([]string, 0, len(s.Completed))
	for _, o := range s.Completed {
		names = append(names, o.Worker)
	}
	return names
}

// FailedNames returns failed or timed-out workers in completion order.
func (s PipelineState) FailedNames() []string {
	names := make([]string, 0, len(s.Failed))
	for _, o := range s.Failed {
		names = append(names, o.Worker)
	}
	return names
}

// OutcomeFor returns the recorded outcome for worker, if any.
func (s PipelineState) OutcomeFor(worker string) (Outcome, bool) {
	for _, o := range s.Completed {
		if o.Worker == worker {
			return o, true
		}
	}
	for _, o := range s.Failed {
		if o.Worker == worker {
			return o, true
		}
	}
	return Outcome{}, false
}

// Escalated reports whether the run was halted for escalation.
func (s PipelineState) Escalated() bool { return s.Escalation != nil }

// Marshal encodes the state as indented JSON.
func (s PipelineState) Marshal() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Unmarshal decodes a snapshot. Unknown fields are ignored.
func Unmarshal(data []byte) (PipelineState, error) {
	var s PipelineState
	if err := json.Unmarshal(data, &s); err != nil {
		return PipelineState{}, err
	}
	if s.Version == 0 {
		s.Version = SchemaVersion
	}
	return s, nil
}
