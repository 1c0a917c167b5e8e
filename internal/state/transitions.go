package state

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrInvalidTransition is returned when an event does not apply to the
// current lifecycle.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// EventKind names a state machine input.
type EventKind string

const (
	EventInitialized EventKind = "initialized"
	EventWaiting     EventKind = "waiting"
	EventInputsReady EventKind = "inputs_ready"
	EventLaunched    EventKind = "launched"
	EventOutcome     EventKind = "outcome"
	EventDecision    EventKind = "decision"
	EventTriggered   EventKind = "triggered"
	EventEscalated   EventKind = "escalated"
	EventDrained     EventKind = "drained"
	EventDeadlock    EventKind = "deadlock"
	EventCancelled   EventKind = "cancelled"
	EventTimedOut    EventKind = "timed_out"
)

// Event is one input to the lifecycle machine. Only the fields relevant to
// Kind are read.
type Event struct {
	Kind       EventKind
	Worker     string
	Workers    []string
	Outcome    *Outcome
	Decision   *DecisionRecord
	Escalation *EscalationRecord
	Reason     string
	// Complete selects COMPLETED instead of FAILED for EventTimedOut.
	Complete bool
	At       time.Time
}

// Initialized moves a new run out of INITIALIZING and seeds the entry
// workers it will consider first.
func Initialized(entry []string) Event { return Event{Kind: EventInitialized, Workers: entry} }

// Waiting records that nothing can run until more inputs arrive.
func Waiting(reason string) Event { return Event{Kind: EventWaiting, Reason: reason} }

// InputsReady records that at least one worker is ready.
func InputsReady(ready []string) Event { return Event{Kind: EventInputsReady, Workers: ready} }

// Launched marks worker as running.
func Launched(worker string) Event { return Event{Kind: EventLaunched, Worker: worker} }

// Recorded appends an execution outcome.
func Recorded(outcome Outcome) Event {
	return Event{Kind: EventOutcome, Worker: outcome.Worker, Outcome: &outcome}
}

// Decided appends a routing decision and triggers its next workers.
func Decided(rec DecisionRecord) Event {
	return Event{Kind: EventDecision, Worker: rec.Worker, Decision: &rec}
}

// Trigger adds workers to the triggered set outside of a routing decision,
// for example the configured final worker. Ignored once a run is escalated.
func Trigger(reason string, workers ...string) Event {
	return Event{Kind: EventTriggered, Workers: workers, Reason: reason}
}

// Escalated stores the escalation record and restricts triggers to its target.
func Escalated(rec EscalationRecord) Event {
	return Event{Kind: EventEscalated, Worker: rec.TriggeringWorker, Escalation: &rec}
}

// Drained completes a run with nothing left to do.
func Drained(reason string) Event { return Event{Kind: EventDrained, Reason: reason} }

// Deadlock fails a run that can make no further progress.
func Deadlock(reason string) Event { return Event{Kind: EventDeadlock, Reason: reason} }

// Cancelled fails a run stopped by the operator.
func Cancelled(reason string) Event { return Event{Kind: EventCancelled, Reason: reason} }

// TimedOut ends a run that hit the pipeline deadline.
func TimedOut(reason string, complete bool) Event {
	return Event{Kind: EventTimedOut, Reason: reason, Complete: complete}
}

// Apply returns the state that results from ev, or an error when the event
// is not valid in the current lifecycle. s itself is not modified.
func Apply(s PipelineState, ev Event) (PipelineState, error) {
	if s.Lifecycle.Terminal() {
		return s, fmt.Errorf("%w: %s after %s", ErrInvalidTransition, ev.Kind, s.Lifecycle)
	}
	now := ev.At
	if now.IsZero() {
		now = time.Now().UTC()
	}
	next := s.Clone()
	next.UpdatedAt = now

	switch ev.Kind {
	case EventInitialized:
		if s.Lifecycle != LifecycleInitializing {
			return s, invalid(ev, s)
		}
		next.Lifecycle = LifecycleWaitingForInputs
		next.Triggered = appendUnique(next.Triggered, ev.Workers...)

	case EventWaiting:
		if s.Lifecycle == LifecycleInitializing {
			return s, invalid(ev, s)
		}
		next.Lifecycle = LifecycleWaitingForInputs

	case EventInputsReady:
		if s.Lifecycle == LifecycleInitializing {
			return s, invalid(ev, s)
		}
		if len(s.CurrentlyRunning) == 0 {
			next.Lifecycle = LifecycleAgentsReady
		}

	case EventLaunched:
		if s.Lifecycle != LifecycleAgentsReady && s.Lifecycle != LifecycleProcessing {
			return s, invalid(ev, s)
		}
		if ev.Worker == "" {
			return s, fmt.Errorf("%w: launch without worker", ErrInvalidTransition)
		}
		if s.DoneSet()[ev.Worker] {
			return s, fmt.Errorf("%w: worker %s already has an outcome", ErrInvalidTransition, ev.Worker)
		}
		if s.RunningSet()[ev.Worker] {
			return s, fmt.Errorf("%w: worker %s is already running", ErrInvalidTransition, ev.Worker)
		}
		next.CurrentlyRunning = append(next.CurrentlyRunning, ev.Worker)
		next.Lifecycle = LifecycleProcessing

	case EventOutcome:
		if ev.Outcome == nil {
			return s, fmt.Errorf("%w: outcome event without outcome", ErrInvalidTransition)
		}
		if !s.RunningSet()[ev.Outcome.Worker] {
			return s, fmt.Errorf("%w: outcome for %s which is not running", ErrInvalidTransition, ev.Outcome.Worker)
		}
		next.CurrentlyRunning = slices.DeleteFunc(next.CurrentlyRunning, func(n string) bool { return n == ev.Outcome.Worker })
		outcome := *ev.Outcome
		outcome.Outputs = slices.Clone(outcome.Outputs)
		if outcome.Succeeded() {
			next.Completed = append(next.Completed, outcome)
		} else {
			next.Failed = append(next.Failed, outcome)
		}

	case EventDecision:
		if ev.Decision == nil {
			return s, fmt.Errorf("%w: decision event without decision", ErrInvalidTransition)
		}
		rec := *ev.Decision
		rec.NextWorkers = slices.Clone(rec.NextWorkers)
		if rec.DecidedAt.IsZero() {
			rec.DecidedAt = now
		}
		next.Decisions = append(next.Decisions, rec)
		if s.Escalation == nil {
			next.Triggered = appendUnique(next.Triggered, rec.NextWorkers...)
		}

	case EventTriggered:
		if s.Lifecycle == LifecycleInitializing {
			return s, invalid(ev, s)
		}
		if s.Escalation == nil {
			next.Triggered = appendUnique(next.Triggered, ev.Workers...)
		}

	case EventEscalated:
		if ev.Escalation == nil {
			return s, fmt.Errorf("%w: escalation event without record", ErrInvalidTransition)
		}
		if s.Escalation != nil {
			return s, fmt.Errorf("%w: run already escalated by %s", ErrInvalidTransition, s.Escalation.TriggeringWorker)
		}
		rec := *ev.Escalation
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		next.Escalation = &rec
		next.Triggered = nil
		if rec.Target != "" {
			next.Triggered = []string{rec.Target}
		}

	case EventDrained:
		if len(s.CurrentlyRunning) > 0 {
			return s, fmt.Errorf("%w: drained with %d workers running", ErrInvalidTransition, len(s.CurrentlyRunning))
		}
		finish(&next, LifecycleCompleted, ev.Reason, now)

	case EventDeadlock, EventCancelled:
		finish(&next, LifecycleFailed, ev.Reason, now)
		next.CurrentlyRunning = nil

	case EventTimedOut:
		target := LifecycleFailed
		if ev.Complete {
			target = LifecycleCompleted
		}
		finish(&next, target, ev.Reason, now)
		next.CurrentlyRunning = nil

	default:
		return s, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev.Kind)
	}
	return next, nil
}

func finish(s *PipelineState, lifecycle Lifecycle, reason string, now time.Time) {
	s.Lifecycle = lifecycle
	s.Reason = reason
	t := now
	s.FinishedAt = &t
}

func invalid(ev Event, s PipelineState) error {
	return fmt.Errorf("%w: %s during %s", ErrInvalidTransition, ev.Kind, s.Lifecycle)
}

func appendUnique(list []string, values ...string) []string {
	for _, v := range values {
		if v != "" && !slices.Contains(list, v) {
			list = append(list, v)
		}
	}
	return list
}
