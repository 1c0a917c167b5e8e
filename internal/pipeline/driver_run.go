package pipeline

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"foreman/internal/config"
	"foreman/internal/decision"
	"foreman/internal/logging"
	"foreman/internal/readiness"
	"foreman/internal/services"
	"foreman/internal/state"
)

// Run drives the run until its lifecycle is terminal and returns the run
// summary. Worker failures, deadlocks, cancellation and the pipeline timeout
// all end the run normally; the error is non-nil only when the state machine
// rejected an event or the state could not be persisted.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	runID := d.opts.State.RunID()
	runCtx := services.WithRunID(ctx, runID)
	// State changes must reach the persister even after a cancel.
	ctx = context.WithoutCancel(runCtx)
	logger := logging.WithContext(ctx, d.logger)
	d.started = d.now()

	snap := d.opts.State.Snapshot()
	if snap.Lifecycle.Terminal() {
		return d.summarize(ctx), nil
	}
	if snap.Lifecycle == state.LifecycleInitializing {
		entry := d.entryWorkers()
		if _, err := d.apply(ctx, state.Initialized(entry)); err != nil {
			return Summary{}, err
		}
		logger.Info("run initialized",
			logging.String(logging.FieldEventType, "run_initialized"),
			logging.String("goal", snap.Goal),
			logging.Strings("entry", entry),
			logging.Int("workers", d.opts.Registry.Len()),
		)
	} else {
		logger.Info("run resumed",
			logging.String(logging.FieldEventType, "run_resumed"),
			logging.Int("completed", len(snap.Completed)),
			logging.Int("failed", len(snap.Failed)),
			logging.Int("resumes", snap.Resumes),
		)
	}
	d.notifyStarted(ctx, snap)

	wake := make(chan struct{}, 1)
	unsubscribe := d.opts.Store.OnChange(func(string) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	// Buffered so a worker goroutine never blocks once the loop stopped
	// receiving; each worker launches at most once per run.
	completions := make(chan state.Outcome, d.opts.Registry.Len())
	inFlight := 0

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	var deadline <-chan time.Time
	if d.opts.RunTimeout > 0 {
		timer := time.NewTimer(d.opts.RunTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	stop := func(ev state.Event) error {
		cancelWorkers()
		d.drain(ctx, completions, inFlight)
		inFlight = 0
		if ev.Kind == state.EventTimedOut {
			ev.Complete = d.opts.TimeoutPolicy == config.TimeoutPolicyCompleteIfProgress &&
				len(d.opts.State.Snapshot().Completed) > 0
		}
		_, err := d.apply(ctx, ev)
		return err
	}

	interrupted := func() error {
		logging.WarnWithContext(logger, "run interrupted", "run_interrupted",
			logging.Int("in_flight", inFlight),
			logging.String(logging.FieldImpact, "running workers are terminated and the run fails"),
			logging.String(logging.FieldErrorHint, "use foreman reset to rerun the interrupted workers"),
		)
		return stop(state.Cancelled("cancelled: " + context.Cause(runCtx).Error()))
	}

	for !d.opts.State.Snapshot().Lifecycle.Terminal() {
		if runCtx.Err() != nil {
			if err := interrupted(); err != nil {
				return Summary{}, err
			}
			break
		}
		launched, err := d.launchReady(ctx, workerCtx, completions)
		inFlight += launched
		if err != nil {
			cancelWorkers()
			d.drain(ctx, completions, inFlight)
			return Summary{}, err
		}
		if inFlight == 0 {
			again, err := d.settle(ctx)
			if err != nil {
				return Summary{}, err
			}
			if again {
				continue
			}
		}

		select {
		case outcome := <-completions:
			inFlight--
			if err := d.record(ctx, runCtx, outcome); err != nil {
				cancelWorkers()
				d.drain(ctx, completions, inFlight)
				return Summary{}, err
			}
		case <-wake:
		case <-ticker.C:
			if d.opts.CancelRequested != nil && d.opts.CancelRequested() {
				logging.WarnWithContext(logger, "cancel requested by operator", "run_cancel_requested",
					logging.Int("in_flight", inFlight),
					logging.String(logging.FieldImpact, "running workers are terminated and the run fails"),
					logging.String(logging.FieldErrorHint, "reset or start a new run to continue"),
				)
				if err := stop(state.Cancelled("cancelled by operator")); err != nil {
					return Summary{}, err
				}
			}
		case <-runCtx.Done():
			if err := interrupted(); err != nil {
				return Summary{}, err
			}
		case <-deadline:
			err := services.Wrap(services.ErrTimeout, "pipeline", "run",
				fmt.Sprintf("pipeline timeout after %s", d.opts.RunTimeout), nil)
			logging.WarnWithContext(logger, "pipeline timeout reached", "run_timeout",
				append(logging.ErrorAttrs(err),
					logging.Int("in_flight", inFlight),
					logging.String("policy", d.opts.TimeoutPolicy),
					logging.String(logging.FieldImpact, "running workers are terminated"),
				)...,
			)
			if err := stop(state.TimedOut(err.Error(), false)); err != nil {
				return Summary{}, err
			}
		}
	}

	summary := d.summarize(ctx)
	d.writeSummary(ctx, summary)
	d.notifyFinished(ctx, summary)
	return summary, nil
}

// launchReady starts every triggered worker that readiness reports ready, up
// to the parallelism bound, and returns how many it started.
func (d *Driver) launchReady(ctx, workerCtx context.Context, completions chan<- state.Outcome) (int, error) {
	logger := logging.WithContext(ctx, d.logger)
	snap := d.opts.State.Snapshot()
	res, err := readiness.Evaluate(ctx, d.opts.Registry, d.opts.Store, readiness.View{
		Succeeded: snap.SucceededSet(),
		Done:      snap.DoneSet(),
		Running:   snap.RunningSet(),
	})
	if err != nil {
		logging.WarnWithContext(logger, "readiness evaluation failed", "readiness_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "launches are delayed until the next wake-up"),
			logging.String(logging.FieldErrorHint, "check artifact store connectivity"),
		)
		return 0, nil
	}
	d.blocked = res.Blocked

	eligible := make([]string, 0, len(res.Ready))
	for _, name := range res.Ready {
		if slices.Contains(snap.Triggered, name) {
			eligible = append(eligible, name)
		}
	}
	if len(eligible) == 0 {
		return 0, nil
	}
	d.waitingSince = time.Time{}
	// A new round starts from AGENTS_READY, whether the run was waiting for
	// inputs or the previous round just drained.
	if snap.Lifecycle == state.LifecycleWaitingForInputs ||
		(snap.Lifecycle == state.LifecycleProcessing && len(snap.CurrentlyRunning) == 0) {
		if _, err := d.apply(ctx, state.InputsReady(eligible)); err != nil {
			return 0, err
		}
	}

	launched := 0
	for _, name := range eligible {
		if !d.tryAcquire() {
			logger.Debug("parallelism limit reached",
				logging.Int("max_parallel", d.opts.MaxParallel),
				logging.Strings("deferred", eligible[launched:]),
			)
			break
		}
		if _, err := d.apply(ctx, state.Launched(name)); err != nil {
			d.release()
			return launched, err
		}
		desc, _ := d.opts.Registry.Get(name)
		inputs := res.Inputs[name]
		launched++
		go func() {
			completions <- d.opts.Runner.Run(workerCtx, desc, inputs, nil)
		}()
	}
	return launched, nil
}

// record stores an outcome, asks the decision maker where to go next, and
// hands off to the escalation worker when the decision says so.
func (d *Driver) record(ctx, decideCtx context.Context, outcome state.Outcome) error {
	d.release()
	ctx = services.WithWorker(ctx, outcome.Worker)
	logger := logging.WithContext(ctx, d.logger)

	next, err := d.apply(ctx, state.Recorded(outcome))
	if err != nil {
		return err
	}
	if !outcome.Succeeded() {
		d.notifyWorkerFailed(ctx, outcome)
	}

	in := decision.Input{Outcome: outcome, State: next}
	dec, err := d.opts.Maker.Decide(services.WithWorker(decideCtx, outcome.Worker), in)
	if err != nil {
		if decideCtx.Err() != nil {
			return nil
		}
		logging.ErrorWithContext(logger, "routing decision failed", "decision_failed",
			append(logging.ErrorAttrs(err),
				logging.String(logging.FieldImpact, "no workers are triggered by this outcome"),
			)...,
		)
		dec = decision.Decision{Strategy: decision.StrategyStatic, Reason: "decision failed: " + err.Error()}
	}

	now := d.now()
	if _, err := d.apply(ctx, state.Decided(dec.Record(in, now))); err != nil {
		return err
	}
	if !dec.Escalate || next.Escalated() {
		return nil
	}
	return d.escalate(ctx, in, dec, now)
}

func (d *Driver) escalate(ctx context.Context, in decision.Input, dec decision.Decision, now time.Time) error {
	logger := logging.WithContext(ctx, d.logger)
	target := d.opts.EscalationWorker
	if target == "" && len(dec.NextWorkers) > 0 {
		target = dec.NextWorkers[0]
	}
	rec := decision.EscalationRecord(in, dec, target, now)
	if d.opts.Reporter != nil {
		reported, err := d.opts.Reporter.Report(ctx, rec)
		if err != nil {
			logging.ErrorWithContext(logger, "escalation artifact not written", "escalation_persist_failed",
				append(logging.ErrorAttrs(err),
					logging.String(logging.FieldImpact, "the escalation worker runs without the escalation record"),
				)...,
			)
		} else {
			rec = reported
		}
	}
	_, err := d.apply(ctx, state.Escalated(rec))
	return err
}

// settle runs when nothing is in flight and nothing could be launched. It
// triggers the final worker, completes the run, waits for seeded inputs, or
// declares a deadlock. It reports whether the loop should re-evaluate
// immediately.
func (d *Driver) settle(ctx context.Context) (bool, error) {
	logger := logging.WithContext(ctx, d.logger)
	snap := d.opts.State.Snapshot()
	done := snap.DoneSet()
	var pending []string
	for _, name := range snap.Triggered {
		if !done[name] {
			pending = append(pending, name)
		}
	}
	final := d.opts.FinalWorker

	if len(pending) == 0 {
		if final != "" && !snap.Escalated() && !done[final] && !slices.Contains(snap.Triggered, final) {
			logger.Info("triggering final worker",
				logging.String(logging.FieldEventType, "final_worker_triggered"),
				logging.String("worker", final),
			)
			_, err := d.apply(ctx, state.Trigger("final worker", final))
			return true, err
		}
		return true, d.finish(ctx, "all triggered workers finished")
	}

	if len(pending) == 1 && pending[0] == final {
		logging.WarnWithContext(logger, "final worker cannot run", "final_worker_blocked",
			logging.String("worker", final),
			logging.Strings("missing", d.blocked[final]),
			logging.String(logging.FieldImpact, "run completes without the final worker"),
			logging.String(logging.FieldErrorHint, "check the final worker's required inputs"),
		)
		return true, d.finish(ctx, "final worker "+final+" inputs unavailable")
	}

	if d.opts.InputWait > 0 {
		now := d.now()
		if d.waitingSince.IsZero() {
			d.waitingSince = now
			if snap.Lifecycle != state.LifecycleWaitingForInputs {
				if _, err := d.apply(ctx, state.Waiting("waiting for inputs")); err != nil {
					return false, err
				}
			}
			logger.Info("waiting for inputs",
				logging.String(logging.FieldEventType, "inputs_waiting"),
				logging.Strings("pending", pending),
				logging.Duration("wait", d.opts.InputWait),
			)
			return false, nil
		}
		if now.Sub(d.waitingSince) < d.opts.InputWait {
			return false, nil
		}
	}

	err := services.Wrap(services.ErrReadinessDeadlock, "pipeline", "settle",
		"no ready or running workers; blocked: "+d.describeBlocked(pending), nil)
	logging.ErrorWithContext(logger, "pipeline cannot make progress", "pipeline_deadlock",
		append(logging.ErrorAttrs(err),
			logging.Strings("pending", pending),
			logging.String(logging.FieldImpact, "run fails"),
		)...,
	)
	_, applyErr := d.apply(ctx, state.Deadlock(err.Error()))
	return true, applyErr
}

// finish ends a run that has nothing left to do. It completes only when at
// least one worker succeeded; a run in which every execution failed fails.
func (d *Driver) finish(ctx context.Context, reason string) error {
	snap := d.opts.State.Snapshot()
	if len(snap.Completed) > 0 {
		_, err := d.apply(ctx, state.Drained(reason))
		return err
	}
	failed := snap.FailedNames()
	msg := "no worker succeeded"
	if len(failed) > 0 {
		msg += "; failed: " + strings.Join(failed, ", ")
	}
	err := services.Wrap(services.ErrExecution, "pipeline", "settle", msg, nil)
	logging.ErrorWithContext(logging.WithContext(ctx, d.logger), "pipeline made no progress", "pipeline_no_progress",
		append(logging.ErrorAttrs(err),
			logging.Strings("failed", failed),
			logging.String(logging.FieldImpact, "run fails"),
		)...,
	)
	_, err = d.apply(ctx, state.Deadlock(err.Error()))
	return err
}

// drain waits for n in-flight workers after their contexts were cancelled and
// records their outcomes without routing them.
func (d *Driver) drain(ctx context.Context, completions <-chan state.Outcome, n int) {
	for ; n > 0; n-- {
		outcome := <-completions
		d.release()
		if _, err := d.apply(ctx, state.Recorded(outcome)); err != nil {
			logging.WarnWithContext(logging.WithContext(ctx, d.logger), "outcome not recorded", "outcome_record_failed",
				logging.String("worker", outcome.Worker),
				logging.Error(err),
				logging.String(logging.FieldImpact, "worker appears interrupted on resume"),
			)
		}
	}
}

func (d *Driver) describeBlocked(pending []string) string {
	parts := make([]string, 0, len(pending))
	for _, name := range pending {
		missing := d.blocked[name]
		if len(missing) == 0 {
			parts = append(parts, name)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s (missing %s)", name, strings.Join(missing, ", ")))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

func (d *Driver) apply(ctx context.Context, ev state.Event) (state.PipelineState, error) {
	if ev.At.IsZero() {
		ev.At = d.now()
	}
	next, err := d.opts.State.Apply(ctx, ev)
	if err != nil {
		return next, fmt.Errorf("apply %s: %w", ev.Kind, err)
	}
	return next, nil
}
