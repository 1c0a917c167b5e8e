package pipeline

import (
	"context"
	"strings"

	"foreman/internal/logging"
	"foreman/internal/notifications"
	"foreman/internal/state"
)

func (d *Driver) notifyStarted(ctx context.Context, snap state.PipelineState) {
	d.publish(ctx, notifications.EventRunStarted, notifications.Payload{
		"run_id": snap.RunID,
		"goal":   snap.Goal,
	})
}

func (d *Driver) notifyWorkerFailed(ctx context.Context, outcome state.Outcome) {
	d.publish(ctx, notifications.EventWorkerFailed, notifications.Payload{
		"run_id": d.opts.State.RunID(),
		"worker": outcome.Worker,
		"status": string(outcome.Status),
		"error":  firstLine(outcome.ErrorDetail),
	})
}

func (d *Driver) notifyFinished(ctx context.Context, sum Summary) {
	if sum.Success {
		d.publish(ctx, notifications.EventRunCompleted, notifications.Payload{
			"run_id":    sum.RunID,
			"completed": len(sum.Completed()),
			"failed":    len(sum.Failed()),
			"duration":  sum.Duration,
		})
		return
	}
	reason := sum.Reason
	if len(sum.MissingOutputs) > 0 {
		reason = "missing expected outputs: " + strings.Join(sum.MissingOutputs, ", ")
	}
	d.publish(ctx, notifications.EventRunFailed, notifications.Payload{
		"run_id": sum.RunID,
		"reason": reason,
	})
}

func (d *Driver) publish(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	if d.opts.Notifier == nil {
		return
	}
	if err := d.opts.Notifier.Publish(ctx, event, payload); err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, d.logger), "notification failed", "notification_failed",
			logging.String("event", string(event)),
			logging.Error(err),
			logging.String(logging.FieldImpact, "operators were not notified"),
			logging.String(logging.FieldErrorHint, "check the ntfy topic and network access"),
		)
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
