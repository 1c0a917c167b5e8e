package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"foreman/internal/artifact"
	"foreman/internal/logging"
	"foreman/internal/notifications"
	"foreman/internal/services"
	"foreman/internal/state"
)

// Producer is recorded as the provenance of escalation artifacts.
const Producer = "foreman"

// KeyPrefix is where escalation artifacts are written.
const KeyPrefix = "escalations/"

// Reporter persists escalation records as artifacts and notifies operators.
type Reporter struct {
	store    artifact.Store
	notifier notifications.Service
	logger   *slog.Logger
}

// NewReporter returns a reporter. notifier may be nil.
func NewReporter(store artifact.Store, notifier notifications.Service, logger *slog.Logger) *Reporter {
	return &Reporter{
		store:    store,
		notifier: notifier,
		logger:   logging.NewComponentLogger(logger, "escalation"),
	}
}

// Key returns the artifact key for rec.
func Key(rec state.EscalationRecord) string {
	return fmt.Sprintf("%s%d-%s.json", KeyPrefix, rec.CreatedAt.Unix(), rec.TriggeringWorker)
}

// Report writes rec to escalations/<unix-ts>-<worker>.json before returning,
// so the escalation worker can read it as an input. The returned record has
// ArtifactKey set. Notification failures are logged, not returned.
func (r *Reporter) Report(ctx context.Context, rec state.EscalationRecord) (state.EscalationRecord, error) {
	logger := logging.WithContext(ctx, r.logger)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	key := Key(rec)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return rec, services.Wrap(services.ErrEscalation, "escalation", "encode", "encode escalation record", err)
	}
	if err := r.store.Put(ctx, key, data, Producer); err != nil {
		return rec, services.Wrap(services.ErrTransient, "escalation", "persist", "write escalation artifact "+key, err)
	}
	rec.ArtifactKey = key

	logger.Warn("pipeline escalated for review",
		logging.String(logging.FieldEventType, "escalation_recorded"),
		logging.String("triggering_worker", rec.TriggeringWorker),
		logging.String("target", rec.Target),
		logging.Float64("confidence", rec.Confidence),
		logging.String("reason", rec.Reason),
		logging.String("artifact", key),
		logging.Alert("escalation"),
	)

	if r.notifier != nil {
		runID := ""
		if rec.Snapshot != nil {
			runID = rec.Snapshot.RunID
		}
		if err := r.notifier.Publish(ctx, notifications.EventEscalation, notifications.Payload{
			"run_id":     runID,
			"worker":     rec.TriggeringWorker,
			"reason":     rec.Reason,
			"confidence": rec.Confidence,
			"artifact":   key,
		}); err != nil {
			logging.WarnWithContext(logger, "escalation notification failed", "notification_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "operators are not paged; the escalation artifact is still written"),
				logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
			)
		}
	}
	return rec, nil
}
