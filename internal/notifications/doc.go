// Package notifications publishes pipeline milestones (run started, run
// finished, worker failures, escalations) to ntfy.
//
// Each event type can be switched off in the [notifications] config section.
// Without a topic NewService returns a no-op, so callers never need to check
// whether notifications are configured. Delivery errors are returned to the
// caller, which logs them; a failed notification never affects a run.
package notifications
