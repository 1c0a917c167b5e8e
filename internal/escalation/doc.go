// Package escalation records a deliberate hand-off to human review.
//
// A Reporter writes the EscalationRecord, including the pipeline snapshot at
// the time of escalation, to escalations/<unix-ts>-<worker>.json in the
// artifact store and publishes an escalation notification.
package escalation
