// Package metrics exports orchestrator counters to Prometheus.
//
// Metrics are fed by registering ObserveTransition as a state.Manager
// listener, so every recorded outcome, decision, escalation and lifecycle
// change is counted from the same event stream that is persisted.
package metrics
