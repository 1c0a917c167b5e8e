// Package pipeline drives one run from its entry workers to a terminal
// lifecycle.
//
// The Driver is a single goroutine that asks the readiness evaluator which
// triggered workers can start, launches them through the execution engine up
// to the configured parallelism, and records each outcome as it arrives. After
// every outcome the decision maker routes the run, possibly escalating to the
// human-facing worker through the escalation reporter. Store change
// notifications and a poll ticker wake the loop; neither is needed for
// correctness since readiness is always re-evaluated from the store.
//
// A run ends COMPLETED when every triggered worker has finished, FAILED when
// nothing can make progress, when the operator cancels it, or when the
// pipeline deadline passes (COMPLETED instead under the complete_if_progress
// policy). Prepare wires a Driver from configuration for the CLI.
package pipeline
