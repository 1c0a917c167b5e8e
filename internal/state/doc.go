// Package state tracks the lifecycle of a pipeline run.
//
// A run moves INITIALIZING → WAITING_FOR_INPUTS → AGENTS_READY → PROCESSING,
// loops between AGENTS_READY and PROCESSING while workers make progress, and
// ends COMPLETED or FAILED. Transitions are driven by Events through Apply;
// Manager wraps Apply with persistence so every recorded outcome and every
// lifecycle change is durable before the driver continues. Only an operator
// Reset moves a run backwards.
//
// Snapshots are stored as JSON (FileStore) or in SQLite (internal/runstore).
package state
