// Package services defines shared utilities consumed by the pipeline
// components and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp run IDs, worker names, and correlation
//     identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that translate failures
//     into a consistent error taxonomy (validation, deadlock, timeout,
//     provider outages, escalation signals).
//
// Use these helpers when wiring new components so operational behaviour (error
// handling, observability) stays uniform across the engine.
package services
