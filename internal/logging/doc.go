// Package logging assembles structured slog loggers and formatting helpers used
// across foreman components.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so component code can tag log
// lines with run IDs, worker names, and correlation IDs. The package also
// provides a no-op logger for tests and a tee helper that mirrors driver logs
// into a per-run file.
package logging
