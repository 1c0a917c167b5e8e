// Package registry loads and validates the worker catalog.
//
// Each worker is described by one TOML or YAML file in the workers directory.
// Descriptors are decoded strictly, so a misspelled field fails the load
// rather than silently changing routing. Validation is fail-fast for problems
// that would stall a run (missing commands, required inputs nobody can
// produce) and tolerant of transition edges that point at unknown workers,
// which are dropped with a warning.
package registry
