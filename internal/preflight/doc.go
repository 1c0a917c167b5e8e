// Package preflight provides readiness checks for the filesystem paths,
// worker binaries and external services a run depends on.
//
// These checks run in two contexts:
//   - `foreman run` calls RunAll before preparing a run and refuses to start
//     when a check fails, so a doomed run never takes the run lock.
//   - `foreman doctor` prints every result without acting on it.
//
// Each service check is gated by its config section: unused backends and
// providers are skipped.
package preflight
