// Package execution runs a single worker and turns what happened into a
// state.Outcome.
//
// The Engine prepares the invocation (placeholder expansion, injected RUN_ID,
// OUT_DIR, WORKER_NAME and FOREMAN_INPUT_* variables, a per-worker log file),
// hands it to a Launcher, and classifies the result: deadline expiry is
// TIMEOUT, a non-zero exit is FAILURE, and a zero exit is SUCCESS only when
// every declared output exists in the artifact store. ProcessLauncher is the
// production Launcher; tests substitute LauncherFunc.
package execution
