// Package main hosts the foreman CLI entrypoint and command graph.
//
// The Cobra command tree loads configuration (and a .env file when present),
// drives pipeline runs in the foreground, and inspects or steers runs that
// live under the runs directory: status, cancellation, operator resets and
// artifact listings. Worker descriptors can be listed and validated without
// starting a run.
//
// Keep this package lean: behaviour belongs in internal packages, commands
// only translate flags into calls and render results.
package main
