// Package readiness decides which workers may start given the artifacts
// currently in the store and the workers that have already run.
package readiness
