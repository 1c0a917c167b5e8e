// Package decision chooses which workers run after a worker finishes.
//
// Static follows the on_success / on_failure edges of the finished worker.
// Adaptive asks a reasoning Provider and accepts its answer only when the
// confidence reaches the configured threshold. Otherwise the static edges are
// used, or, with adaptive_only set, nothing is triggered. A provider request
// to escalate, a confidence below escalate_below, or (adaptive_only) a
// suggestion naming unknown workers routes the run to exactly the configured
// escalation worker.
//
// Every Maker filters workers that already have an outcome, so re-deciding
// after a resume never re-triggers finished work.
package decision
