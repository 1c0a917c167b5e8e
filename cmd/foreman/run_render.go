package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"foreman/internal/pipeline"
	"foreman/internal/state"
)

func renderSummary(sum pipeline.Summary, colorize bool) string {
	var b strings.Builder
	writeLines(&b, renderSectionHeader("Run "+sum.RunID, colorize)...)
	if sum.Goal != "" {
		writeLines(&b, renderField("Goal", sum.Goal))
	}
	writeLines(&b, renderStatusLine("Lifecycle", lifecycleKind(sum.Lifecycle), lifecycleLabel(sum.Lifecycle), colorize))
	if sum.Reason != "" {
		writeLines(&b, renderField("Reason", sum.Reason))
	}
	writeLines(&b, renderField("Escalated", yesNo(sum.Escalated)))
	if sum.EscalationKey != "" {
		writeLines(&b, renderField("Escalation", sum.EscalationKey))
	}
	writeLines(&b,
		renderField("Duration", formatDuration(sum.Duration)),
		renderField("Artifacts", strconv.Itoa(len(sum.Artifacts))),
	)
	if len(sum.MissingOutputs) > 0 {
		writeLines(&b, renderStatusLine("Missing", statusError, strings.Join(sum.MissingOutputs, ", "), colorize))
	}
	if len(sum.UnhandledFailures) > 0 {
		writeLines(&b, renderStatusLine("Unhandled", statusError, strings.Join(sum.UnhandledFailures, ", "), colorize))
	}

	if len(sum.Workers) > 0 {
		rows := make([][]string, 0, len(sum.Workers))
		for _, w := range sum.Workers {
			rows = append(rows, []string{w.Worker, string(w.Status), strconv.Itoa(w.ExitCode), formatDuration(w.Duration), firstLine(w.Error)})
		}
		b.WriteString("\n")
		b.WriteString(renderTable(
			[]string{"Worker", "Status", "Exit", "Duration", "Error"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
		))
	}
	return b.String()
}

func renderState(s state.PipelineState, colorize bool) string {
	var b strings.Builder
	writeLines(&b, renderSectionHeader("Run "+s.RunID, colorize)...)
	if s.Goal != "" {
		writeLines(&b, renderField("Goal", s.Goal))
	}
	writeLines(&b, renderStatusLine("Lifecycle", lifecycleKind(s.Lifecycle), lifecycleLabel(s.Lifecycle), colorize))
	if s.Reason != "" {
		writeLines(&b, renderField("Reason", s.Reason))
	}
	writeLines(&b, renderField("Started", s.StartedAt.Local().Format(time.DateTime)))
	if s.FinishedAt != nil {
		writeLines(&b, renderField("Finished", s.FinishedAt.Local().Format(time.DateTime)))
	}
	if len(s.CurrentlyRunning) > 0 {
		writeLines(&b, renderField("Running", strings.Join(s.CurrentlyRunning, ", ")))
	}
	if pending := pendingWorkers(s); len(pending) > 0 {
		writeLines(&b, renderField("Triggered", strings.Join(pending, ", ")))
	}
	if s.Resumes > 0 {
		writeLines(&b, renderField("Resumes", strconv.Itoa(s.Resumes)))
	}
	if esc := s.Escalation; esc != nil {
		writeLines(&b, renderStatusLine("Escalated", statusWarn,
			fmt.Sprintf("%s -> %s (confidence %.2f): %s", esc.TriggeringWorker, esc.Target, esc.Confidence, firstLine(esc.Reason)), colorize))
	}

	outcomes := append(append([]state.Outcome(nil), s.Completed...), s.Failed...)
	if len(outcomes) > 0 {
		rows := make([][]string, 0, len(outcomes))
		for _, o := range outcomes {
			rows = append(rows, []string{o.Worker, string(o.Status), strconv.Itoa(o.ExitCode), formatDuration(o.Duration()), firstLine(o.ErrorDetail)})
		}
		b.WriteString("\n")
		b.WriteString(renderTable(
			[]string{"Worker", "Status", "Exit", "Duration", "Error"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
		))
	}
	if len(s.Decisions) > 0 {
		rows := make([][]string, 0, len(s.Decisions))
		for _, d := range s.Decisions {
			next := strings.Join(d.NextWorkers, ", ")
			if next == "" {
				next = "-"
			}
			strategy := d.Strategy
			if d.Fallback {
				strategy += " (fallback)"
			}
			rows = append(rows, []string{d.Worker, next, fmt.Sprintf("%.2f", d.Confidence), strategy})
		}
		b.WriteString(renderTable(
			[]string{"After", "Next", "Confidence", "Strategy"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
		))
	}
	return b.String()
}

func renderPlan(plan pipeline.Plan, colorize bool) string {
	var b strings.Builder
	writeLines(&b, renderSectionHeader("Dry run", colorize)...)
	writeLines(&b,
		renderField("Ready now", orNone(plan.Ready)),
		renderField("Reachable", orNone(plan.Reachable)),
	)
	if len(plan.UnproducibleOutputs) > 0 {
		writeLines(&b, renderStatusLine("Outputs", statusError, "cannot produce "+strings.Join(plan.UnproducibleOutputs, ", "), colorize))
	}
	if len(plan.Unreachable) > 0 {
		rows := make([][]string, 0, len(plan.Unreachable))
		for _, name := range sortedKeys(plan.Unreachable) {
			rows = append(rows, []string{name, strings.Join(plan.Unreachable[name], ", ")})
		}
		b.WriteString("\n")
		b.WriteString(renderTable([]string{"Unreachable worker", "Missing inputs"}, rows, nil))
	}
	if plan.OK() {
		writeLines(&b, renderStatusLine("Plan", statusOK, "every worker and expected output is reachable", colorize))
	}
	return b.String()
}

// pendingWorkers lists triggered workers that have neither run nor started.
func pendingWorkers(s state.PipelineState) []string {
	done := s.DoneSet()
	running := s.RunningSet()
	var out []string
	for _, w := range s.Triggered {
		if !done[w] && !running[w] {
			out = append(out, w)
		}
	}
	return out
}

func writeLines(b *strings.Builder, lines ...string) {
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orNone(values []string) string {
	if len(values) == 0 {
		return "none"
	}
	return strings.Join(values, ", ")
}
