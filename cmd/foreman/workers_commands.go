package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"foreman/internal/config"
	"foreman/internal/deps"
	"foreman/internal/pipeline"
	"foreman/internal/registry"
	"foreman/internal/runstore"
)

func newWorkersCommand(ctx *commandContext) *cobra.Command {
	workersCmd := &cobra.Command{
		Use:   "workers",
		Short: "Inspect worker descriptors",
	}

	workersCmd.AddCommand(newWorkersListCommand(ctx))
	workersCmd.AddCommand(newWorkersValidateCommand(ctx))
	workersCmd.AddCommand(newWorkersStatsCommand(ctx))

	return workersCmd
}

func newWorkersListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered workers and their dependency edges",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, reg.All())
			}
			rows := make([][]string, 0, reg.Len())
			for _, desc := range reg.All() {
				rows = append(rows, []string{
					desc.Name,
					orDash(strings.Join(desc.Inputs.Required, ", ")),
					orDash(strings.Join(desc.Outputs, ", ")),
					orDash(strings.Join(desc.Transitions.OnSuccess, ", ")),
					orDash(strings.Join(desc.Transitions.OnFailure, ", ")),
					desc.Timeout().String(),
				})
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, renderTable(
				[]string{"Worker", "Requires", "Outputs", "On success", "On failure", "Timeout"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
			))
			fmt.Fprintf(out, "Entry workers: %s\n", orNone(reg.Entry()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print descriptors as JSON")
	return cmd
}

func newWorkersValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate worker descriptors and configuration references",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			reg, err := loadRegistry(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			problems := referenceProblems(cfg, reg)
			var optional []string
			if cfg.AdaptiveEnabled() {
				optional = append(optional, cfg.Decision.EscalationWorker)
			}
			for _, missing := range deps.Missing(deps.CheckBinaries(deps.WorkerRequirements(reg.All(), optional...))) {
				problems = append(problems, fmt.Sprintf("worker %s: %s", missing.Name, missing.Detail))
			}
			for _, warning := range reg.Warnings() {
				fmt.Fprintln(out, renderStatusLine("Warning", statusWarn, warning, colorize))
			}
			for _, problem := range problems {
				fmt.Fprintln(out, renderStatusLine("Problem", statusError, problem, colorize))
			}
			if len(problems) > 0 {
				return fmt.Errorf("%d problem(s) found", len(problems))
			}
			fmt.Fprintln(out, renderStatusLine("Workers", statusOK, fmt.Sprintf("%d workers valid", reg.Len()), colorize))
			return nil
		},
	}
}

func newWorkersStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-worker outcome history (sqlite state backend)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.State.Backend != config.StateBackendSQLite {
				return fmt.Errorf("worker stats need state.backend = %q (current: %q)", config.StateBackendSQLite, cfg.State.Backend)
			}
			db, err := runstore.Open(cfg.SQLitePath())
			if err != nil {
				return err
			}
			defer db.Close()
			stats, err := db.WorkerStats(cmd.Context())
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No worker outcomes recorded")
				return nil
			}
			rows := make([][]string, 0, len(stats))
			for _, st := range stats {
				rows = append(rows, []string{
					st.Worker,
					strconv.Itoa(st.Runs),
					strconv.Itoa(st.Successes),
					strconv.Itoa(st.Failures),
					strconv.Itoa(st.Timeouts),
					formatDuration(st.AvgDuration),
				})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"Worker", "Runs", "Success", "Failure", "Timeout", "Avg"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
			))
			return nil
		},
	}
}

func loadRegistry(ctx *commandContext) (*registry.Registry, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, err
	}
	return pipeline.LoadRegistry(cfg, nil, nil)
}

// referenceProblems lists worker names used by configuration that the
// registry does not know.
func referenceProblems(cfg *config.Config, reg *registry.Registry) []string {
	var problems []string
	if name := cfg.Pipeline.FinalWorker; name != "" && !reg.Has(name) {
		problems = append(problems, fmt.Sprintf("pipeline.final_worker %q", name))
	}
	if cfg.AdaptiveEnabled() && !reg.Has(cfg.Decision.EscalationWorker) {
		problems = append(problems, fmt.Sprintf("decision.escalation_worker %q", cfg.Decision.EscalationWorker))
	}
	for _, goalName := range cfg.GoalNames() {
		goal, _ := cfg.Goal(goalName)
		if _, unknown := reg.Filter(goal.InitialWorkers); len(unknown) > 0 {
			problems = append(problems, fmt.Sprintf("goals.%s.initial_workers %s", goalName, strings.Join(unknown, ", ")))
		}
	}
	return problems
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
