package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"foreman/internal/logging"
	"foreman/internal/pipeline"
	"foreman/internal/preflight"
	"foreman/internal/registry"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check directories, worker binaries and external services",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			for _, line := range renderSectionHeader("Foreman", colorize) {
				fmt.Fprintln(out, line)
			}
			fmt.Fprintln(out, renderField("Config", ctx.configPath))
			fmt.Fprintln(out, renderField("Decision", decisionSummary(cfg.Decision.Mode, cfg.Decision.Provider, cfg.AdaptiveEnabled())))
			fmt.Fprintln(out, renderField("State", cfg.State.Backend))
			fmt.Fprintln(out, renderField("Artifacts", cfg.Artifacts.Backend))

			var reg *registry.Registry
			reg, err = pipeline.LoadRegistry(cfg, nil, logging.NewNop())
			if err != nil {
				fmt.Fprintln(out, renderStatusLine("Registry", statusError, err.Error(), colorize))
			} else {
				fmt.Fprintln(out, renderStatusLine("Registry", statusOK, fmt.Sprintf("%d workers", reg.Len()), colorize))
			}

			results := preflight.RunAll(cmd.Context(), cfg, preflight.Options{Registry: reg, SkipNetwork: offline})
			fmt.Fprintln(out)
			for _, line := range renderSectionHeader("Checks", colorize) {
				fmt.Fprintln(out, line)
			}
			for _, r := range results {
				kind := statusOK
				if !r.Passed {
					kind = statusError
				}
				fmt.Fprintln(out, renderStatusLine(r.Name, kind, r.Detail, colorize))
			}
			if failed := preflight.Failed(results); len(failed) > 0 || reg == nil {
				return fmt.Errorf("%d check(s) failed", len(failed)+boolCount(reg == nil))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "Skip checks that contact remote services")
	return cmd
}

func decisionSummary(mode, provider string, adaptive bool) string {
	switch {
	case adaptive:
		return fmt.Sprintf("%s via %s", mode, provider)
	case provider == "":
		return mode + " (no provider; static routing)"
	default:
		return mode
	}
}

func boolCount(v bool) int {
	if v {
		return 1
	}
	return 0
}
