package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"foreman/internal/config"
	"foreman/internal/logging"
	"foreman/internal/metrics"
	"foreman/internal/pipeline"
	"foreman/internal/preflight"
)

// errRunUnsuccessful marks a run that finished without meeting its goal. The
// summary has already been printed when it is returned.
var errRunUnsuccessful = errors.New("run did not succeed")

type runFlags struct {
	goal          string
	runID         string
	seeds         []string
	metricsAddr   string
	dryRun        bool
	json          bool
	skipPreflight bool
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a pipeline run in the foreground",
		Long: "Start a pipeline run and drive it to a terminal state.\n\n" +
			"Seed files become artifacts before the first worker starts:\n" +
			"  foreman run --goal geology --seed well.las=./data/well-7.las",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			seeds, err := parseSeeds(flags.seeds)
			if err != nil {
				return err
			}
			if flags.dryRun {
				return runDryRun(cmd, ctx, flags.goal, seeds, flags.json)
			}
			return runPipeline(cmd, ctx, pipeline.Request{
				RunID: flags.runID,
				Goal:  flags.goal,
				Seeds: seeds,
			}, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.goal, "goal", "g", "", "Configured goal selecting entry workers and expected outputs")
	cmd.Flags().StringVar(&flags.runID, "run-id", "", "Run identifier (generated when empty)")
	cmd.Flags().StringArrayVarP(&flags.seeds, "seed", "s", nil, "Seed artifact as key=path (repeatable)")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the run is active (default metrics.addr)")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Check readiness and reachability without running workers")
	cmd.Flags().BoolVar(&flags.json, "json", false, "Print the run summary as JSON")
	cmd.Flags().BoolVar(&flags.skipPreflight, "skip-preflight", false, "Start even when preflight checks fail")
	return cmd
}

func newResumeCommand(ctx *commandContext) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue an interrupted or reset run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, ctx, pipeline.Request{
				RunID:  strings.TrimSpace(args[0]),
				Resume: true,
			}, flags)
		},
	}

	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the run is active (default metrics.addr)")
	cmd.Flags().BoolVar(&flags.json, "json", false, "Print the run summary as JSON")
	cmd.Flags().BoolVar(&flags.skipPreflight, "skip-preflight", false, "Resume even when preflight checks fail")
	return cmd
}

func runPipeline(cmd *cobra.Command, ctx *commandContext, req pipeline.Request, flags runFlags) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := ctx.logger()
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req.Logger = logger
	req.Metrics = metrics.New()
	addr := strings.TrimSpace(flags.metricsAddr)
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if addr != "" {
		serveCtx, cancelServe := context.WithCancel(context.WithoutCancel(runCtx))
		defer cancelServe()
		go func() {
			if err := req.Metrics.Serve(serveCtx, addr, logger); err != nil {
				logging.WarnWithContext(logger, "metrics endpoint unavailable", "metrics_serve_failed",
					logging.Error(err),
					logging.String("addr", addr),
					logging.String(logging.FieldImpact, "run continues without a metrics endpoint"),
				)
			}
		}()
	}

	if !flags.skipPreflight {
		if err := runPreflight(runCtx, cfg, req.Seeds); err != nil {
			return err
		}
	}

	sess, err := pipeline.Prepare(runCtx, cfg, req)
	if err != nil {
		return err
	}
	defer sess.Close()

	out := cmd.OutOrStdout()
	if !flags.json {
		fmt.Fprintf(out, "Run %s (log: %s)\n", sess.RunID, sess.LogPath)
	}
	sum, err := sess.Driver.Run(runCtx)
	if err != nil {
		return err
	}
	if flags.json {
		if err := writeJSON(cmd, sum); err != nil {
			return err
		}
	} else {
		fmt.Fprint(out, renderSummary(sum, shouldColorize(out)))
	}
	if !sum.Success {
		return fmt.Errorf("%w: %s finished %s", errRunUnsuccessful, sum.RunID, lifecycleLabel(sum.Lifecycle))
	}
	return nil
}

func runDryRun(cmd *cobra.Command, ctx *commandContext, goal string, seeds map[string]string, asJSON bool) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	plan, err := pipeline.PlanGoal(cmd.Context(), cfg, goal, seeds)
	if err != nil {
		return err
	}
	if asJSON {
		if err := writeJSON(cmd, plan); err != nil {
			return err
		}
	} else {
		fmt.Fprint(cmd.OutOrStdout(), renderPlan(plan, shouldColorize(cmd.OutOrStdout())))
	}
	if !plan.OK() {
		return errors.New("dry run found unreachable workers or outputs")
	}
	return nil
}

// runPreflight refuses to start a run whose directories, worker binaries or
// decision provider are unusable.
func runPreflight(ctx context.Context, cfg *config.Config, seeds map[string]string) error {
	seedKeys := make([]string, 0, len(seeds))
	for key := range seeds {
		seedKeys = append(seedKeys, key)
	}
	reg, err := pipeline.LoadRegistry(cfg, seedKeys, nil)
	if err != nil {
		return err
	}
	failed := preflight.Failed(preflight.RunAll(ctx, cfg, preflight.Options{Registry: reg}))
	if len(failed) == 0 {
		return nil
	}
	details := make([]string, 0, len(failed))
	for _, r := range failed {
		details = append(details, fmt.Sprintf("%s: %s", r.Name, r.Detail))
	}
	return fmt.Errorf("preflight failed (use --skip-preflight to override):\n  %s", strings.Join(details, "\n  "))
}

// parseSeeds turns key=path flags into a seed map.
func parseSeeds(values []string) (map[string]string, error) {
	seeds := make(map[string]string, len(values))
	for _, value := range values {
		key, path, ok := strings.Cut(value, "=")
		key, path = strings.TrimSpace(key), strings.TrimSpace(path)
		if !ok || key == "" || path == "" {
			return nil, fmt.Errorf("invalid seed %q: expected key=path", value)
		}
		if _, dup := seeds[key]; dup {
			return nil, fmt.Errorf("seed %q given more than once", key)
		}
		expanded, err := config.ExpandPath(path)
		if err != nil {
			return nil, fmt.Errorf("resolve seed %s: %w", key, err)
		}
		seeds[key] = expanded
	}
	return seeds, nil
}
