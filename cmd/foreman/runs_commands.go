package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"foreman/internal/artifact"
	"foreman/internal/logging"
	"foreman/internal/state"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the persisted state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withPersister(func(persister state.Persister, files *state.FileStore) error {
				s, err := persister.Load(cmd.Context(), strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, s)
				}
				out := cmd.OutOrStdout()
				fmt.Fprint(out, renderState(s, shouldColorize(out)))
				if !s.Lifecycle.Terminal() && files.CancelRequested(s.RunID) {
					fmt.Fprintln(out, renderStatusLine("Cancel", statusWarn, "requested; waiting for the driver", shouldColorize(out)))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw state snapshot as JSON")
	return cmd
}

func newRunsCommand(ctx *commandContext) *cobra.Command {
	var lifecycles []string
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make(map[state.Lifecycle]bool, len(lifecycles))
			for _, value := range lifecycles {
				l, ok := state.ParseLifecycle(value)
				if !ok {
					return fmt.Errorf("unknown lifecycle %q", value)
				}
				filter[l] = true
			}
			return ctx.withPersister(func(persister state.Persister, _ *state.FileStore) error {
				runs, err := persister.List(cmd.Context())
				if err != nil {
					return err
				}
				var rows [][]string
				for _, s := range runs {
					if len(filter) > 0 && !filter[s.Lifecycle] {
						continue
					}
					if limit > 0 && len(rows) >= limit {
						break
					}
					rows = append(rows, []string{
						s.RunID,
						s.Goal,
						lifecycleLabel(s.Lifecycle),
						strconv.Itoa(len(s.Completed)),
						strconv.Itoa(len(s.Failed)),
						yesNo(s.Escalated()),
						s.StartedAt.Local().Format(time.DateTime),
					})
				}
				if len(rows) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No runs found")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"Run", "Goal", "Lifecycle", "Done", "Failed", "Escalated", "Started"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&lifecycles, "lifecycle", nil, "Only show runs in these lifecycle states")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show at most this many runs")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Ask the driver of a run to cancel it",
		Long: "Ask the driver of a run to cancel it. Running workers are terminated and\n" +
			"the run ends FAILED. The driver picks the request up on its next tick.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := strings.TrimSpace(args[0])
			return ctx.withPersister(func(persister state.Persister, files *state.FileStore) error {
				s, err := persister.Load(cmd.Context(), runID)
				if err != nil {
					return err
				}
				if s.Lifecycle.Terminal() {
					fmt.Fprintf(cmd.OutOrStdout(), "Run %s already finished (%s)\n", runID, lifecycleLabel(s.Lifecycle))
					return nil
				}
				if err := files.RequestCancel(runID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for run %s\n", runID)
				return nil
			})
		},
	}
}

func newResetCommand(ctx *commandContext) *cobra.Command {
	var workers []string

	cmd := &cobra.Command{
		Use:   "reset <run-id>",
		Short: "Clear worker outcomes so a run can be resumed",
		Long: "Clear the outcomes of the named workers (every worker when none are named)\n" +
			"and return the run to a resumable state. Continue it with `foreman resume`.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := strings.TrimSpace(args[0])
			return ctx.withPersister(func(persister state.Persister, files *state.FileStore) error {
				unlock, err := files.Lock(runID)
				if err != nil {
					if errors.Is(err, state.ErrRunLocked) {
						return fmt.Errorf("run %s is active; cancel it before resetting", runID)
					}
					return err
				}
				defer unlock()

				next, err := state.Reset(cmd.Context(), persister, runID, workers...)
				if err != nil {
					return err
				}
				logger, err := ctx.logger()
				if err == nil {
					logger.Info("run reset by operator",
						logging.String(logging.FieldEventType, "run_reset"),
						logging.String("run_id", runID),
						logging.Strings("workers", workers),
						logging.String(logging.FieldLifecycle, string(next.Lifecycle)),
					)
				}
				target := "all workers"
				if len(workers) > 0 {
					target = strings.Join(workers, ", ")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reset %s in run %s; continue with `foreman resume %s`\n", target, runID, runID)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&workers, "worker", "w", nil, "Worker to reset (repeatable)")
	return cmd
}

func newArtifactsCommand(ctx *commandContext) *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "artifacts <run-id>",
		Short: "List artifacts in a run's workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			runID := strings.TrimSpace(args[0])
			if err := state.ValidateRunID(runID); err != nil {
				return err
			}
			if _, err := os.Stat(cfg.RunDir(runID)); err != nil {
				return fmt.Errorf("%w: %s", state.ErrRunNotFound, runID)
			}
			store, err := artifact.NewDirStore(cfg.RunOutputDir(runID), logging.NewNop())
			if err != nil {
				return err
			}
			rows, err := artifactRows(cmd.Context(), store, prefix)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No artifacts for run %s\n", runID)
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"Key", "Producer", "Size", "Created"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Only list keys under this prefix")
	return cmd
}

func artifactRows(ctx context.Context, store artifact.Store, prefix string) ([][]string, error) {
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		rec, err := store.Get(ctx, key)
		if err != nil {
			rows = append(rows, []string{key, "?", "-", "-"})
			continue
		}
		producer := rec.Producer
		if producer == "" {
			producer = "-"
		}
		created := "-"
		if !rec.CreatedAt.IsZero() {
			created = rec.CreatedAt.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{key, producer, strconv.FormatInt(rec.Size, 10), created})
	}
	return rows, nil
}
