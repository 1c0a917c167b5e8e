package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"foreman/internal/logs"
	"foreman/internal/pipeline"
	"foreman/internal/state"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var worker string
	var lines int
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Show the driver log of a run, or one worker's output",
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
			name := pipeline.RunLogName
			if w := strings.TrimSpace(worker); w != "" {
				name = w + ".log"
			}
			path := filepath.Join(cfg.RunLogDir(runID), name)

			out := cmd.OutOrStdout()
			res, err := logs.Tail(path, logs.TailOptions{Offset: -1, Limit: lines})
			if err != nil {
				return err
			}
			for _, line := range res.Lines {
				fmt.Fprintln(out, line)
			}
			if !follow {
				if len(res.Lines) == 0 {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s is empty or missing\n", path)
				}
				return nil
			}

			followCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = logs.Follow(followCtx, path, res.Offset, func(line string) {
				fmt.Fprintln(out, line)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&worker, "worker", "w", "", "Show this worker's log instead of the driver log")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines until interrupted")
	return cmd
}
