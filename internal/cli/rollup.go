package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielhendel/oli-sub005/internal/config"
	"github.com/danielhendel/oli-sub005/internal/ledger"
	"github.com/danielhendel/oli-sub005/internal/store"
)

// RollupOptions holds flags for the rollup command.
type RollupOptions struct {
	*RootOptions
	Database        string
	UserID          string
	Day             string
	PipelineVersion int
}

// NewRollupCommand creates the rollup command.
func NewRollupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RollupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rollup",
		Short: "Recompute a day and append a new derived ledger run",
		Long: `Recomputes the derived outputs of one user/day from its canonical events
and commits them as a new run, which becomes the latest. Earlier runs are kept.

Examples:
  api rollup --db ./oli.db --user u1 --day 2026-01-15`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollup(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "store DSN or SQLite path (required)")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "user ID (required)")
	cmd.Flags().StringVar(&opts.Day, "day", "", "day key YYYY-MM-DD (required)")
	cmd.Flags().IntVar(&opts.PipelineVersion, "pipeline-version", config.DefaultVersions.Pipeline, "pipeline version to stamp")
	_ = cmd.MarkFlagRequired("db")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("day")

	return cmd
}

func runRollup(cmd *cobra.Command, opts *RollupOptions) error {
	ctx := context.Background()

	st, err := store.Open(ctx, opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer st.Close()

	engine := ledger.NewEngine(ledger.Options{
		Store:           st,
		PipelineVersion: opts.PipelineVersion,
		Logger:          newLogger(cmd.ErrOrStderr(), opts.logLevel("warn")),
	})
	run, err := engine.RollupDay(ctx, opts.UserID, opts.Day, "cli")
	if err != nil {
		return WrapExitError(ExitCommandError, "rollup failed", err)
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), run)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Run %s committed at %s (%s)\n",
		run.RunID, run.ComputedAt.Format(time.RFC3339Nano), run.Status)
	return nil
}
