package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielhendel/oli-sub005/internal/idempotency"
	"github.com/danielhendel/oli-sub005/internal/store"
)

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	var database string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired idempotency keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, err := store.Open(ctx, database)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open store", err)
			}
			defer st.Close()

			n, err := idempotency.New(st, nil).Sweep(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "sweep failed", err)
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]int64{"deleted": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d expired idempotency key(s)\n", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&database, "db", "", "store DSN or SQLite path (required)")
	_ = cmd.MarkFlagRequired("db")
	return cmd
}
