package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielhendel/oli-sub005/internal/apperr"
	"github.com/danielhendel/oli-sub005/internal/config"
	"github.com/danielhendel/oli-sub005/internal/ledger"
	"github.com/danielhendel/oli-sub005/internal/readiness"
	"github.com/danielhendel/oli-sub005/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database        string
	UserID          string
	Day             string
	RunID           string // optional - pin an exact run
	AsOf            string // optional - latest run at or before this instant
	PipelineVersion int
}

// ReplayResult is what replay prints: the selected view (when found) and the
// readiness a client would derive from it.
type ReplayResult struct {
	View      *ledger.View     `json:"view,omitempty"`
	Readiness readiness.Result `json:"readiness"`
	Error     string           `json:"error,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Show a day's derived ledger outputs and their readiness",
		Long: `Reads the derived outputs of one user/day from the store, as the replay
endpoint does, and resolves the readiness a client would show for them.

Without --run-id or --as-of the latest run is used.

Exit codes:
  0 - The outputs are ready
  1 - The outputs are missing, partial or stale
  2 - Command error (bad flags, store unreachable, etc.)

Examples:
  api replay --db ./oli.db --user u1 --day 2026-01-15
  api replay --db ./oli.db --user u1 --day 2026-01-15 --as-of 2026-01-15T20:00:00Z
  api replay --db postgres://localhost/oli --user u1 --day 2026-01-15 --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "store DSN or SQLite path (required)")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "user ID (required)")
	cmd.Flags().StringVar(&opts.Day, "day", "", "day key YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "replay this run")
	cmd.Flags().StringVar(&opts.AsOf, "as-of", "", "replay the latest run at or before this RFC3339 instant")
	cmd.Flags().IntVar(&opts.PipelineVersion, "pipeline-version", config.DefaultVersions.Pipeline, "expected pipeline version")
	_ = cmd.MarkFlagRequired("db")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("day")
	cmd.MarkFlagsMutuallyExclusive("run-id", "as-of")

	return cmd
}

func runReplay(cmd *cobra.Command, opts *ReplayOptions) error {
	ctx := context.Background()

	sel := ledger.Selector{RunID: strings.TrimSpace(opts.RunID)}
	if opts.AsOf != "" {
		t, err := time.Parse(time.RFC3339Nano, opts.AsOf)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --as-of", err)
		}
		sel.AsOf = &t
	}

	st, err := store.Open(ctx, opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer st.Close()

	engine := ledger.NewEngine(ledger.Options{Store: st, PipelineVersion: opts.PipelineVersion})
	view, err := engine.Replay(ctx, opts.UserID, opts.Day, sel)

	var result ReplayResult
	switch {
	case err == nil:
		body, merr := json.Marshal(view)
		if merr != nil {
			return WrapExitError(ExitCommandError, "encode view", merr)
		}
		result.View = &view
		result.Readiness = readiness.Resolve(readiness.FromReplay(body, opts.PipelineVersion))
	case apperr.Is(err, apperr.KindNotFound):
		// Nothing to show is a successful fetch of an empty day.
		result.Error = apperr.Code(err)
		result.Readiness = readiness.Resolve(readiness.Input{
			Network:                 readiness.NetworkOK,
			ExpectedPipelineVersion: opts.PipelineVersion,
		})
	case apperr.Is(err, apperr.KindValidation):
		return WrapExitError(ExitCommandError, "invalid request", err)
	default:
		result.Error = err.Error()
		result.Readiness = readiness.Resolve(readiness.Input{Network: readiness.NetworkError})
	}

	if err := outputReplay(cmd, opts, result); err != nil {
		return err
	}
	if result.Readiness.State != readiness.StateReady {
		return NewExitError(ExitFailure, fmt.Sprintf("not ready: %s", result.Readiness.Reason))
	}
	return nil
}

func outputReplay(cmd *cobra.Command, opts *ReplayOptions, r ReplayResult) error {
	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(w, r)
	}

	fmt.Fprintf(w, "User: %s  Day: %s\n", opts.UserID, opts.Day)
	if v := r.View; v != nil {
		fmt.Fprintf(w, "Run: %s (pipeline v%d, %s)\n", v.Run.RunID, v.Run.PipelineVersion, v.Run.Status)
		fmt.Fprintf(w, "Computed at: %s\n", v.Run.ComputedAt.Format(time.RFC3339Nano))
		fmt.Fprintf(w, "Events: %d\n", v.DailyFact.EventsCount)
		if len(v.Provenance.MissingInputs) > 0 {
			fmt.Fprintf(w, "Missing inputs: %s\n", strings.Join(v.Provenance.MissingInputs, ", "))
		}
		fmt.Fprintf(w, "Health score: %.1f\n", v.HealthScore.Total)
	} else if r.Error != "" {
		fmt.Fprintf(w, "No outputs: %s\n", r.Error)
	}
	fmt.Fprintf(w, "Readiness: %s (%s)\n", r.Readiness.State, r.Readiness.Reason)
	return nil
}
