package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielhendel/oli-sub005/internal/readiness"
)

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Resolve readiness for an input read from stdin",
		Long: `Reads a readiness input as JSON from stdin and prints the resolved state.

Input fields: network (loading|ok|error), payloadValid, eventsCount,
computedAt, latestCanonicalEventAt, pipelineVersion, expectedPipelineVersion.

Example:
  echo '{"network":"ok","payloadValid":true,"eventsCount":5,
         "computedAt":"2025-01-01T00:00:00Z","latestCanonicalEventAt":"2025-01-01T00:00:00Z",
         "pipelineVersion":1,"expectedPipelineVersion":1}' | api resolve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in readiness.Input
			dec := json.NewDecoder(cmd.InOrStdin())
			dec.DisallowUnknownFields()
			if err := dec.Decode(&in); err != nil {
				return WrapExitError(ExitCommandError, "invalid input", err)
			}
			switch in.Network {
			case readiness.NetworkLoading, readiness.NetworkOK, readiness.NetworkError:
			default:
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid network %q: must be loading, ok or error", in.Network))
			}

			res := readiness.Resolve(in)
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", res.State, res.Reason)
			return nil
		},
	}
}
