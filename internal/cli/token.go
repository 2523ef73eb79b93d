package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielhendel/oli-sub005/internal/auth"
	"github.com/danielhendel/oli-sub005/internal/config"
)

// NewTokenCommand creates the token command, which signs a bearer token for
// local development.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		cfg    config.AuthConfig
		userID string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a development bearer token",
		Long: `Signs an HS256 token for --user with the configured secret. Production
tokens come from the identity provider.

Example:
  JWT_SECRET=dev api token --user u1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := auth.IssueToken(cfg, userID, ttl)
			if err != nil {
				return WrapExitError(ExitCommandError, "sign token", err)
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"token": tok})
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user ID (required)")
	cmd.Flags().StringVar(&cfg.JWTSecret, "secret", os.Getenv("JWT_SECRET"), "HS256 secret (default $JWT_SECRET)")
	cmd.Flags().StringVar(&cfg.Issuer, "issuer", os.Getenv("JWT_ISSUER"), "issuer claim")
	cmd.Flags().StringVar(&cfg.Audience, "audience", os.Getenv("JWT_AUDIENCE"), "audience claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
