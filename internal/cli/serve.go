package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielhendel/oli-sub005/internal/app"
	"github.com/danielhendel/oli-sub005/internal/config"
	"github.com/danielhendel/oli-sub005/internal/store"
)

const shutdownTimeout = 15 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the pipeline workers",
		Long: `Boots the service: config → store → schema → bus → HTTP server.

Configuration comes from CONFIG_FILE (YAML) and environment variables.
DB_URL and JWT_SECRET are required. SIGINT or SIGTERM shuts down gracefully.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, rootOpts)
		},
	}
}

func runServe(cmd *cobra.Command, rootOpts *RootOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	log := newLogger(cmd.ErrOrStderr(), rootOpts.logLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBURL)
	if err != nil {
		return WrapExitError(ExitCommandError, "open store", err)
	}
	defer st.Close()

	// Ensure required tables/indexes exist so a fresh database is enough.
	if err := st.EnsureSchema(ctx); err != nil {
		return WrapExitError(ExitCommandError, "apply schema", err)
	}

	a, err := app.New(cfg, st, app.Options{Logger: log})
	if err != nil {
		return err
	}
	a.Start(ctx)
	defer a.Close()
	go a.RunSweeper(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("server started", "addr", cfg.HTTPAddr, "pipeline_version", cfg.Versions.Pipeline)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
