// Command eventcore runs the thread service and its maintenance tasks on top
// of the event store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wilhg/eventcore/pkg/config"
	eotel "github.com/wilhg/eventcore/pkg/otel"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct{}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "eventcore",
		Short:         "Event-sourced thread service",
		Long:          "Serves the thread API and maintains its event store, snapshots and read models.\nConfiguration is read from the environment (DATABASE_URL, REDIS_URL, NATS_URL, ...).",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newVerifyCommand(opts),
		newRebuildCommand(opts),
		newPurgeCommand(opts),
		newExportCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

// withApp loads configuration, starts tracing and runs fn with a wired app.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := cfg.Logger(cmd.ErrOrStderr())

	shutdown, err := eotel.Init(ctx, eotel.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.OTelSampleRatio,
		Stdout:         cfg.OTelStdout,
		Writer:         cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()
	return fn(ctx, a)
}
