package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/txcore/pkg/txcore"
	"github.com/randalmurphal/txcore/pkg/txcore/config"
	"github.com/randalmurphal/txcore/pkg/txcore/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Consume     bool
	DeadLetters string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the idempotency sweeper",
		Long: `Run the HTTP server and the idempotency sweeper until SIGINT or SIGTERM.

With --consume the pull consumer for the configured topic runs in the same
process, and --dead-letters names a subscription on the dead-letter topic
to feed into the dead-letter processor.

Example:
  txcore serve --config txcore.yaml
  txcore serve -c txcore.yaml --consume --dead-letters core-api-dlq-sub`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Consume, "consume", false, "also run the pull consumer")
	cmd.Flags().StringVar(&opts.DeadLetters, "dead-letters", "", "dead-letter subscription to process")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	logger := opts.logger()

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return err
	}

	core, err := txcore.New(ctx, cfg, txcore.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build core: %w", err)
	}
	defer func() {
		if err := core.Close(); err != nil {
			logger.Error("close core", "error", err)
		}
	}()

	srv, err := server.New(core, cfg.Server)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	core.Start(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	if opts.Consume {
		g.Go(func() error { return core.Subscribe(ctx) })
	}
	if opts.DeadLetters != "" {
		g.Go(func() error { return core.ConsumeDeadLetters(ctx, opts.DeadLetters) })
	}

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
