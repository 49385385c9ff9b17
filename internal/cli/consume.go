package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/txcore/pkg/txcore"
	"github.com/randalmurphal/txcore/pkg/txcore/config"
	"github.com/randalmurphal/txcore/pkg/txcore/server"
)

// ConsumeOptions holds flags for the consume command.
type ConsumeOptions struct {
	*RootOptions
	Domain       string
	Version      string
	Subscription string
}

// NewConsumeCommand creates the consume command.
func NewConsumeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConsumeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Run the pull consumer with the booking and customer handlers",
		Long: `Run the pull consumer on <domain>.v<version>.events until SIGINT or SIGTERM.

Flags left empty fall back to the events section of the config.

Example:
  txcore consume --domain core-api --version 1 --subscription core-api-sub`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runConsume(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Domain, "domain", "", "event domain")
	cmd.Flags().StringVar(&opts.Version, "version", "", "event version")
	cmd.Flags().StringVar(&opts.Subscription, "subscription", "", "subscription id")

	return cmd
}

func (o *ConsumeOptions) apply(ev *config.EventsConfig) {
	if o.Domain != "" {
		ev.Domain = o.Domain
	}
	if o.Version != "" {
		ev.Version = o.Version
	}
	if o.Subscription != "" {
		ev.Subscription = o.Subscription
	}
}

func runConsume(ctx context.Context, opts *ConsumeOptions) error {
	logger := opts.logger()

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return err
	}
	opts.apply(&cfg.Events)

	core, err := txcore.New(ctx, cfg, txcore.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build core: %w", err)
	}
	defer func() {
		if err := core.Close(); err != nil {
			logger.Error("close core", "error", err)
		}
	}()
	if core.Subscriber == nil {
		return errors.New("broker " + cfg.Events.Broker + " does not support pull consumption")
	}

	if err := server.RegisterEventHandlers(core.Consumer, logger); err != nil {
		return err
	}

	logger.Info("consuming",
		slog.String("domain", cfg.Events.Domain),
		slog.String("version", cfg.Events.Version),
		slog.String("subscription", cfg.Events.Subscription),
		slog.Any("handlers", core.Consumer.Handlers()),
	)
	core.Start(ctx)
	return core.Subscribe(ctx)
}
