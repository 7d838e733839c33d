package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harvestd/listing-harvester/internal/app"
)

// newServeCmd creates the 'serve' subcommand, which runs only the operational
// HTTP surface. Useful for inspecting proxy pool and circuit state while no
// session is running, or for hot-reloading the proxy list.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the operational HTTP server without a session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := app.New(ctx, cfg, nil, logger)
	if err != nil {
		return fmt.Errorf("init application services: %w", err)
	}
	defer a.Close(context.Background())

	srv := startOpsServer(cfg.Server.Port, a, logger)
	<-ctx.Done()
	logger.Info("shutdown initiated")
	shutdownOpsServer(srv, logger)
	return nil
}
