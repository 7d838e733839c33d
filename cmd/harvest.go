package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/harvestd/listing-harvester/internal/app"
	"github.com/harvestd/listing-harvester/internal/source"
)

// newHarvestCmd creates the 'harvest' subcommand, which runs one session over
// a newline-delimited URL list and exits.
func newHarvestCmd() *cobra.Command {
	var (
		urlsPath  string
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Run one harvest session over a URL list",
		Long: `Reads newline-delimited listing URLs from --urls, dispatches them in
chunks across the worker pool, and reports the session outcome. An
interrupted session can be rerun with the same --session id to resume
from its checkpoint.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHarvest(cmd.Context(), urlsPath, sessionID)
		},
	}

	cmd.Flags().StringVar(&urlsPath, "urls", "", "path to the newline-delimited URL list")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (generated when empty; reuse to resume)")
	_ = cmd.MarkFlagRequired("urls")
	return cmd
}

func runHarvest(ctx context.Context, urlsPath, sessionID string) error {
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
	defer shutdownOpsServer(srv, logger)

	result, err := a.RunSession(ctx, source.NewFileSource(urlsPath), sessionID)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run session: %w", err)
	}

	logger.Info("session finished",
		zap.String("session_id", result.SessionID),
		zap.Int("succeeded", result.Summary.Succeeded),
		zap.Int("failed", result.Summary.Failed),
		zap.Int("skipped", result.Summary.Skipped),
		zap.Duration("elapsed", result.Summary.FinishedAt.Sub(result.Summary.StartedAt)),
	)
	if result.Summary.Failed > 0 {
		return fmt.Errorf("%d of %d items failed", result.Summary.Failed, result.Summary.Total)
	}
	return nil
}

// startOpsServer serves health, status, and metrics in the background for the
// lifetime of the session.
func startOpsServer(port int, a *app.App, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           a.Server().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("ops server started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
		}
	}()
	return srv
}

func shutdownOpsServer(srv *http.Server, logger *zap.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown error", zap.Error(err))
	}
}
