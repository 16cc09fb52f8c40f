package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-dispatcher/internal/app"
	"github.com/JakeFAU/magnet-dispatcher/internal/config"
)

func newServeCmd(rt *cliContext) *cobra.Command {
	var noServer bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher with its sources and HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, logger, err := rt.load()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush
			zap.ReplaceGlobals(logger)

			store, err := config.NewStore(rt.configPath(), logger.Named("config"))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, app.Options{
				Store:         store,
				Logger:        logger,
				Stdin:         cmd.InOrStdin(),
				DisableServer: noServer,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			logger.Info("magnetd started", zap.String("version", version), zap.String("config", store.Path()))

			runErr := a.Run(ctx)
			closeCtx, cancel := shutdownContext(cmd.Context(), store.Config())
			defer cancel()
			if err := a.Close(closeCtx); err != nil {
				logger.Warn("shutdown incomplete", zap.Error(err))
			}
			logger.Info("magnetd stopped")
			return runErr
		},
	}
	cmd.Flags().BoolVar(&noServer, "no-server", false, "skip the HTTP listener")
	return cmd
}
