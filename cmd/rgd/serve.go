package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relgraph/relgraph/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authorization service until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := buildLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		if err := telemetry.Init(ctx, "rgd", Version); err != nil {
			logger.Warn("telemetry init failed, continuing without", zap.Error(err))
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.Shutdown(sctx)
		}()

		rt, err := openRuntime(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		if rt.worker != nil {
			go rt.worker.Run(ctx)
		}

		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           newAPIHandler(rt.engine, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			logger.Info("rgd listening",
				zap.String("addr", cfg.Server.Addr),
				zap.String("storage", cfg.Storage.Backend),
				zap.Bool("bitmap", cfg.Bitmap.Enabled),
				zap.Bool("shared_cache", cfg.Cache.SharedEnabled))
			errCh <- srv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				return err
			}
			return nil
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
