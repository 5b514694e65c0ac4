package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/stowage/internal/api"
	"github.com/seantiz/stowage/internal/backend"
	"github.com/seantiz/stowage/internal/bridge"
	"github.com/seantiz/stowage/internal/catalog"
	"github.com/seantiz/stowage/internal/changes"
	"github.com/seantiz/stowage/internal/config"
	"github.com/seantiz/stowage/internal/selection"
)

func newServeCmd() *cobra.Command {
	var (
		listenAddr     string
		defaultStorage string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API against the default storage backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("storage") {
				cfg.DefaultStorage = defaultStorage
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides STOWAGE_LISTEN_ADDR)")
	cmd.Flags().StringVar(&defaultStorage, "storage", "", "default storage backend (overrides STOWAGE_DEFAULT_STORAGE)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("stowage: starting",
		"listen_addr", cfg.ListenAddr,
		"default_storage", cfg.DefaultStorage,
		"data_dir", cfg.DataDir,
		"worker_path", cfg.WorkerPath,
	)

	reg := backend.NewRegistry()
	if err := catalog.RegisterAll(reg, cfg); err != nil {
		return fmt.Errorf("register backends: %w", err)
	}

	launcher := bridge.NewLauncher(logger, bridge.WithCallTimeout(cfg.WorkerTimeout))
	platform := selection.DetectPlatform(cfg.Sandboxed, cfg.FallbackStorage)
	ctrl := selection.NewController(reg, launcher, platform, logger)

	if err := ctrl.SelectDefault(cfg.DefaultStorage); err != nil {
		return fmt.Errorf("select default storage: %w", err)
	}

	srv := api.NewServer(cfg.ListenAddr, reg, ctrl, changes.NewBroker(), logger)
	if err := srv.ActivateCurrent(ctx); err != nil {
		return fmt.Errorf("open default storage: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Error("close storage", "error", err)
		}
	}()

	return srv.Run(ctx)
}
