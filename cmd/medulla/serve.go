package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the medulla runtime",
		Long: `Start the runtime: HTTP shell, orchestrated request path, and the
brainstem background loops. Shutdown on SIGINT/SIGTERM drains in-flight
requests before stopping the loops.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "medulla.yaml", "Path to the runtime configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, configPath)
	if err != nil {
		return err
	}

	if err := rt.journal.Watch(ctx); err != nil {
		rt.logger.Warn(ctx, "captains log watcher disabled", "error", err)
	}
	rt.scheduler.Start(ctx)

	serveErr := make(chan error, 1)
	go func() { serveErr <- rt.httpServer.Start() }()

	select {
	case <-ctx.Done():
		rt.logger.Info(ctx, "shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			rt.logger.Error(ctx, "http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	rt.shutdown(shutdownCtx)
	return nil
}
