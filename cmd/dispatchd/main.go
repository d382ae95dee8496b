// Command dispatchd runs the task orchestration service: backend health
// monitoring, the worker pool, and the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/dispatch/internal/api"
	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/internal/orchestrator"
)

func main() {
	root := &cobra.Command{
		Use:   "dispatchd",
		Short: "Task orchestration service for local and remote LLM backends",
	}
	root.AddCommand(serveCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	var configPath string
	var logLevel string
	var initialInstances int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator and API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}

			logger := observability.NewLogger(observability.LogConfig{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
			})
			metrics := observability.NewMetrics(nil)

			orch := orchestrator.New(orchestrator.Options{
				Config:  cfg,
				Logger:  logger,
				Metrics: metrics,
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := orch.Start(ctx, initialInstances); err != nil {
				return err
			}

			server := api.NewServer(orch, cfg.API, logger)
			serverErr := make(chan error, 1)
			go func() { serverErr <- server.Run() }()

			select {
			case <-ctx.Done():
				logger.Info("shutdown signal received")
			case err := <-serverErr:
				if err != nil {
					logger.Error("api server failed", "error", err)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
			orch.Stop()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override log level")
	cmd.Flags().IntVar(&initialInstances, "instances", 1, "initial agent instances")
	return cmd
}
