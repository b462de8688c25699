package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lattice-storage/lattice/internal/bootstrap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the lattice API server",
	Long: `Starts the HTTP and gRPC servers and serves the configured container
database until interrupted. Shutdown drains in-flight requests with a
30 second budget.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bs := bootstrap.New()
	if err := bs.Initialize(ctx, configFile); err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	logger := bs.GetLogger()
	logger.Info(ctx, "Lattice starting",
		zap.String("version", version),
		zap.String("config_file", configFile))

	if err := bs.Start(ctx); err != nil {
		logger.Error(ctx, "Failed to start components", zap.Error(err))
		return err
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info(ctx, "Lattice is running. Press Ctrl+C to stop.")

	<-sigChan
	logger.Info(ctx, "Shutdown signal received, stopping gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := bs.Stop(shutdownCtx); err != nil {
		logger.Error(ctx, "Error during shutdown", zap.Error(err))
		return err
	}

	logger.Info(ctx, "Lattice stopped successfully")
	return nil
}
