package main

import (
	"Go2FlowGuard/internal/api"
	"Go2FlowGuard/internal/config"
	"Go2FlowGuard/internal/query"
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// ns-api serves the ClickHouse-backed history endpoints without a controller.
func main() {
	var configPath string
	rootCmd := &cobra.Command{
		Use:          "ns-api",
		Short:        "Mitigation and dataset history API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "Configuration file")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(configPath string) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return err
	}

	// Initialize querier with the history store config
	querier, err := query.NewClickHouseQuerier(cfg.API.ClickHouse)
	if err != nil {
		slog.Error("Failed to create querier", "error", err)
		return err
	}
	defer querier.Close()

	server := api.NewServer(api.Deps{Querier: querier})

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.ListenAndServe(ctx, cfg.API.ListenAddr)
}
