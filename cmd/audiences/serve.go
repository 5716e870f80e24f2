package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/foxzi/audiences/internal/app"
	"github.com/foxzi/audiences/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and the import worker",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logger := app.NewLogger(cfg.Logging, nil)
	slog.SetDefault(logger)

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	return a.Run(context.Background())
}
