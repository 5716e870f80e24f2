package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/audiences/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	fmt.Println("Configuration is valid")
	fmt.Printf("  Listen address: %s\n", cfg.Server.ListenAddr)
	fmt.Printf("  TLS: %v\n", cfg.Server.TLS.Enabled)
	fmt.Printf("  Database path: %s\n", cfg.Database.Path)
	fmt.Printf("  Staging path: %s\n", cfg.Staging.Path)
	fmt.Printf("  Max upload: %d bytes\n", cfg.Import.MaxFileBytes)
	fmt.Printf("  Import workers: %d (poll %s)\n", cfg.Import.Concurrency, cfg.Import.PollInterval)
	fmt.Printf("  Import rate limit: %d/minute, %d/hour\n", cfg.Import.RateLimitMinute, cfg.Import.RateLimitHour)
	fmt.Printf("  Cleanup: %s (retention %s)\n", cfg.Cleanup.Schedule, cfg.Import.Retention)
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics: %s\n", cfg.Metrics.Path)
	}

	return nil
}
