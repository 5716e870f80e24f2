package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/audiences/internal/app"
	"github.com/foxzi/audiences/internal/config"
	"github.com/foxzi/audiences/internal/repository"
	"github.com/foxzi/audiences/internal/schedule"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished import jobs and orphaned staged uploads",
	RunE:  runCleanup,
}

var (
	cleanupRetention time.Duration
	cleanupDryRun    bool
)

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupRetention, "retention", 0, "Delete jobs finished longer ago than this (default: import.retention)")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show what would be deleted without actually deleting")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	stores, err := app.OpenStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	retention := cfg.Import.Retention
	if cleanupRetention > 0 {
		retention = cleanupRetention
	}
	job := schedule.NewImportCleanupJob(
		repository.NewImportJobRepository(stores.DB.DB),
		stores.Uploads,
		retention,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)

	ctx := context.Background()
	if cleanupDryRun {
		fmt.Println("Dry run mode - no data will be deleted")
		fmt.Println()

		report, err := job.Plan(ctx)
		if err != nil {
			return fmt.Errorf("failed to plan cleanup: %w", err)
		}
		printCleanupReport(report, retention)
		return nil
	}

	report, err := job.Execute(ctx)
	if err != nil {
		return fmt.Errorf("failed to cleanup: %w", err)
	}
	printCleanupReport(report, retention)
	fmt.Println("\nCleanup completed")
	return nil
}

func printCleanupReport(report *schedule.CleanupReport, retention time.Duration) {
	fmt.Printf("Import jobs finished more than %s ago: %d\n", retention, report.ExpiredJobs)
	fmt.Printf("Orphaned staged uploads: %d\n", len(report.OrphanUploads))
	for _, id := range report.OrphanUploads {
		fmt.Printf("  - %s\n", id)
	}
}
