package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/foxzi/audiences/internal/app"
	"github.com/foxzi/audiences/internal/config"
	"github.com/foxzi/audiences/internal/contact"
	"github.com/foxzi/audiences/internal/csvimport"
	"github.com/foxzi/audiences/internal/models"
	"github.com/foxzi/audiences/internal/repository"
	"github.com/foxzi/audiences/internal/staging"
	"github.com/foxzi/audiences/internal/worker"
)

var importCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Import a local CSV file into an audience list",
	Long: `Import a local CSV file into an audience list and wait for it to finish.

Columns are detected from the header row unless --map is given, e.g.
  audiences import contacts.csv --list <id> --map email=E-mail --map firstName=Given`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

var (
	importListID   string
	importMappings []string
	importAnalyze  bool
)

func init() {
	importCmd.Flags().StringVar(&importListID, "list", "", "Audience list ID (required)")
	importCmd.Flags().StringArrayVar(&importMappings, "map", nil, "Mapping as contactField=CSV column, repeatable")
	importCmd.Flags().BoolVar(&importAnalyze, "analyze", false, "Only print the detected mappings and a preview")
	importCmd.MarkFlagRequired("list")
}

// parseMappingFlags turns field=column pairs into mappings
func parseMappingFlags(pairs []string) ([]csvimport.FieldMapping, error) {
	mappings := make([]csvimport.FieldMapping, 0, len(pairs))
	for _, pair := range pairs {
		field, column, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(field) == "" {
			return nil, fmt.Errorf("invalid mapping %q, expected contactField=column", pair)
		}
		mappings = append(mappings, csvimport.FieldMapping{
			ContactField: strings.TrimSpace(field),
			CSVColumn:    strings.TrimSpace(column),
		})
	}
	return csvimport.NormalizeMappings(mappings), nil
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	path := args[0]
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if int64(len(content)) > cfg.Import.MaxFileBytes {
		return fmt.Errorf("%s is larger than %d bytes", path, cfg.Import.MaxFileBytes)
	}
	filename := filepath.Base(path)
	headers, rows, err := csvimport.ParseFile(filename, string(content))
	if err != nil {
		return err
	}

	mappings := csvimport.AutoDetectMappings(headers, contact.Schema)
	if len(importMappings) > 0 {
		if mappings, err = parseMappingFlags(importMappings); err != nil {
			return err
		}
	}

	if importAnalyze {
		printAnalysis(headers, rows, mappings, cfg.Import.PreviewRows)
		return nil
	}
	for _, w := range csvimport.Warnings(mappings, headers) {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	if !csvimport.CanProceed(mappings) {
		return fmt.Errorf("required fields are not mapped: %s", strings.Join(csvimport.MissingRequired(mappings), ", "))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stores, err := app.OpenStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	list, err := repository.NewAudienceRepository(stores.DB.DB).GetListByID(ctx, importListID)
	if err != nil {
		return err
	}
	if list == nil {
		return fmt.Errorf("audience list %s not found", importListID)
	}

	jobs := repository.NewImportJobRepository(stores.DB.DB)
	job := &models.ImportJob{
		ID:             uuid.New().String(),
		OrganizationID: list.OrganizationID,
		AudienceListID: list.ID,
		Filename:       filename,
		Mappings:       mappings,
		Total:          len(rows),
	}
	if err := stores.Uploads.Put(ctx, &staging.Upload{JobID: job.ID, Filename: filename, Content: content}); err != nil {
		return err
	}
	if err := jobs.Create(ctx, job); err != nil {
		removeStaged(stores.Uploads, job.ID, os.Stderr)
		return err
	}
	claimed, err := jobs.Claim(ctx, job.ID)
	if err != nil {
		return err
	}
	if claimed == nil {
		return fmt.Errorf("import job %s was taken by a running server", job.ID)
	}

	logger := app.NewLogger(cfg.Logging, os.Stderr)
	w := worker.New(stores.DB.DB, stores.Uploads, logger, worker.Config{
		YieldEvery: cfg.Import.YieldEvery,
		OnProgress: func(_ string, p csvimport.Progress) {
			fmt.Printf("\r%d/%d rows processed", p.Processed, p.Total)
		},
	})

	status, p := w.RunJob(ctx, claimed)
	fmt.Println()
	if status == models.ImportRunning {
		return fmt.Errorf("import %s interrupted, it will resume on the next serve", job.ID)
	}

	fmt.Printf("Import %s %s: %d successful, %d failed\n", job.ID, status, p.Successful, p.Failed)
	if p.Failed > 0 {
		errs, err := jobs.ListErrors(context.Background(), job.ID, 20)
		if err == nil {
			for _, e := range errs {
				fmt.Printf("  row %d %s: %s\n", e.Row, e.Field, e.Error)
			}
			if p.Failed > len(errs) {
				fmt.Printf("  ... %d more\n", p.Failed-len(errs))
			}
		}
	}
	if status == models.ImportFailed {
		final, _ := jobs.GetByID(context.Background(), job.ID)
		if final != nil && final.Error != "" {
			return fmt.Errorf("import failed: %s", final.Error)
		}
		return fmt.Errorf("import failed")
	}
	return nil
}

// removeStaged drops an upload whose job could not be created
func removeStaged(uploads *staging.Store, jobID string, out io.Writer) {
	if err := uploads.Delete(context.Background(), jobID); err != nil {
		fmt.Fprintf(out, "warning: failed to remove staged upload %s: %v\n", jobID, err)
	}
}

func printAnalysis(headers []string, rows [][]string, mappings []csvimport.FieldMapping, previewRows int) {
	fmt.Printf("Columns: %s\n", strings.Join(headers, ", "))
	fmt.Printf("Rows: %d\n\n", len(rows))

	fmt.Println("Mappings:")
	for _, m := range mappings {
		column := m.CSVColumn
		if !m.Mapped() {
			column = "-"
		}
		req := ""
		if m.Required {
			req = " (required)"
		}
		fmt.Printf("  %-28s %s%s\n", m.ContactField, column, req)
	}
	for _, w := range csvimport.Warnings(mappings, headers) {
		fmt.Printf("warning: %s\n", w)
	}
	if missing := csvimport.MissingRequired(mappings); len(missing) > 0 {
		fmt.Printf("\nCannot import, required fields not mapped: %s\n", strings.Join(missing, ", "))
	}

	fmt.Println("\nPreview:")
	for i, rec := range csvimport.GeneratePreview(rows, mappings, headers, previewRows) {
		fmt.Printf("  %d. %s <%s>\n", i+1, strings.TrimSpace(rec.FirstName+" "+rec.LastName), rec.Email)
	}
}
