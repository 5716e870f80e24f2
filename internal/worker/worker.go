// Package worker runs staged CSV imports in the background.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/foxzi/audiences/internal/csvimport"
	"github.com/foxzi/audiences/internal/metrics"
	"github.com/foxzi/audiences/internal/models"
	"github.com/foxzi/audiences/internal/repository"
	"github.com/foxzi/audiences/internal/staging"
)

const duplicateMessage = "Contact with this email already exists in the list"

// Worker processes import jobs in the background
type Worker struct {
	logger   *slog.Logger
	jobs     *repository.ImportJobRepository
	contacts *repository.ContactRepository
	lists    *repository.AudienceRepository
	uploads  *staging.Store

	pollInterval time.Duration
	concurrency  int
	yieldEvery   int
	onProgress   func(jobID string, p csvimport.Progress)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds worker configuration
type Config struct {
	PollInterval time.Duration
	Concurrency  int
	YieldEvery   int
	// OnProgress, if set, is called after every stored progress update
	OnProgress func(jobID string, p csvimport.Progress)
}

// DefaultConfig returns default worker configuration
func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		Concurrency:  2,
		YieldEvery:   csvimport.DefaultYieldEvery,
	}
}

// New creates a new worker
func New(db *sql.DB, uploads *staging.Store, logger *slog.Logger, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.YieldEvery <= 0 {
		cfg.YieldEvery = def.YieldEvery
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Worker{
		logger:       logger.With("component", "worker"),
		jobs:         repository.NewImportJobRepository(db),
		contacts:     repository.NewContactRepository(db),
		lists:        repository.NewAudienceRepository(db),
		uploads:      uploads,
		pollInterval: cfg.PollInterval,
		concurrency:  cfg.Concurrency,
		yieldEvery:   cfg.YieldEvery,
		onProgress:   cfg.OnProgress,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start requeues jobs interrupted by a previous shutdown and starts polling
func (w *Worker) Start() {
	if n, err := w.jobs.ResetRunning(w.ctx); err != nil {
		w.logger.Error("failed to requeue interrupted imports", "error", err)
	} else if n > 0 {
		w.logger.Info("requeued interrupted imports", "count", n)
	}

	w.wg.Add(1)
	go w.run()
	w.logger.Info("worker started", "poll_interval", w.pollInterval, "concurrency", w.concurrency)
}

// Stop stops the worker gracefully. Imports in flight are abandoned and
// picked up again on the next Start.
func (w *Worker) Stop() {
	w.logger.Info("stopping worker...")
	w.cancel()
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.processJobs()
		}
	}
}

func (w *Worker) processJobs() {
	jobs, err := w.jobs.ClaimPending(w.ctx, w.concurrency)
	if err != nil {
		w.logger.Error("failed to claim import jobs", "error", err)
	}
	if len(jobs) == 0 {
		return
	}

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup

	for _, job := range jobs {
		sem <- struct{}{}
		wg.Add(1)

		go func(job models.ImportJob) {
			defer func() {
				<-sem
				wg.Done()
			}()

			w.RunJob(w.ctx, &job)
		}(job)
	}

	wg.Wait()
}

// RunJob imports the staged upload of a claimed job and moves the job to a
// terminal status. It returns that status and the final counters. When ctx
// ends before the job does, the job is left running for ResetRunning.
func (w *Worker) RunJob(ctx context.Context, job *models.ImportJob) (string, csvimport.Progress) {
	start := time.Now()
	logger := w.logger.With("job_id", job.ID, "audience_list_id", job.AudienceListID)
	metrics.ImportStarted()

	status, progress, err := w.execute(ctx, job, logger)
	if status == "" {
		// interrupted by shutdown
		metrics.ImportFinished("interrupted", time.Since(start).Seconds())
		logger.Warn("import interrupted", "processed", progress.Processed, "error", err)
		return models.ImportRunning, progress
	}

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	// the terminal update must land even if ctx was cancelled for the job
	if ferr := w.jobs.Finish(context.WithoutCancel(ctx), job.ID, status, progress, errMsg); ferr != nil {
		logger.Error("failed to finish import job", "error", ferr)
	}
	if derr := w.uploads.Delete(context.WithoutCancel(ctx), job.ID); derr != nil {
		logger.Warn("failed to delete staged upload", "error", derr)
	}
	metrics.ImportFinished(status, time.Since(start).Seconds())

	switch status {
	case models.ImportCompleted:
		logger.Info("import completed", "total", progress.Total, "successful", progress.Successful,
			"failed", progress.Failed, "duration", time.Since(start))
	case models.ImportCancelled:
		logger.Info("import cancelled", "processed", progress.Processed)
	default:
		logger.Error("import failed", "error", err)
	}
	return status, progress
}

// execute returns an empty status when ctx ended underneath the job
func (w *Worker) execute(ctx context.Context, job *models.ImportJob, logger *slog.Logger) (string, csvimport.Progress, error) {
	upload, err := w.uploads.Get(ctx, job.ID)
	if err != nil {
		return w.failed(ctx, csvimport.Progress{}, err)
	}
	if upload == nil {
		return models.ImportFailed, csvimport.Progress{}, errors.New("staged upload not found")
	}

	headers, rows, err := csvimport.ParseFile(upload.Filename, string(upload.Content))
	if err != nil {
		return models.ImportFailed, csvimport.Progress{}, err
	}

	mappings := csvimport.NormalizeMappings(job.Mappings)
	if !csvimport.CanProceed(mappings) {
		return models.ImportFailed, csvimport.Progress{Total: len(rows)},
			fmt.Errorf("required fields are not mapped: %s", strings.Join(csvimport.MissingRequired(mappings), ", "))
	}
	logger.Debug("import started", "rows", len(rows), "filename", upload.Filename)

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()
	var cancelRequested bool

	res, err := csvimport.Run(jobCtx, rows, mappings, headers, csvimport.Options{
		YieldEvery: w.yieldEvery,
		OnProgress: func(p csvimport.Progress) {
			if p.Done() {
				return
			}
			if uerr := w.jobs.UpdateProgress(ctx, job.ID, p); uerr != nil {
				logger.Warn("failed to store import progress", "error", uerr)
			}
			if w.onProgress != nil {
				w.onProgress(job.ID, p)
			}
			requested, cerr := w.jobs.IsCancelRequested(ctx, job.ID)
			if cerr != nil {
				logger.Warn("failed to check cancellation", "error", cerr)
				return
			}
			if requested {
				cancelRequested = true
				cancelJob()
			}
		},
	})
	if err != nil {
		if cancelRequested {
			return models.ImportCancelled, res.Progress, nil
		}
		return w.failed(ctx, res.Progress, err)
	}

	// short files never reach a yield, and a cancel may land after the last one
	requested, err := w.jobs.IsCancelRequested(ctx, job.ID)
	if err != nil {
		return w.failed(ctx, res.Progress, err)
	}
	if requested {
		return models.ImportCancelled, res.Progress, nil
	}

	progress := res.Progress
	invalid := progress.Failed

	bulk, err := w.contacts.BulkInsert(ctx, job.AudienceListID, res.Records())
	if err != nil {
		return w.failed(ctx, progress, err)
	}

	for _, i := range bulk.Duplicates {
		row := res.Rows[i]
		progress.Errors = append(progress.Errors, csvimport.ImportError{
			Row:   row.Line,
			Field: "email",
			Value: row.Record.Email,
			Error: duplicateMessage,
		})
	}
	progress.Successful = bulk.Inserted
	progress.Failed += len(bulk.Duplicates)
	sort.SliceStable(progress.Errors, func(a, b int) bool {
		return progress.Errors[a].Row < progress.Errors[b].Row
	})

	metrics.AddImportRows("imported", bulk.Inserted)
	metrics.AddImportRows("invalid", invalid)
	metrics.AddImportRows("duplicate", len(bulk.Duplicates))

	if err := w.jobs.AddErrors(ctx, job.ID, progress.Errors); err != nil {
		logger.Error("failed to store import errors", "error", err)
	}
	if err := w.lists.UpdateListCounts(ctx, job.AudienceListID); err != nil {
		logger.Error("failed to update list counts", "error", err)
	}

	if w.onProgress != nil {
		w.onProgress(job.ID, progress)
	}
	return models.ImportCompleted, progress, nil
}

// failed maps an error to a failed status unless ctx itself ended
func (w *Worker) failed(ctx context.Context, p csvimport.Progress, err error) (string, csvimport.Progress, error) {
	if ctx.Err() != nil {
		return "", p, err
	}
	return models.ImportFailed, p, err
}
