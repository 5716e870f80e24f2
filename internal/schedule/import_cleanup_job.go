package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/audiences/internal/repository"
	"github.com/foxzi/audiences/internal/staging"
)

const (
	defaultRetention = 30 * 24 * time.Hour
	// uploads are staged just before their job row is written
	orphanGrace = time.Hour
)

// CleanupReport lists what a cleanup pass removes
type CleanupReport struct {
	ExpiredJobs   int64
	OrphanUploads []string
}

// ImportCleanupJob purges finished import jobs past retention and staged
// uploads that no pending or running job refers to.
type ImportCleanupJob struct {
	jobs      *repository.ImportJobRepository
	uploads   *staging.Store
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewImportCleanupJob(jobs *repository.ImportJobRepository, uploads *staging.Store, retention time.Duration, logger *slog.Logger) *ImportCleanupJob {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &ImportCleanupJob{
		jobs:      jobs,
		uploads:   uploads,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

func (j *ImportCleanupJob) Name() string {
	return "import_cleanup"
}

// Plan computes the cleanup without changing anything
func (j *ImportCleanupJob) Plan(ctx context.Context) (*CleanupReport, error) {
	now := j.now()
	expired, err := j.jobs.CountFinishedBefore(ctx, now.Add(-j.retention))
	if err != nil {
		return nil, fmt.Errorf("failed to count expired import jobs: %w", err)
	}
	orphans, err := j.orphans(ctx, now)
	if err != nil {
		return nil, err
	}
	return &CleanupReport{ExpiredJobs: expired, OrphanUploads: orphans}, nil
}

func (j *ImportCleanupJob) Run(ctx context.Context) error {
	_, err := j.Execute(ctx)
	return err
}

// Execute performs the cleanup and reports what was removed
func (j *ImportCleanupJob) Execute(ctx context.Context) (*CleanupReport, error) {
	now := j.now()
	orphans, err := j.orphans(ctx, now)
	if err != nil {
		return nil, err
	}

	report := &CleanupReport{}
	for _, id := range orphans {
		if err := j.uploads.Delete(ctx, id); err != nil {
			return report, fmt.Errorf("failed to delete staged upload %s: %w", id, err)
		}
		report.OrphanUploads = append(report.OrphanUploads, id)
	}

	report.ExpiredJobs, err = j.jobs.DeleteFinishedBefore(ctx, now.Add(-j.retention))
	if err != nil {
		return report, err
	}

	if report.ExpiredJobs > 0 || len(report.OrphanUploads) > 0 {
		j.logger.Info("import cleanup", "expired_jobs", report.ExpiredJobs, "orphan_uploads", len(report.OrphanUploads))
	}
	return report, nil
}

func (j *ImportCleanupJob) orphans(ctx context.Context, now time.Time) ([]string, error) {
	entries, err := j.uploads.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list staged uploads: %w", err)
	}
	active, err := j.jobs.ActiveIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active import jobs: %w", err)
	}

	var orphans []string
	for _, e := range entries {
		if active[e.JobID] {
			continue
		}
		if !e.CreatedAt.IsZero() && now.Sub(e.CreatedAt) < orphanGrace {
			continue
		}
		orphans = append(orphans, e.JobID)
	}
	return orphans, nil
}
