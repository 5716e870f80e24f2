package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/audiences/internal/csvimport"
	"github.com/foxzi/audiences/internal/models"
)

const importJobColumns = `id, organization_id, audience_list_id, filename, mappings, status,
	total, processed, successful, failed, cancel_requested, error,
	started_at, finished_at, created_at, updated_at`

type ImportJobRepository struct {
	db *sql.DB
}

func NewImportJobRepository(db *sql.DB) *ImportJobRepository {
	return &ImportJobRepository{db: db}
}

// Create stores a new pending import job
func (r *ImportJobRepository) Create(ctx context.Context, job *models.ImportJob) error {
	mappings, err := json.Marshal(job.Mappings)
	if err != nil {
		return fmt.Errorf("failed to encode mappings: %w", err)
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = models.ImportPending
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO import_jobs (id, organization_id, audience_list_id, filename, mappings, status, total, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.OrganizationID, job.AudienceListID, job.Filename, string(mappings), job.Status, job.Total, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create import job: %w", err)
	}
	return nil
}

func scanImportJob(row interface{ Scan(...any) error }) (*models.ImportJob, error) {
	job := &models.ImportJob{}
	var mappings string
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&job.ID, &job.OrganizationID, &job.AudienceListID, &job.Filename, &mappings, &job.Status,
		&job.Total, &job.Processed, &job.Successful, &job.Failed, &job.CancelRequested, &job.Error,
		&startedAt, &finishedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(mappings), &job.Mappings); err != nil {
		return nil, fmt.Errorf("failed to decode mappings of %s: %w", job.ID, err)
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	return job, nil
}

// GetByID returns an import job by ID
func (r *ImportJobRepository) GetByID(ctx context.Context, id string) (*models.ImportJob, error) {
	job, err := scanImportJob(r.db.QueryRowContext(ctx,
		"SELECT "+importJobColumns+" FROM import_jobs WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListByAudience returns the import jobs of a list, newest first
func (r *ImportJobRepository) ListByAudience(ctx context.Context, filter models.ImportJobFilter) ([]models.ImportJob, error) {
	query := "SELECT " + importJobColumns + " FROM import_jobs WHERE audience_list_id = ?"
	args := []any{filter.AudienceListID}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	return r.queryJobs(ctx, query, args...)
}

func (r *ImportJobRepository) queryJobs(ctx context.Context, query string, args ...any) ([]models.ImportJob, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []models.ImportJob{}
	for rows.Next() {
		job, err := scanImportJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ClaimPending moves up to limit of the oldest pending jobs to running and
// returns them. A job claimed concurrently elsewhere is skipped.
func (r *ImportJobRepository) ClaimPending(ctx context.Context, limit int) ([]models.ImportJob, error) {
	pending, err := r.queryJobs(ctx,
		"SELECT "+importJobColumns+" FROM import_jobs WHERE status = ? ORDER BY created_at ASC LIMIT ?",
		models.ImportPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending import jobs: %w", err)
	}

	claimed := make([]models.ImportJob, 0, len(pending))
	for _, job := range pending {
		ok, err := r.claim(ctx, &job)
		if err != nil {
			return claimed, err
		}
		if ok {
			claimed = append(claimed, job)
		}
	}
	return claimed, nil
}

// Claim moves one pending job to running. It returns nil when the job does
// not exist or is no longer pending.
func (r *ImportJobRepository) Claim(ctx context.Context, id string) (*models.ImportJob, error) {
	job, err := r.GetByID(ctx, id)
	if err != nil || job == nil {
		return nil, err
	}
	ok, err := r.claim(ctx, job)
	if err != nil || !ok {
		return nil, err
	}
	return job, nil
}

func (r *ImportJobRepository) claim(ctx context.Context, job *models.ImportJob) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE import_jobs SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		models.ImportRunning, now, now, job.ID, models.ImportPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim import job %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return false, nil
	}
	job.Status = models.ImportRunning
	job.StartedAt = &now
	job.UpdatedAt = now
	return true, nil
}

// ResetRunning returns jobs left running by a previous process to pending
func (r *ImportJobRepository) ResetRunning(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE import_jobs SET status = ?, started_at = NULL, processed = 0, successful = 0, failed = 0, updated_at = ?
		WHERE status = ?`,
		models.ImportPending, time.Now().UTC(), models.ImportRunning,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateProgress stores the running counters of a job
func (r *ImportJobRepository) UpdateProgress(ctx context.Context, id string, p csvimport.Progress) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE import_jobs SET total = ?, processed = ?, successful = ?, failed = ?, updated_at = ?
		WHERE id = ?`,
		p.Total, p.Processed, p.Successful, p.Failed, time.Now().UTC(), id,
	)
	return err
}

// RequestCancel flags a job for cancellation. A job that has not started
// yet is cancelled immediately. It returns false when the job is already
// finished or does not exist.
func (r *ImportJobRepository) RequestCancel(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE import_jobs SET status = ?, cancel_requested = 1, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		models.ImportCancelled, now, now, id, models.ImportPending,
	)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	res, err = r.db.ExecContext(ctx, `
		UPDATE import_jobs SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND status = ?`,
		now, id, models.ImportRunning,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// IsCancelRequested reports whether cancellation was requested for a job
func (r *ImportJobRepository) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := r.db.QueryRowContext(ctx, "SELECT cancel_requested FROM import_jobs WHERE id = ?", id).Scan(&requested)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return requested, err
}

// Finish moves a job to a terminal status with its final counters
func (r *ImportJobRepository) Finish(ctx context.Context, id, status string, p csvimport.Progress, errMsg string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		UPDATE import_jobs SET status = ?, total = ?, processed = ?, successful = ?, failed = ?,
			error = ?, finished_at = ?, updated_at = ?
		WHERE id = ?`,
		status, p.Total, p.Processed, p.Successful, p.Failed, errMsg, now, now, id,
	)
	return err
}

// AddErrors appends row errors to a job
func (r *ImportJobRepository) AddErrors(ctx context.Context, jobID string, errs []csvimport.ImportError) error {
	if len(errs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO import_errors (job_id, line, field, value, error)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range errs {
		if _, err := stmt.ExecContext(ctx, jobID, e.Row, e.Field, e.Value, e.Error); err != nil {
			return fmt.Errorf("failed to insert import error: %w", err)
		}
	}

	return tx.Commit()
}

// ListErrors returns the row errors of a job ordered by source line.
// limit 0 returns all.
func (r *ImportJobRepository) ListErrors(ctx context.Context, jobID string, limit int) ([]csvimport.ImportError, error) {
	query := "SELECT line, field, value, error FROM import_errors WHERE job_id = ? ORDER BY line, id"
	args := []any{jobID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	errs := []csvimport.ImportError{}
	for rows.Next() {
		var e csvimport.ImportError
		if err := rows.Scan(&e.Row, &e.Field, &e.Value, &e.Error); err != nil {
			return nil, err
		}
		errs = append(errs, e)
	}
	return errs, rows.Err()
}

// ActiveIDs returns the ids of pending and running jobs
func (r *ImportJobRepository) ActiveIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id FROM import_jobs WHERE status IN (?, ?)", models.ImportPending, models.ImportRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// DeleteFinishedBefore removes finished jobs, and their errors, that ended
// before cutoff
func (r *ImportJobRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM import_jobs
		WHERE status IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		models.ImportCompleted, models.ImportFailed, models.ImportCancelled, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished import jobs: %w", err)
	}
	return res.RowsAffected()
}

// CountFinishedBefore counts the jobs DeleteFinishedBefore would remove
func (r *ImportJobRepository) CountFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM import_jobs
		WHERE status IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		models.ImportCompleted, models.ImportFailed, models.ImportCancelled, cutoff.UTC(),
	).Scan(&n)
	return n, err
}
