package repository

import (
	"context"
	"testing"
	"time"

	"github.com/foxzi/audiences/internal/csvimport"
	"github.com/foxzi/audiences/internal/models"
)

func newTestJob(t *testing.T, repo *ImportJobRepository, org *models.Organization, list *models.AudienceList) *models.ImportJob {
	t.Helper()
	job := &models.ImportJob{
		OrganizationID: org.ID,
		AudienceListID: list.ID,
		Filename:       "contacts.csv",
		Mappings: []csvimport.FieldMapping{
			{ContactField: "email", CSVColumn: "Email", Required: true},
		},
	}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return job
}

func TestImportJobLifecycle(t *testing.T) {
	sqlDB := setupTestDB(t)
	repo := NewImportJobRepository(sqlDB)
	ctx := context.Background()
	org, list := setupList(t, sqlDB)

	job := newTestJob(t, repo, org, list)
	if job.Status != models.ImportPending {
		t.Errorf("Status = %q, want pending", job.Status)
	}

	claimed, err := repo.ClaimPending(ctx, 5)
	if err != nil {
		t.Fatalf("ClaimPending() error = %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != job.ID || claimed[0].Status != models.ImportRunning {
		t.Fatalf("ClaimPending() = %+v", claimed)
	}
	if claimed[0].Mappings[0].CSVColumn != "Email" {
		t.Errorf("Mappings = %+v", claimed[0].Mappings)
	}

	again, err := repo.ClaimPending(ctx, 5)
	if err != nil || len(again) != 0 {
		t.Errorf("second ClaimPending() = %+v, %v", again, err)
	}

	p := csvimport.Progress{Total: 4, Processed: 2, Successful: 1, Failed: 1}
	if err := repo.UpdateProgress(ctx, job.ID, p); err != nil {
		t.Fatalf("UpdateProgress() error = %v", err)
	}

	errs := []csvimport.ImportError{
		{Row: 5, Field: "email", Value: "", Error: "Email is required"},
		{Row: 3, Field: "firstName", Error: "First Name is required"},
	}
	if err := repo.AddErrors(ctx, job.ID, errs); err != nil {
		t.Fatalf("AddErrors() error = %v", err)
	}

	final := csvimport.Progress{Total: 4, Processed: 4, Successful: 2, Failed: 2}
	if err := repo.Finish(ctx, job.ID, models.ImportCompleted, final, ""); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	got, err := repo.GetByID(ctx, job.ID)
	if err != nil || got == nil {
		t.Fatalf("GetByID() = %+v, %v", got, err)
	}
	if got.Status != models.ImportCompleted || got.Successful != 2 || got.Failed != 2 || got.FinishedAt == nil || got.StartedAt == nil {
		t.Errorf("finished job = %+v", got)
	}
	if !got.Finished() {
		t.Error("Finished() = false")
	}

	listed, err := repo.ListErrors(ctx, job.ID, 0)
	if err != nil || len(listed) != 2 || listed[0].Row != 3 {
		t.Errorf("ListErrors() = %+v, %v", listed, err)
	}
	limited, _ := repo.ListErrors(ctx, job.ID, 1)
	if len(limited) != 1 {
		t.Errorf("ListErrors(limit 1) = %+v", limited)
	}

	jobs, err := repo.ListByAudience(ctx, models.ImportJobFilter{AudienceListID: list.ID})
	if err != nil || len(jobs) != 1 {
		t.Errorf("ListByAudience() = %+v, %v", jobs, err)
	}
}

func TestImportJobCancel(t *testing.T) {
	sqlDB := setupTestDB(t)
	repo := NewImportJobRepository(sqlDB)
	ctx := context.Background()
	org, list := setupList(t, sqlDB)

	pending := newTestJob(t, repo, org, list)
	ok, err := repo.RequestCancel(ctx, pending.ID)
	if err != nil || !ok {
		t.Fatalf("RequestCancel(pending) = %v, %v", ok, err)
	}
	got, _ := repo.GetByID(ctx, pending.ID)
	if got.Status != models.ImportCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}

	running := newTestJob(t, repo, org, list)
	if _, err := repo.ClaimPending(ctx, 1); err != nil {
		t.Fatalf("ClaimPending() error = %v", err)
	}
	if requested, _ := repo.IsCancelRequested(ctx, running.ID); requested {
		t.Error("IsCancelRequested() = true before request")
	}
	ok, err = repo.RequestCancel(ctx, running.ID)
	if err != nil || !ok {
		t.Fatalf("RequestCancel(running) = %v, %v", ok, err)
	}
	if requested, _ := repo.IsCancelRequested(ctx, running.ID); !requested {
		t.Error("IsCancelRequested() = false after request")
	}
	got, _ = repo.GetByID(ctx, running.ID)
	if got.Status != models.ImportRunning {
		t.Errorf("Status = %q, the worker finishes running jobs", got.Status)
	}

	ok, err = repo.RequestCancel(ctx, pending.ID)
	if err != nil || ok {
		t.Errorf("RequestCancel(finished) = %v, %v; want false", ok, err)
	}
}

func TestImportJobResetAndCleanup(t *testing.T) {
	sqlDB := setupTestDB(t)
	repo := NewImportJobRepository(sqlDB)
	ctx := context.Background()
	org, list := setupList(t, sqlDB)

	stuck := newTestJob(t, repo, org, list)
	if _, err := repo.ClaimPending(ctx, 1); err != nil {
		t.Fatalf("ClaimPending() error = %v", err)
	}
	n, err := repo.ResetRunning(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ResetRunning() = %d, %v", n, err)
	}

	active, err := repo.ActiveIDs(ctx)
	if err != nil || !active[stuck.ID] {
		t.Errorf("ActiveIDs() = %v, %v", active, err)
	}

	done := newTestJob(t, repo, org, list)
	if err := repo.Finish(ctx, done.ID, models.ImportFailed, csvimport.Progress{}, "boom"); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if err := repo.AddErrors(ctx, done.ID, []csvimport.ImportError{{Row: 2, Field: "general", Error: "x"}}); err != nil {
		t.Fatalf("AddErrors() error = %v", err)
	}

	if n, _ := repo.CountFinishedBefore(ctx, time.Now().Add(-time.Hour)); n != 0 {
		t.Errorf("CountFinishedBefore(past) = %d, want 0", n)
	}
	future := time.Now().Add(time.Hour)
	if n, _ := repo.CountFinishedBefore(ctx, future); n != 1 {
		t.Errorf("CountFinishedBefore(future) = %d, want 1", n)
	}
	deleted, err := repo.DeleteFinishedBefore(ctx, future)
	if err != nil || deleted != 1 {
		t.Fatalf("DeleteFinishedBefore() = %d, %v", deleted, err)
	}

	if got, _ := repo.GetByID(ctx, done.ID); got != nil {
		t.Error("finished job survived cleanup")
	}
	if got, _ := repo.GetByID(ctx, stuck.ID); got == nil {
		t.Error("active job removed by cleanup")
	}
	if errs, _ := repo.ListErrors(ctx, done.ID, 0); len(errs) != 0 {
		t.Errorf("errors of deleted job = %+v", errs)
	}
}

func TestImportJobClaim(t *testing.T) {
	sqlDB := setupTestDB(t)
	repo := NewImportJobRepository(sqlDB)
	ctx := context.Background()
	org, list := setupList(t, sqlDB)

	first := newTestJob(t, repo, org, list)
	second := newTestJob(t, repo, org, list)

	got, err := repo.Claim(ctx, second.ID)
	if err != nil || got == nil || got.Status != models.ImportRunning || got.StartedAt == nil {
		t.Fatalf("Claim() = %+v, %v", got, err)
	}
	if again, err := repo.Claim(ctx, second.ID); err != nil || again != nil {
		t.Errorf("second Claim() = %+v, %v", again, err)
	}
	if missing, err := repo.Claim(ctx, "missing"); err != nil || missing != nil {
		t.Errorf("Claim(missing) = %+v, %v", missing, err)
	}

	claimed, err := repo.ClaimPending(ctx, 5)
	if err != nil || len(claimed) != 1 || claimed[0].ID != first.ID {
		t.Errorf("ClaimPending() = %+v, %v", claimed, err)
	}
}
