package models

import (
	"time"

	"github.com/foxzi/audiences/internal/csvimport"
)

// Import job statuses
const (
	ImportPending   = "pending"
	ImportRunning   = "running"
	ImportCompleted = "completed"
	ImportFailed    = "failed"
	ImportCancelled = "cancelled"
)

// ImportJob tracks one background CSV import
type ImportJob struct {
	ID              string                   `json:"id"`
	OrganizationID  string                   `json:"organization_id"`
	AudienceListID  string                   `json:"audience_list_id"`
	Filename        string                   `json:"filename"`
	Mappings        []csvimport.FieldMapping `json:"mappings"`
	Status          string                   `json:"status"` // pending, running, completed, failed, cancelled
	Total           int                      `json:"total"`
	Processed       int                      `json:"processed"`
	Successful      int                      `json:"successful"`
	Failed          int                      `json:"failed"`
	CancelRequested bool                     `json:"cancel_requested"`
	Error           string                   `json:"error,omitempty"`
	StartedAt       *time.Time               `json:"started_at,omitempty"`
	FinishedAt      *time.Time               `json:"finished_at,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
	UpdatedAt       time.Time                `json:"updated_at"`
}

// Finished reports whether the job reached a terminal status
func (j *ImportJob) Finished() bool {
	switch j.Status {
	case ImportCompleted, ImportFailed, ImportCancelled:
		return true
	}
	return false
}

// Progress returns the job counters in importer form
func (j *ImportJob) Progress() csvimport.Progress {
	return csvimport.Progress{
		Total:      j.Total,
		Processed:  j.Processed,
		Successful: j.Successful,
		Failed:     j.Failed,
	}
}

// ImportJobFilter for listing import jobs of a list
type ImportJobFilter struct {
	AudienceListID string
	Status         string
	Limit          int
	Offset         int
}
