package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/foxzi/audiences/internal/contact"
	"github.com/foxzi/audiences/internal/csvimport"
	"github.com/foxzi/audiences/internal/metrics"
	"github.com/foxzi/audiences/internal/models"
	"github.com/foxzi/audiences/internal/staging"
)

const defaultErrorLimit = 100

// AnalyzeResponse is the response for POST .../imports/analyze
type AnalyzeResponse struct {
	Filename        string                   `json:"filename"`
	Headers         []string                 `json:"headers"`
	RowCount        int                      `json:"rowCount"`
	Mappings        []csvimport.FieldMapping `json:"mappings"`
	Preview         []contact.Record         `json:"preview"`
	CanProceed      bool                     `json:"canProceed"`
	MissingRequired []string                 `json:"missingRequired,omitempty"`
	Warnings        []string                 `json:"warnings,omitempty"`
}

// ImportJobResponse is an import job with its progress and row errors
type ImportJobResponse struct {
	*models.ImportJob
	Percent float64                 `json:"percent"`
	Errors  []csvimport.ImportError `json:"errors"`
}

// upload is a CSV file read from a multipart request
type upload struct {
	filename string
	content  []byte
	headers  []string
	rows     [][]string
}

// readUpload reads the "file" part, bounded by import.max_file_bytes, and
// parses it. It answers the request itself on failure.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (*upload, bool) {
	maxBytes := s.config.Import.MaxFileBytes
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1<<20) // room for the other parts

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "File is too large")
			return nil, false
		}
		s.sendError(w, http.StatusBadRequest, "Invalid multipart form")
		return nil, false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "file is required")
		return nil, false
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "Failed to read file")
		return nil, false
	}
	if int64(len(content)) > maxBytes {
		s.sendError(w, http.StatusRequestEntityTooLarge, "File is too large")
		return nil, false
	}

	headers, rows, err := csvimport.ParseFile(header.Filename, string(content))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return &upload{filename: header.Filename, content: content, headers: headers, rows: rows}, true
}

// formMappings reads the optional "mappings" form field
func formMappings(r *http.Request) ([]csvimport.FieldMapping, bool, error) {
	raw := r.FormValue("mappings")
	if raw == "" {
		return nil, false, nil
	}
	var mappings []csvimport.FieldMapping
	if err := json.Unmarshal([]byte(raw), &mappings); err != nil {
		return nil, true, fmt.Errorf("invalid mappings: %w", err)
	}
	return csvimport.NormalizeMappings(mappings), true, nil
}

// handleAnalyzeImport handles POST .../imports/analyze. It suggests
// mappings for the uploaded file and previews the first rows.
func (s *Server) handleAnalyzeImport(w http.ResponseWriter, r *http.Request) {
	up, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	mappings, given, err := formMappings(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !given {
		mappings = csvimport.AutoDetectMappings(up.headers, contact.Schema)
	}

	s.sendJSON(w, http.StatusOK, AnalyzeResponse{
		Filename:        up.filename,
		Headers:         up.headers,
		RowCount:        len(up.rows),
		Mappings:        mappings,
		Preview:         csvimport.GeneratePreview(up.rows, mappings, up.headers, s.config.Import.PreviewRows),
		CanProceed:      csvimport.CanProceed(mappings),
		MissingRequired: csvimport.MissingRequired(mappings),
		Warnings:        csvimport.Warnings(mappings, up.headers),
	})
}

// handleCreateImport handles POST .../imports. The file is staged and the
// job queued for the background worker.
func (s *Server) handleCreateImport(w http.ResponseWriter, r *http.Request) {
	up, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	mappings, given, err := formMappings(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !given {
		s.sendError(w, http.StatusBadRequest, "mappings is required")
		return
	}
	if !csvimport.CanProceed(mappings) {
		s.sendError(w, http.StatusUnprocessableEntity, "Required fields are not mapped", csvimport.MissingRequired(mappings)...)
		return
	}

	list := audienceFrom(r)
	job := &models.ImportJob{
		ID:             uuid.New().String(),
		OrganizationID: list.OrganizationID,
		AudienceListID: list.ID,
		Filename:       up.filename,
		Mappings:       mappings,
		Total:          len(up.rows),
	}

	// staged first so the worker never claims a job without its file
	if err := s.uploads.Put(r.Context(), &staging.Upload{JobID: job.ID, Filename: up.filename, Content: up.content}); err != nil {
		s.logger.Error("failed to stage upload", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to store upload")
		return
	}
	if err := s.imports.Create(r.Context(), job); err != nil {
		s.logger.Error("failed to create import job", "error", err)
		if derr := s.uploads.Delete(r.Context(), job.ID); derr != nil {
			s.logger.Warn("failed to remove staged upload", "job_id", job.ID, "error", derr)
		}
		s.sendError(w, http.StatusInternalServerError, "Failed to create import job")
		return
	}

	metrics.ObserveUpload(len(up.content))
	s.logger.Info("import queued",
		"job_id", job.ID,
		"audience_list_id", list.ID,
		"filename", up.filename,
		"rows", job.Total,
	)
	s.sendJSON(w, http.StatusAccepted, ImportJobResponse{ImportJob: job, Errors: []csvimport.ImportError{}})
}

// handleListImports handles GET .../imports
func (s *Server) handleListImports(w http.ResponseWriter, r *http.Request) {
	page := pageFromQuery(r)
	jobs, err := s.imports.ListByAudience(r.Context(), models.ImportJobFilter{
		AudienceListID: audienceFrom(r).ID,
		Status:         r.URL.Query().Get("status"),
		Limit:          page.Limit,
		Offset:         page.Offset,
	})
	if err != nil {
		s.logger.Error("failed to list import jobs", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list import jobs")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"imports": jobs})
}

// handleGetImport handles GET .../imports/{jobID}
func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadImport(w, r)
	if !ok {
		return
	}

	limit := defaultErrorLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("errors_limit")); err == nil && v >= 0 {
		limit = v
	}
	errs, err := s.imports.ListErrors(r.Context(), job.ID, limit)
	if err != nil {
		s.logger.Error("failed to list import errors", "job_id", job.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load import errors")
		return
	}

	s.sendJSON(w, http.StatusOK, ImportJobResponse{ImportJob: job, Percent: percent(job), Errors: errs})
}

// handleCancelImport handles POST .../imports/{jobID}/cancel. A running job
// stops at its next progress report.
func (s *Server) handleCancelImport(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadImport(w, r)
	if !ok {
		return
	}

	cancelled, err := s.imports.RequestCancel(r.Context(), job.ID)
	if err != nil {
		s.logger.Error("failed to cancel import job", "job_id", job.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to cancel import job")
		return
	}
	if !cancelled {
		s.sendError(w, http.StatusConflict, "Import job already finished")
		return
	}

	job, err = s.imports.GetByID(r.Context(), job.ID)
	if err != nil || job == nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to load import job")
		return
	}
	s.sendJSON(w, http.StatusAccepted, ImportJobResponse{ImportJob: job, Percent: percent(job), Errors: []csvimport.ImportError{}})
}

func (s *Server) loadImport(w http.ResponseWriter, r *http.Request) (*models.ImportJob, bool) {
	job, err := s.imports.GetByID(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.logger.Error("failed to load import job", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load import job")
		return nil, false
	}
	if job == nil || job.AudienceListID != audienceFrom(r).ID {
		s.sendError(w, http.StatusNotFound, "Import job not found")
		return nil, false
	}
	return job, true
}

func percent(job *models.ImportJob) float64 {
	if job.Total == 0 {
		if job.Finished() {
			return 100
		}
		return 0
	}
	return float64(job.Processed) * 100 / float64(job.Total)
}
