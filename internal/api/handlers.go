package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/foxzi/audiences/internal/models"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// OrganizationRequest is the body of POST /organizations
type OrganizationRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

// AudienceRequest is the body of POST and PUT on audiences
type AudienceRequest struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=2000"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleCreateOrganization handles POST /api/v1/organizations
func (s *Server) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req OrganizationRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	org := &models.Organization{Name: req.Name}
	if err := s.orgs.Create(r.Context(), org); err != nil {
		s.logger.Error("failed to create organization", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create organization")
		return
	}
	s.sendJSON(w, http.StatusCreated, org)
}

// handleListOrganizations handles GET /api/v1/organizations
func (s *Server) handleListOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := s.orgs.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list organizations", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list organizations")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"organizations": orgs})
}

// handleGetOrganization handles GET /api/v1/organizations/{orgID}
func (s *Server) handleGetOrganization(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, organizationFrom(r))
}

// handleCreateAudience handles POST .../audiences
func (s *Server) handleCreateAudience(w http.ResponseWriter, r *http.Request) {
	var req AudienceRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	list := &models.AudienceList{
		OrganizationID: organizationFrom(r).ID,
		Name:           req.Name,
		Description:    req.Description,
	}
	if err := s.lists.CreateList(r.Context(), list); err != nil {
		s.logger.Error("failed to create audience list", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create audience list")
		return
	}
	s.sendJSON(w, http.StatusCreated, list)
}

// handleListAudiences handles GET .../audiences
func (s *Server) handleListAudiences(w http.ResponseWriter, r *http.Request) {
	page := pageFromQuery(r)
	lists, total, err := s.lists.ListLists(r.Context(), models.AudienceListFilter{
		OrganizationID: organizationFrom(r).ID,
		Search:         r.URL.Query().Get("search"),
		Limit:          page.Limit,
		Offset:         page.Offset,
	})
	if err != nil {
		s.logger.Error("failed to list audience lists", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list audience lists")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"audiences": lists,
		"total":     total,
		"limit":     page.Limit,
		"offset":    page.Offset,
	})
}

// handleGetAudience handles GET .../audiences/{listID}
func (s *Server) handleGetAudience(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, audienceFrom(r))
}

// handleUpdateAudience handles PUT .../audiences/{listID}
func (s *Server) handleUpdateAudience(w http.ResponseWriter, r *http.Request) {
	var req AudienceRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	list := audienceFrom(r)
	list.Name = req.Name
	list.Description = req.Description
	if err := s.lists.UpdateList(r.Context(), list); err != nil {
		s.logger.Error("failed to update audience list", "id", list.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to update audience list")
		return
	}
	s.sendJSON(w, http.StatusOK, list)
}

// handleDeleteAudience handles DELETE .../audiences/{listID}
func (s *Server) handleDeleteAudience(w http.ResponseWriter, r *http.Request) {
	list := audienceFrom(r)
	if err := s.lists.DeleteList(r.Context(), list.ID); err != nil {
		s.logger.Error("failed to delete audience list", "id", list.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to delete audience list")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFilterOptions handles GET .../audiences/{listID}/filters
func (s *Server) handleFilterOptions(w http.ResponseWriter, r *http.Request) {
	opts, err := s.contacts.FilterOptions(r.Context(), audienceFrom(r).ID)
	if err != nil {
		s.logger.Error("failed to load filter options", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load filter options")
		return
	}
	s.sendJSON(w, http.StatusOK, opts)
}

// decodeBody decodes and validates a JSON body, answering 400 on failure
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// pageFromQuery reads limit and offset, clamping limit to maxPageLimit
func pageFromQuery(r *http.Request) models.Page {
	q := r.URL.Query()
	page := models.Page{Limit: defaultPageLimit}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		page.Limit = min(v, maxPageLimit)
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		page.Offset = v
	}
	return page
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string, details ...string) {
	s.sendJSON(w, status, ErrorResponse{Error: message, Details: details})
}
