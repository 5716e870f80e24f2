package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/audiences/internal/segment"
)

// SegmentRequest is the body of POST and PUT on segments. Exactly one of
// filterCriteria and contactIds must be present.
type SegmentRequest struct {
	Name           string            `json:"name" validate:"required,max=200"`
	Description    string            `json:"description" validate:"max=2000"`
	Type           segment.Type      `json:"type" validate:"omitempty,oneof=dynamic static"`
	FilterCriteria *segment.Criteria `json:"filterCriteria"`
	ContactIDs     []string          `json:"contactIds"`
}

func (req *SegmentRequest) apply(seg *segment.Segment) {
	seg.Name = req.Name
	seg.Description = req.Description
	seg.Type = req.Type
	seg.FilterCriteria = req.FilterCriteria
	seg.ContactIDs = req.ContactIDs
}

// handleCreateSegment handles POST .../segments
func (s *Server) handleCreateSegment(w http.ResponseWriter, r *http.Request) {
	var req SegmentRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	seg := &segment.Segment{AudienceListID: audienceFrom(r).ID}
	req.apply(seg)
	if !s.saveSegment(w, r, seg, s.segments.Create) {
		return
	}
	s.sendJSON(w, http.StatusCreated, seg)
}

// handleListSegments handles GET .../segments
func (s *Server) handleListSegments(w http.ResponseWriter, r *http.Request) {
	segments, err := s.segments.ListByAudience(r.Context(), audienceFrom(r).ID)
	if err != nil {
		s.logger.Error("failed to list segments", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list segments")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"segments": segments})
}

// handleGetSegment handles GET .../segments/{segmentID}
func (s *Server) handleGetSegment(w http.ResponseWriter, r *http.Request) {
	seg, ok := s.loadSegment(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, seg)
}

// handleUpdateSegment handles PUT .../segments/{segmentID}. The definition
// is replaced as a whole, so switching type clears the other field.
func (s *Server) handleUpdateSegment(w http.ResponseWriter, r *http.Request) {
	seg, ok := s.loadSegment(w, r)
	if !ok {
		return
	}
	var req SegmentRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	req.apply(seg)
	if !s.saveSegment(w, r, seg, s.segments.Update) {
		return
	}
	s.sendJSON(w, http.StatusOK, seg)
}

// handleDeleteSegment handles DELETE .../segments/{segmentID}
func (s *Server) handleDeleteSegment(w http.ResponseWriter, r *http.Request) {
	seg, ok := s.loadSegment(w, r)
	if !ok {
		return
	}
	if err := s.segments.Delete(r.Context(), seg.ID); err != nil {
		s.logger.Error("failed to delete segment", "id", seg.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to delete segment")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSegmentContacts handles GET .../segments/{segmentID}/contacts.
// Dynamic segments are recompiled against the current time on every call.
func (s *Server) handleSegmentContacts(w http.ResponseWriter, r *http.Request) {
	seg, ok := s.loadSegment(w, r)
	if !ok {
		return
	}
	s.sendContacts(w, r, seg.Predicate(s.now()))
}

// saveSegment runs save and answers 400 for an invalid definition
func (s *Server) saveSegment(w http.ResponseWriter, r *http.Request, seg *segment.Segment,
	save func(context.Context, *segment.Segment) error) bool {
	err := save(r.Context(), seg)
	if errors.Is(err, segment.ErrInvalidSegment) {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return false
	}
	if err != nil {
		s.logger.Error("failed to save segment", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to save segment")
		return false
	}
	return true
}

func (s *Server) loadSegment(w http.ResponseWriter, r *http.Request) (*segment.Segment, bool) {
	seg, err := s.segments.GetByID(r.Context(), chi.URLParam(r, "segmentID"))
	if err != nil {
		s.logger.Error("failed to load segment", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load segment")
		return nil, false
	}
	if seg == nil || seg.AudienceListID != audienceFrom(r).ID {
		s.sendError(w, http.StatusNotFound, "Segment not found")
		return nil, false
	}
	return seg, true
}
