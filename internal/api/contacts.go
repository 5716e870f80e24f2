package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/audiences/internal/contact"
	"github.com/foxzi/audiences/internal/metrics"
	"github.com/foxzi/audiences/internal/repository"
	"github.com/foxzi/audiences/internal/segment"
)

// ContactRequest is the body of POST .../contacts
type ContactRequest struct {
	Email                      string            `json:"email" validate:"required,email,max=320"`
	FirstName                  string            `json:"firstName" validate:"required,max=200"`
	LastName                   string            `json:"lastName" validate:"required,max=200"`
	Phone                      string            `json:"phone" validate:"max=50"`
	Note                       string            `json:"note" validate:"max=5000"`
	Tags                       string            `json:"tags" validate:"max=1000"`
	DefaultAddressCompany      string            `json:"defaultAddressCompany"`
	DefaultAddressAddress1     string            `json:"defaultAddressAddress1"`
	DefaultAddressAddress2     string            `json:"defaultAddressAddress2"`
	DefaultAddressCity         string            `json:"defaultAddressCity"`
	DefaultAddressProvinceCode string            `json:"defaultAddressProvinceCode"`
	DefaultAddressCountryCode  string            `json:"defaultAddressCountryCode"`
	DefaultAddressZip          string            `json:"defaultAddressZip"`
	DefaultAddressPhone        string            `json:"defaultAddressPhone"`
	CustomFields               map[string]string `json:"customFields"`
}

func (req *ContactRequest) record() contact.Record {
	return contact.Record{
		Email:                      req.Email,
		FirstName:                  req.FirstName,
		LastName:                   req.LastName,
		Phone:                      req.Phone,
		Note:                       req.Note,
		Tags:                       req.Tags,
		DefaultAddressCompany:      req.DefaultAddressCompany,
		DefaultAddressAddress1:     req.DefaultAddressAddress1,
		DefaultAddressAddress2:     req.DefaultAddressAddress2,
		DefaultAddressCity:         req.DefaultAddressCity,
		DefaultAddressProvinceCode: req.DefaultAddressProvinceCode,
		DefaultAddressCountryCode:  req.DefaultAddressCountryCode,
		DefaultAddressZip:          req.DefaultAddressZip,
		DefaultAddressPhone:        req.DefaultAddressPhone,
		CustomFields:               req.CustomFields,
	}
}

// ContactsResponse is a page of contacts
type ContactsResponse struct {
	Contacts []contact.Contact `json:"contacts"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

// handleListContacts handles GET .../contacts. Filter criteria come from the
// query string: searchValue, tags, countries, organizations, provinces, cities,
// zips, phones, dateRange.
func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	criteria := segment.ParseQuery(r.URL.Query())
	if err := criteria.Validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.sendContacts(w, r, segment.CompileAt(audienceFrom(r).ID, criteria, s.now()))
}

// sendContacts answers with one page of contacts matching p
func (s *Server) sendContacts(w http.ResponseWriter, r *http.Request, p *segment.Predicate) {
	metrics.IncSegmentEvaluations(p.Kind())
	page := pageFromQuery(r)

	contacts, err := s.contacts.Query(r.Context(), p, page)
	if err != nil {
		s.logger.Error("failed to query contacts", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to query contacts")
		return
	}
	total, err := s.contacts.Count(r.Context(), p)
	if err != nil {
		s.logger.Error("failed to count contacts", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to count contacts")
		return
	}

	s.sendJSON(w, http.StatusOK, ContactsResponse{
		Contacts: contacts,
		Total:    total,
		Limit:    page.Limit,
		Offset:   page.Offset,
	})
}

// handleCreateContact handles POST .../contacts
func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	var req ContactRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	list := audienceFrom(r)
	c := &contact.Contact{AudienceListID: list.ID, Record: req.record()}
	err := s.contacts.Create(r.Context(), c)
	if errors.Is(err, repository.ErrDuplicateContact) {
		s.sendError(w, http.StatusConflict, "Contact with this email already exists in the list")
		return
	}
	if err != nil {
		s.logger.Error("failed to create contact", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create contact")
		return
	}
	if err := s.lists.UpdateListCounts(r.Context(), list.ID); err != nil {
		s.logger.Warn("failed to update list counts", "id", list.ID, "error", err)
	}
	s.sendJSON(w, http.StatusCreated, c)
}

// handleGetContact handles GET .../contacts/{contactID}
func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadContact(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleDeleteContact handles DELETE .../contacts/{contactID}
func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadContact(w, r)
	if !ok {
		return
	}
	if err := s.contacts.Delete(r.Context(), c.ID); err != nil {
		s.logger.Error("failed to delete contact", "id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to delete contact")
		return
	}
	if err := s.lists.UpdateListCounts(r.Context(), c.AudienceListID); err != nil {
		s.logger.Warn("failed to update list counts", "id", c.AudienceListID, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) loadContact(w http.ResponseWriter, r *http.Request) (*contact.Contact, bool) {
	c, err := s.contacts.Get(r.Context(), chi.URLParam(r, "contactID"))
	if err != nil {
		s.logger.Error("failed to load contact", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load contact")
		return nil, false
	}
	if c == nil || c.AudienceListID != audienceFrom(r).ID {
		s.sendError(w, http.StatusNotFound, "Contact not found")
		return nil, false
	}
	return c, true
}
