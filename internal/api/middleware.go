package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/audiences/internal/metrics"
	"github.com/foxzi/audiences/internal/models"
)

type ctxKey string

const (
	ctxKeyOrganization ctxKey = "organization"
	ctxKeyAudience     ctxKey = "audience"
)

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// recoveryMiddleware turns panics into a JSON 500
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered",
					"error", rec,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				s.sendError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware checks the API key from Authorization: Bearer or X-API-Key
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			auth = r.Header.Get("X-API-Key")
		}
		auth = strings.TrimPrefix(auth, "Bearer ")

		if auth == "" {
			s.sendError(w, http.StatusUnauthorized, "API key required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(auth), []byte(s.config.API.APIKey)) != 1 {
			s.logger.Warn("unauthorized API request",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			s.sendError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// organizationContext loads {orgID} into the request context
func (s *Server) organizationContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org, err := s.orgs.GetByID(r.Context(), chi.URLParam(r, "orgID"))
		if err != nil {
			s.logger.Error("failed to load organization", "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to load organization")
			return
		}
		if org == nil {
			s.sendError(w, http.StatusNotFound, "Organization not found")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyOrganization, org)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// audienceContext loads {listID} and checks that it belongs to the organization
func (s *Server) audienceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org := organizationFrom(r)
		list, err := s.lists.GetListByID(r.Context(), chi.URLParam(r, "listID"))
		if err != nil {
			s.logger.Error("failed to load audience list", "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to load audience list")
			return
		}
		if list == nil || org == nil || list.OrganizationID != org.ID {
			s.sendError(w, http.StatusNotFound, "Audience list not found")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyAudience, list)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// importRateLimit limits import uploads per organization
func (s *Server) importRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limits := s.config.Import
		org := organizationFrom(r)
		if org == nil || (limits.RateLimitMinute <= 0 && limits.RateLimitHour <= 0) {
			next.ServeHTTP(w, r)
			return
		}

		res := s.limiter.Allow(org.ID, limits.RateLimitMinute, limits.RateLimitHour)
		if !res.Allowed {
			metrics.IncRateLimitExceeded(res.Window)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			s.sendError(w, http.StatusTooManyRequests, fmt.Sprintf("Import rate limit exceeded (per %s)", res.Window))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func organizationFrom(r *http.Request) *models.Organization {
	org, _ := r.Context().Value(ctxKeyOrganization).(*models.Organization)
	return org
}

func audienceFrom(r *http.Request) *models.AudienceList {
	list, _ := r.Context().Value(ctxKeyAudience).(*models.AudienceList)
	return list
}
