package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/audiences/internal/config"
	"github.com/foxzi/audiences/internal/ipfilter"
	"github.com/foxzi/audiences/internal/metrics"
	"github.com/foxzi/audiences/internal/repository"
	"github.com/foxzi/audiences/internal/staging"
)

// Version is reported by /health
var Version = "dev"

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	config     *config.Config
	logger     *slog.Logger
	startTime  time.Time
	now        func() time.Time

	orgs     *repository.OrganizationRepository
	lists    *repository.AudienceRepository
	contacts *repository.ContactRepository
	segments *repository.SegmentRepository
	imports  *repository.ImportJobRepository
	uploads  *staging.Store

	limiter  *RateLimiter
	validate *requestValidator
	metrics  *metrics.Metrics
}

// NewServer creates a new API server. m may be nil when metrics are off.
func NewServer(cfg *config.Config, db *sql.DB, uploads *staging.Store, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		config:    cfg,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
		now:       time.Now,
		orgs:      repository.NewOrganizationRepository(db),
		lists:     repository.NewAudienceRepository(db),
		contacts:  repository.NewContactRepository(db),
		segments:  repository.NewSegmentRepository(db),
		imports:   repository.NewImportJobRepository(db),
		uploads:   uploads,
		limiter:   NewRateLimiter(),
		validate:  newRequestValidator(),
		metrics:   m,
	}

	s.setupRoutes()
	return s
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(ipfilter.RealIP(ipfilter.New(s.config.API.TrustedProxies, s.logger)))
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
	if s.metrics != nil {
		s.router.Use(metrics.HTTPMiddleware)
	}

	// no auth
	s.router.Get("/health", s.handleHealth)
	if s.metrics != nil && s.config.Metrics.Enabled {
		s.router.Method(http.MethodGet, s.config.Metrics.Path, s.metrics.Handler())
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(ipfilter.New(s.config.API.AllowedIPs, s.logger).Middleware)
		r.Use(s.authMiddleware)

		r.Post("/organizations", s.handleCreateOrganization)
		r.Get("/organizations", s.handleListOrganizations)

		r.Route("/organizations/{orgID}", func(r chi.Router) {
			r.Use(s.organizationContext)
			r.Get("/", s.handleGetOrganization)

			r.Post("/audiences", s.handleCreateAudience)
			r.Get("/audiences", s.handleListAudiences)

			r.Route("/audiences/{listID}", func(r chi.Router) {
				r.Use(s.audienceContext)
				r.Get("/", s.handleGetAudience)
				r.Put("/", s.handleUpdateAudience)
				r.Delete("/", s.handleDeleteAudience)

				r.Get("/filters", s.handleFilterOptions)

				r.Get("/contacts", s.handleListContacts)
				r.Post("/contacts", s.handleCreateContact)
				r.Get("/contacts/{contactID}", s.handleGetContact)
				r.Delete("/contacts/{contactID}", s.handleDeleteContact)

				r.With(s.importRateLimit).Post("/imports/analyze", s.handleAnalyzeImport)
				r.With(s.importRateLimit).Post("/imports", s.handleCreateImport)
				r.Get("/imports", s.handleListImports)
				r.Get("/imports/{jobID}", s.handleGetImport)
				r.Post("/imports/{jobID}/cancel", s.handleCancelImport)

				r.Post("/segments", s.handleCreateSegment)
				r.Get("/segments", s.handleListSegments)
				r.Get("/segments/{segmentID}", s.handleGetSegment)
				r.Put("/segments/{segmentID}", s.handleUpdateSegment)
				r.Delete("/segments/{segmentID}", s.handleDeleteSegment)
				r.Get("/segments/{segmentID}/contacts", s.handleSegmentContacts)
			})
		})
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	srv := s.config.Server
	s.httpServer = &http.Server{
		Addr:         srv.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  srv.ReadTimeout,
		WriteTimeout: srv.WriteTimeout,
		IdleTimeout:  srv.IdleTimeout,
	}

	go s.limiter.Run(context.Background())

	if srv.TLS.Enabled {
		s.logger.Info("starting HTTPS API server", "addr", srv.ListenAddr)
		return s.httpServer.ListenAndServeTLS(srv.TLS.CertFile, srv.TLS.KeyFile)
	}
	s.logger.Info("starting HTTP API server", "addr", srv.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	s.limiter.Stop()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
