// Package web serves the import API: starting, following and cancelling
// imports over HTTP, with progress streamed as server-sent events.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/bulkimport/internal/config"
	"github.com/JonMunkholm/bulkimport/internal/core"
	"github.com/JonMunkholm/bulkimport/internal/database"
	appmw "github.com/JonMunkholm/bulkimport/internal/web/middleware"
)

// AuditReader lists the stored batch summaries of one import.
type AuditReader interface {
	List(ctx context.Context, importID string) ([]database.AuditEntry, error)
}

// RecordReader reads back what an import wrote.
type RecordReader interface {
	CountByImport(ctx context.Context, importBatchID string) (int64, error)
	RecordsByImport(ctx context.Context, importBatchID string, limit int) ([]core.Record, error)
}

// Deps are the optional collaborators of the server. Nil fields disable the
// routes that need them.
type Deps struct {
	Metrics interface{ Handler() http.Handler }
	Audit   AuditReader
	Records RecordReader
	Ping    func(ctx context.Context) error
}

// Server is the HTTP server of the import API.
type Server struct {
	service *core.Service
	cfg     *config.Config
	deps    Deps
	router  *chi.Mux
	server  *http.Server

	// stop ends background middleware goroutines.
	stop context.CancelFunc
}

// NewServer builds the router. Call Shutdown to release it.
func NewServer(service *core.Service, cfg *config.Config, deps Deps) *Server {
	ctx, stop := context.WithCancel(context.Background())
	s := &Server{
		service: service,
		cfg:     cfg,
		deps:    deps,
		router:  chi.NewRouter(),
		stop:    stop,
	}
	s.setupMiddleware(ctx)
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware(ctx context.Context) {
	s.router.Use(middleware.RequestID)
	s.router.Use(appmw.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(appmw.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(securityHeaders)

	limiter := appmw.NewRateLimiter(ctx, 120, 30, 5*time.Minute)
	s.router.Use(limiter.Handler)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler())
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(appmw.APIKeyAuth(&s.cfg.Security))

		// Event streams are long-lived and stay outside the request timeout.
		r.Get("/imports/{importID}/events", s.handleImportEvents)

		r.Group(func(r chi.Router) {
			if s.cfg.Server.RequestTimeout > 0 {
				r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))
			}

			r.Get("/imports", s.handleListImports)
			r.Post("/imports", s.handleStartImport)
			r.Post("/imports/analyze", s.handleAnalyze)
			r.Get("/imports/{importID}", s.handleImportStatus)
			r.Get("/imports/{importID}/result", s.handleImportResult)
			r.Post("/imports/{importID}/cancel", s.handleCancelImport)
			r.Get("/imports/{importID}/audit", s.handleImportAudit)
			r.Get("/imports/{importID}/records", s.handleImportRecords)
			r.Get("/limiter", s.handleLimiterStatus)
		})
	})
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	slog.Info("http server listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v with the given status. Encoding errors are only logged
// since the header is already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
