package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgallion1/livedoc/internal/authz"
	"github.com/dgallion1/livedoc/internal/config"
	"github.com/dgallion1/livedoc/internal/hub"
)

// Server is the HTTP API server for livedoc.
type Server struct {
	router   chi.Router
	hub      *hub.Hub
	verifier authz.Verifier
	log      *slog.Logger
	cfg      config.Config
}

// NewServer creates and configures the HTTP server.
func NewServer(h *hub.Hub, verifier authz.Verifier, log *slog.Logger, cfg config.Config) *Server {
	s := &Server{
		hub:      h,
		verifier: verifier,
		log:      log,
		cfg:      cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))

	// Public endpoints.
	r.Get("/health", s.handleHealth)

	// Editing sessions authenticate per-connection with a user token.
	r.Get("/ws/{docID}", s.handleWS)

	// Server-to-server endpoints.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.cfg.LivedocAPIKey, s.log))

		r.Get("/api/documents/{docID}/content", s.handleContent)
		r.Get("/api/documents/{docID}/export", s.handleExport)
		r.Get("/api/documents/{docID}/history", s.handleHistory)
		r.Post("/api/documents/{docID}/import", s.handleImport)
		r.Get("/api/stats", s.handleStats)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
