// Package api exposes the search subsystem over HTTP: search, related
// lookup, reindex, and health as a thin JSON layer.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/planweave/semindex/internal/autoindex"
	"github.com/planweave/semindex/internal/search"
)

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Host         string
	Port         int
	DefaultLimit int
	Service      *search.Service
	Indexer      *autoindex.Indexer
	Logger       *zap.Logger
}

// Server is the HTTP server for the search API.
type Server struct {
	config  ServerConfig
	router  *chi.Mux
	handler *Handler
	logger  *zap.Logger
}

// NewServer creates the API server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		config:  cfg,
		router:  chi.NewRouter(),
		handler: NewHandler(cfg.Service, cfg.Indexer, cfg.DefaultLimit, cfg.Logger),
		logger:  cfg.Logger,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for the router.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
}

// setupRoutes configures routes for the server.
func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/search", s.handler.Search)
		r.Get("/related/{id}", s.handler.Related)
		r.Post("/reindex", s.handler.Reindex)
		r.Get("/health", s.handler.Health)
	})
}

// Router returns the chi router for external use (tests, embedding).
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting api server", zap.String("addr", addr))
	return http.ListenAndServe(addr, s.router)
}

// requestLogger logs one line per request through the zap logger.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
