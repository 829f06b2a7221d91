// Package server exposes the local status endpoint: health with the
// websocket connection state, the registered resources with their
// snapshots, and Prometheus metrics.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mattersync/mattersync/internal/resource"
	"github.com/mattersync/mattersync/internal/ws"
)

// Server backs the status routes.
type Server struct {
	registry *resource.Registry
	conn     *ws.Client
	logger   *zap.Logger
}

func New(registry *resource.Registry, conn *ws.Client, logger *zap.Logger) *Server {
	return &Server{registry: registry, conn: conn, logger: logger}
}

func NewRouter(server *Server, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(zapLoggerMiddleware(logger))

	r.Get("/healthz", server.healthHandler)
	r.Get("/resources", server.resourcesHandler)
	r.Get("/resources/{name}", server.resourceReadHandler)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	state := s.conn.State().String()
	status := "ok"
	if !s.conn.IsConnected() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"websocket": state,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) resourcesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"resources": s.registry.List(),
	})
}

func (s *Server) resourceReadHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	res, ok := s.registry.Get("mattermost://" + name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": "unknown resource: " + name,
		})
		return
	}

	snapshot, err := res.Read(r.Context())
	if err != nil {
		s.logger.Error("resource read failed",
			zap.String("resource", name),
			zap.Error(err),
		)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			)
			next.ServeHTTP(w, r)
		})
	}
}
