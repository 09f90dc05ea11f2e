// Package server exposes the orchestrator's REST façade and the websocket
// endpoint data sources connect to. Every numeric result leaving these
// handlers has passed through small-cell suppression.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cohortnet/quorum/aggregate"
	"github.com/cohortnet/quorum/config"
	"github.com/cohortnet/quorum/dispatch"
	"github.com/cohortnet/quorum/logger"
	"github.com/cohortnet/quorum/transport"
)

// Server is the quorum web server.
type Server struct {
	cfg        config.ServerConfig
	dispatcher *dispatch.Dispatcher
	aggregator *aggregate.Aggregator
	hub        *transport.Hub
	httpServer *http.Server
	log        *zap.SugaredLogger
}

// New creates a server. The hub may be nil when running with a local
// transport (no remote data sources).
func New(cfg config.ServerConfig, dispatcher *dispatch.Dispatcher, aggregator *aggregate.Aggregator, hub *transport.Hub, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = logger.Get()
	}
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		aggregator: aggregator,
		hub:        hub,
		log:        log.With(logger.FieldComponent, "server"),
	}
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.log.Infow("Server listening", logger.FieldPort, s.cfg.Port)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.corsMiddleware(s.handleHealth))

	mux.HandleFunc("POST /api/queries", s.corsMiddleware(s.handleTriggerQuery))
	mux.HandleFunc("GET /api/queries/{id}", s.corsMiddleware(s.handleQueryByID))
	mux.HandleFunc("DELETE /api/queries/{id}", s.corsMiddleware(s.handleDeleteQuery))
	mux.HandleFunc("POST /api/queries/{id}/stop", s.corsMiddleware(s.handleStopQuery))
	mux.HandleFunc("GET /api/queries/{id}/state", s.corsMiddleware(s.handleQueryState))
	mux.HandleFunc("GET /api/queries/{id}/status", s.corsMiddleware(s.handleQueryStatus))
	mux.HandleFunc("GET /api/queries/{id}/history", s.corsMiddleware(s.handleQueryHistory))
	mux.HandleFunc("GET /api/queries/{id}/results", s.corsMiddleware(s.handleAggregatedResults))

	if s.hub != nil {
		mux.HandleFunc("GET /api/sources", s.corsMiddleware(s.handleConnectedSources))
		mux.HandleFunc("/ws/sources", s.hub.ServeWS)
	}
}

// corsMiddleware applies the configured origin allowlist. An empty
// allowlist permits any origin (closed-network deployments).
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == origin || allowed == "*" {
			return true
		}
	}
	return false
}
