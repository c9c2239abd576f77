package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/location-acquisition-service/internal/acquisition"
	"github.com/couchcryptid/location-acquisition-service/internal/domain"
)

// Controller is the acquisition surface driven over HTTP.
type Controller interface {
	sharedobs.ReadinessChecker
	Snapshot() domain.State
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Reset(ctx context.Context) error
}

// Tagger tags the current best fix.
type Tagger interface {
	Tag(ctx context.Context, req domain.TagRequest) (domain.TaggedLocation, error)
}

// Server exposes the acquisition control API alongside health, readiness,
// and metrics endpoints.
type Server struct {
	httpServer *http.Server
	ctrl       Controller
	tagger     Tagger
	hub        *Hub
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics and the
// /acquisition and /tags routes.
func NewServer(addr string, ctrl Controller, tagger Tagger, hub *Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		ctrl:   ctrl,
		tagger: tagger,
		hub:    hub,
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ctrl))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /acquisition", s.handleSnapshot)
	mux.HandleFunc("POST /acquisition/start", s.handleCommand("start", ctrl.Start))
	mux.HandleFunc("POST /acquisition/stop", s.handleCommand("stop", ctrl.Stop))
	mux.HandleFunc("POST /acquisition/reset", s.handleCommand("reset", ctrl.Reset))
	mux.HandleFunc("GET /acquisition/stream", s.handleStream)
	mux.HandleFunc("POST /tags", s.handleTag)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
// Stream connections are hijacked and closed by the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, domain.NewView(s.ctrl.Snapshot()))
}

// handleCommand runs a controller command and responds with the state it left.
func (s *Server) handleCommand(name string, cmd func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cmd(r.Context()); err != nil {
			s.logger.Warn("acquisition command failed", "command", name, "error", err)
			writeError(w, commandStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, domain.NewView(s.ctrl.Snapshot()))
	}
}

func (s *Server) handleTag(w http.ResponseWriter, r *http.Request) {
	var req domain.TagRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	tag, err := s.tagger.Tag(r.Context(), req)
	switch {
	case errors.Is(err, domain.ErrNoFix):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		s.logger.Error("tag failed", "error", err)
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusCreated, tagResponse{TaggedLocation: tag, Summary: tag.Summary()})
	}
}

type tagResponse struct {
	domain.TaggedLocation
	Summary string `json:"summary"`
}

func commandStatus(err error) int {
	switch {
	case errors.Is(err, acquisition.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
