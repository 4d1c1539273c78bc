// Package server exposes the L-BFGS-B engine over HTTP and JSON-RPC 2.0.
// Jobs run asynchronously against catalog objectives, bounded by the
// configured worker count.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/semaphore"

	"github.com/copyleftdev/boxopt/internal/config"
	apperrors "github.com/copyleftdev/boxopt/internal/errors"
	"github.com/copyleftdev/boxopt/internal/logging"
	"github.com/copyleftdev/boxopt/internal/optimization/objectives"
)

// Logger defines the logging interface used by the server
// This allows us to be flexible with our logging implementation
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// Server implements the HTTP and JSON-RPC server for the optimization service.
// It manages optimization jobs and provides endpoints to start, monitor, and cancel them.
type Server struct {
	cfg     *config.Config
	logger  Logger
	metrics *Metrics
	sem     *semaphore.Weighted

	// ctx is the parent of every job context; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Optimization state management
	optimizations   map[string]*OptimizationState
	optimizationsMu sync.RWMutex // Protects the optimizations map and job states
}

// NewServer creates a new server instance with the given config and logger
// The logger parameter accepts any type that implements the Logger interface
func NewServer(cfg *config.Config, logger Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:           cfg,
		logger:        logger,
		metrics:       NewMetrics(),
		sem:           semaphore.NewWeighted(int64(cfg.Optimization.WorkerCount)),
		ctx:           ctx,
		cancel:        cancel,
		optimizations: make(map[string]*OptimizationState),
	}
}

// RegisterRoutes mounts the REST, JSON-RPC, health and metrics endpoints on r.
func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/optimize", s.handleOptimize)
		r.Get("/status/{id}", s.handleStatus)
		r.Delete("/optimization/{id}", s.handleCancel)
		r.Get("/objectives", s.handleObjectives)
		r.Get("/parameters", s.handleParameters)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics)
}

// Close cancels all jobs and waits for their goroutines to return.
func (s *Server) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleOptimize handles the HTTP POST /optimize endpoint for starting a new optimization
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req OptimizeRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		apperrors.WriteJSON(w, r, apperrors.BadRequest(err, "invalid request body"))
		return
	}

	status, err := s.startOptimization(req)
	if err != nil {
		apperrors.WriteJSON(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

// handleStatus handles the HTTP GET /status/{id} endpoint for checking optimization status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.optimizationStatus(chi.URLParam(r, "id"))
	if err != nil {
		apperrors.WriteJSON(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleCancel handles the HTTP DELETE /optimization/{id} endpoint for canceling an optimization
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.cancelOptimization(chi.URLParam(r, "id")); err != nil {
		apperrors.WriteJSON(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "cancellation requested",
	})
}

func (s *Server) handleObjectives(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"objectives": objectives.All(),
	})
}

// handleParameters lists the tunable engine parameters with the configured defaults.
func (s *Server) handleParameters(w http.ResponseWriter, r *http.Request) {
	params, err := s.cfg.OptimizerParameters()
	if err != nil {
		apperrors.WriteJSON(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"parameters":  params.Map(),
		"corrections": s.cfg.Optimization.Corrections,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.optimizationsMu.RLock()
	jobs := len(s.optimizations)
	s.optimizationsMu.RUnlock()

	logging.FromContext(r.Context()).Debug("Health check", map[string]interface{}{"jobs": jobs})
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintln(w, "OK")
}
