// Package api provides the HTTP surface: warming job management, metrics
// snapshots, health, and prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bibliocache/bibliocache/internal/cache"
	"github.com/bibliocache/bibliocache/internal/warming"
	"github.com/bibliocache/bibliocache/pkg/errors"
	"github.com/bibliocache/bibliocache/pkg/types"
	"github.com/bibliocache/bibliocache/pkg/utils"
)

// CacheReader is the lookup surface exposed over HTTP.
type CacheReader interface {
	Get(ctx context.Context, key string) ([]byte, types.SourceTier)
}

// WarmingService is the warming pipeline surface the server needs.
type WarmingService interface {
	Ingest(ctx context.Context, seeds []string, maxDepth int) (*types.WarmingJob, error)
	Job(jobID string) (*types.WarmingJob, error)
	Jobs() []*types.WarmingJob
	QueueStats() warming.QueueStats
	DeadLetters() []warming.DeadLetter
}

// SnapshotSource supplies the aggregated metrics snapshot.
type SnapshotSource interface {
	Snapshot(ctx context.Context) *types.MetricsSnapshot
}

// AlertSource supplies recent alert instances.
type AlertSource interface {
	History() []*types.AlertInstance
}

// ServerConfig configures the API server.
type ServerConfig struct {
	Address      string        `yaml:"address" json:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server serves the HTTP API.
type Server struct {
	httpServer *http.Server
	cache      CacheReader
	warming    WarmingService
	snapshots  SnapshotSource
	alerts     AlertSource
	config     ServerConfig
	logger     *utils.Logger
}

// NewServer creates an API server over the given components. The prometheus
// registry may be nil to disable the /metrics endpoint.
func NewServer(config ServerConfig, cache CacheReader, warmingSvc WarmingService,
	snapshots SnapshotSource, alerts AlertSource, registry *prometheus.Registry,
	logger *utils.Logger) *Server {

	if logger == nil {
		logger = utils.NewTestLogger()
	}

	s := &Server{
		cache:     cache,
		warming:   warmingSvc,
		snapshots: snapshots,
		alerts:    alerts,
		config:    config,
		logger:    logger.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/lookup", s.handleLookup)
	mux.HandleFunc("/warming/jobs", s.handleJobs)
	mux.HandleFunc("/warming/jobs/", s.handleJob)
	mux.HandleFunc("/warming/deadletters", s.handleDeadLetters)
	mux.HandleFunc("/metrics/snapshot", s.handleSnapshot)
	mux.HandleFunc("/alerts", s.handleAlerts)
	if registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks.
func (s *Server) Start() error {
	s.logger.Info("api server listening", map[string]interface{}{"address": s.config.Address})
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine.
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server failed", map[string]interface{}{"error": err.Error()})
		}
	}()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snap := s.snapshots.Snapshot(r.Context())
	status := http.StatusOK
	if snap.HealthStatus == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, map[string]interface{}{
		"status":    snap.HealthStatus,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleLookup serves GET /lookup?endpoint=title&q=... The response carries
// the serving tier; a miss is a 404 with the tier tag, never an error.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	endpoint := types.EndpointType(r.URL.Query().Get("endpoint"))
	query := r.URL.Query().Get("q")
	if !endpoint.Valid() || query == "" {
		s.respondError(w, http.StatusBadRequest, "endpoint and q query parameters are required")
		return
	}

	key := lookupKey(endpoint, query)
	payload, tier := s.cache.Get(r.Context(), key)

	w.Header().Set("X-Cache-Tier", string(tier))
	if payload == nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"tier": string(tier)})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

type ingestRequest struct {
	Seeds    []string `json:"seeds"`
	MaxDepth int      `json:"max_depth"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"jobs":  s.warming.Jobs(),
			"queue": s.warming.QueueStats(),
		})
	case http.MethodPost:
		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		job, err := s.warming.Ingest(r.Context(), req.Seeds, req.MaxDepth)
		if err != nil {
			switch errors.CodeOf(err) {
			case errors.ErrCodeInvalidDepth, errors.ErrCodeValidationFailed:
				s.respondError(w, http.StatusBadRequest, err.Error())
			default:
				s.respondError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		s.respondJSON(w, http.StatusAccepted, job)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	jobID := strings.TrimPrefix(r.URL.Path, "/warming/jobs/")
	if jobID == "" {
		s.respondError(w, http.StatusBadRequest, "job id is required")
		return
	}

	job, err := s.warming.Job(jobID)
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"dead_letters": s.warming.DeadLetters(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, s.snapshots.Snapshot(r.Context()))
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": s.alerts.History(),
	})
}

func lookupKey(endpoint types.EndpointType, query string) string {
	switch endpoint {
	case types.EndpointTitle:
		return cache.TitleKey(query)
	case types.EndpointISBN:
		return cache.ISBNKey(query)
	default:
		return cache.AuthorKey(query)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request handled", map[string]interface{}{
			"method": r.Method, "path": r.URL.Path, "duration": time.Since(start).String(),
		})
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("response encoding failed", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]string{"error": message})
}
