// Package api serves the controller's admin surface: region and policy
// state, operator overrides, config reload, external report ingestion, the
// audit query API and the Prometheus scrape endpoint.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/FairForge/meridian/internal/auth"
	"github.com/FairForge/meridian/internal/config"
	"github.com/FairForge/meridian/internal/engine"
	"github.com/FairForge/meridian/internal/health"
	"github.com/FairForge/meridian/internal/traffic"
)

// Version is stamped by the build; the default marks dev builds.
var Version = "0.1.0-dev"

// Controller is the slice of the orchestrator the admin API needs. Config
// returns the currently active config, so hot-reloaded auth settings apply
// without a restart.
type Controller interface {
	Config() *config.Config
	RegionViews() []engine.RegionView
	RegionView(id string) (engine.RegionView, bool)
	CurrentPolicy() *traffic.Policy
	SubmitOverride(ov *engine.Override)
	SubmitExternalReport(s *health.Snapshot)
	Reload() error
}

type Server struct {
	logger     *zap.Logger
	router     *mux.Router
	httpServer *http.Server
	controller Controller
	tokens     *auth.TokenManager

	requestCount int64
	errorCount   int64
	startTime    time.Time
}

// NewServer builds the admin server. metricsHandler serves the Prometheus
// registry; auditHandler serves the audit query routes and is mounted under
// its own prefix. tokens may be nil, which disables every mutating route.
func NewServer(cfg *config.Config, logger *zap.Logger, ctrl Controller,
	tokens *auth.TokenManager, metricsHandler, auditHandler http.Handler) *Server {
	s := &Server{
		logger:     logger,
		router:     mux.NewRouter(),
		controller: ctrl,
		tokens:     tokens,
		startTime:  time.Now(),
	}

	s.setupRoutes(metricsHandler, auditHandler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes(metricsHandler, auditHandler http.Handler) {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.router.Handle("/metrics", metricsHandler).Methods("GET")
	s.router.HandleFunc("/version", s.handleVersion).Methods("GET")

	s.router.HandleFunc("/api/v1/regions", s.handleListRegions).Methods("GET")
	s.router.HandleFunc("/api/v1/regions/{id}", s.handleGetRegion).Methods("GET")
	s.router.HandleFunc("/api/v1/policy", s.handleGetPolicy).Methods("GET")

	s.router.HandleFunc("/api/v1/regions/{id}/override",
		s.requireOperator(s.handleOverride)).Methods("POST")
	s.router.HandleFunc("/api/v1/reload",
		s.requireOperator(s.handleReload)).Methods("POST")
	s.router.HandleFunc("/api/v1/external-reports",
		s.requireAPIKey(s.handleExternalReport)).Methods("POST")

	if auditHandler != nil {
		s.router.PathPrefix("/api/v1/audit").Handler(auditHandler)
	}

	s.router.Use(s.loggingMiddleware)
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("admin server listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": Version,
		"uptime":  time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	// Ready means the engine answers view queries, which it does as soon
	// as the orchestrator is built.
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"ready":   true,
		"regions": len(s.controller.RegionViews()),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"version": Version})
}

func (s *Server) handleListRegions(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"regions": s.controller.RegionViews(),
	})
}

func (s *Server) handleGetRegion(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	view, ok := s.controller.RegionView(id)
	if !ok {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("unknown region %q", id))
		return
	}
	s.respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	pol := s.controller.CurrentPolicy()
	if pol == nil {
		s.respondError(w, http.StatusNotFound, "no policy emitted yet")
		return
	}
	s.respondJSON(w, http.StatusOK, pol)
}

type overrideRequest struct {
	State  string `json:"state"`
	Reason string `json:"reason"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.controller.RegionView(id); !ok {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("unknown region %q", id))
		return
	}

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	target, err := engine.ParseState(req.State)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	operator := "operator"
	if claims := claimsFrom(r); claims != nil {
		operator = claims.Subject
	}
	s.controller.SubmitOverride(&engine.Override{
		RegionID: id,
		Target:   target,
		Reason:   req.Reason,
		Operator: operator,
	})
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"region": id,
		"state":  target.String(),
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Reload(); err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

type externalReport struct {
	RegionID       string  `json:"region_id"`
	Status         string  `json:"status"`
	LatencyMs      float64 `json:"latency_ms"`
	ErrorRatePct   float64 `json:"error_rate_pct"`
	CPUUtilPct     float64 `json:"cpu_util_pct"`
	MemUtilPct     float64 `json:"mem_util_pct"`
	ProbeSucceeded bool    `json:"probe_succeeded"`
}

func (s *Server) handleExternalReport(w http.ResponseWriter, r *http.Request) {
	var req externalReport
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RegionID == "" {
		s.respondError(w, http.StatusBadRequest, "region_id is required")
		return
	}
	if _, ok := s.controller.RegionView(req.RegionID); !ok {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("unknown region %q", req.RegionID))
		return
	}

	snap := &health.Snapshot{
		ID:             uuid.New(),
		RegionID:       req.RegionID,
		Source:         health.SourceExternal,
		ObservedAt:     time.Now().UTC(),
		Status:         strings.ToLower(req.Status),
		LatencyMs:      req.LatencyMs,
		ErrorRatePct:   req.ErrorRatePct,
		CPUUtilPct:     req.CPUUtilPct,
		MemUtilPct:     req.MemUtilPct,
		ProbeSucceeded: req.ProbeSucceeded,
	}
	s.controller.SubmitExternalReport(snap)
	s.respondJSON(w, http.StatusAccepted, map[string]string{"region": req.RegionID})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	atomic.AddInt64(&s.errorCount, 1)
	s.respondJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&s.requestCount, 1)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}
