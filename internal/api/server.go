// Package api provides the fabric digital twin's ambient HTTP surface: a
// thin chi-routed server exposing the State Store and planners over
// /health /snapshot /observe /plan /plan_batch /release and /metrics. All
// planning and state logic lives in internal/domain and internal/dt/*;
// this layer only marshals requests/responses.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fabricdt/dt/internal/domain"
	"github.com/fabricdt/dt/internal/dt/bandit"
	"github.com/fabricdt/dt/internal/dt/costmodel"
	"github.com/fabricdt/dt/internal/dt/federation"
	"github.com/fabricdt/dt/internal/dt/orchestrator"
	"github.com/fabricdt/dt/internal/dt/trust"
	"github.com/fabricdt/dt/internal/infra/observability"
)

// Server is the fabric digital twin's HTTP API server.
type Server struct {
	store   domain.Store
	costCfg costmodel.Config
	chooser *bandit.Chooser
	trust   *trust.Tracker
	sharing *federation.Registry
	tracer  *observability.Tracer

	metricsEnabled bool
}

// NewServer creates a new API server. chooser/trustTracker/sharing may be
// nil — each planner component already defines nil-safe fallback behavior
// (see internal/dt/orchestrator.New).
func NewServer(store domain.Store, costCfg costmodel.Config, chooser *bandit.Chooser, trustTracker *trust.Tracker, sharing *federation.Registry, tracer *observability.Tracer) *Server {
	return &Server{store: store, costCfg: costCfg, chooser: chooser, trust: trustTracker, sharing: sharing, tracer: tracer}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/snapshot", s.handleSnapshot)
	r.Post("/observe", s.handleObserve)
	r.Post("/plan", s.handlePlan)
	r.Post("/plan_batch", s.handlePlanBatch)
	r.Post("/release", s.handleRelease)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// ─── /snapshot ──────────────────────────────────────────────────────────────

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

// ─── /observe ───────────────────────────────────────────────────────────────

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	var payload domain.ObservationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, domain.ErrMalformedObservation.Error())
		return
	}

	var typeLabel string
	switch payload.Type {
	case "node", "link":
		typeLabel = payload.Type
	default:
		writeError(w, http.StatusBadRequest, domain.ErrMalformedObservation.Error())
		return
	}

	if err := s.store.ApplyObservation(payload); err != nil {
		observability.ObservationsTotal.WithLabelValues(typeLabel).Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	observability.ObservationsTotal.WithLabelValues(typeLabel).Inc()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ─── /plan, /plan_batch ─────────────────────────────────────────────────────

// planRequest is the HTTP request body for POST /plan.
type planRequest struct {
	Job      domain.Job `json:"job"`
	Strategy string     `json:"strategy,omitempty"`
	DryRun   bool       `json:"dry_run"`
}

// planBatchRequest is the HTTP request body for POST /plan_batch: one
// strategy/dry_run pair applied to every job in the batch.
type planBatchRequest struct {
	Jobs     []domain.Job `json:"jobs"`
	Strategy string       `json:"strategy,omitempty"`
	DryRun   bool         `json:"dry_run"`
}

func (s *Server) orchestratorFor(strategy string) *orchestrator.Orchestrator {
	return orchestrator.New(s.store, s.costCfg, s.chooser, s.trust, s.sharing, orchestrator.Config{Strategy: strategy})
}

func (s *Server) planOne(r *http.Request, job domain.Job, strategy string, dryRun bool) orchestrator.Result {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	span := s.tracer.StartSpan(r.Context(), "plan_job", map[string]string{"strategy": strategy})
	start := time.Now()
	result := s.orchestratorFor(strategy).PlanJob(job, dryRun)
	elapsedMs := float64(time.Since(start)) / float64(time.Millisecond)
	s.tracer.EndSpan(span, nil)

	outcome := "feasible"
	if result.Infeasible {
		outcome = "infeasible"
	}
	observability.PlanJobsTotal.WithLabelValues(result.Strategy, outcome).Inc()
	observability.PlanLatency.WithLabelValues(result.Strategy).Observe(elapsedMs)
	if !result.Infeasible {
		observability.PlannedLatencyMs.WithLabelValues(result.Strategy).Observe(result.LatencyMs)
	}
	return result
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed plan request")
		return
	}
	if len(req.Job.Stages) == 0 {
		writeError(w, http.StatusBadRequest, domain.ErrJobNoStages.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.planOne(r, req.Job, req.Strategy, req.DryRun))
}

func (s *Server) handlePlanBatch(w http.ResponseWriter, r *http.Request) {
	var req planBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed plan_batch request")
		return
	}
	results := make([]orchestrator.Result, 0, len(req.Jobs))
	for _, job := range req.Jobs {
		if len(job.Stages) == 0 {
			continue
		}
		results = append(results, s.planOne(r, job, req.Strategy, req.DryRun))
	}
	writeJSON(w, http.StatusOK, results)
}

// ─── /release ───────────────────────────────────────────────────────────────

type releaseRequest struct {
	Node          string `json:"node"`
	ReservationID string `json:"reservation_id"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed release request")
		return
	}
	released := s.store.Release(req.Node, req.ReservationID)
	observability.ReleasesTotal.WithLabelValues(releaseOutcomeLabel(released)).Inc()
	writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

func releaseOutcomeLabel(released bool) string {
	if released {
		return "ok"
	}
	return "not_found"
}

// ─── Shared helpers ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
		},
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
