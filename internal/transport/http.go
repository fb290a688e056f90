// Package transport implements AgentGate's REST API and WebSocket event
// stream described in spec §6, grounded on the teacher's chi-based HTTP
// server shape (pkg/server/http.go: a struct wrapping *http.Server and
// per-concern handler registration) and its metrics middleware
// (pkg/transport/http_metrics_middleware.go), generalized from a2a/gRPC
// transport concerns to a plain JSON REST+WebSocket API.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fl-sean03/agentgate/internal/audit"
	"github.com/fl-sean03/agentgate/internal/engine"
	"github.com/fl-sean03/agentgate/internal/model"
	"github.com/fl-sean03/agentgate/internal/resource"
	"github.com/fl-sean03/agentgate/internal/store"
	"github.com/fl-sean03/agentgate/internal/stream"
)

// Metrics holds the Prometheus collectors the transport layer updates.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers AgentGate's HTTP metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgate_http_requests_total",
			Help: "Total HTTP requests handled, by route and status class.",
		}, []string{"route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestDuration)
	return m
}

// metricsMiddleware wraps the response writer to capture status and
// record duration/count, the same shape as the teacher's
// pkg/transport/http_metrics_middleware.go minus the OpenTelemetry span.
func (m *Metrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		m.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		m.RequestsTotal.WithLabelValues(route, statusClass(wrapped.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Server is AgentGate's HTTP/WebSocket server.
type Server struct {
	store  *store.Store
	engine *engine.Engine
	audit  *audit.Log
	buffer *stream.Buffer
	slots  *resource.Monitor

	log     *slog.Logger
	metrics *Metrics

	httpServer *http.Server
}

// Config configures Server.
type Config struct {
	Addr                string
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	PrometheusRegisterer prometheus.Registerer
}

// New constructs a Server wired to the given collaborators.
func New(cfg Config, st *store.Store, eng *engine.Engine, auditLog *audit.Log, buf *stream.Buffer, slots *resource.Monitor, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	reg := cfg.PrometheusRegisterer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	s := &Server{
		store:   st,
		engine:  eng,
		audit:   auditLog,
		buffer:  buf,
		slots:   slots,
		log:     log.With("component", "transport"),
		metrics: NewMetrics(reg),
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Use(s.metrics.middleware)
	s.routes(router)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes(r chi.Router) {
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/work-orders", func(r chi.Router) {
		r.Post("/", s.handleCreateWorkOrder)
		r.Get("/", s.handleListWorkOrders)
		r.Get("/{id}", s.handleGetWorkOrder)
		r.Post("/{id}/cancel", s.handleCancelWorkOrder)
		r.Get("/{id}/audit", s.handleAuditTimeline)
	})

	r.Get("/api/v1/stream/{workOrderId}", s.handleStream)
}

// Start begins serving; it blocks until the server stops or errs.
func (s *Server) Start() error {
	s.log.Info("http server starting", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests (including open WebSocket streams) to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.slots.GetHealthReport()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      healthStatus(report.Healthy),
		"activeRuns":  s.engine.GetActiveCount(),
		"memory":      report,
	})
}

func healthStatus(healthy bool) string {
	if healthy {
		return "ok"
	}
	return "degraded"
}

type createWorkOrderRequest struct {
	TaskPrompt      string                `json:"taskPrompt"`
	WorkspaceSource model.WorkspaceSource `json:"workspaceSource"`
	AgentType       model.AgentType       `json:"agentType"`
	MaxIterations   int                   `json:"maxIterations"`
	MaxWallClock    string                `json:"maxWallClockSeconds"`
	// GatePlan lets a caller override the server's default gate
	// pipeline for this work order. Omit it to gate solely on the
	// verification report.
	GatePlan []model.Gate `json:"gatePlan,omitempty"`
}

func (s *Server) handleCreateWorkOrder(w http.ResponseWriter, r *http.Request) {
	var req createWorkOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TaskPrompt == "" {
		writeError(w, http.StatusBadRequest, "taskPrompt is required")
		return
	}
	if _, err := engine.ParseMaxWallClock(req.MaxWallClock); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	wo := &model.WorkOrder{
		ID:              uuid.NewString(),
		TaskPrompt:      req.TaskPrompt,
		WorkspaceSource: req.WorkspaceSource,
		AgentType:       req.AgentType,
		MaxIterations:   req.MaxIterations,
		MaxWallClock:    req.MaxWallClock,
		GatePlan:        req.GatePlan,
		Status:          model.StatusPending,
		CreatedAt:        time.Now(),
	}
	if wo.MaxIterations <= 0 {
		wo.MaxIterations = 10
	}

	if err := s.store.Save(wo); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist work order")
		return
	}
	s.audit.Append(wo.ID, "work_order_created", map[string]any{"taskPrompt": wo.TaskPrompt})
	writeJSON(w, http.StatusCreated, wo)
}

func (s *Server) handleListWorkOrders(w http.ResponseWriter, r *http.Request) {
	var filter store.ListFilter
	if status := r.URL.Query().Get("status"); status != "" {
		st := model.WorkOrderStatus(status)
		filter.Status = &st
	}
	list, err := s.store.List(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list work orders")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetWorkOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wo, err := s.store.Load(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "work order not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load work order")
		return
	}
	if state, ok := s.engine.GetStatus(id); ok {
		writeJSON(w, http.StatusOK, map[string]any{"workOrder": wo, "runState": state})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workOrder": wo})
}

func (s *Server) handleCancelWorkOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.store.Exists(id) {
		writeError(w, http.StatusNotFound, "work order not found")
		return
	}
	if !s.engine.Cancel(id) {
		writeError(w, http.StatusConflict, "work order is not currently running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"canceled": true})
}

func (s *Server) handleAuditTimeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, s.audit.GetWorkOrderTimeline(id))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
