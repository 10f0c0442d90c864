// Package api exposes the engine over HTTP: job submission and inspection,
// DLQ operations, event queries and Prometheus metrics.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tigerroll/crest/pkg/engine"
	"github.com/tigerroll/crest/pkg/engine/core/domain/model"
	"github.com/tigerroll/crest/pkg/engine/core/pipeline"
	"github.com/tigerroll/crest/pkg/engine/dlq"
	"github.com/tigerroll/crest/pkg/engine/event"
	"github.com/tigerroll/crest/pkg/engine/metrics"
	exception "github.com/tigerroll/crest/pkg/engine/support/exception"
	logger "github.com/tigerroll/crest/pkg/engine/support/logger"
)

// Server serves the engine's HTTP API.
type Server struct {
	engine   engine.Engine
	recorder *metrics.PrometheusRecorder
}

// NewServer wires the API server.
func NewServer(eng engine.Engine, recorder *metrics.PrometheusRecorder) *Server {
	return &Server{engine: eng, recorder: recorder}
}

// Router builds the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.recorder.Registry(), promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs", s.handleSubmitJob)
		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleJobStatus)
			r.Post("/resume", s.handleResumeJob)
			r.Get("/events", s.handleEvents)
			r.Post("/audit/export", s.handleExportAudit)
			r.Route("/dlq", func(r chi.Router) {
				r.Get("/", s.handleDLQList)
				r.Get("/stats", s.handleDLQStats)
				r.Get("/patterns", s.handleDLQPatterns)
				r.Post("/reprocess", s.handleDLQReprocess)
				r.Post("/{itemID}/reprocess", s.handleDLQReprocessOne)
			})
		})
	})
	return r
}

type submitRequest struct {
	PipelineName string `json:"pipeline_name"`
	Items        []struct {
		ID      string                 `json:"id"`
		Payload map[string]interface{} `json:"payload"`
	} `json:"items"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	def, ok := pipeline.GetPipelineDefinition(req.PipelineName)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("pipeline '%s' is not loaded", req.PipelineName))
		return
	}
	items := make([]model.WorkItem, 0, len(req.Items))
	for i, it := range req.Items {
		if it.ID == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("item %d has no id", i))
			return
		}
		items = append(items, model.WorkItem{ID: it.ID, Payload: it.Payload, Status: model.ItemStatusPending})
	}

	handle, err := s.engine.StartJob(r.Context(), &def, items)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": handle.JobID})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ids, err := s.engine.ListJobs(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": ids})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.JobStatus(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type resumeRequest struct {
	FromCheckpoint   bool `json:"from_checkpoint"`
	ForceRetryFailed bool `json:"force_retry_failed"`
	Parallelism      int  `json:"parallelism"`
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}
	handle, err := s.engine.ResumeJob(r.Context(), chi.URLParam(r, "jobID"), engine.ResumeOptions{
		FromCheckpoint:   req.FromCheckpoint,
		ForceRetryFailed: req.ForceRetryFailed,
		Parallelism:      req.Parallelism,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": handle.JobID})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := event.Filter{CorrelationID: r.URL.Query().Get("correlation_id")}
	for _, t := range r.URL.Query()["type"] {
		filter.Types = append(filter.Types, event.Type(t))
	}
	var err error
	if filter.Since, err = parseTimeParam(r, "since"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Until, err = parseTimeParam(r, "until"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.engine.EventsQuery(r.Context(), chi.URLParam(r, "jobID"), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	filter, err := dlqFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.engine.DLQList(r.Context(), chi.URLParam(r, "jobID"), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

func (s *Server) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.DLQStatistics(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDLQPatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := s.engine.DLQPatterns(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"patterns": patterns, "count": len(patterns)})
}

func (s *Server) handleDLQReprocessOne(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.DLQReprocessOne(r.Context(), chi.URLParam(r, "jobID"), chi.URLParam(r, "itemID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDLQReprocess(w http.ResponseWriter, r *http.Request) {
	filter, err := dlqFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	maxParallel := 1
	if raw := r.URL.Query().Get("max_parallel"); raw != "" {
		if maxParallel, err = strconv.Atoi(raw); err != nil || maxParallel < 1 {
			writeError(w, http.StatusBadRequest, "max_parallel must be a positive integer")
			return
		}
	}

	results, err := s.engine.DLQReprocess(r.Context(), chi.URLParam(r, "jobID"), filter, maxParallel)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	collected := make([]dlq.ProcessingResult, 0)
	succeeded := 0
	for result := range results {
		collected = append(collected, result)
		if result.Success {
			succeeded++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results":   collected,
		"total":     len(collected),
		"succeeded": succeeded,
	})
}

func (s *Server) handleExportAudit(w http.ResponseWriter, r *http.Request) {
	key, err := s.engine.ExportAudit(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

func dlqFilterFromQuery(r *http.Request) (dlq.Filter, error) {
	filter := dlq.Filter{
		ErrorType:    dlq.ErrorType(r.URL.Query().Get("error_type")),
		EligibleOnly: r.URL.Query().Get("eligible_only") == "true",
	}
	if raw := r.URL.Query().Get("min_attempts"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return filter, fmt.Errorf("min_attempts must be an integer")
		}
		filter.MinAttempts = n
	}
	var err error
	if filter.Since, err = parseTimeParam(r, "since"); err != nil {
		return filter, err
	}
	filter.Until, err = parseTimeParam(r, "until")
	return filter, err
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339", name)
	}
	return t, nil
}

func writeEngineError(w http.ResponseWriter, err error) {
	if exception.IsErrorOfType(err, "ValidationError") {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "unknown") || strings.Contains(err.Error(), "not loaded") {
			status = http.StatusNotFound
		}
		writeError(w, status, exception.ExtractErrorMessage(err))
		return
	}
	writeError(w, http.StatusInternalServerError, exception.ExtractErrorMessage(err))
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warnf("Failed to encode API response: %v", err)
	}
}
