// Package api exposes the detection pipeline over HTTP: event ingestion,
// alert queries, analyst feedback and model lifecycle inspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/cloudsentinel/internal/event"
	"github.com/lvonguyen/cloudsentinel/internal/feedback"
	"github.com/lvonguyen/cloudsentinel/internal/pipeline"
	"github.com/lvonguyen/cloudsentinel/internal/registry"
)

// ReadinessCheck reports whether a dependency is serving.
type ReadinessCheck func(ctx context.Context) error

// Server wires the HTTP surface to the pipeline and its collaborators.
type Server struct {
	pipeline   *pipeline.Pipeline
	alerts     *pipeline.MemorySink
	deadLetter *pipeline.MemoryDeadLetter
	registry   *registry.Registry
	aggregator *feedback.Aggregator
	retrainer  *feedback.Retrainer
	feedbackCh chan<- event.FeedbackRecord
	checks     map[string]ReadinessCheck
	logger     *zap.Logger
	version    string
}

// New creates the API server.
func New(
	p *pipeline.Pipeline,
	alerts *pipeline.MemorySink,
	deadLetter *pipeline.MemoryDeadLetter,
	reg *registry.Registry,
	agg *feedback.Aggregator,
	retrainer *feedback.Retrainer,
	feedbackCh chan<- event.FeedbackRecord,
	logger *zap.Logger,
	version string,
) *Server {
	return &Server{
		pipeline:   p,
		alerts:     alerts,
		deadLetter: deadLetter,
		registry:   reg,
		aggregator: agg,
		retrainer:  retrainer,
		feedbackCh: feedbackCh,
		checks:     make(map[string]ReadinessCheck),
		logger:     logger,
		version:    version,
	}
}

// AddReadinessCheck registers a named dependency check for /ready.
func (s *Server) AddReadinessCheck(name string, check ReadinessCheck) {
	s.checks[name] = check
}

// Router builds the chi router with the standard middleware chain.
func (s *Server) Router(extra ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	for _, mw := range extra {
		r.Use(mw)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", s.handleIngest)
		r.Post("/events/batch", s.handleIngestBatch)

		r.Get("/alerts", s.handleListAlerts)
		r.Get("/alerts/{id}", s.handleGetAlert)

		r.Post("/feedback", s.handleFeedback)

		r.Route("/models", func(r chi.Router) {
			r.Get("/", s.handleListModels)
			r.Get("/active", s.handleActiveModel)
			r.Post("/retrain", s.handleRetrain)
		})

		r.Get("/stats", s.handleStats)
		r.Get("/deadletters", s.handleDeadLetters)
	})

	return r
}

// ingestRequest is one raw provider payload.
type ingestRequest struct {
	Provider event.Provider `json:"provider"`
	Payload  map[string]any `json:"payload"`
}

// ingestResponse summarizes one scoring outcome.
type ingestResponse struct {
	EventID       string         `json:"event_id,omitempty"`
	Unscored      bool           `json:"unscored,omitempty"`
	UnscoredCause string         `json:"unscored_cause,omitempty"`
	AnomalyScore  float64        `json:"anomaly_score"`
	ThreatScore   float64        `json:"threat_score"`
	Severity      event.Severity `json:"severity,omitempty"`
	AlertID       string         `json:"alert_id,omitempty"`
	IntelDegraded bool           `json:"intel_degraded,omitempty"`
	Error         string         `json:"error,omitempty"`
}

func toIngestResponse(res *event.ScoreResult) ingestResponse {
	out := ingestResponse{
		Unscored:      res.Unscored,
		UnscoredCause: res.UnscoredCause,
		AnomalyScore:  res.AnomalyScore,
		ThreatScore:   res.ThreatScore,
		Severity:      res.Severity,
		IntelDegraded: res.IntelDegraded,
	}
	if res.Event != nil {
		out.EventID = res.Event.EventID
	}
	if res.Alert != nil {
		out.AlertID = res.Alert.AlertID
	}
	return out
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Provider == "" || req.Payload == nil {
		writeError(w, http.StatusBadRequest, "provider and payload are required")
		return
	}

	res, err := s.pipeline.Ingest(r.Context(), req.Provider, req.Payload)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toIngestResponse(res))
}

func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// A malformed record fails that record alone, never the batch.
	results := make([]ingestResponse, 0, len(reqs))
	accepted := 0
	for _, req := range reqs {
		res, err := s.pipeline.Ingest(r.Context(), req.Provider, req.Payload)
		if err != nil {
			results = append(results, ingestResponse{Error: err.Error()})
			continue
		}
		accepted++
		results = append(results, toIngestResponse(res))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"received": len(reqs),
		"accepted": accepted,
		"results":  results,
	})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	alerts := s.alerts.Recent(limit)
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	alert, ok := s.alerts.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var rec event.FeedbackRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if rec.AlertID == "" {
		writeError(w, http.StatusBadRequest, "alert_id is required")
		return
	}
	if rec.Verdict != event.VerdictTruePositive && rec.Verdict != event.VerdictFalsePositive {
		writeError(w, http.StatusBadRequest, "verdict must be true_positive or false_positive")
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	select {
	case s.feedbackCh <- rec:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case <-r.Context().Done():
		writeError(w, http.StatusServiceUnavailable, "feedback queue unavailable")
	}
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	versions := s.registry.Versions()
	writeJSON(w, http.StatusOK, map[string]any{"models": versions, "count": len(versions)})
}

func (s *Server) handleActiveModel(w http.ResponseWriter, r *http.Request) {
	v, err := s.registry.ActiveVersion()
	if errors.Is(err, registry.ErrNoActiveModel) {
		writeError(w, http.StatusNotFound, "no active model")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRetrain(w http.ResponseWriter, r *http.Request) {
	if s.retrainer == nil {
		writeError(w, http.StatusServiceUnavailable, "retrainer not configured")
		return
	}

	// Retraining can take a while; run it off the request and let the caller
	// poll the model list.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := s.retrainer.Retrain(ctx); err != nil {
			s.logger.Error("requested retrain failed", zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrain_started"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	pending, labeled, sinceTrain := s.aggregator.Stats()

	stats := map[string]any{
		"alerts_retained":      len(s.alerts.Recent(0)),
		"dead_letters":         len(s.deadLetter.Entries()),
		"feedback_pending":     pending,
		"feedback_labeled":     labeled,
		"feedback_since_train": sinceTrain,
		"model_versions":       len(s.registry.Versions()),
	}
	if v, err := s.registry.ActiveVersion(); err == nil {
		stats["active_model"] = v.ID
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries := s.deadLetter.Entries()
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": entries, "count": len(entries)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	failures := make(map[string]string)
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
