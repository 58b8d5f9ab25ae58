// Package api exposes the engine over HTTP: orchestration, execution
// control, artifact and event queries, callback and metrics admin, and a
// streaming event feed.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dripline/dripline/engine/internal/artifact"
	"github.com/dripline/dripline/engine/internal/bus"
	"github.com/dripline/dripline/engine/internal/callbacks"
	"github.com/dripline/dripline/engine/internal/config"
	"github.com/dripline/dripline/engine/internal/metrics"
	"github.com/dripline/dripline/engine/internal/orchestrator"
	"github.com/dripline/dripline/engine/internal/scheduler"
	"github.com/dripline/dripline/engine/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Handlers bundles the engine components behind the HTTP surface.
type Handlers struct {
	cfg        *config.Config
	bus        *bus.Bus
	store      *artifact.Store
	orch       *orchestrator.Orchestrator
	sched      *scheduler.Scheduler
	dispatcher *callbacks.Dispatcher
	collector  *metrics.Collector
}

// NewHandlers wires the HTTP layer.
func NewHandlers(cfg *config.Config, b *bus.Bus, store *artifact.Store, orch *orchestrator.Orchestrator,
	sched *scheduler.Scheduler, dispatcher *callbacks.Dispatcher, collector *metrics.Collector) *Handlers {
	return &Handlers{
		cfg:        cfg,
		bus:        b,
		store:      store,
		orch:       orch,
		sched:      sched,
		dispatcher: dispatcher,
		collector:  collector,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}

// ── Orchestration ────────────────────────────────────────────

// Orchestrate runs the full workflow and schedules the resulting plan.
func (h *Handlers) Orchestrate(w http.ResponseWriter, r *http.Request) {
	var req models.OrchestrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.SessionID == "" {
		req.SessionID = sessionFrom(r)
	}

	start := time.Now()
	res, err := h.orch.Orchestrate(r.Context(), &req)
	if err != nil {
		var verr *models.PlanValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	exec, err := h.sched.Schedule(res.DCAPlan, res.PlanArtifactID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "plan produced but scheduling failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"orchestrationId": res.OrchestrationID,
		"sessionId":       res.SessionID,
		"executionId":     exec.ID,
		"result":          res.OrchestrationResult,
		"recommendations": res.Recommendations,
		"warnings":        res.Warnings,
		"metadata": map[string]interface{}{
			"durationMs":      time.Since(start).Milliseconds(),
			"qualityScore":    res.QualityScore,
			"confidenceLevel": res.ConfidenceLevel,
		},
	})
}

// OrchestrateStatus reports component statistics and the session's
// executions.
func (h *Handlers) OrchestrateStatus(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"sessionId":    session,
		"orchestrator": h.orch.Stats(),
		"scheduler":    h.sched.Stats(),
		"bus":          h.bus.Stats(),
		"artifacts":    h.store.Stats(),
		"metrics":      h.collector.Stats(),
		"callbacks":    h.dispatcher.Stats(),
		"executions":   h.sched.List(session),
	})
}

// ── Executions ───────────────────────────────────────────────

func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"executions": h.sched.List(r.URL.Query().Get("sessionId")),
	})
}

func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	exec := h.sched.Get(chi.URLParam(r, "id"))
	if exec == nil {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "execution": exec})
}

func (h *Handlers) PauseExecution(w http.ResponseWriter, r *http.Request) {
	h.executionTransition(w, r, h.sched.Pause)
}

func (h *Handlers) ResumeExecution(w http.ResponseWriter, r *http.Request) {
	h.executionTransition(w, r, h.sched.Resume)
}

func (h *Handlers) CancelExecution(w http.ResponseWriter, r *http.Request) {
	h.executionTransition(w, r, h.sched.Cancel)
}

func (h *Handlers) executionTransition(w http.ResponseWriter, r *http.Request, fn func(string) bool) {
	id := chi.URLParam(r, "id")
	if !fn(id) {
		writeError(w, http.StatusConflict, "execution not in a compatible state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "execution": h.sched.Get(id)})
}

// ── Events & Artifacts ───────────────────────────────────────

func (h *Handlers) EventHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.EventFilter{
		SessionID: q.Get("sessionId"),
		Source:    q.Get("source"),
	}
	for _, t := range q["type"] {
		filter.Types = append(filter.Types, models.EventType(t))
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filter.Since = ts
	}
	if v := q.Get("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "until must be RFC 3339")
			return
		}
		filter.Until = ts
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"events":  h.bus.History(filter),
	})
}

func (h *Handlers) QueryArtifacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := models.ArtifactQuery{
		SessionID: q.Get("sessionId"),
		Type:      models.ArtifactType(q.Get("type")),
		Source:    q.Get("source"),
		Tags:      q["tag"],
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"artifacts": h.store.Query(query),
	})
}

func (h *Handlers) GetArtifact(w http.ResponseWriter, r *http.Request) {
	a := h.store.Get(chi.URLParam(r, "id"))
	if a == nil {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "artifact": a})
}

func (h *Handlers) DeleteArtifact(w http.ResponseWriter, r *http.Request) {
	if !h.store.Delete(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// ── Callback admin ───────────────────────────────────────────

func (h *Handlers) RegisterCallback(w http.ResponseWriter, r *http.Request) {
	var cb models.CallbackBinding
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid binding: "+err.Error())
		return
	}
	// Handler actions are in-process only; the wire surface offers
	// webhooks and log actions.
	if cb.Action.Kind == models.ActionHandler {
		writeError(w, http.StatusBadRequest, "handler actions cannot be registered over HTTP")
		return
	}
	id, err := h.dispatcher.Register(cb)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "id": id})
}

func (h *Handlers) ListCallbacks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"bindings": h.dispatcher.List(),
	})
}

func (h *Handlers) UnregisterCallback(w http.ResponseWriter, r *http.Request) {
	if !h.dispatcher.Unregister(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "binding not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handlers) CallbackExecutions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"executions": h.dispatcher.Executions(),
	})
}

// ── Metrics admin ────────────────────────────────────────────

func (h *Handlers) AddThreshold(w http.ResponseWriter, r *http.Request) {
	var t models.MetricThreshold
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid threshold: "+err.Error())
		return
	}
	if t.MetricPath == "" {
		writeError(w, http.StatusBadRequest, "metricPath is required")
		return
	}
	id := h.collector.AddThreshold(t)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "id": id})
}

func (h *Handlers) RemoveThreshold(w http.ResponseWriter, r *http.Request) {
	if !h.collector.RemoveThreshold(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "threshold not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handlers) MetricsOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"agent":      h.collector.AgentHistory(r.URL.Query().Get("agent")),
		"system":     h.collector.SystemHistory(),
		"thresholds": h.collector.Thresholds(),
		"paths":      metrics.KnownPaths(),
	})
}

func (h *Handlers) ActiveAlerts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"alerts":  h.collector.ActiveAlerts(),
	})
}

func (h *Handlers) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	if !h.collector.Acknowledge(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// ── Health ───────────────────────────────────────────────────

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "dripline-engine",
	})
}

func (h *Handlers) Version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": h.cfg.Version,
	})
}
