// Package handlers exposes the triage HTTP API: batch submission, run
// reports, and health probes.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/talonsec/talon-stack/common/httputil"
	"github.com/talonsec/talon-stack/common/logging"
	"github.com/talonsec/talon-stack/triage/internal/faults"
	"github.com/talonsec/talon-stack/triage/internal/report"
)

// Batcher runs a triage batch end to end, either over named event ids or
// over the malicious ungrouped events in a time range.
type Batcher interface {
	ProcessBatch(ctx context.Context, batchID string, eventIDs []string) (*report.Run, []report.Outcome, error)
	ProcessTimeRange(ctx context.Context, batchID string, from, to time.Time, limit int) (*report.Run, []report.Outcome, error)
}

// Pinger reports backend connectivity for readiness probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler wires HTTP routes to the triage pipeline.
type Handler struct {
	pipeline Batcher
	reports  report.Repository
	store    Pinger
	log      *logging.Logger
}

// New creates a Handler.
func New(pipeline Batcher, reports report.Repository, store Pinger, log *logging.Logger) *Handler {
	return &Handler{pipeline: pipeline, reports: reports, store: store, log: log}
}

// BatchRequest is the body of POST /api/v1/batches. Either event_ids names
// the batch explicitly, or from/to select the malicious events without a
// ticket in that range.
type BatchRequest struct {
	BatchID  string     `json:"batch_id"`
	EventIDs []string   `json:"event_ids,omitempty"`
	From     *time.Time `json:"from,omitempty"`
	To       *time.Time `json:"to,omitempty"`
}

// BatchResponse is the response of POST /api/v1/batches.
type BatchResponse struct {
	Run      *report.Run      `json:"run"`
	Outcomes []report.Outcome `json:"outcomes"`
}

const maxBatchEvents = 1000

// SubmitBatch handles POST /api/v1/batches: it triages the batch
// synchronously and returns the full run report.
func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.BatchID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "batch_id is required")
		return
	}
	if len(req.EventIDs) > maxBatchEvents {
		httputil.WriteError(w, http.StatusBadRequest, "batch exceeds maximum size")
		return
	}

	var run *report.Run
	var outcomes []report.Outcome
	var err error
	switch {
	case len(req.EventIDs) > 0:
		run, outcomes, err = h.pipeline.ProcessBatch(r.Context(), req.BatchID, req.EventIDs)
	case req.From != nil && req.To != nil:
		if !req.From.Before(*req.To) {
			httputil.WriteError(w, http.StatusBadRequest, "from must precede to")
			return
		}
		run, outcomes, err = h.pipeline.ProcessTimeRange(r.Context(), req.BatchID, *req.From, *req.To, maxBatchEvents)
	default:
		httputil.WriteError(w, http.StatusBadRequest, "either event_ids or a from/to range is required")
		return
	}
	if err != nil {
		h.log.ErrorContext(r.Context(), "batch processing failed",
			logging.BatchID(req.BatchID), logging.Error(err))
		status := http.StatusInternalServerError
		if faults.Transient(err) {
			status = http.StatusServiceUnavailable
		}
		httputil.WriteError(w, status, "batch processing failed")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, BatchResponse{Run: run, Outcomes: outcomes})
}

// RunResponse is the response of GET /api/v1/runs/{id}.
type RunResponse struct {
	Run      *report.Run      `json:"run"`
	Outcomes []report.Outcome `json:"outcomes"`
}

// GetRun handles GET /api/v1/runs/{id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		httputil.WriteError(w, http.StatusNotImplemented, "run reporting is not configured")
		return
	}

	runID := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	if runID == "" || strings.Contains(runID, "/") {
		httputil.WriteError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := h.reports.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, faults.ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "run not found")
			return
		}
		h.log.ErrorContext(r.Context(), "failed to load run",
			logging.RunID(runID), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load run")
		return
	}

	outcomes, err := h.reports.ListOutcomes(r.Context(), runID)
	if err != nil {
		h.log.ErrorContext(r.Context(), "failed to load run outcomes",
			logging.RunID(runID), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load run outcomes")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, RunResponse{Run: run, Outcomes: outcomes})
}

// Health handles GET /healthz for liveness probes.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /readyz: the service is ready when the event store
// answers.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"reason": err.Error(),
			})
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
