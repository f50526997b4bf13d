// Package handlers exposes the lookup HTTP API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/talonsec/talon-stack/common/httputil"
	"github.com/talonsec/talon-stack/common/logging"
	"github.com/talonsec/talon-stack/lookup/internal/models"
	"github.com/talonsec/talon-stack/lookup/internal/service"
)

// Handler wires HTTP routes to the lookup service.
type Handler struct {
	svc *service.Service
	log *logging.Logger
}

// New creates a Handler.
func New(svc *service.Service, log *logging.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// SimilarResponse is the response of POST /api/v1/similar.
type SimilarResponse struct {
	Results []models.SimilarTicket `json:"results"`
}

// FindSimilar handles POST /api/v1/similar.
func (h *Handler) FindSimilar(w http.ResponseWriter, r *http.Request) {
	var q service.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	results, err := h.svc.FindSimilar(r.Context(), q)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmptyQuery):
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrNotFound):
			httputil.WriteError(w, http.StatusNotFound, "query anchor not found")
		default:
			h.log.ErrorContext(r.Context(), "similarity lookup failed", logging.Error(err))
			httputil.WriteError(w, http.StatusInternalServerError, "lookup failed")
		}
		return
	}

	if results == nil {
		results = []models.SimilarTicket{}
	}
	httputil.WriteJSON(w, http.StatusOK, SimilarResponse{Results: results})
}

// FindSimilarToTicket handles GET /api/v1/tickets/{id}/similar: tickets
// similar to an existing one, anchored on its stored scenario embedding. The
// anchor itself is never in the results.
func (h *Handler) FindSimilarToTicket(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/tickets/")
	id := strings.TrimSuffix(path, "/similar")
	if id == "" || strings.Contains(id, "/") {
		httputil.WriteError(w, http.StatusBadRequest, "invalid ticket id")
		return
	}

	topK := 0
	if v := r.URL.Query().Get("top_k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.WriteError(w, http.StatusBadRequest, "top_k must be a positive integer")
			return
		}
		topK = n
	}

	results, err := h.svc.FindSimilar(r.Context(), service.Query{TicketID: id, TopK: topK})
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "ticket not found")
			return
		}
		h.log.ErrorContext(r.Context(), "ticket similarity lookup failed",
			logging.TicketID(id), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	if results == nil {
		results = []models.SimilarTicket{}
	}
	httputil.WriteJSON(w, http.StatusOK, SimilarResponse{Results: results})
}

// TicketResponse is the response of GET /api/v1/tickets/{id}.
type TicketResponse struct {
	Ticket       *models.Ticket `json:"ticket"`
	ResolvedFrom string         `json:"resolved_from,omitempty"`
}

// GetTicket handles GET /api/v1/tickets/{id}, following merge redirects.
func (h *Handler) GetTicket(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/tickets/")
	if id == "" || strings.Contains(id, "/") {
		httputil.WriteError(w, http.StatusBadRequest, "invalid ticket id")
		return
	}

	ticket, resolvedFrom, err := h.svc.GetTicket(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "ticket not found")
			return
		}
		h.log.ErrorContext(r.Context(), "ticket lookup failed",
			logging.TicketID(id), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	// Strip the embedding; API consumers have no use for raw vectors.
	ticket.ScenarioEmbedding = nil
	httputil.WriteJSON(w, http.StatusOK, TicketResponse{Ticket: ticket, ResolvedFrom: resolvedFrom})
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
