package server

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/talonsec/talon-stack/common/middleware"
	"github.com/talonsec/talon-stack/lookup/internal/handlers"
)

// NewRouter constructs a ServeMux with lookup API routes registered.
func NewRouter(h *handlers.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", h.Health)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/v1/similar", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			h.FindSimilar(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/tickets/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if strings.HasSuffix(r.URL.Path, "/similar") {
			h.FindSimilarToTicket(w, r)
			return
		}
		h.GetTicket(w, r)
	})

	return middleware.RequestID(mux)
}
