package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/batches", r.URL.Path)

		var req struct {
			BatchID  string   `json:"batch_id"`
			EventIDs []string `json:"event_ids"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "batch-7", req.BatchID)
		assert.Equal(t, []string{"e1", "e2"}, req.EventIDs)

		json.NewEncoder(w).Encode(RunReport{
			Run: &Run{ID: "r1", BatchID: "batch-7", Status: "completed", TotalEvents: 2, Malicious: 1, Benign: 1},
			Outcomes: []Outcome{
				{EventID: "e1", Classification: "malicious", TicketID: "t1", GroupDecision: "new_ticket", Attempts: 1},
				{EventID: "e2", Classification: "benign", Attempts: 1},
			},
		})
	}))
	defer srv.Close()

	report, err := NewTriageClient(srv.URL).SubmitBatch("batch-7", []string{"e1", "e2"})
	require.NoError(t, err)
	require.NotNil(t, report.Run)
	assert.Equal(t, "r1", report.Run.ID)
	assert.Equal(t, "completed", report.Run.Status)
	require.Len(t, report.Outcomes, 2)
	assert.Equal(t, "t1", report.Outcomes[0].TicketID)
}

func TestSubmitBatchSurfacesServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "event store unavailable"})
	}))
	defer srv.Close()

	_, err := NewTriageClient(srv.URL).SubmitBatch("batch-7", []string{"e1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event store unavailable")
	assert.Contains(t, err.Error(), "503")
}

func TestGetRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/runs/r9", r.URL.Path)
		json.NewEncoder(w).Encode(RunReport{Run: &Run{ID: "r9", Status: "completed"}})
	}))
	defer srv.Close()

	report, err := NewTriageClient(srv.URL).GetRun("r9")
	require.NoError(t, err)
	assert.Equal(t, "r9", report.Run.ID)
}

func TestGetRunNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "run not found"})
	}))
	defer srv.Close()

	_, err := NewTriageClient(srv.URL).GetRun("missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
}
