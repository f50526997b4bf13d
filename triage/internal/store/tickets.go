package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/talonsec/talon-stack/triage/internal/faults"
	"github.com/talonsec/talon-stack/triage/internal/models"
)

// excerptLimit bounds the scenario text handed to adjudication per candidate.
const excerptLimit = 2048

// GetTicket fetches a ticket with its optimistic-concurrency metadata.
func (s *Store) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	res, err := s.client.Get(s.cfg.TicketIndex, id, s.client.Get.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: get ticket %s: %v", faults.ErrStoreUnavailable, id, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: ticket %s", faults.ErrNotFound, id)
	}
	if res.IsError() {
		return nil, fmt.Errorf("%w: get ticket %s: %s", faults.ErrStoreUnavailable, id, res.Status())
	}

	var doc struct {
		SeqNo       int64         `json:"_seq_no"`
		PrimaryTerm int64         `json:"_primary_term"`
		Source      models.Ticket `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode ticket %s: %w", id, err)
	}

	ticket := doc.Source
	if ticket.ID == "" {
		ticket.ID = id
	}
	ticket.SeqNo = &doc.SeqNo
	ticket.PrimaryTerm = &doc.PrimaryTerm
	return &ticket, nil
}

// CreateTicket indexes a new ticket document. Uses op_type=create so a
// replayed create of the same id fails with ErrConflict instead of silently
// replacing a ticket another worker already wrote.
func (s *Store) CreateTicket(ctx context.Context, t *models.Ticket) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}

	res, err := s.client.Index(
		s.cfg.TicketIndex,
		bytes.NewReader(payload),
		s.client.Index.WithContext(ctx),
		s.client.Index.WithDocumentID(t.ID),
		s.client.Index.WithOpType("create"),
		s.client.Index.WithRefresh("true"),
	)
	if err != nil {
		return fmt.Errorf("%w: create ticket %s: %v", faults.ErrStoreUnavailable, t.ID, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		return fmt.Errorf("%w: ticket %s already exists", faults.ErrConflict, t.ID)
	}
	if res.IsError() {
		return fmt.Errorf("%w: create ticket %s: %s", faults.ErrStoreUnavailable, t.ID, res.Status())
	}
	return nil
}

// PutTicket replaces a ticket document guarded by the seq_no/primary_term the
// caller read. A concurrent writer in between produces ErrConflict; the
// caller re-reads and retries with bounded attempts.
func (s *Store) PutTicket(ctx context.Context, t *models.Ticket) error {
	if t.SeqNo == nil || t.PrimaryTerm == nil {
		return fmt.Errorf("put ticket %s: missing concurrency metadata from prior read", t.ID)
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}

	res, err := s.client.Index(
		s.cfg.TicketIndex,
		bytes.NewReader(payload),
		s.client.Index.WithContext(ctx),
		s.client.Index.WithDocumentID(t.ID),
		s.client.Index.WithIfSeqNo(int(*t.SeqNo)),
		s.client.Index.WithIfPrimaryTerm(int(*t.PrimaryTerm)),
		s.client.Index.WithRefresh("true"),
	)
	if err != nil {
		return fmt.Errorf("%w: put ticket %s: %v", faults.ErrStoreUnavailable, t.ID, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		return fmt.Errorf("%w: ticket %s", faults.ErrConflict, t.ID)
	}
	if res.IsError() {
		return fmt.Errorf("%w: put ticket %s: %s", faults.ErrStoreUnavailable, t.ID, res.Status())
	}
	return nil
}

// QuerySimilarTickets performs approximate nearest-neighbor search over open
// ticket scenario embeddings. Candidates below floor are discarded. An empty
// index yields an empty slice, not an error.
func (s *Store) QuerySimilarTickets(ctx context.Context, vector []float32, k int, floor float64) ([]models.SimilarityCandidate, error) {
	if k <= 0 {
		k = 5
	}

	query := map[string]interface{}{
		"size":      k,
		"min_score": floor,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []interface{}{
					map[string]interface{}{
						"knn": map[string]interface{}{
							"scenario_embedding": map[string]interface{}{
								"vector": vector,
								"k":      k,
							},
						},
					},
				},
				"filter": []interface{}{
					map[string]interface{}{
						"term": map[string]interface{}{"status": string(models.TicketStatusOpen)},
					},
				},
			},
		},
		"_source": []string{"ticket_id", "scenario_summary", "updated_at"},
	}

	result, err := s.search(ctx, s.cfg.TicketIndex, query)
	if err != nil {
		return nil, err
	}

	candidates := make([]models.SimilarityCandidate, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		var src struct {
			TicketID        string    `json:"ticket_id"`
			ScenarioSummary string    `json:"scenario_summary"`
			UpdatedAt       time.Time `json:"updated_at"`
		}
		if err := json.Unmarshal(hit.Source, &src); err != nil {
			return nil, fmt.Errorf("decode similar ticket: %w", err)
		}
		ticketID := src.TicketID
		if ticketID == "" {
			ticketID = hit.ID
		}
		excerpt := src.ScenarioSummary
		if len(excerpt) > excerptLimit {
			excerpt = excerpt[:excerptLimit]
		}
		candidates = append(candidates, models.SimilarityCandidate{
			Kind:      models.CandidateTicket,
			TicketID:  ticketID,
			Score:     hit.Score,
			Excerpt:   excerpt,
			UpdatedAt: src.UpdatedAt,
		})
	}
	return candidates, nil
}
