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

// GetEvent fetches a single event document by id.
func (s *Store) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	res, err := s.client.Get(s.cfg.EventIndex, id, s.client.Get.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: get event %s: %v", faults.ErrStoreUnavailable, id, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: event %s", faults.ErrNotFound, id)
	}
	if res.IsError() {
		return nil, fmt.Errorf("%w: get event %s: %s", faults.ErrStoreUnavailable, id, res.Status())
	}

	var doc struct {
		Source models.Event `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", id, err)
	}
	if doc.Source.ID == "" {
		doc.Source.ID = id
	}
	return &doc.Source, nil
}

// QueryEventsInWindow returns all events on hostID with timestamp in
// [t0, t1], ordered ascending. An empty result is not an error.
func (s *Store) QueryEventsInWindow(ctx context.Context, hostID string, t0, t1 time.Time, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 50
	}

	query := map[string]interface{}{
		"size": limit,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					map[string]interface{}{
						"term": map[string]interface{}{"host_id": hostID},
					},
					map[string]interface{}{
						"range": map[string]interface{}{
							"timestamp": map[string]interface{}{
								"gte": t0.UTC().Format(time.RFC3339Nano),
								"lte": t1.UTC().Format(time.RFC3339Nano),
							},
						},
					},
					map[string]interface{}{
						"terms": map[string]interface{}{
							"event_type": []string{
								string(models.EventTypeProcess),
								string(models.EventTypeNetwork),
								string(models.EventTypeFile),
								string(models.EventTypeRegistry),
							},
						},
					},
				},
			},
		},
		"sort": []interface{}{
			map[string]interface{}{"timestamp": map[string]interface{}{"order": "asc"}},
		},
	}

	result, err := s.search(ctx, s.cfg.EventIndex, query)
	if err != nil {
		return nil, err
	}

	events := make([]models.Event, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		var ev models.Event
		if err := json.Unmarshal(hit.Source, &ev); err != nil {
			return nil, fmt.Errorf("decode window event: %w", err)
		}
		if ev.ID == "" {
			ev.ID = hit.ID
		}
		events = append(events, ev)
	}
	return events, nil
}

// UpdateEventClassification writes the classifier verdict onto the event.
// The write is a partial doc update and idempotent to repeat.
func (s *Store) UpdateEventClassification(ctx context.Context, eventID string, c models.Classification, rationale string) error {
	return s.updateEventFields(ctx, eventID, map[string]interface{}{
		"classification": string(c),
		"rationale":      rationale,
	})
}

// UpdateEventTicket writes the ticket back-reference onto the event.
// The write is a partial doc update and idempotent to repeat.
func (s *Store) UpdateEventTicket(ctx context.Context, eventID, ticketID string) error {
	return s.updateEventFields(ctx, eventID, map[string]interface{}{
		"ticket_id": ticketID,
	})
}

// UpdateEventEmbedding caches the event's summary embedding on the document.
func (s *Store) UpdateEventEmbedding(ctx context.Context, eventID string, vec []float32) error {
	return s.updateEventFields(ctx, eventID, map[string]interface{}{
		"embedding": vec,
	})
}

func (s *Store) updateEventFields(ctx context.Context, eventID string, fields map[string]interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{"doc": fields})
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}

	res, err := s.client.Update(
		s.cfg.EventIndex,
		eventID,
		bytes.NewReader(payload),
		s.client.Update.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("%w: update event %s: %v", faults.ErrStoreUnavailable, eventID, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: event %s", faults.ErrNotFound, eventID)
	}
	if res.IsError() {
		return fmt.Errorf("%w: update event %s: %s", faults.ErrStoreUnavailable, eventID, res.Status())
	}
	return nil
}

// QuerySimilarEvents performs the bootstrap fallback: knn over historical
// event embeddings, restricted to classified-malicious events. Events without
// an embedding never match.
func (s *Store) QuerySimilarEvents(ctx context.Context, vector []float32, k int, floor float64) ([]models.SimilarityCandidate, error) {
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
							"embedding": map[string]interface{}{
								"vector": vector,
								"k":      k,
							},
						},
					},
				},
				"filter": []interface{}{
					map[string]interface{}{
						"term": map[string]interface{}{"classification": string(models.ClassificationMalicious)},
					},
				},
			},
		},
		"_source": []string{"event_id", "summary_text", "ticket_id", "timestamp"},
	}

	result, err := s.search(ctx, s.cfg.EventIndex, query)
	if err != nil {
		return nil, err
	}

	candidates := make([]models.SimilarityCandidate, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		var src struct {
			EventID     string    `json:"event_id"`
			SummaryText string    `json:"summary_text"`
			TicketID    string    `json:"ticket_id"`
			Timestamp   time.Time `json:"timestamp"`
		}
		if err := json.Unmarshal(hit.Source, &src); err != nil {
			return nil, fmt.Errorf("decode similar event: %w", err)
		}
		eventID := src.EventID
		if eventID == "" {
			eventID = hit.ID
		}
		candidates = append(candidates, models.SimilarityCandidate{
			Kind:      models.CandidateEvent,
			EventID:   eventID,
			TicketID:  src.TicketID,
			Score:     hit.Score,
			Excerpt:   src.SummaryText,
			UpdatedAt: src.Timestamp,
		})
	}
	return candidates, nil
}

// ListMaliciousUngrouped returns malicious events that have no ticket yet,
// oldest first. Used when a batch job names a time range instead of ids.
func (s *Store) ListMaliciousUngrouped(ctx context.Context, from, to time.Time, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := map[string]interface{}{
		"size": limit,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					map[string]interface{}{
						"term": map[string]interface{}{"classification": string(models.ClassificationMalicious)},
					},
					map[string]interface{}{
						"range": map[string]interface{}{
							"timestamp": map[string]interface{}{
								"gte": from.UTC().Format(time.RFC3339Nano),
								"lte": to.UTC().Format(time.RFC3339Nano),
							},
						},
					},
				},
				"must_not": []interface{}{
					map[string]interface{}{
						"exists": map[string]interface{}{"field": "ticket_id"},
					},
				},
			},
		},
		"sort": []interface{}{
			map[string]interface{}{"host_id": map[string]interface{}{"order": "asc"}},
			map[string]interface{}{"timestamp": map[string]interface{}{"order": "asc"}},
		},
	}

	result, err := s.search(ctx, s.cfg.EventIndex, query)
	if err != nil {
		return nil, err
	}

	events := make([]models.Event, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		var ev models.Event
		if err := json.Unmarshal(hit.Source, &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		if ev.ID == "" {
			ev.ID = hit.ID
		}
		events = append(events, ev)
	}
	return events, nil
}
