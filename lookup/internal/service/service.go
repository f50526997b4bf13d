// Package service implements similar-incident lookup: embed the query, run a
// vector search over ticket scenarios, and resolve every match through merge
// redirects to its live root.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/talonsec/talon-stack/common/logging"
	"github.com/talonsec/talon-stack/lookup/internal/client"
	"github.com/talonsec/talon-stack/lookup/internal/models"
)

// TicketStore is the read surface the lookup service needs.
type TicketStore interface {
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)
	GetEventQueryInfo(ctx context.Context, eventID string) (*client.EventQueryInfo, error)
	QuerySimilarTickets(ctx context.Context, vector []float32, k int, floor float64) ([]client.TicketHit, error)
}

// Embedder maps free text to a query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ErrEmptyQuery is returned when a lookup specifies no anchor at all.
var ErrEmptyQuery = errors.New("lookup query needs text, an event id, or a ticket id")

// ErrNotFound mirrors the store sentinel for handler status mapping.
var ErrNotFound = client.ErrNotFound

// Config holds lookup tuning.
type Config struct {
	TopK             int
	Floor            float64
	MaxRedirectDepth int
}

// Service answers similarity lookups.
type Service struct {
	store    TicketStore
	embedder Embedder
	log      *logging.Logger
	cfg      Config
}

// New creates a Service with defaults filled in.
func New(store TicketStore, embedder Embedder, log *logging.Logger, cfg Config) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.MaxRedirectDepth <= 0 {
		cfg.MaxRedirectDepth = 16
	}
	return &Service{store: store, embedder: embedder, log: log, cfg: cfg}
}

// Query describes one similarity lookup. Exactly one of TicketID, EventID,
// or Text should be set; stored anchors win over free text because their
// embeddings are authoritative, with TicketID taking precedence.
type Query struct {
	Text     string `json:"text,omitempty"`
	EventID  string `json:"event_id,omitempty"`
	TicketID string `json:"ticket_id,omitempty"`
	TopK     int    `json:"top_k,omitempty"`
}

// FindSimilar returns the most similar live tickets for the query, best
// score first. A ticket-anchored query never returns the anchor itself.
func (s *Service) FindSimilar(ctx context.Context, q Query) ([]models.SimilarTicket, error) {
	vector, excludeRoot, err := s.queryVector(ctx, q)
	if err != nil {
		return nil, err
	}

	topK := q.TopK
	if topK <= 0 || topK > s.cfg.TopK {
		topK = s.cfg.TopK
	}

	hits, err := s.store.QuerySimilarTickets(ctx, vector, topK, s.cfg.Floor)
	if err != nil {
		return nil, fmt.Errorf("find similar tickets: %w", err)
	}

	// Resolve merge redirects and collapse hits that share a root.
	byRoot := make(map[string]int)
	results := make([]models.SimilarTicket, 0, len(hits))
	for _, hit := range hits {
		root, err := s.resolveRoot(ctx, &hit.Ticket)
		if err != nil {
			if errors.Is(err, client.ErrNotFound) {
				s.log.WarnContext(ctx, "similarity hit references missing ticket",
					logging.TicketID(hit.Ticket.ID))
				continue
			}
			return nil, err
		}

		if root.ID == excludeRoot {
			continue
		}
		if i, ok := byRoot[root.ID]; ok {
			if hit.Score > results[i].Score {
				results[i].Score = hit.Score
			}
			continue
		}

		st := models.SimilarTicket{
			TicketID:  root.ID,
			Score:     hit.Score,
			Status:    root.Status,
			Summary:   root.ScenarioSummary,
			Members:   len(root.MemberEventIDs),
			UpdatedAt: root.UpdatedAt,
		}
		if root.ID != hit.Ticket.ID {
			st.ResolvedFrom = hit.Ticket.ID
		}
		byRoot[root.ID] = len(results)
		results = append(results, st)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

// GetTicket returns a ticket resolved to its live root.
func (s *Service) GetTicket(ctx context.Context, id string) (*models.Ticket, string, error) {
	t, err := s.store.GetTicket(ctx, id)
	if err != nil {
		return nil, "", err
	}
	root, err := s.resolveRoot(ctx, t)
	if err != nil {
		return nil, "", err
	}
	resolvedFrom := ""
	if root.ID != id {
		resolvedFrom = id
	}
	return root, resolvedFrom, nil
}

// queryVector resolves the query to an embedding. For ticket anchors it also
// returns the anchor's root id so the anchor can be excluded from results.
func (s *Service) queryVector(ctx context.Context, q Query) ([]float32, string, error) {
	if q.TicketID != "" {
		t, err := s.store.GetTicket(ctx, q.TicketID)
		if err != nil {
			return nil, "", err
		}
		root, err := s.resolveRoot(ctx, t)
		if err != nil {
			return nil, "", err
		}
		if len(root.ScenarioEmbedding) > 0 {
			return root.ScenarioEmbedding, root.ID, nil
		}
		if root.ScenarioSummary == "" {
			return nil, "", fmt.Errorf("ticket %s has neither embedding nor scenario summary", root.ID)
		}
		vec, err := s.embedder.Embed(ctx, root.ScenarioSummary)
		return vec, root.ID, err
	}
	if q.EventID != "" {
		info, err := s.store.GetEventQueryInfo(ctx, q.EventID)
		if err != nil {
			return nil, "", err
		}
		if len(info.Embedding) > 0 {
			return info.Embedding, "", nil
		}
		if info.SummaryText == "" {
			return nil, "", fmt.Errorf("event %s has neither embedding nor summary text", q.EventID)
		}
		vec, err := s.embedder.Embed(ctx, info.SummaryText)
		return vec, "", err
	}
	if q.Text != "" {
		vec, err := s.embedder.Embed(ctx, q.Text)
		return vec, "", err
	}
	return nil, "", ErrEmptyQuery
}

func (s *Service) resolveRoot(ctx context.Context, t *models.Ticket) (*models.Ticket, error) {
	current := t
	for depth := 0; depth <= s.cfg.MaxRedirectDepth; depth++ {
		if current.RedirectTo == "" {
			return current, nil
		}
		next, err := s.store.GetTicket(ctx, current.RedirectTo)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return nil, fmt.Errorf("redirect chain from ticket %s exceeds depth %d", t.ID, s.cfg.MaxRedirectDepth)
}
