// Package contextwin assembles the bounded temporal context window around an
// anchor event: every event on the same host within the configured
// half-window, ordered ascending, anchor excluded.
package contextwin

import (
	"context"
	"fmt"
	"time"

	"github.com/talonsec/talon-stack/triage/internal/models"
)

// WindowStore is the slice of the event store the fetcher needs.
type WindowStore interface {
	QueryEventsInWindow(ctx context.Context, hostID string, t0, t1 time.Time, limit int) ([]models.Event, error)
}

// Fetcher retrieves context windows from the event store.
type Fetcher struct {
	store WindowStore

	// MaxEvents caps the window size so one noisy host cannot blow up the
	// classifier prompt.
	MaxEvents int
}

// NewFetcher creates a Fetcher with the default window cap.
func NewFetcher(store WindowStore) *Fetcher {
	return &Fetcher{store: store, MaxEvents: 50}
}

// Fetch returns the context window for event: same host, timestamp within
// [event.Timestamp-halfWindow, event.Timestamp+halfWindow], ordered ascending,
// anchor excluded. An empty window is a valid result, not an error.
func (f *Fetcher) Fetch(ctx context.Context, event *models.Event, halfWindow time.Duration) (models.ContextWindow, error) {
	if halfWindow <= 0 {
		return nil, fmt.Errorf("half window must be positive, got %v", halfWindow)
	}
	if event.HostID == "" {
		return nil, fmt.Errorf("event %s has no host id", event.ID)
	}

	t0 := event.Timestamp.Add(-halfWindow)
	t1 := event.Timestamp.Add(halfWindow)

	// Over-fetch by one: the anchor itself matches the range filter.
	events, err := f.store.QueryEventsInWindow(ctx, event.HostID, t0, t1, f.MaxEvents+1)
	if err != nil {
		return nil, fmt.Errorf("fetch window for event %s: %w", event.ID, err)
	}

	window := make(models.ContextWindow, 0, len(events))
	for _, ev := range events {
		if ev.ID == event.ID {
			continue
		}
		window = append(window, ev)
		if len(window) == f.MaxEvents {
			break
		}
	}
	return window, nil
}
