// Package orchestrator fans classification work out over a batch of events
// with bounded concurrency, per-item failure isolation, and transient-fault
// retries. Every event in the batch appears in the result exactly once; no
// outcome is silently dropped.
package orchestrator

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/talonsec/talon-stack/common/logging"
	"github.com/talonsec/talon-stack/triage/internal/faults"
	"github.com/talonsec/talon-stack/triage/internal/models"
)

// Task classifies a single event end to end (window fetch, model call,
// persistence). It is retried as a whole on transient faults.
type Task func(ctx context.Context, eventID string) (models.Classification, string, error)

// Outcome is the terminal result for one event in a batch.
type Outcome struct {
	EventID        string                `json:"event_id"`
	Classification models.Classification `json:"classification,omitempty"`
	Rationale      string                `json:"rationale,omitempty"`
	Attempts       int                   `json:"attempts"`
	Err            error                 `json:"-"`
	FailureReason  string                `json:"failure_reason,omitempty"`
}

// Succeeded reports whether the event reached a terminal classification.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// Orchestrator runs classification batches.
type Orchestrator struct {
	// Concurrency bounds the parallel fan-out. Defaults to 128, mirroring a
	// wide map-state fan-out without saturating the model endpoint.
	Concurrency int

	// MaxAttempts is the per-event attempt ceiling for transient faults.
	MaxAttempts int

	// BaseBackoff is the first retry delay; subsequent delays double, with
	// jitter, capped at MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	log *logging.Logger
}

// New creates an Orchestrator with defaults filled in.
func New(log *logging.Logger) *Orchestrator {
	return &Orchestrator{
		Concurrency: 128,
		MaxAttempts: 3,
		BaseBackoff: 250 * time.Millisecond,
		MaxBackoff:  10 * time.Second,
		log:         log,
	}
}

// ClassifyBatch runs task over every event id. One event's failure never
// aborts its siblings. The returned slice has one Outcome per input id, in
// input order. On context cancellation, unstarted and in-flight items are
// reported as failed with the context error rather than omitted.
func (o *Orchestrator) ClassifyBatch(ctx context.Context, eventIDs []string, task Task) []Outcome {
	concurrency := o.Concurrency
	if concurrency <= 0 {
		concurrency = 128
	}
	if concurrency > len(eventIDs) {
		concurrency = len(eventIDs)
	}

	outcomes := make([]Outcome, len(eventIDs))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, id := range eventIDs {
		wg.Add(1)
		go func(idx int, eventID string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				outcomes[idx] = Outcome{EventID: eventID, Err: ctx.Err(), FailureReason: ctx.Err().Error()}
				return
			}

			outcomes[idx] = o.runOne(ctx, eventID, task)
		}(i, id)
	}

	wg.Wait()
	return outcomes
}

// runOne executes task for a single event with the transient-retry loop.
func (o *Orchestrator) runOne(ctx context.Context, eventID string, task Task) Outcome {
	maxAttempts := o.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		classification, rationale, err := task(ctx, eventID)
		if err == nil {
			return Outcome{
				EventID:        eventID,
				Classification: classification,
				Rationale:      rationale,
				Attempts:       attempt,
			}
		}
		lastErr = err

		if !faults.Transient(err) {
			return Outcome{EventID: eventID, Attempts: attempt, Err: err, FailureReason: err.Error()}
		}

		if attempt < maxAttempts {
			o.log.WarnContext(ctx, "transient classification failure, retrying",
				logging.EventID(eventID), logging.Attempt(attempt), logging.Error(err))
			if err := o.sleep(ctx, attempt); err != nil {
				return Outcome{EventID: eventID, Attempts: attempt, Err: err, FailureReason: err.Error()}
			}
		}
	}

	return Outcome{
		EventID:       eventID,
		Attempts:      maxAttempts,
		Err:           lastErr,
		FailureReason: "retry ceiling exhausted: " + lastErr.Error(),
	}
}

// sleep waits out the exponential backoff for attempt, honoring cancellation.
func (o *Orchestrator) sleep(ctx context.Context, attempt int) error {
	base := o.BaseBackoff
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	max := o.MaxBackoff
	if max <= 0 {
		max = 10 * time.Second
	}

	delay := base << (attempt - 1)
	if delay > max {
		delay = max
	}
	// Up to 50% jitter so a herd of retries does not realign.
	delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
