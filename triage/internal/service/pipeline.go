// Package service wires the triage stages into one pipeline: context-aware
// classification fanned out over a batch, followed by retrieval-augmented
// grouping of the malicious events, followed by run reporting.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/talonsec/talon-stack/common/logging"
	"github.com/talonsec/talon-stack/common/messaging"
	"github.com/talonsec/talon-stack/triage/internal/faults"
	"github.com/talonsec/talon-stack/triage/internal/grouper"
	"github.com/talonsec/talon-stack/triage/internal/metrics"
	"github.com/talonsec/talon-stack/triage/internal/models"
	"github.com/talonsec/talon-stack/triage/internal/orchestrator"
	"github.com/talonsec/talon-stack/triage/internal/report"
)

// EventStore is the slice of the store the pipeline touches directly.
type EventStore interface {
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	UpdateEventClassification(ctx context.Context, eventID string, c models.Classification, rationale string) error
	UpdateEventEmbedding(ctx context.Context, eventID string, vec []float32) error
	ListMaliciousUngrouped(ctx context.Context, from, to time.Time, limit int) ([]models.Event, error)
}

// WindowFetcher assembles the same-host context window around an event.
type WindowFetcher interface {
	Fetch(ctx context.Context, event *models.Event, halfWindow time.Duration) (models.ContextWindow, error)
}

// EventClassifier produces the verdict for one event given its window.
type EventClassifier interface {
	Classify(ctx context.Context, event *models.Event, window models.ContextWindow) (models.Classification, string, error)
}

// CandidateRetriever finds similar incidents for a malicious event.
type CandidateRetriever interface {
	Embedding(ctx context.Context, event *models.Event) ([]float32, error)
	Retrieve(ctx context.Context, event *models.Event) ([]models.SimilarityCandidate, error)
}

// Grouper assigns a malicious event to a ticket.
type Grouper interface {
	Group(ctx context.Context, event *models.Event, candidates []models.SimilarityCandidate) (*grouper.Decision, error)
}

// Config holds pipeline tuning.
type Config struct {
	// HalfWindow is the context half-window on each side of an anchor event.
	HalfWindow time.Duration

	// GroupMaxAttempts bounds whole-grouping retries on transient faults.
	GroupMaxAttempts int
}

// Pipeline runs triage batches end to end.
type Pipeline struct {
	store        EventStore
	windows      WindowFetcher
	classifier   EventClassifier
	orchestrator *orchestrator.Orchestrator
	retriever    CandidateRetriever
	grouper      Grouper
	reports      report.Repository
	publisher    messaging.Publisher
	log          *logging.Logger
	cfg          Config
}

// New creates a Pipeline with defaults filled in. reports and publisher may
// be nil; reporting and result publication are then skipped.
func New(
	store EventStore,
	windows WindowFetcher,
	classifier EventClassifier,
	orch *orchestrator.Orchestrator,
	retriever CandidateRetriever,
	grp Grouper,
	reports report.Repository,
	publisher messaging.Publisher,
	log *logging.Logger,
	cfg Config,
) *Pipeline {
	if cfg.HalfWindow <= 0 {
		cfg.HalfWindow = 60 * time.Second
	}
	if cfg.GroupMaxAttempts <= 0 {
		cfg.GroupMaxAttempts = 3
	}
	return &Pipeline{
		store:        store,
		windows:      windows,
		classifier:   classifier,
		orchestrator: orch,
		retriever:    retriever,
		grouper:      grp,
		reports:      reports,
		publisher:    publisher,
		log:          log,
		cfg:          cfg,
	}
}

// BatchResult is the published per-run report.
type BatchResult struct {
	RunID       string           `json:"run_id"`
	BatchID     string           `json:"batch_id"`
	TotalEvents int              `json:"total_events"`
	Malicious   int              `json:"malicious"`
	Benign      int              `json:"benign"`
	Uncertain   int              `json:"uncertain"`
	Failed      int              `json:"failed"`
	Outcomes    []report.Outcome `json:"outcomes"`
}

// FailureNotice is published for runs with terminally failed events so an
// external notifier can page on them.
type FailureNotice struct {
	RunID    string   `json:"run_id"`
	BatchID  string   `json:"batch_id"`
	Failed   int      `json:"failed"`
	EventIDs []string `json:"event_ids"`
}

// ProcessBatch classifies every event in the batch, groups the malicious
// ones, and persists and publishes the run report. Per-event failures are
// recorded in the report, not returned; the error return covers whole-run
// infrastructure failures only.
func (p *Pipeline) ProcessBatch(ctx context.Context, batchID string, eventIDs []string) (*report.Run, []report.Outcome, error) {
	started := time.Now().UTC()
	run := &report.Run{
		ID:          uuid.Must(uuid.NewV7()).String(),
		BatchID:     batchID,
		Status:      report.RunStatusRunning,
		TotalEvents: len(eventIDs),
		StartedAt:   started,
	}
	log := p.log.With(logging.RunID(run.ID), logging.BatchID(batchID))
	log.InfoContext(ctx, "batch started", "total_events", len(eventIDs))

	if p.reports != nil {
		if err := p.reports.CreateRun(ctx, run); err != nil {
			return nil, nil, fmt.Errorf("process batch %s: %w", batchID, err)
		}
	}

	classified := p.orchestrator.ClassifyBatch(ctx, eventIDs, p.classifyOne)

	outcomes := make([]report.Outcome, len(classified))
	for i, co := range classified {
		outcomes[i] = report.Outcome{
			RunID:          run.ID,
			EventID:        co.EventID,
			Classification: co.Classification,
			Rationale:      co.Rationale,
			Attempts:       co.Attempts,
			FailureReason:  co.FailureReason,
		}

		switch {
		case !co.Succeeded():
			run.Failed++
		case co.Classification == models.ClassificationMalicious:
			run.Malicious++
		case co.Classification == models.ClassificationBenign:
			run.Benign++
		default:
			run.Uncertain++
		}
	}

	for i := range outcomes {
		o := &outcomes[i]
		if o.FailureReason != "" || o.Classification != models.ClassificationMalicious {
			continue
		}
		decision, err := p.groupOne(ctx, o.EventID)
		if err != nil {
			o.GroupDecision = "failed"
			o.FailureReason = err.Error()
			// Move the event from the malicious tally to failed so the
			// buckets still sum to TotalEvents.
			run.Malicious--
			run.Failed++
			log.ErrorContext(ctx, "grouping failed",
				logging.EventID(o.EventID), logging.Error(err))
			continue
		}
		o.GroupDecision = string(decision.Kind)
		o.TicketID = decision.TicketID
		metrics.GroupDecisionsTotal.WithLabelValues(string(decision.Kind)).Inc()
		p.publishTicketEvent(ctx, o.EventID, decision)
	}

	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.Status = report.RunStatusCompleted
	if ctx.Err() != nil {
		run.Status = report.RunStatusFailed
	}
	metrics.BatchesTotal.WithLabelValues(string(run.Status)).Inc()
	metrics.BatchDuration.Observe(finished.Sub(started).Seconds())

	if p.reports != nil {
		if err := p.reports.RecordOutcomes(ctx, run.ID, outcomes); err != nil {
			return nil, nil, fmt.Errorf("process batch %s: %w", batchID, err)
		}
		if err := p.reports.FinishRun(ctx, run); err != nil {
			return nil, nil, fmt.Errorf("process batch %s: %w", batchID, err)
		}
	}

	p.publishResults(ctx, run, outcomes)

	log.InfoContext(ctx, "batch finished",
		"status", run.Status,
		"malicious", run.Malicious, "benign", run.Benign,
		"uncertain", run.Uncertain, "failed", run.Failed)
	return run, outcomes, nil
}

// ProcessTimeRange runs a batch over the malicious events in [from, to] that
// have no ticket yet, resolved from the store instead of named by id. The
// events already carry a verdict, so classification short-circuits and the
// run is effectively grouping-only.
func (p *Pipeline) ProcessTimeRange(ctx context.Context, batchID string, from, to time.Time, limit int) (*report.Run, []report.Outcome, error) {
	events, err := p.store.ListMaliciousUngrouped(ctx, from, to, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("process time range batch %s: %w", batchID, err)
	}

	eventIDs := make([]string, len(events))
	for i, ev := range events {
		eventIDs[i] = ev.ID
	}
	p.log.InfoContext(ctx, "resolved time range batch",
		logging.BatchID(batchID),
		"from", from, "to", to, "events", len(eventIDs))

	return p.ProcessBatch(ctx, batchID, eventIDs)
}

// classifyOne is the per-event classification task handed to the
// orchestrator: window fetch, model call, verdict persistence. Malformed
// model output is terminal and downgrades to uncertain rather than burning
// retries on a deterministic failure.
func (p *Pipeline) classifyOne(ctx context.Context, eventID string) (models.Classification, string, error) {
	started := time.Now()
	defer func() {
		metrics.ClassificationDuration.Observe(time.Since(started).Seconds())
	}()

	event, err := p.store.GetEvent(ctx, eventID)
	if err != nil {
		return models.ClassificationUnset, "", err
	}
	if event.Classification.Valid() {
		// Re-delivered event; the stored verdict stands.
		return event.Classification, event.Rationale, nil
	}

	window, err := p.windows.Fetch(ctx, event, p.cfg.HalfWindow)
	if err != nil {
		return models.ClassificationUnset, "", err
	}
	metrics.ContextWindowSize.Observe(float64(len(window)))

	classification, rationale, err := p.classifier.Classify(ctx, event, window)
	if err != nil {
		if errors.Is(err, faults.ErrMalformedResponse) {
			classification = models.ClassificationUncertain
			rationale = "reasoning model returned malformed output"
			p.log.WarnContext(ctx, "malformed model output, downgrading to uncertain",
				logging.EventID(eventID), logging.Error(err))
		} else {
			return models.ClassificationUnset, "", err
		}
	}

	if err := p.store.UpdateEventClassification(ctx, eventID, classification, rationale); err != nil {
		return models.ClassificationUnset, "", err
	}
	metrics.ClassificationsTotal.WithLabelValues(string(classification)).Inc()
	return classification, rationale, nil
}

// groupOne retrieves candidates and runs the grouping engine for one
// malicious event, retrying the whole stage on transient faults.
func (p *Pipeline) groupOne(ctx context.Context, eventID string) (*grouper.Decision, error) {
	started := time.Now()
	defer func() {
		metrics.GroupingDuration.Observe(time.Since(started).Seconds())
	}()

	var lastErr error
	for attempt := 1; attempt <= p.cfg.GroupMaxAttempts; attempt++ {
		decision, err := p.groupAttempt(ctx, eventID)
		if err == nil {
			return decision, nil
		}
		lastErr = err
		if !faults.Transient(err) || ctx.Err() != nil {
			return nil, err
		}
		p.log.WarnContext(ctx, "transient grouping failure, retrying",
			logging.EventID(eventID), logging.Attempt(attempt), logging.Error(err))
	}
	return nil, fmt.Errorf("group event %s: retry ceiling exhausted: %w", eventID, lastErr)
}

func (p *Pipeline) groupAttempt(ctx context.Context, eventID string) (*grouper.Decision, error) {
	// Fresh read: a previous partial attempt may already have set the
	// ticket reference, which makes this attempt a no-op.
	event, err := p.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	vec, err := p.retriever.Embedding(ctx, event)
	if err != nil {
		return nil, err
	}
	if len(event.Embedding) == 0 {
		if err := p.store.UpdateEventEmbedding(ctx, eventID, vec); err != nil {
			return nil, err
		}
		event.Embedding = vec
	}

	candidates, err := p.retriever.Retrieve(ctx, event)
	if err != nil {
		return nil, err
	}
	metrics.RetrievalCandidates.Observe(float64(len(candidates)))

	return p.grouper.Group(ctx, event, candidates)
}

// TicketEvent is published on the ticket lifecycle subjects.
type TicketEvent struct {
	TicketID        string   `json:"ticket_id"`
	EventID         string   `json:"event_id"`
	Decision        string   `json:"decision"`
	MergedTicketIDs []string `json:"merged_ticket_ids,omitempty"`
}

// publishTicketEvent announces ticket lifecycle changes for downstream
// consumers (notifier, dashboards). Best effort.
func (p *Pipeline) publishTicketEvent(ctx context.Context, eventID string, decision *grouper.Decision) {
	if p.publisher == nil || decision.Kind == grouper.DecisionNoop {
		return
	}

	subject := messaging.SubjectTriageTicketsUpdated
	if decision.Kind == grouper.DecisionNewTicket {
		subject = messaging.SubjectTriageTicketsCreated
	}
	ev := TicketEvent{
		TicketID:        decision.TicketID,
		EventID:         eventID,
		Decision:        string(decision.Kind),
		MergedTicketIDs: decision.MergedTicketIDs,
	}
	if err := p.publisher.PublishJSON(ctx, subject, ev); err != nil {
		p.log.WarnContext(ctx, "failed to publish ticket event",
			logging.TicketID(decision.TicketID), logging.Error(err))
	}
	if len(decision.MergedTicketIDs) > 0 {
		metrics.TicketsMergedTotal.Add(float64(len(decision.MergedTicketIDs)))
	}
}

// publishResults emits the run report and, when needed, a failure notice.
// Publication is best effort: the report is already persisted.
func (p *Pipeline) publishResults(ctx context.Context, run *report.Run, outcomes []report.Outcome) {
	if p.publisher == nil {
		return
	}

	result := BatchResult{
		RunID:       run.ID,
		BatchID:     run.BatchID,
		TotalEvents: run.TotalEvents,
		Malicious:   run.Malicious,
		Benign:      run.Benign,
		Uncertain:   run.Uncertain,
		Failed:      run.Failed,
		Outcomes:    outcomes,
	}
	if err := p.publisher.PublishJSON(ctx, messaging.TriageRunResultSubject(run.ID), result); err != nil {
		p.log.WarnContext(ctx, "failed to publish run result",
			logging.RunID(run.ID), logging.Error(err))
	}

	if run.Failed == 0 {
		return
	}
	notice := FailureNotice{RunID: run.ID, BatchID: run.BatchID, Failed: run.Failed}
	for _, o := range outcomes {
		if o.FailureReason != "" {
			notice.EventIDs = append(notice.EventIDs, o.EventID)
		}
	}
	if err := p.publisher.PublishJSON(ctx, messaging.SubjectTriageNotifyFailures, notice); err != nil {
		p.log.WarnContext(ctx, "failed to publish failure notice",
			logging.RunID(run.ID), logging.Error(err))
	}
}
