// Package consumer processes batch classification jobs arriving over the
// message bus. Workers in the triage queue group share the job stream, so a
// batch is processed by exactly one instance.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/talonsec/talon-stack/common/logging"
	"github.com/talonsec/talon-stack/common/messaging"
	"github.com/talonsec/talon-stack/triage/internal/handlers"
	"github.com/talonsec/talon-stack/triage/internal/report"
)

// Consumer subscribes to triage job subjects and feeds the pipeline.
type Consumer struct {
	client   messaging.Client
	pipeline handlers.Batcher
	subs     []messaging.Subscription
	log      *logging.Logger
}

// New creates a Consumer.
func New(client messaging.Client, pipeline handlers.Batcher, log *logging.Logger) *Consumer {
	return &Consumer{
		client:   client,
		pipeline: pipeline,
		log:      log.With("component", "consumer"),
	}
}

// ClassifyJob is the payload of a batch classification job. Either EventIDs
// names the batch, or From/To select the malicious ungrouped events in that
// range.
type ClassifyJob struct {
	BatchID  string     `json:"batch_id"`
	EventIDs []string   `json:"event_ids,omitempty"`
	From     *time.Time `json:"from,omitempty"`
	To       *time.Time `json:"to,omitempty"`
}

// timeRangeJobLimit bounds how many events a range job resolves to.
const timeRangeJobLimit = 1000

// Start subscribes to the classify job subject.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.client.QueueSubscribe(
		messaging.SubjectTriageJobsClassify,
		messaging.QueueTriageWorkers,
		c.handleClassifyJob,
	)
	if err != nil {
		return fmt.Errorf("subscribe to classify jobs: %w", err)
	}
	c.subs = append(c.subs, sub)

	c.log.InfoContext(ctx, "consumer started",
		"subject", messaging.SubjectTriageJobsClassify,
		"queue_group", messaging.QueueTriageWorkers)
	return nil
}

// Stop unsubscribes from all subjects.
func (c *Consumer) Stop() error {
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.log.WarnContext(context.Background(), "failed to unsubscribe",
				"subject", sub.Subject(), logging.Error(err))
		}
	}
	c.subs = nil
	return nil
}

// handleClassifyJob runs one batch job. A malformed job is dropped; replaying
// it can never succeed. Pipeline errors are returned so the broker can
// redeliver, which is safe because runs are idempotent per event.
func (c *Consumer) handleClassifyJob(ctx context.Context, msg *messaging.Message) error {
	var job ClassifyJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		c.log.ErrorContext(ctx, "dropping malformed classify job", logging.Error(err))
		return nil
	}
	hasRange := job.From != nil && job.To != nil && job.From.Before(*job.To)
	if job.BatchID == "" || (len(job.EventIDs) == 0 && !hasRange) {
		c.log.ErrorContext(ctx, "dropping classify job without batch, events, or range",
			logging.BatchID(job.BatchID))
		return nil
	}

	var run *report.Run
	var err error
	if len(job.EventIDs) > 0 {
		run, _, err = c.pipeline.ProcessBatch(ctx, job.BatchID, job.EventIDs)
	} else {
		run, _, err = c.pipeline.ProcessTimeRange(ctx, job.BatchID, *job.From, *job.To, timeRangeJobLimit)
	}
	if err != nil {
		c.log.ErrorContext(ctx, "batch job failed",
			logging.BatchID(job.BatchID), logging.Error(err))
		return err
	}

	c.log.InfoContext(ctx, "batch job finished",
		logging.BatchID(job.BatchID), logging.RunID(run.ID),
		"failed", run.Failed)

	if msg.Reply != "" {
		if err := c.client.PublishJSON(ctx, msg.Reply, run); err != nil {
			c.log.WarnContext(ctx, "failed to publish job reply",
				logging.RunID(run.ID), logging.Error(err))
		}
	}
	return nil
}
