// Package messaging defines standard subject names for the Talon message bus.
package messaging

// Subject constants for the Talon message bus.
// Follow the pattern: {domain}.{action}.{resource}
const (
	// Triage job subjects - batch classification requests from the scheduler
	SubjectTriageJobsClassify = "triage.jobs.classify" // Batch classification job

	// Triage result subjects - published when a batch run completes
	SubjectTriageResultsBatch = "triage.results.batch" // Per-batch run report (append .{id} for a specific run)

	// Notification subjects - unrecoverable failures for the external notifier
	SubjectTriageNotifyFailures = "triage.notify.failures" // Batch-level failure notifications

	// Ticket lifecycle subjects - published by the grouping engine
	SubjectTriageTicketsCreated = "triage.tickets.created" // New incident ticket opened
	SubjectTriageTicketsUpdated = "triage.tickets.updated" // Member attached or tickets merged
)

// Queue group names for load-balanced consumers.
// Workers in the same queue group share messages (each message processed once).
const (
	QueueTriageWorkers = "triage-workers" // Pool of batch classification workers
)

// TriageRunResultSubject returns the subject for a specific run's report.
// Example: triage.results.batch.0198c1ff
func TriageRunResultSubject(runID string) string {
	return SubjectTriageResultsBatch + "." + runID
}
