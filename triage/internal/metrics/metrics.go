package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Classification metrics
	ClassificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talon_triage_classifications_total",
			Help: "Total number of classified events by verdict",
		},
		[]string{"classification"},
	)

	ClassificationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "talon_triage_classification_duration_seconds",
			Help:    "Duration of a single event classification in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ClassificationRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talon_triage_classification_retries_total",
			Help: "Total number of classification retry attempts",
		},
	)

	ClassificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talon_triage_classification_failures_total",
			Help: "Total number of events whose classification failed terminally",
		},
		[]string{"reason"},
	)

	// Context window metrics
	ContextWindowSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "talon_triage_context_window_size",
			Help:    "Number of events in assembled context windows",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	// Grouping metrics
	GroupDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talon_triage_group_decisions_total",
			Help: "Total number of grouping decisions by kind",
		},
		[]string{"decision"},
	)

	GroupingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "talon_triage_grouping_duration_seconds",
			Help:    "Duration of grouping one event in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TicketsMergedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talon_triage_tickets_merged_total",
			Help: "Total number of tickets closed into a merge survivor",
		},
	)

	TicketWriteConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talon_triage_ticket_write_conflicts_total",
			Help: "Total number of optimistic ticket write conflicts",
		},
	)

	// Retrieval metrics
	RetrievalCandidates = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "talon_triage_retrieval_candidates",
			Help:    "Number of similarity candidates returned per retrieval",
			Buckets: []float64{0, 1, 2, 3, 5, 10},
		},
	)

	EmbeddingCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talon_triage_embedding_cache_total",
			Help: "Embedding cache lookups by result",
		},
		[]string{"result"},
	)

	// Batch metrics
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talon_triage_batches_total",
			Help: "Total number of processed batches by status",
		},
		[]string{"status"},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "talon_triage_batch_duration_seconds",
			Help:    "Duration of whole-batch processing in seconds",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300},
		},
	)
)
