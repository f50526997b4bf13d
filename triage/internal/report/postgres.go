package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/talonsec/talon-stack/triage/internal/faults"
)

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a PostgreSQL repository and verifies
// connectivity.
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping database: %v", faults.ErrStoreUnavailable, err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// CreateRun inserts a new run row in running state.
func (r *PostgresRepository) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO triage_runs (id, batch_id, status, total_events, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.pool.Exec(ctx, query,
		run.ID, run.BatchID, run.Status, run.TotalEvents, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun records the terminal status and tallies of a run.
func (r *PostgresRepository) FinishRun(ctx context.Context, run *Run) error {
	query := `
		UPDATE triage_runs
		SET status = $1, malicious = $2, benign = $3, uncertain = $4,
		    failed = $5, finished_at = $6
		WHERE id = $7
	`

	result, err := r.pool.Exec(ctx, query,
		run.Status, run.Malicious, run.Benign, run.Uncertain,
		run.Failed, run.FinishedAt, run.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: run %s", faults.ErrNotFound, run.ID)
	}
	return nil
}

// RecordOutcomes inserts the per-event outcomes of a run in one batch.
// Re-delivered outcomes overwrite the previous row for the same event.
func (r *PostgresRepository) RecordOutcomes(ctx context.Context, runID string, outcomes []Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO triage_run_outcomes
			(run_id, event_id, classification, rationale, ticket_id,
			 group_decision, attempts, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, event_id) DO UPDATE SET
			classification = EXCLUDED.classification,
			rationale = EXCLUDED.rationale,
			ticket_id = EXCLUDED.ticket_id,
			group_decision = EXCLUDED.group_decision,
			attempts = EXCLUDED.attempts,
			failure_reason = EXCLUDED.failure_reason
	`
	for _, o := range outcomes {
		batch.Queue(query,
			runID, o.EventID, string(o.Classification), o.Rationale,
			o.TicketID, o.GroupDecision, o.Attempts, o.FailureReason,
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range outcomes {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("record outcomes: %w", err)
		}
	}
	return nil
}

// GetRun retrieves one run by id.
func (r *PostgresRepository) GetRun(ctx context.Context, runID string) (*Run, error) {
	query := `
		SELECT id, batch_id, status, total_events, malicious, benign,
		       uncertain, failed, started_at, finished_at
		FROM triage_runs
		WHERE id = $1
	`

	run := &Run{}
	err := r.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID, &run.BatchID, &run.Status, &run.TotalEvents,
		&run.Malicious, &run.Benign, &run.Uncertain, &run.Failed,
		&run.StartedAt, &run.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: run %s", faults.ErrNotFound, runID)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListOutcomes retrieves all event outcomes of a run.
func (r *PostgresRepository) ListOutcomes(ctx context.Context, runID string) ([]Outcome, error) {
	query := `
		SELECT run_id, event_id, classification, rationale, ticket_id,
		       group_decision, attempts, failure_reason
		FROM triage_run_outcomes
		WHERE run_id = $1
		ORDER BY event_id
	`

	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []Outcome{}
	for rows.Next() {
		var o Outcome
		if err := rows.Scan(
			&o.RunID, &o.EventID, &o.Classification, &o.Rationale,
			&o.TicketID, &o.GroupDecision, &o.Attempts, &o.FailureReason,
		); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return outcomes, nil
}

// Close closes the connection pool.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}
