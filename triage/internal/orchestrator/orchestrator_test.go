package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talonsec/talon-stack/common/logging"
	"github.com/talonsec/talon-stack/triage/internal/faults"
	"github.com/talonsec/talon-stack/triage/internal/models"
)

func testOrchestrator() *Orchestrator {
	o := New(logging.Default())
	o.BaseBackoff = time.Millisecond
	o.MaxBackoff = 5 * time.Millisecond
	return o
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("ev-%03d", i)
	}
	return out
}

func TestClassifyBatchAllSucceed(t *testing.T) {
	o := testOrchestrator()

	outcomes := o.ClassifyBatch(context.Background(), ids(20), func(ctx context.Context, eventID string) (models.Classification, string, error) {
		return models.ClassificationBenign, "ok", nil
	})

	require.Len(t, outcomes, 20)
	for i, out := range outcomes {
		assert.True(t, out.Succeeded())
		assert.Equal(t, fmt.Sprintf("ev-%03d", i), out.EventID, "outcomes must preserve input order")
		assert.Equal(t, 1, out.Attempts)
	}
}

func TestClassifyBatchTransientFailuresRetry(t *testing.T) {
	// 100 events, 2 of which fail transiently once: both must eventually
	// succeed and the report must list all 100 terminal outcomes.
	o := testOrchestrator()

	var mu sync.Mutex
	failures := map[string]int{"ev-007": 1, "ev-042": 1}

	outcomes := o.ClassifyBatch(context.Background(), ids(100), func(ctx context.Context, eventID string) (models.Classification, string, error) {
		mu.Lock()
		remaining := failures[eventID]
		if remaining > 0 {
			failures[eventID] = remaining - 1
		}
		mu.Unlock()
		if remaining > 0 {
			return models.ClassificationUnset, "", fmt.Errorf("model: %w", faults.ErrClassifierUnavailable)
		}
		return models.ClassificationMalicious, "r", nil
	})

	require.Len(t, outcomes, 100)
	succeeded := 0
	for _, out := range outcomes {
		require.True(t, out.Succeeded(), "event %s: %v", out.EventID, out.Err)
		succeeded++
	}
	assert.Equal(t, 100, succeeded)

	byID := map[string]Outcome{}
	for _, out := range outcomes {
		byID[out.EventID] = out
	}
	assert.Equal(t, 2, byID["ev-007"].Attempts)
	assert.Equal(t, 2, byID["ev-042"].Attempts)
}

func TestClassifyBatchExhaustsRetryCeiling(t *testing.T) {
	o := testOrchestrator()
	o.MaxAttempts = 3

	var calls atomic.Int32
	outcomes := o.ClassifyBatch(context.Background(), []string{"ev-000"}, func(ctx context.Context, eventID string) (models.Classification, string, error) {
		calls.Add(1)
		return models.ClassificationUnset, "", fmt.Errorf("store: %w", faults.ErrStoreUnavailable)
	})

	require.Len(t, outcomes, 1)
	out := outcomes[0]
	assert.False(t, out.Succeeded())
	assert.Equal(t, 3, out.Attempts)
	assert.EqualValues(t, 3, calls.Load())
	assert.ErrorIs(t, out.Err, faults.ErrStoreUnavailable)
	assert.Contains(t, out.FailureReason, "retry ceiling exhausted")
}

func TestClassifyBatchNonTransientNotRetried(t *testing.T) {
	o := testOrchestrator()

	var calls atomic.Int32
	outcomes := o.ClassifyBatch(context.Background(), []string{"ev-000"}, func(ctx context.Context, eventID string) (models.Classification, string, error) {
		calls.Add(1)
		return models.ClassificationUnset, "", fmt.Errorf("doc: %w", faults.ErrNotFound)
	})

	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Succeeded())
	assert.EqualValues(t, 1, calls.Load(), "non-transient failures must not be retried")
}

func TestClassifyBatchFailureIsolation(t *testing.T) {
	o := testOrchestrator()

	outcomes := o.ClassifyBatch(context.Background(), ids(10), func(ctx context.Context, eventID string) (models.Classification, string, error) {
		if eventID == "ev-003" {
			return models.ClassificationUnset, "", errors.New("hard failure")
		}
		return models.ClassificationBenign, "ok", nil
	})

	require.Len(t, outcomes, 10)
	for _, out := range outcomes {
		if out.EventID == "ev-003" {
			assert.False(t, out.Succeeded())
		} else {
			assert.True(t, out.Succeeded(), "sibling %s must not be affected", out.EventID)
		}
	}
}

func TestClassifyBatchBoundsConcurrency(t *testing.T) {
	o := testOrchestrator()
	o.Concurrency = 4

	var current, peak atomic.Int32
	outcomes := o.ClassifyBatch(context.Background(), ids(50), func(ctx context.Context, eventID string) (models.Classification, string, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		current.Add(-1)
		return models.ClassificationBenign, "", nil
	})

	require.Len(t, outcomes, 50)
	assert.LessOrEqual(t, peak.Load(), int32(4))
}

func TestClassifyBatchCancellation(t *testing.T) {
	o := testOrchestrator()
	o.Concurrency = 2

	ctx, cancel := context.WithCancel(context.Background())
	var started atomic.Int32

	go func() {
		for started.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	outcomes := o.ClassifyBatch(ctx, ids(40), func(ctx context.Context, eventID string) (models.Classification, string, error) {
		started.Add(1)
		select {
		case <-time.After(5 * time.Millisecond):
			return models.ClassificationBenign, "", nil
		case <-ctx.Done():
			return models.ClassificationUnset, "", ctx.Err()
		}
	})

	// All 40 must have a terminal outcome even though the run was cancelled.
	require.Len(t, outcomes, 40)
	for _, out := range outcomes {
		assert.NotEmpty(t, out.EventID)
		if !out.Succeeded() {
			assert.NotEmpty(t, out.FailureReason)
		}
	}
}
