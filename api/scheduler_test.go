package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessScheduler_InvalidSpec(t *testing.T) {
	h, _ := setupTestServer(t)
	_, err := NewProcessScheduler(h, "every morning", time.UTC)
	assert.Error(t, err)
}

func TestProcessScheduler_RunNowRecordsRun(t *testing.T) {
	// GIVEN: A due rule and a scheduler
	// WHEN: The scheduler runs a pass
	// THEN: The rule is materialized and the run is audited as "schedule"

	h, srv := setupTestServer(t)
	createRule(t, srv, "alice", map[string]any{
		"kind": "expense", "category_id": 3, "amount": "12", "frequency": "daily", "start_date": testToday,
	})

	ps, err := NewProcessScheduler(h, "5 0 * * *", time.UTC)
	require.NoError(t, err)
	require.NoError(t, ps.RunNow(context.Background()))

	runs, err := h.Store.ListProcessRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "schedule", runs[0].Trigger)
	assert.Equal(t, "completed", runs[0].Status)
	assert.Equal(t, 1, runs[0].Result.Materialized)

	expenses := decode[[]LedgerRecordDTO](t, do(t, srv, http.MethodGet, "/api/expenses", "alice", nil))
	assert.Len(t, expenses, 1)
}

func TestProcessScheduler_StartStop(t *testing.T) {
	h, _ := setupTestServer(t)
	ps, err := NewProcessScheduler(h, "@every 1h", time.UTC)
	require.NoError(t, err)

	ps.Enabled = false
	ps.Start()
	assert.True(t, ps.Next().IsZero(), "disabled scheduler never runs")
	ps.Stop()

	ps.Enabled = true
	ps.Start()
	assert.Eventually(t, func() bool { return !ps.Next().IsZero() }, time.Second, 10*time.Millisecond)
	ps.Stop()
}

func TestProcessScheduler_StopWaitsForStartupPass(t *testing.T) {
	// GIVEN: A scheduler configured to run a pass at start-up
	// WHEN: It is stopped right after starting
	// THEN: Stop returns only once that pass is recorded as completed

	h, srv := setupTestServer(t)
	createRule(t, srv, "alice", map[string]any{
		"kind": "expense", "category_id": 3, "amount": "12", "frequency": "daily", "start_date": testToday,
	})

	ps, err := NewProcessScheduler(h, "@every 1h", time.UTC)
	require.NoError(t, err)
	ps.RunOnStart = true
	ps.Start()
	ps.Stop()

	runs, err := h.Store.ListProcessRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Status)
	assert.Equal(t, 1, runs[0].Result.Materialized)
}
