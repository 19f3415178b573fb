package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainreact/flowd/internal/store"
	"github.com/chainreact/flowd/pkg/schema"
)

func createTrigger(t *testing.T, st store.Store, id string, due time.Time, cronExpr string) {
	t.Helper()
	payload, _ := json.Marshal(map[string]any{"source": "schedule"})
	require.NoError(t, st.CreateScheduledTrigger(context.Background(), &store.ScheduledTrigger{
		ID:           id,
		FlowID:       "report-flow",
		TriggerType:  "schedule",
		Payload:      payload,
		ScheduledFor: due,
		Status:       schema.TaskStatusPending,
		CronExpr:     cronExpr,
		Enabled:      true,
		CreatedAt:    time.Now().UTC(),
	}))
}

func getTrigger(t *testing.T, st store.Store, id string) *store.ScheduledTrigger {
	t.Helper()
	trig, err := st.GetScheduledTrigger(context.Background(), id)
	require.NoError(t, err)
	return trig
}

func TestSweeper_FiresDueOneShot(t *testing.T) {
	st := newIngestStore(t)
	now := time.Now().UTC()
	createTrigger(t, st, "trig-1", now.Add(-time.Minute), "")
	runner := &fakeRunner{}
	sweeper := NewSweeper(st, runner, nil)

	stats, err := sweeper.Sweep(context.Background(), now, 10)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Claimed: 1, Started: 1}, stats)

	require.Equal(t, 1, runner.count())
	assert.Equal(t, "report-flow", runner.call(0).flowID)
	assert.Equal(t, "schedule", runner.call(0).inputs["source"])

	trig := getTrigger(t, st, "trig-1")
	assert.Equal(t, schema.TaskStatusCompleted, trig.Status)
	assert.False(t, trig.Enabled, "one-shot triggers disable after firing")
}

func TestSweeper_RearmsRecurring(t *testing.T) {
	st := newIngestStore(t)
	now := time.Now().UTC()
	createTrigger(t, st, "trig-1", now.Add(-time.Minute), "*/5 * * * *")
	runner := &fakeRunner{}
	sweeper := NewSweeper(st, runner, nil)

	stats, err := sweeper.Sweep(context.Background(), now, 10)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Started)

	trig := getTrigger(t, st, "trig-1")
	assert.Equal(t, schema.TaskStatusPending, trig.Status)
	assert.True(t, trig.Enabled)
	require.NotNil(t, trig.NextRunAt)
	assert.True(t, trig.NextRunAt.After(now))
	assert.True(t, trig.ScheduledFor.After(now))
}

func TestSweeper_RunFailureDisables(t *testing.T) {
	st := newIngestStore(t)
	now := time.Now().UTC()
	createTrigger(t, st, "trig-1", now.Add(-time.Minute), "*/5 * * * *")
	runner := &fakeRunner{err: errors.New("flow is gone")}
	sweeper := NewSweeper(st, runner, nil)

	stats, err := sweeper.Sweep(context.Background(), now, 10)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Claimed: 1, Failed: 1}, stats)

	// Disabled, not deleted: the record stays inspectable with its error.
	trig := getTrigger(t, st, "trig-1")
	assert.Equal(t, schema.TaskStatusFailed, trig.Status)
	assert.False(t, trig.Enabled)
	assert.Contains(t, trig.LastError, "flow is gone")
}

func TestSweeper_FutureTriggerIgnored(t *testing.T) {
	st := newIngestStore(t)
	now := time.Now().UTC()
	createTrigger(t, st, "trig-1", now.Add(time.Hour), "")
	runner := &fakeRunner{}
	sweeper := NewSweeper(st, runner, nil)

	stats, err := sweeper.Sweep(context.Background(), now, 10)
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed)
	assert.Zero(t, runner.count())
}

func TestSweeper_BadCronDisablesAfterFire(t *testing.T) {
	st := newIngestStore(t)
	now := time.Now().UTC()
	createTrigger(t, st, "trig-1", now.Add(-time.Minute), "not a cron expr")
	runner := &fakeRunner{}
	sweeper := NewSweeper(st, runner, nil)

	stats, err := sweeper.Sweep(context.Background(), now, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Started)

	trig := getTrigger(t, st, "trig-1")
	assert.False(t, trig.Enabled)
	assert.Contains(t, trig.LastError, "bad cron expression")
}

func TestSweeper_ConcurrentSweepsClaimOnce(t *testing.T) {
	st := newIngestStore(t)
	now := time.Now().UTC()
	createTrigger(t, st, "trig-1", now.Add(-time.Minute), "")
	runner := &fakeRunner{delay: 10 * time.Millisecond}

	const sweeps = 6
	var wg sync.WaitGroup
	results := make([]SweepStats, sweeps)
	for i := 0; i < sweeps; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stats, err := NewSweeper(st, runner, nil).Sweep(context.Background(), now, 10)
			require.NoError(t, err)
			results[i] = stats
		}(i)
	}
	wg.Wait()

	claimed := 0
	for _, stats := range results {
		claimed += stats.Claimed
	}
	assert.Equal(t, 1, claimed, "the pending->processing transition happens exactly once")
	assert.Equal(t, 1, runner.count())
}

func TestSweeper_RecoverMissedDrainsBacklog(t *testing.T) {
	st := newIngestStore(t)
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		createTrigger(t, st, fmt.Sprintf("trig-%d", i), now.Add(-time.Duration(i+1)*time.Hour), "")
	}
	runner := &fakeRunner{}
	sweeper := NewSweeper(st, runner, nil)

	stats, err := sweeper.RecoverMissed(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Claimed)
	assert.Equal(t, 3, stats.Started)
	assert.Equal(t, 3, runner.count())
}
