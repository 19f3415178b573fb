package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chainreact/flowd/internal/store"
	"github.com/chainreact/flowd/pkg/schema"
)

// SweepStats summarizes one sweep pass.
type SweepStats struct {
	Claimed int `json:"claimed"`
	Started int `json:"started"`
	Failed  int `json:"failed"`
}

// Sweeper fires due scheduled triggers. Sweeps may overlap (cron-invoked
// workers, multiple instances); the claim CAS guarantees each due trigger
// fires exactly once per arming.
type Sweeper struct {
	store  store.Store
	runner RunStarter
	logger *slog.Logger
}

// NewSweeper creates a scheduled-trigger sweeper.
func NewSweeper(st store.Store, runner RunStarter, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: st, runner: runner, logger: logger}
}

// Sweep claims a bounded batch of due triggers and starts their runs.
// A recurring trigger is re-armed at its next cron occurrence after firing;
// a one-shot trigger completes and is disabled. A trigger whose run fails
// is disabled with the error recorded rather than retried forever.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time, batch int) (SweepStats, error) {
	var stats SweepStats

	due, err := s.store.ListDueTriggers(ctx, now, batch)
	if err != nil {
		return stats, schema.NewErrorf(schema.ErrCodeStore, "list due triggers: %s", err.Error()).WithCause(err)
	}

	for _, trig := range due {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.store.ClaimScheduledTrigger(ctx, trig.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "claim scheduled trigger", "trigger_id", trig.ID, "error", err)
			continue
		}
		if !ok {
			continue // a concurrent sweep won
		}
		stats.Claimed++

		if s.fire(ctx, trig, now) {
			stats.Started++
		} else {
			stats.Failed++
		}
	}
	return stats, nil
}

// RecoverMissed fires every overdue trigger in batches. Intended for daemon
// start, where downtime may have left triggers past their due time.
func (s *Sweeper) RecoverMissed(ctx context.Context, now time.Time) (SweepStats, error) {
	var total SweepStats
	for {
		stats, err := s.Sweep(ctx, now, 100)
		total.Claimed += stats.Claimed
		total.Started += stats.Started
		total.Failed += stats.Failed
		if err != nil {
			return total, err
		}
		if stats.Claimed == 0 {
			return total, nil
		}
	}
}

func (s *Sweeper) fire(ctx context.Context, trig *store.ScheduledTrigger, now time.Time) bool {
	var inputs map[string]any
	if len(trig.Payload) > 0 {
		if err := json.Unmarshal(trig.Payload, &inputs); err != nil {
			s.disable(ctx, trig, "malformed payload: "+err.Error())
			return false
		}
	}

	runID, err := s.runner.StartRun(ctx, trig.FlowID, 0, inputs, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduled trigger run failed",
			"trigger_id", trig.ID, "flow_id", trig.FlowID, "error", err)
		s.disable(ctx, trig, err.Error())
		return false
	}

	s.logger.InfoContext(ctx, "scheduled trigger fired",
		"trigger_id", trig.ID, "flow_id", trig.FlowID, "run_id", runID)

	if trig.CronExpr != "" {
		s.rearm(ctx, trig, now)
	} else {
		completed := schema.TaskStatusCompleted
		disabled := false
		s.update(ctx, trig.ID, store.TriggerUpdate{Status: &completed, Enabled: &disabled})
	}
	return true
}

// rearm moves a recurring trigger back to pending at its next occurrence.
func (s *Sweeper) rearm(ctx context.Context, trig *store.ScheduledTrigger, now time.Time) {
	sched, err := cron.ParseStandard(trig.CronExpr)
	if err != nil {
		s.disable(ctx, trig, "bad cron expression: "+err.Error())
		return
	}
	next := sched.Next(now)
	pending := schema.TaskStatusPending
	s.update(ctx, trig.ID, store.TriggerUpdate{
		Status:       &pending,
		ScheduledFor: &next,
		NextRunAt:    &next,
	})
}

func (s *Sweeper) disable(ctx context.Context, trig *store.ScheduledTrigger, reason string) {
	failed := schema.TaskStatusFailed
	disabled := false
	s.update(ctx, trig.ID, store.TriggerUpdate{
		Status:    &failed,
		Enabled:   &disabled,
		LastError: reason,
	})
}

func (s *Sweeper) update(ctx context.Context, id string, update store.TriggerUpdate) {
	if err := s.store.UpdateScheduledTrigger(ctx, id, update); err != nil {
		s.logger.ErrorContext(ctx, "update scheduled trigger", "trigger_id", id, "error", err)
	}
}
