package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/chainreact/flowd/internal/logging"
	"github.com/chainreact/flowd/internal/store"
	"github.com/chainreact/flowd/pkg/schema"
)

// Processor drains the trigger task queue. Multiple processor instances may
// run concurrently; the claim CAS decides ownership, so a task is executed
// at most once no matter how many workers poll it.
type Processor struct {
	store  store.Store
	runner RunStarter
	logger *slog.Logger
}

// NewProcessor creates a task processor over the given store and runner.
func NewProcessor(st store.Store, runner RunStarter, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: st, runner: runner, logger: logger}
}

// ProcessPending claims up to limit pending tasks and runs their flows.
// A task whose run fails is marked failed with the error attached, never
// deleted. Returns the number of tasks this call claimed.
func (p *Processor) ProcessPending(ctx context.Context, limit int) (int, error) {
	tasks, err := p.store.ListPendingTasks(ctx, limit)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "list pending tasks: %s", err.Error()).WithCause(err)
	}

	claimed := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		ok, err := p.store.ClaimTask(ctx, task.ID, time.Now().UTC())
		if err != nil {
			p.logger.WarnContext(ctx, "claim task", "task_id", task.ID, "error", err)
			continue
		}
		if !ok {
			continue // another worker won
		}
		claimed++
		p.runTask(logging.WithTaskID(ctx, task.ID), task)
	}
	return claimed, nil
}

func (p *Processor) runTask(ctx context.Context, task *store.TriggerTask) {
	p.appendEvent(ctx, "", task, schema.EventTriggerClaimed)

	var inputs map[string]any
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &inputs); err != nil {
			p.finish(ctx, task, schema.TaskStatusFailed, "", "malformed payload: "+err.Error())
			return
		}
	}

	runID, err := p.runner.StartRun(ctx, task.FlowID, 0, inputs, nil)
	if err != nil {
		p.logger.ErrorContext(ctx, "trigger task run failed",
			"flow_id", task.FlowID, "run_id", runID, "error", err)
		p.finish(ctx, task, schema.TaskStatusFailed, runID, err.Error())
		return
	}

	p.finish(ctx, task, schema.TaskStatusCompleted, runID, "")
	p.logger.InfoContext(ctx, "trigger task completed", "flow_id", task.FlowID, "run_id", runID)
}

func (p *Processor) finish(ctx context.Context, task *store.TriggerTask, status schema.TaskStatus, runID, errMsg string) {
	if err := p.store.FinishTask(ctx, task.ID, string(status), runID, errMsg); err != nil {
		p.logger.ErrorContext(ctx, "finish task", "task_id", task.ID, "error", err)
		return
	}
	p.appendEvent(ctx, runID, task, schema.EventTriggerFinished)
}

func (p *Processor) appendEvent(ctx context.Context, runID string, task *store.TriggerTask, eventType string) {
	payload, _ := json.Marshal(map[string]any{
		"task_id": task.ID,
		"flow_id": task.FlowID,
		"status":  string(task.Status),
	})
	event := &store.Event{
		RunID:     runID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if err := p.store.AppendEvent(ctx, event); err != nil {
		p.logger.WarnContext(ctx, "append event", "event_type", eventType, "error", err)
	}
}
