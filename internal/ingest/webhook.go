package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chainreact/flowd/internal/store"
	"github.com/chainreact/flowd/pkg/schema"
)

// RunStarter is the runner entry point both ingestion paths converge on.
type RunStarter interface {
	StartRun(ctx context.Context, flowID string, revisionID int, inputs, globals map[string]any) (string, error)
}

// IngestResult reports what happened to an inbound event. Deduped means a
// live dedup key already covered the event and it was discarded; an empty
// TaskID with Deduped false means no active subscription wanted it.
type IngestResult struct {
	Deduped bool     `json:"deduped"`
	TaskIDs []string `json:"task_ids,omitempty"`
}

// Webhooks turns inbound provider events into queued trigger tasks.
// Duplicate suppression is a store-level conditional insert, so concurrent
// receivers never enqueue the same event twice.
type Webhooks struct {
	store     store.Store
	retention time.Duration
	logger    *slog.Logger
}

// NewWebhooks creates the webhook ingestion front. retention bounds the
// dedup window; zero means 24 hours.
func NewWebhooks(st store.Store, retention time.Duration, logger *slog.Logger) *Webhooks {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhooks{store: st, retention: retention, logger: logger}
}

// Ingest handles one inbound event. Unsubscribed events are dropped before
// the dedup key is recorded so they never consume window space. A duplicate
// is an intentional no-op reported as success, which stops the source from
// retrying.
func (w *Webhooks) Ingest(ctx context.Context, provider, resource, eventID string, payload json.RawMessage) (IngestResult, error) {
	if provider == "" || eventID == "" {
		return IngestResult{}, schema.NewError(schema.ErrCodeValidation, "ingest needs provider and event ID")
	}

	subs, err := w.store.ListActiveSubscriptions(ctx, provider)
	if err != nil {
		return IngestResult{}, schema.NewErrorf(schema.ErrCodeStore, "list subscriptions: %s", err.Error()).WithCause(err)
	}
	matched := matchSubscriptions(subs, resource)
	if len(matched) == 0 {
		w.logger.InfoContext(ctx, "event has no active subscription, dropping",
			"provider", provider, "resource", resource, "event_id", eventID)
		return IngestResult{}, nil
	}

	key := DedupKey(provider, resource, eventID)
	fresh, err := w.store.InsertDedupKey(ctx, key, time.Now().UTC().Add(w.retention))
	if err != nil {
		return IngestResult{}, schema.NewErrorf(schema.ErrCodeStore, "record dedup key: %s", err.Error()).WithCause(err)
	}
	if !fresh {
		w.appendEvent(ctx, schema.EventTriggerDeduped, map[string]any{
			"provider": provider,
			"resource": resource,
			"event_id": eventID,
		})
		w.logger.InfoContext(ctx, "duplicate event discarded", "dedup_key", key)
		return IngestResult{Deduped: true}, nil
	}

	result := IngestResult{}
	now := time.Now().UTC()
	for _, sub := range matched {
		task := &store.TriggerTask{
			ID:        uuid.NewString(),
			DedupKey:  key,
			FlowID:    sub.FlowID,
			Provider:  provider,
			Resource:  resource,
			Payload:   payload,
			Status:    schema.TaskStatusPending,
			CreatedAt: now,
		}
		if err := w.store.CreateTask(ctx, task); err != nil {
			return result, schema.NewErrorf(schema.ErrCodeStore, "create trigger task: %s", err.Error()).WithCause(err)
		}
		result.TaskIDs = append(result.TaskIDs, task.ID)
		w.appendEvent(ctx, schema.EventTriggerIngested, map[string]any{
			"task_id":  task.ID,
			"flow_id":  sub.FlowID,
			"provider": provider,
			"event_id": eventID,
		})
	}

	w.logger.InfoContext(ctx, "event ingested",
		"provider", provider, "event_id", eventID, "tasks", len(result.TaskIDs))
	return result, nil
}

func (w *Webhooks) appendEvent(ctx context.Context, eventType string, payload map[string]any) {
	event := &store.Event{Type: eventType, Timestamp: time.Now().UTC()}
	if data, err := json.Marshal(payload); err == nil {
		event.Payload = data
	}
	if err := w.store.AppendEvent(ctx, event); err != nil {
		w.logger.WarnContext(ctx, "append event", "event_type", eventType, "error", err)
	}
}

// DedupKey derives the idempotency key for an inbound event.
func DedupKey(provider, resource, eventID string) string {
	return fmt.Sprintf("%s/%s#%s", provider, resource, eventID)
}

// matchSubscriptions keeps subscriptions whose event-type list covers the
// resource; an empty list subscribes to everything from the provider.
func matchSubscriptions(subs []*store.WebhookSubscription, resource string) []*store.WebhookSubscription {
	var matched []*store.WebhookSubscription
	for _, sub := range subs {
		if len(sub.EventTypes) == 0 {
			matched = append(matched, sub)
			continue
		}
		for _, et := range sub.EventTypes {
			if et == resource {
				matched = append(matched, sub)
				break
			}
		}
	}
	return matched
}
