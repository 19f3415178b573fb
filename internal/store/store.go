package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use by multiple worker
// processes; every coordination primitive (task claims, trigger claims,
// conversation resolution, dedup) is a conditional update, never an
// in-process lock.
type Store interface {
	// Flows (immutable revisions)
	SaveFlow(ctx context.Context, rec *FlowRecord) error
	GetFlow(ctx context.Context, id string, version int) (*FlowRecord, error) // version 0 = latest

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Step results (append-only)
	AppendStepResult(ctx context.Context, sr *StepResult) error
	ListStepResults(ctx context.Context, runID string) ([]*StepResult, error)

	// Event log (append-only, audit)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, runID string) ([]*Event, error)

	// Webhook dedup. InsertDedupKey records the key with the given expiry and
	// returns false if a live key already exists (duplicate event).
	InsertDedupKey(ctx context.Context, key string, expiresAt time.Time) (bool, error)

	// Trigger tasks
	CreateTask(ctx context.Context, task *TriggerTask) error
	GetTask(ctx context.Context, id string) (*TriggerTask, error)
	ListPendingTasks(ctx context.Context, limit int) ([]*TriggerTask, error)
	// ClaimTask flips pending -> processing and returns false if another
	// worker already owns the task.
	ClaimTask(ctx context.Context, id string, now time.Time) (bool, error)
	FinishTask(ctx context.Context, id string, status string, runID, errMsg string) error

	// Scheduled triggers
	CreateScheduledTrigger(ctx context.Context, trig *ScheduledTrigger) error
	GetScheduledTrigger(ctx context.Context, id string) (*ScheduledTrigger, error)
	ListDueTriggers(ctx context.Context, now time.Time, limit int) ([]*ScheduledTrigger, error)
	// ClaimScheduledTrigger flips pending -> processing for an enabled, due
	// trigger; returns false when a concurrent sweep won the claim.
	ClaimScheduledTrigger(ctx context.Context, id string) (bool, error)
	UpdateScheduledTrigger(ctx context.Context, id string, update TriggerUpdate) error

	// HITL conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// FindWaitingConversation returns the open conversation for a run/node
	// pair, or nil when none is waiting.
	FindWaitingConversation(ctx context.Context, runID, nodeID string) (*Conversation, error)
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)
	// ResolveConversation transitions waiting -> the given terminal status and
	// records the resolution payload. Returns false if the conversation was
	// already terminal (resolve-once guard).
	ResolveConversation(ctx context.Context, id string, status string, resolution []byte, at time.Time) (bool, error)
	ListDueConversations(ctx context.Context, now time.Time) ([]*Conversation, error)

	// Webhook subscriptions
	CreateSubscription(ctx context.Context, sub *WebhookSubscription) error
	ListActiveSubscriptions(ctx context.Context, provider string) ([]*WebhookSubscription, error)

	// Secrets (plain key-value; encryption is the deployment's concern)
	PutSecret(ctx context.Context, key, value string) error
	GetSecret(ctx context.Context, key string) (string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	PruneDedupKeys(ctx context.Context, now time.Time) (int64, error)

	// Lifecycle
	Close() error
}
