package store

import (
	"encoding/json"
	"time"

	"github.com/chainreact/flowd/pkg/schema"
)

// FlowRecord is a persisted flow revision. Revisions are immutable; saving a
// changed flow writes a new version.
type FlowRecord struct {
	ID         string          `json:"id"`
	Version    int             `json:"version"`
	Name       string          `json:"name,omitempty"`
	Definition json.RawMessage `json:"definition"` // raw flow JSON, re-validated on load
	Enabled    bool            `json:"enabled"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Run is one execution instance of a flow revision.
type Run struct {
	ID         string           `json:"id"`
	FlowID     string           `json:"flow_id"`
	RevisionID int              `json:"revision_id"`
	Status     schema.RunStatus `json:"status"`
	Inputs     json.RawMessage  `json:"inputs,omitempty"`
	Globals    json.RawMessage  `json:"globals,omitempty"`
	Output     json.RawMessage  `json:"output,omitempty"`
	Error      json.RawMessage  `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// StepResult is the durable record of one node execution within a run.
// Append-only: reruns and resumes append new rows, never rewrite old ones.
type StepResult struct {
	Seq        int64             `json:"seq"`
	RunID      string            `json:"run_id"`
	NodeID     string            `json:"node_id"`
	Status     schema.StepStatus `json:"status"`
	Branch     string            `json:"branch,omitempty"` // emitted branch label, for replay gating
	Output     json.RawMessage   `json:"output,omitempty"`
	Error      json.RawMessage   `json:"error,omitempty"`
	Attempt    int               `json:"attempt"` // total invocations consumed (1 = first try)
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// TriggerTask is a queued webhook or scheduled event awaiting execution.
type TriggerTask struct {
	ID        string            `json:"id"`
	DedupKey  string            `json:"dedup_key"`
	FlowID    string            `json:"flow_id"`
	Provider  string            `json:"provider"`
	Resource  string            `json:"resource"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Status    schema.TaskStatus `json:"status"`
	RunID     string            `json:"run_id,omitempty"`
	Error     string            `json:"error,omitempty"`
	ClaimedAt *time.Time        `json:"claimed_at,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ScheduledTrigger is a due-time based trigger record swept by the scheduler.
// CronExpr, when set, makes the trigger recurring: after a successful fire the
// sweep computes the next due time and re-arms it.
type ScheduledTrigger struct {
	ID           string            `json:"id"`
	FlowID       string            `json:"workflow_id"`
	TriggerType  string            `json:"trigger_type"`
	EventID      string            `json:"event_id,omitempty"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	ScheduledFor time.Time         `json:"scheduled_for"`
	Status       schema.TaskStatus `json:"status"`
	CronExpr     string            `json:"cron_expr,omitempty"`
	NextRunAt    *time.Time        `json:"next_run_at,omitempty"`
	Enabled      bool              `json:"enabled"`
	LastError    string            `json:"last_error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Conversation tracks a run paused at a HITL node awaiting a human reply.
type Conversation struct {
	ID                  string                    `json:"id"`
	RunID               string                    `json:"run_id"`
	NodeID              string                    `json:"node_id"`
	Status              schema.ConversationStatus `json:"status"`
	Channel             string                    `json:"channel,omitempty"`
	Prompt              string                    `json:"prompt,omitempty"`
	TimeoutAt           *time.Time                `json:"timeout_at,omitempty"`
	TimeoutAction       string                    `json:"timeout_action,omitempty"`
	ContinuationSignals []string                  `json:"continuation_signals,omitempty"`
	ExtractVariables    map[string]string         `json:"extract_variables,omitempty"` // variable -> regexp with one capture group
	Defaults            map[string]any            `json:"defaults,omitempty"`          // variables used on timeout resume
	Resolution          json.RawMessage           `json:"resolution,omitempty"`
	ResolvedAt          *time.Time                `json:"resolved_at,omitempty"`
	CreatedAt           time.Time                 `json:"created_at"`
}

// Message is one entry in a conversation's append-only history.
type Message struct {
	Seq            int64     `json:"seq"`
	ConversationID string    `json:"conversation_id"`
	Direction      string    `json:"direction"` // outbound (prompt) | inbound (reply)
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

// WebhookSubscription binds inbound provider events to a flow.
type WebhookSubscription struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Provider   string    `json:"provider"`
	FlowID     string    `json:"flow_id"`
	EventTypes []string  `json:"event_types,omitempty"` // empty = all resources for the provider
	Secret     string    `json:"-"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Event is an immutable entry in the engine audit log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id,omitempty"`
	NodeID    string          `json:"node_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// --- Filter and update types ---

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status     *schema.RunStatus `json:"status,omitempty"`
	Output     json.RawMessage   `json:"output,omitempty"`
	Error      json.RawMessage   `json:"error,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	FlowID string            `json:"flow_id,omitempty"`
	Status *schema.RunStatus `json:"status,omitempty"`
	Limit  int               `json:"limit,omitempty"`
}

// TriggerUpdate specifies mutable fields of a scheduled trigger after a fire.
type TriggerUpdate struct {
	Status       *schema.TaskStatus `json:"status,omitempty"`
	ScheduledFor *time.Time         `json:"scheduled_for,omitempty"`
	NextRunAt    *time.Time         `json:"next_run_at,omitempty"`
	Enabled      *bool              `json:"enabled,omitempty"`
	LastError    string             `json:"last_error,omitempty"`
}
