package hitl

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"time"

	"github.com/chainreact/flowd/internal/logging"
	"github.com/chainreact/flowd/internal/store"
	"github.com/chainreact/flowd/pkg/schema"
)

// RunResumer is the runner surface the manager needs to continue a paused
// run once its conversation settles.
type RunResumer interface {
	ResumeRun(ctx context.Context, runID, fromNode string, input map[string]any) (schema.RunStatus, error)
}

// ReplyResult reports whether a reply resolved its conversation.
type ReplyResult struct {
	Resolved bool   `json:"resolved"`
	RunID    string `json:"run_id,omitempty"`
}

// Manager drives human-in-the-loop conversations. Resolution happens
// exactly once per conversation: the store's conditional transition is the
// arbiter, so duplicate replies and overlapping timeout sweeps cannot
// resume the same run twice.
type Manager struct {
	store   store.Store
	resumer RunResumer
	logger  *slog.Logger
}

// NewManager creates a conversation manager over the given store and runner.
func NewManager(st store.Store, resumer RunResumer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, resumer: resumer, logger: logger}
}

// Reply records an inbound message and, when it matches one of the
// conversation's continuation signals, resolves the conversation and
// resumes the paused run. Replies to an already-terminal conversation are
// ignored. A non-matching reply is kept in the history and the conversation
// stays open.
func (m *Manager) Reply(ctx context.Context, conversationID, message string) (ReplyResult, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return ReplyResult{}, err
	}
	ctx = logging.WithRunID(ctx, conv.RunID)

	if conv.Status != schema.ConversationWaiting {
		m.logger.InfoContext(ctx, "reply to terminal conversation ignored",
			"conversation_id", conversationID, "status", string(conv.Status))
		return ReplyResult{RunID: conv.RunID}, nil
	}

	if err := m.store.AppendMessage(ctx, &store.Message{
		ConversationID: conversationID,
		Direction:      "inbound",
		Body:           message,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		return ReplyResult{}, schema.NewErrorf(schema.ErrCodeStore, "append message: %s", err.Error()).WithCause(err)
	}

	signal, matched := m.matchSignal(ctx, conv, message)
	if !matched {
		m.logger.InfoContext(ctx, "reply did not match continuation signals",
			"conversation_id", conversationID)
		return ReplyResult{RunID: conv.RunID}, nil
	}

	variables := m.extractVariables(ctx, conv, message)
	resolution, _ := json.Marshal(map[string]any{
		"signal":    signal,
		"message":   message,
		"variables": variables,
	})

	now := time.Now().UTC()
	won, err := m.store.ResolveConversation(ctx, conversationID, string(schema.ConversationResolved), resolution, now)
	if err != nil {
		return ReplyResult{}, schema.NewErrorf(schema.ErrCodeStore, "resolve conversation: %s", err.Error()).WithCause(err)
	}
	if !won {
		// A concurrent reply or timeout sweep resolved it first.
		return ReplyResult{RunID: conv.RunID}, nil
	}

	m.appendEvent(ctx, conv, schema.EventConversationResolved, map[string]any{
		"conversation_id": conversationID,
		"signal":          signal,
	})

	output := make(map[string]any, len(variables)+1)
	for k, v := range variables {
		output[k] = v
	}
	output["reply"] = message

	if err := m.settleNode(ctx, conv, output); err != nil {
		return ReplyResult{}, err
	}
	if _, err := m.resumer.ResumeRun(ctx, conv.RunID, "", nil); err != nil {
		m.logger.ErrorContext(ctx, "resume after reply", "conversation_id", conversationID, "error", err)
		return ReplyResult{Resolved: true, RunID: conv.RunID}, err
	}

	m.logger.InfoContext(ctx, "conversation resolved", "conversation_id", conversationID, "signal", signal)
	return ReplyResult{Resolved: true, RunID: conv.RunID}, nil
}

// ExpireDue applies the timeout action to every conversation whose deadline
// passed. Returns how many this call transitioned; overlapping sweeps split
// the work via the resolve CAS.
func (m *Manager) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := m.store.ListDueConversations(ctx, now)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "list due conversations: %s", err.Error()).WithCause(err)
	}

	expired := 0
	for _, conv := range due {
		if ctx.Err() != nil {
			break
		}
		resolution, _ := json.Marshal(map[string]any{"timed_out": true, "timeout_action": conv.TimeoutAction})
		won, err := m.store.ResolveConversation(ctx, conv.ID, string(schema.ConversationTimedOut), resolution, now)
		if err != nil {
			m.logger.WarnContext(ctx, "expire conversation", "conversation_id", conv.ID, "error", err)
			continue
		}
		if !won {
			continue
		}
		expired++
		m.applyTimeout(logging.WithRunID(ctx, conv.RunID), conv)
	}
	return expired, nil
}

func (m *Manager) applyTimeout(ctx context.Context, conv *store.Conversation) {
	m.appendEvent(ctx, conv, schema.EventConversationTimedOut, map[string]any{
		"conversation_id": conv.ID,
		"timeout_action":  conv.TimeoutAction,
	})

	if conv.TimeoutAction == schema.TimeoutActionResume {
		output := make(map[string]any, len(conv.Defaults)+1)
		for k, v := range conv.Defaults {
			output[k] = v
		}
		output["timed_out"] = true
		if err := m.settleNode(ctx, conv, output); err != nil {
			m.logger.ErrorContext(ctx, "settle node on timeout", "conversation_id", conv.ID, "error", err)
			return
		}
		if _, err := m.resumer.ResumeRun(ctx, conv.RunID, "", nil); err != nil {
			m.logger.ErrorContext(ctx, "resume after timeout", "conversation_id", conv.ID, "error", err)
		}
		return
	}

	m.failRun(ctx, conv)
}

// failRun marks the paused run failed at the conversation's node.
func (m *Manager) failRun(ctx context.Context, conv *store.Conversation) {
	engineErr := schema.NewErrorf(schema.ErrCodeTimeout,
		"no reply before deadline on channel %s", conv.Channel).WithNode(conv.NodeID)
	errJSON, _ := json.Marshal(engineErr)
	now := time.Now().UTC()

	sr := &store.StepResult{
		RunID:      conv.RunID,
		NodeID:     conv.NodeID,
		Status:     schema.StepStatusError,
		Error:      errJSON,
		Attempt:    1,
		StartedAt:  conv.CreatedAt,
		FinishedAt: now,
	}
	if err := m.store.AppendStepResult(ctx, sr); err != nil {
		m.logger.ErrorContext(ctx, "append step result", "conversation_id", conv.ID, "error", err)
	}

	status := schema.RunStatusFailed
	update := store.RunUpdate{Status: &status, Error: errJSON, FinishedAt: &now}
	if err := m.store.UpdateRun(ctx, conv.RunID, update); err != nil {
		m.logger.ErrorContext(ctx, "mark run failed", "run_id", conv.RunID, "error", err)
		return
	}
	m.appendEvent(ctx, conv, schema.EventRunFailed, map[string]any{"conversation_id": conv.ID})
	m.logger.WarnContext(ctx, "run failed on conversation timeout",
		"conversation_id", conv.ID, "node_id", conv.NodeID)
}

// settleNode appends the success StepResult that completes the suspended
// node; the subsequent resume replays it and continues downstream.
func (m *Manager) settleNode(ctx context.Context, conv *store.Conversation, output map[string]any) error {
	data, err := json.Marshal(output)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "marshal node output: %s", err.Error()).WithCause(err)
	}
	now := time.Now().UTC()
	sr := &store.StepResult{
		RunID:      conv.RunID,
		NodeID:     conv.NodeID,
		Status:     schema.StepStatusSuccess,
		Output:     data,
		Attempt:    1,
		StartedAt:  conv.CreatedAt,
		FinishedAt: now,
	}
	if err := m.store.AppendStepResult(ctx, sr); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append step result: %s", err.Error()).WithCause(err)
	}
	m.appendEvent(ctx, conv, schema.EventNodeCompleted, map[string]any{"attempt": 1})
	return nil
}

func (m *Manager) matchSignal(ctx context.Context, conv *store.Conversation, message string) (string, bool) {
	for _, pattern := range conv.ContinuationSignals {
		re, err := regexp.Compile(pattern)
		if err != nil {
			m.logger.WarnContext(ctx, "bad continuation signal",
				"conversation_id", conv.ID, "pattern", pattern, "error", err)
			continue
		}
		if re.MatchString(message) {
			return pattern, true
		}
	}
	return "", false
}

// extractVariables applies each extraction rule to the message; the first
// capture group becomes the variable's value. Rules that do not match are
// filled from the conversation's defaults when present.
func (m *Manager) extractVariables(ctx context.Context, conv *store.Conversation, message string) map[string]any {
	variables := make(map[string]any)
	for name, pattern := range conv.ExtractVariables {
		re, err := regexp.Compile(pattern)
		if err != nil {
			m.logger.WarnContext(ctx, "bad extraction rule",
				"conversation_id", conv.ID, "variable", name, "error", err)
			continue
		}
		groups := re.FindStringSubmatch(message)
		if len(groups) >= 2 {
			variables[name] = groups[1]
		} else if def, ok := conv.Defaults[name]; ok {
			variables[name] = def
		}
	}
	return variables
}

func (m *Manager) appendEvent(ctx context.Context, conv *store.Conversation, eventType string, payload map[string]any) {
	event := &store.Event{
		RunID:     conv.RunID,
		NodeID:    conv.NodeID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
	if data, err := json.Marshal(payload); err == nil {
		event.Payload = data
	}
	if err := m.store.AppendEvent(ctx, event); err != nil {
		m.logger.WarnContext(ctx, "append event", "event_type", eventType, "error", err)
	}
}
