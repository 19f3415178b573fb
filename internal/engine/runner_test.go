package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainreact/flowd/internal/expressions"
	"github.com/chainreact/flowd/internal/nodes"
	"github.com/chainreact/flowd/internal/store"
	"github.com/chainreact/flowd/internal/validation"
	"github.com/chainreact/flowd/pkg/schema"
)

// scriptedHandler lets a test control each invocation's outcome.
type scriptedHandler struct {
	typeName string
	mu       sync.Mutex
	calls    int
	fn       func(call int, req nodes.Request) (*nodes.Result, error)
}

func (h *scriptedHandler) Type() string                  { return h.typeName }
func (h *scriptedHandler) Schema() nodes.NodeSchema      { return nodes.NodeSchema{} }
func (h *scriptedHandler) Validate(map[string]any) error { return nil }

func (h *scriptedHandler) Run(_ context.Context, req nodes.Request) (*nodes.Result, error) {
	h.mu.Lock()
	h.calls++
	call := h.calls
	fn := h.fn
	h.mu.Unlock()
	return fn(call, req)
}

func (h *scriptedHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *scriptedHandler) script(fn func(call int, req nodes.Request) (*nodes.Result, error)) {
	h.mu.Lock()
	h.fn = fn
	h.mu.Unlock()
}

func newTestRunner(t *testing.T) (*Runner, store.Store, *nodes.Registry) {
	t.Helper()

	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "flowd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	jq := expressions.NewGoJQEngine()
	exprs := expressions.NewExprEngine()

	reg := nodes.NewRegistry()
	require.NoError(t, nodes.RegisterBuiltins(reg, cel, jq, exprs, nodes.HTTPConfig{}))

	validator, err := validation.NewFlowValidator(reg, cel)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := NewRunner(st, reg, validator, expressions.NewInterpolator(st), cel, logger, Config{
		NodeTimeout: 5 * time.Second,
		RetryDelay:  time.Millisecond,
		MaxParallel: 4,
	})
	return runner, st, reg
}

func saveFlow(t *testing.T, st store.Store, definition string) string {
	t.Helper()
	var flow schema.Flow
	require.NoError(t, json.Unmarshal([]byte(definition), &flow))
	rec := &store.FlowRecord{
		ID:         flow.ID,
		Version:    1,
		Name:       flow.Name,
		Definition: json.RawMessage(definition),
		Enabled:    true,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, st.SaveFlow(context.Background(), rec))
	return flow.ID
}

func stepsByNode(t *testing.T, st store.Store, runID string) map[string][]*store.StepResult {
	t.Helper()
	steps, err := st.ListStepResults(context.Background(), runID)
	require.NoError(t, err)
	byNode := make(map[string][]*store.StepResult)
	for _, sr := range steps {
		byNode[sr.NodeID] = append(byNode[sr.NodeID], sr)
	}
	return byNode
}

func getRun(t *testing.T, st store.Store, runID string) *store.Run {
	t.Helper()
	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return run
}

const linearFlowJSON = `{
  "id": "linear",
  "nodes": [
    {"id": "start", "type": "trigger.manual"},
    {"id": "shape", "type": "template",
     "config": {"fields": {"greeting": "\"hello \" + inputs.name"}}},
    {"id": "done", "type": "echo", "config": {"note": "{{nodes.shape.greeting}}"}}
  ],
  "edges": [
    {"from": {"node_id": "start"}, "to": {"node_id": "shape"}},
    {"from": {"node_id": "shape"}, "to": {"node_id": "done"}}
  ],
  "trigger": {"node_id": "start", "type": "manual"}
}`

func TestRunner_StartRun_LinearFlow(t *testing.T) {
	runner, st, _ := newTestRunner(t)
	flowID := saveFlow(t, st, linearFlowJSON)

	runID, err := runner.StartRun(context.Background(), flowID, 0, map[string]any{"name": "ada"}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	run := getRun(t, st, runID)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	require.NotNil(t, run.FinishedAt)

	byNode := stepsByNode(t, st, runID)
	require.Len(t, byNode, 3)
	for _, id := range []string{"start", "shape", "done"} {
		require.Len(t, byNode[id], 1, "node %s", id)
		assert.Equal(t, schema.StepStatusSuccess, byNode[id][0].Status)
		assert.Equal(t, 1, byNode[id][0].Attempt)
	}

	var shapeOut map[string]any
	require.NoError(t, json.Unmarshal(byNode["shape"][0].Output, &shapeOut))
	assert.Equal(t, "hello ada", shapeOut["greeting"])

	var doneOut map[string]any
	require.NoError(t, json.Unmarshal(byNode["done"][0].Output, &doneOut))
	assert.Equal(t, "hello ada", doneOut["note"])

	// Run output carries the leaf node's output.
	var runOut map[string]any
	require.NoError(t, json.Unmarshal(run.Output, &runOut))
	assert.Contains(t, runOut, "done")
}

const approvalFlowJSON = `{
  "id": "approval",
  "nodes": [
    {"id": "hook", "type": "trigger.manual"},
    {"id": "route", "type": "switch",
     "config": {"cases": [{"branch": "high", "when": "inputs.amount > 100.0"}], "default": "low"}},
    {"id": "notify", "type": "noop"},
    {"id": "archive", "type": "noop"}
  ],
  "edges": [
    {"from": {"node_id": "hook"}, "to": {"node_id": "route"}},
    {"from": {"node_id": "route"}, "to": {"node_id": "notify"}, "branch": "high"},
    {"from": {"node_id": "route"}, "to": {"node_id": "archive"}, "branch": "low"}
  ],
  "trigger": {"node_id": "hook", "type": "manual"}
}`

func TestRunner_BranchingHighAmount(t *testing.T) {
	runner, st, _ := newTestRunner(t)
	flowID := saveFlow(t, st, approvalFlowJSON)

	runID, err := runner.StartRun(context.Background(), flowID, 0, map[string]any{"amount": 150.0}, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, getRun(t, st, runID).Status)

	byNode := stepsByNode(t, st, runID)
	assert.Equal(t, schema.StepStatusSuccess, byNode["route"][0].Status)
	assert.Equal(t, "high", byNode["route"][0].Branch)
	assert.Equal(t, schema.StepStatusSuccess, byNode["notify"][0].Status)
	assert.Equal(t, schema.StepStatusSkipped, byNode["archive"][0].Status)
}

func TestRunner_BranchingDefaultCase(t *testing.T) {
	runner, st, _ := newTestRunner(t)
	flowID := saveFlow(t, st, approvalFlowJSON)

	runID, err := runner.StartRun(context.Background(), flowID, 0, map[string]any{"amount": 50.0}, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, getRun(t, st, runID).Status)

	byNode := stepsByNode(t, st, runID)
	assert.Equal(t, "low", byNode["route"][0].Branch)
	assert.Equal(t, schema.StepStatusSkipped, byNode["notify"][0].Status)
	assert.Equal(t, schema.StepStatusSuccess, byNode["archive"][0].Status)
}

const scriptedFlowJSON = `{
  "id": "scripted",
  "nodes": [
    {"id": "start", "type": "trigger.manual"},
    {"id": "proc", "type": "scripted", "policy": {"retries": 2, "backoff": "constant", "delay_ms": 1}},
    {"id": "tail", "type": "noop"}
  ],
  "edges": [
    {"from": {"node_id": "start"}, "to": {"node_id": "proc"}},
    {"from": {"node_id": "proc"}, "to": {"node_id": "tail"}}
  ],
  "trigger": {"node_id": "start", "type": "manual"}
}`

func TestRunner_RetryBudgetConsumedThenSuccess(t *testing.T) {
	runner, st, reg := newTestRunner(t)
	handler := &scriptedHandler{typeName: "scripted"}
	handler.script(func(call int, _ nodes.Request) (*nodes.Result, error) {
		if call <= 2 {
			return nil, schema.NewError(schema.ErrCodeTransient, "flaky dependency")
		}
		return &nodes.Result{Output: map[string]any{"call": call}}, nil
	})
	require.NoError(t, reg.Register(handler))
	flowID := saveFlow(t, st, scriptedFlowJSON)

	runID, err := runner.StartRun(context.Background(), flowID, 0, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, getRun(t, st, runID).Status)
	assert.Equal(t, 3, handler.callCount())

	byNode := stepsByNode(t, st, runID)
	require.Len(t, byNode["proc"], 1)
	assert.Equal(t, schema.StepStatusSuccess, byNode["proc"][0].Status)
	assert.Equal(t, 3, byNode["proc"][0].Attempt)
}

func TestRunner_FatalErrorSkipsRetry(t *testing.T) {
	runner, st, reg := newTestRunner(t)
	handler := &scriptedHandler{typeName: "scripted"}
	handler.script(func(int, nodes.Request) (*nodes.Result, error) {
		return nil, schema.NewError(schema.ErrCodeFatal, "credentials revoked")
	})
	require.NoError(t, reg.Register(handler))
	flowID := saveFlow(t, st, scriptedFlowJSON)

	runID, err := runner.StartRun(context.Background(), flowID, 0, nil, nil)
	require.Error(t, err)
	var engineErr *schema.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, schema.ErrCodeFatal, engineErr.Code)
	assert.Equal(t, "proc", engineErr.NodeID)

	run := getRun(t, st, runID)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Equal(t, 1, handler.callCount())

	byNode := stepsByNode(t, st, runID)
	require.Len(t, byNode["proc"], 1)
	assert.Equal(t, schema.StepStatusError, byNode["proc"][0].Status)
	assert.Equal(t, 1, byNode["proc"][0].Attempt)
	// Downstream of the failure never settles.
	assert.Empty(t, byNode["tail"])
}

func TestRunner_RetriesExhausted(t *testing.T) {
	runner, st, reg := newTestRunner(t)
	handler := &scriptedHandler{typeName: "scripted"}
	handler.script(func(int, nodes.Request) (*nodes.Result, error) {
		return nil, schema.NewError(schema.ErrCodeTransient, "still down")
	})
	require.NoError(t, reg.Register(handler))
	flowID := saveFlow(t, st, scriptedFlowJSON)

	runID, err := runner.StartRun(context.Background(), flowID, 0, nil, nil)
	require.Error(t, err)
	var engineErr *schema.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, schema.ErrCodeRetryExhausted, engineErr.Code)

	assert.Equal(t, 3, handler.callCount())
	byNode := stepsByNode(t, st, runID)
	assert.Equal(t, 3, byNode["proc"][0].Attempt)
	assert.Equal(t, schema.RunStatusFailed, getRun(t, st, runID).Status)
}

func TestRunner_HandlerPanicContained(t *testing.T) {
	runner, st, reg := newTestRunner(t)
	handler := &scriptedHandler{typeName: "scripted"}
	handler.script(func(call int, _ nodes.Request) (*nodes.Result, error) {
		if call == 1 {
			panic("nil dereference in collaborator code")
		}
		return &nodes.Result{Output: map[string]any{"call": call}}, nil
	})
	require.NoError(t, reg.Register(handler))
	flowID := saveFlow(t, st, scriptedFlowJSON)

	runID, err := runner.StartRun(context.Background(), flowID, 0, nil, nil)
	require.NoError(t, err)

	// The panic is converted to a retryable execution error, not a crash.
	assert.Equal(t, schema.RunStatusCompleted, getRun(t, st, runID).Status)
	assert.Equal(t, 2, handler.callCount())
	byNode := stepsByNode(t, st, runID)
	require.Len(t, byNode["proc"], 1)
	assert.Equal(t, 2, byNode["proc"][0].Attempt)
}

func TestRunner_HandlerPanicEveryAttemptFailsRun(t *testing.T) {
	runner, st, reg := newTestRunner(t)
	handler := &scriptedHandler{typeName: "scripted"}
	handler.script(func(int, nodes.Request) (*nodes.Result, error) {
		panic("always broken")
	})
	require.NoError(t, reg.Register(handler))
	flowID := saveFlow(t, st, scriptedFlowJSON)

	runID, err := runner.StartRun(context.Background(), flowID, 0, nil, nil)
	require.Error(t, err)
	var engineErr *schema.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, schema.ErrCodeRetryExhausted, engineErr.Code)
	assert.Contains(t, engineErr.Message, "handler panicked")

	assert.Equal(t, 3, handler.callCount())
	assert.Equal(t, schema.RunStatusFailed, getRun(t, st, runID).Status)
}

func TestRunner_NodeTimeout(t *testing.T) {
	runner, st, reg := newTestRunner(t)
	handler := &scriptedHandler{typeName: "slow"}
	handler.script(func(_ int, req nodes.Request) (*nodes.Result, error) {
		time.Sleep(200 * time.Millisecond)
		return &nodes.Result{Output: map[string]any{}}, nil
	})
	require.NoError(t, reg.Register(handler))

	flowID := saveFlow(t, st, `{
	  "id": "sluggish",
	  "nodes": [
	    {"id": "start", "type": "trigger.manual"},
	    {"id": "slow", "type": "slow", "policy": {"timeout_ms": 20, "retries": 0}}
	  ],
	  "edges": [{"from": {"node_id": "start"}, "to": {"node_id": "slow"}}],
	  "trigger": {"node_id": "start", "type": "manual"}
	}`)

	runID, err := runner.StartRun(context.Background(), flowID, 0, nil, nil)
	require.Error(t, err)
	var engineErr *schema.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, schema.ErrCodeTimeout, engineErr.Code)
	assert.Equal(t, schema.RunStatusFailed, getRun(t, st, runID).Status)
}

func TestRunner_ResumeFailedRunFromNode(t *testing.T) {
	runner, st, reg := newTestRunner(t)
	handler := &scriptedHandler{typeName: "scripted"}
	handler.script(func(_ int, req nodes.Request) (*nodes.Result, error) {
		return nil, schema.NewError(schema.ErrCodeFatal, "bad input shape")
	})
	require.NoError(t, reg.Register(handler))
	flowID := saveFlow(t, st, scriptedFlowJSON)

	runID, err := runner.StartRun(context.Background(), flowID, 0, map[string]any{"v": 1.0}, nil)
	require.Error(t, err)
	require.Equal(t, schema.RunStatusFailed, getRun(t, st, runID).Status)

	before := stepsByNode(t, st, runID)
	require.Len(t, before["start"], 1)
	triggerSeq := before["start"][0].Seq

	handler.script(func(_ int, req nodes.Request) (*nodes.Result, error) {
		return &nodes.Result{Output: map[string]any{"corrected": req.Input["v"]}}, nil
	})

	status, err := runner.ResumeRun(context.Background(), runID, "proc", map[string]any{"v": 2.0})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, status)

	after := stepsByNode(t, st, runID)
	// The trigger's original StepResult survives untouched; the resumed node
	// gains a second row.
	require.Len(t, after["start"], 1)
	assert.Equal(t, triggerSeq, after["start"][0].Seq)
	require.Len(t, after["proc"], 2)
	assert.Equal(t, schema.StepStatusError, after["proc"][0].Status)
	assert.Equal(t, schema.StepStatusSuccess, after["proc"][1].Status)

	var out map[string]any
	require.NoError(t, json.Unmarshal(after["proc"][1].Output, &out))
	assert.Equal(t, 2.0, out["corrected"])
}

const hitlFlowJSON = `{
  "id": "escalation",
  "nodes": [
    {"id": "start", "type": "trigger.manual"},
    {"id": "ask", "type": "hitl.ask",
     "config": {"channel": "slack", "prompt": "approve?", "continuation_signals": ["^approved$"]}},
    {"id": "after", "type": "noop"}
  ],
  "edges": [
    {"from": {"node_id": "start"}, "to": {"node_id": "ask"}},
    {"from": {"node_id": "ask"}, "to": {"node_id": "after"}}
  ],
  "trigger": {"node_id": "start", "type": "manual"}
}`

func TestRunner_SuspendPausesRunAndOpensConversation(t *testing.T) {
	runner, st, _ := newTestRunner(t)
	flowID := saveFlow(t, st, hitlFlowJSON)

	runID, err := runner.StartRun(context.Background(), flowID, 0, nil, nil)
	require.NoError(t, err)

	run := getRun(t, st, runID)
	assert.Equal(t, schema.RunStatusPaused, run.Status)
	assert.Nil(t, run.FinishedAt)

	// The suspended node has no StepResult yet.
	byNode := stepsByNode(t, st, runID)
	assert.Empty(t, byNode["ask"])
	assert.Empty(t, byNode["after"])

	convID := conversationIDFromEvents(t, st, runID)
	conv, err := st.GetConversation(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, schema.ConversationWaiting, conv.Status)
	assert.Equal(t, runID, conv.RunID)
	assert.Equal(t, "ask", conv.NodeID)
	assert.Equal(t, "slack", conv.Channel)
	assert.Equal(t, []string{"^approved$"}, conv.ContinuationSignals)
}

func TestRunner_ResumeAfterConversationResolved(t *testing.T) {
	runner, st, _ := newTestRunner(t)
	flowID := saveFlow(t, st, hitlFlowJSON)

	runID, err := runner.StartRun(context.Background(), flowID, 0, nil, nil)
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusPaused, getRun(t, st, runID).Status)

	// Settle the suspended node the way conversation resolution does, then
	// resume: replay picks the row up and execution continues downstream.
	output, _ := json.Marshal(map[string]any{"reply": "approved"})
	now := time.Now().UTC()
	require.NoError(t, st.AppendStepResult(context.Background(), &store.StepResult{
		RunID:      runID,
		NodeID:     "ask",
		Status:     schema.StepStatusSuccess,
		Output:     output,
		Attempt:    1,
		StartedAt:  now,
		FinishedAt: now,
	}))

	status, err := runner.ResumeRun(context.Background(), runID, "", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, status)

	byNode := stepsByNode(t, st, runID)
	require.Len(t, byNode["ask"], 1)
	require.Len(t, byNode["after"], 1)
	assert.Equal(t, schema.StepStatusSuccess, byNode["after"][0].Status)
}

func TestRunner_ResumeWithUnresolvedConversationKeepsIt(t *testing.T) {
	runner, st, _ := newTestRunner(t)
	flowID := saveFlow(t, st, hitlFlowJSON)

	runID, err := runner.StartRun(context.Background(), flowID, 0, nil, nil)
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusPaused, getRun(t, st, runID).Status)
	convID := conversationIDFromEvents(t, st, runID)

	// Resuming while the reply is still outstanding replays up to the same
	// node and pauses again on the original conversation.
	status, err := runner.ResumeRun(context.Background(), runID, "", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPaused, status)

	conv, err := st.FindWaitingConversation(context.Background(), runID, "ask")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, convID, conv.ID)

	events, err := st.ListEvents(context.Background(), runID)
	require.NoError(t, err)
	created := 0
	for _, event := range events {
		if event.Type == schema.EventConversationCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestRunner_CancelPausedRun(t *testing.T) {
	runner, st, _ := newTestRunner(t)
	flowID := saveFlow(t, st, hitlFlowJSON)

	runID, err := runner.StartRun(context.Background(), flowID, 0, nil, nil)
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusPaused, getRun(t, st, runID).Status)

	require.NoError(t, runner.CancelRun(context.Background(), runID, "operator gave up"))
	run := getRun(t, st, runID)
	assert.Equal(t, schema.RunStatusCancelled, run.Status)
	require.NotNil(t, run.FinishedAt)

	err = runner.CancelRun(context.Background(), runID, "again")
	require.Error(t, err)
	var engineErr *schema.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, engineErr.Code)
}

func TestRunner_ParallelBranchesConverge(t *testing.T) {
	runner, st, _ := newTestRunner(t)
	flowID := saveFlow(t, st, `{
	  "id": "fanout",
	  "nodes": [
	    {"id": "start", "type": "trigger.manual"},
	    {"id": "a", "type": "noop"},
	    {"id": "b", "type": "noop"},
	    {"id": "join", "type": "noop"}
	  ],
	  "edges": [
	    {"from": {"node_id": "start"}, "to": {"node_id": "a"}},
	    {"from": {"node_id": "start"}, "to": {"node_id": "b"}},
	    {"from": {"node_id": "a"}, "to": {"node_id": "join"}},
	    {"from": {"node_id": "b"}, "to": {"node_id": "join"}}
	  ],
	  "trigger": {"node_id": "start", "type": "manual"}
	}`)

	runID, err := runner.StartRun(context.Background(), flowID, 0, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, getRun(t, st, runID).Status)

	byNode := stepsByNode(t, st, runID)
	require.Len(t, byNode, 4)
	for id, rows := range byNode {
		require.Len(t, rows, 1, "node %s settles exactly once", id)
		assert.Equal(t, schema.StepStatusSuccess, rows[0].Status)
	}
}

func TestRunner_EdgeConditionGates(t *testing.T) {
	runner, st, _ := newTestRunner(t)
	flowID := saveFlow(t, st, `{
	  "id": "guarded",
	  "nodes": [
	    {"id": "start", "type": "trigger.manual"},
	    {"id": "big", "type": "noop"},
	    {"id": "small", "type": "noop"}
	  ],
	  "edges": [
	    {"from": {"node_id": "start"}, "to": {"node_id": "big"},
	     "condition": "upstream.start.amount > 10.0"},
	    {"from": {"node_id": "start"}, "to": {"node_id": "small"},
	     "condition": "upstream.start.amount <= 10.0"}
	  ],
	  "trigger": {"node_id": "start", "type": "manual"}
	}`)

	runID, err := runner.StartRun(context.Background(), flowID, 0, map[string]any{"amount": 42.0}, nil)
	require.NoError(t, err)

	byNode := stepsByNode(t, st, runID)
	assert.Equal(t, schema.StepStatusSuccess, byNode["big"][0].Status)
	assert.Equal(t, schema.StepStatusSkipped, byNode["small"][0].Status)
}

func TestRunner_StartRun_UnknownFlow(t *testing.T) {
	runner, _, _ := newTestRunner(t)

	_, err := runner.StartRun(context.Background(), "nope", 0, nil, nil)
	require.Error(t, err)
	var engineErr *schema.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, schema.ErrCodeNotFound, engineErr.Code)
}

func TestRunner_StartRun_DisabledFlow(t *testing.T) {
	runner, st, _ := newTestRunner(t)

	var flow schema.Flow
	require.NoError(t, json.Unmarshal([]byte(linearFlowJSON), &flow))
	require.NoError(t, st.SaveFlow(context.Background(), &store.FlowRecord{
		ID:         flow.ID,
		Version:    1,
		Definition: json.RawMessage(linearFlowJSON),
		Enabled:    false,
	}))

	_, err := runner.StartRun(context.Background(), flow.ID, 0, nil, nil)
	require.Error(t, err)
	var engineErr *schema.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, schema.ErrCodeConflict, engineErr.Code)
}

func TestRunner_ResumeCompletedRunRejected(t *testing.T) {
	runner, st, _ := newTestRunner(t)
	flowID := saveFlow(t, st, linearFlowJSON)

	runID, err := runner.StartRun(context.Background(), flowID, 0, map[string]any{"name": "ada"}, nil)
	require.NoError(t, err)

	_, err = runner.ResumeRun(context.Background(), runID, "", nil)
	require.Error(t, err)
	var engineErr *schema.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, engineErr.Code)
}

func conversationIDFromEvents(t *testing.T, st store.Store, runID string) string {
	t.Helper()
	events, err := st.ListEvents(context.Background(), runID)
	require.NoError(t, err)
	for _, event := range events {
		if event.Type == schema.EventConversationCreated {
			var payload map[string]any
			require.NoError(t, json.Unmarshal(event.Payload, &payload))
			id, _ := payload["conversation_id"].(string)
			require.NotEmpty(t, id)
			return id
		}
	}
	t.Fatalf("no %s event for run %s", schema.EventConversationCreated, runID)
	return ""
}
