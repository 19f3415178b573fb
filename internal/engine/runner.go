package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chainreact/flowd/internal/expressions"
	"github.com/chainreact/flowd/internal/logging"
	"github.com/chainreact/flowd/internal/nodes"
	"github.com/chainreact/flowd/internal/store"
	"github.com/chainreact/flowd/internal/validation"
	"github.com/chainreact/flowd/pkg/schema"
)

// Config holds runner tuning knobs.
type Config struct {
	NodeTimeout time.Duration // per-node wall clock when the policy omits one
	RetryDelay  time.Duration // initial backoff delay when the policy omits one
	MaxParallel int           // concurrent node invocations per run
}

func (c Config) withDefaults() Config {
	if c.NodeTimeout <= 0 {
		c.NodeTimeout = 30 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	return c
}

// Runner executes flow runs: it walks the DAG's ready set, resolves node
// configs against the run scope, invokes handlers under timeout and retry
// policy, and persists one StepResult per settled node. Replay is driven
// entirely by the StepResult table, so a resumed run never re-invokes a
// node that already settled.
type Runner struct {
	store     store.Store
	registry  nodes.NodeRegistry
	validator *validation.FlowValidator
	interp    *expressions.Interpolator
	cel       *expressions.CELEngine
	fsm       *RunFSM
	logger    *slog.Logger
	cfg       Config

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewRunner wires a Runner over the given store and collaborators.
func NewRunner(st store.Store, registry nodes.NodeRegistry, validator *validation.FlowValidator,
	interp *expressions.Interpolator, cel *expressions.CELEngine, logger *slog.Logger, cfg Config) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:     st,
		registry:  registry,
		validator: validator,
		interp:    interp,
		cel:       cel,
		fsm:       NewRunFSM(st),
		logger:    logger,
		cfg:       cfg.withDefaults(),
		active:    make(map[string]context.CancelFunc),
	}
}

// StartRun loads the flow revision (0 = latest), validates it and the
// supplied inputs, creates the run record and executes it to a paused or
// terminal state. The run ID is returned as soon as the run record exists;
// a non-nil error after that point describes the run's failure.
func (r *Runner) StartRun(ctx context.Context, flowID string, revisionID int, inputs, globals map[string]any) (string, error) {
	rec, err := r.store.GetFlow(ctx, flowID, revisionID)
	if err != nil {
		return "", err
	}
	if !rec.Enabled {
		return "", schema.NewErrorf(schema.ErrCodeConflict, "flow %s revision %d is disabled", rec.ID, rec.Version)
	}

	flow, err := r.validator.Parse(rec.Definition)
	if err != nil {
		return "", err
	}
	if result := r.validator.Validate(flow); !result.Valid() {
		return "", result.ToError()
	}
	if err := r.validator.ValidateInput(flow, inputs); err != nil {
		return "", err
	}

	inputsJSON, err := json.Marshal(orEmptyMap(inputs))
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "marshal inputs: %s", err.Error()).WithCause(err)
	}
	globalsJSON, err := json.Marshal(orEmptyMap(globals))
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "marshal globals: %s", err.Error()).WithCause(err)
	}

	run := &store.Run{
		ID:         uuid.NewString(),
		FlowID:     rec.ID,
		RevisionID: rec.Version,
		Status:     schema.RunStatusPending,
		Inputs:     inputsJSON,
		Globals:    globalsJSON,
		StartedAt:  time.Now().UTC(),
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
	}

	if err := r.transition(ctx, run, schema.RunStatusRunning, store.RunUpdate{}); err != nil {
		return run.ID, err
	}

	return run.ID, r.execute(ctx, run, flow, nil, nil)
}

// ResumeRun continues a paused or failed run. When fromNode is set, that
// node and everything reachable from it re-execute even if they settled
// before; input, when non-nil, replaces the resumed node's input. Nodes
// with an existing success or skipped StepResult outside the resumed
// subgraph are replayed from the store, never re-invoked.
func (r *Runner) ResumeRun(ctx context.Context, runID, fromNode string, input map[string]any) (schema.RunStatus, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.Status != schema.RunStatusPaused && run.Status != schema.RunStatusFailed {
		return run.Status, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %s is %s; only paused or failed runs can resume", runID, run.Status)
	}

	rec, err := r.store.GetFlow(ctx, run.FlowID, run.RevisionID)
	if err != nil {
		return run.Status, err
	}
	flow, err := r.validator.Parse(rec.Definition)
	if err != nil {
		return run.Status, err
	}

	var reexec map[string]bool
	overrides := make(map[string]map[string]any)
	if fromNode != "" {
		dag, err := BuildDAG(flow)
		if err != nil {
			return run.Status, err
		}
		if _, ok := dag.Node(fromNode); !ok {
			return run.Status, schema.NewErrorf(schema.ErrCodeNotFound, "node not found: %s", fromNode)
		}
		reexec = dag.Descendants(fromNode)
		if input != nil {
			overrides[fromNode] = input
		}
	}

	if err := r.transition(ctx, run, schema.RunStatusRunning, store.RunUpdate{}); err != nil {
		return run.Status, err
	}

	err = r.execute(ctx, run, flow, reexec, overrides)
	return run.Status, err
}

// CancelRun stops a non-terminal run. An actively executing run stops
// scheduling new nodes and lets in-flight handlers finish or time out; a
// paused or orphaned run is finalized directly.
func (r *Runner) CancelRun(ctx context.Context, runID, reason string) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is already %s", runID, run.Status)
	}

	r.mu.Lock()
	cancel, isActive := r.active[runID]
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "run cancellation requested", "run_id", runID, "reason", reason)
	if isActive {
		cancel()
		return nil
	}

	if err := r.fsm.Transition(ctx, runID, run.Status, schema.RunStatusCancelled); err != nil {
		return err
	}
	now := time.Now().UTC()
	status := schema.RunStatusCancelled
	update := store.RunUpdate{
		Status:     &status,
		Error:      marshalError(schema.NewError(schema.ErrCodeCancelled, reason)),
		FinishedAt: &now,
	}
	if err := r.store.UpdateRun(ctx, runID, update); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update run: %s", err.Error()).WithCause(err)
	}
	return nil
}

// --- execution loop ---

// execState is the in-memory view of one run execution, rebuilt from the
// StepResult table on every (re)entry.
type execState struct {
	settled map[string]schema.StepStatus
	branch  map[string]string
	scope   *expressions.Scope
}

func (r *Runner) execute(ctx context.Context, run *store.Run, flow *schema.Flow,
	reexec map[string]bool, overrides map[string]map[string]any) error {
	ctx = logging.WithRunID(ctx, run.ID)

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.active[run.ID] = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.active, run.ID)
		r.mu.Unlock()
	}()

	dag, err := BuildDAG(flow)
	if err != nil {
		return r.failRun(ctx, run, toEngineError(err))
	}

	st, err := r.replay(ctx, run, reexec)
	if err != nil {
		return r.failRun(ctx, run, toEngineError(err))
	}

	pool := NewWorkerPool(r.cfg.MaxParallel)
	defer pool.Shutdown()

	for {
		if runCtx.Err() != nil {
			return r.finalizeCancelled(ctx, run, dag, st)
		}

		toRun, toSkip := r.readySet(ctx, dag, st)

		// Skips settle first; a settled skip can unlock further nodes.
		if len(toSkip) > 0 {
			for _, id := range toSkip {
				if err := r.recordSkip(ctx, run, id, st); err != nil {
					return r.failRun(ctx, run, toEngineError(err))
				}
			}
			continue
		}
		if len(toRun) == 0 {
			break
		}

		outcomes := make([]*nodeOutcome, len(toRun))
		for i, id := range toRun {
			node, _ := dag.Node(id)
			i, node := i, node
			submitErr := pool.Submit(runCtx, func(c context.Context) error {
				outcomes[i] = r.executeNode(c, run, flow, dag, node, st, overrides[node.ID])
				return nil
			})
			if submitErr != nil {
				break // cancelled while filling the wave; Wait and finalize
			}
		}
		pool.Wait()

		// StepResult writes are serialized here, in wave order, to keep a
		// total order for replay.
		var firstErr *schema.EngineError
		var suspensions []*nodeOutcome
		for _, oc := range outcomes {
			if oc == nil {
				continue
			}
			switch {
			case oc.suspend != nil:
				suspensions = append(suspensions, oc)
			case oc.err != nil:
				if err := r.recordStep(ctx, run, oc, st); err != nil {
					return r.failRun(ctx, run, toEngineError(err))
				}
				if firstErr == nil {
					firstErr = oc.err
				}
			default:
				if err := r.recordStep(ctx, run, oc, st); err != nil {
					return r.failRun(ctx, run, toEngineError(err))
				}
			}
		}
		if firstErr != nil {
			return r.failRun(ctx, run, firstErr)
		}
		if len(suspensions) > 0 {
			for _, oc := range suspensions {
				if err := r.suspendNode(ctx, run, oc); err != nil {
					return r.failRun(ctx, run, toEngineError(err))
				}
			}
			return r.pauseRun(ctx, run)
		}
	}

	if runCtx.Err() != nil {
		return r.finalizeCancelled(ctx, run, dag, st)
	}
	return r.completeRun(ctx, run, dag, st)
}

// replay rebuilds execution state from prior StepResults. Success and
// skipped rows settle their node (later rows win); error rows do not, so a
// previously failed node re-executes on resume. Nodes in the reexec set are
// never replayed.
func (r *Runner) replay(ctx context.Context, run *store.Run, reexec map[string]bool) (*execState, error) {
	st := &execState{
		settled: make(map[string]schema.StepStatus),
		branch:  make(map[string]string),
		scope: &expressions.Scope{
			Inputs:  unmarshalMap(run.Inputs),
			Globals: unmarshalMap(run.Globals),
			Nodes:   make(map[string]any),
		},
	}

	prior, err := r.store.ListStepResults(ctx, run.ID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list step results: %s", err.Error()).WithCause(err)
	}
	for _, sr := range prior {
		if reexec[sr.NodeID] {
			continue
		}
		if sr.Status == schema.StepStatusError {
			continue
		}
		st.settled[sr.NodeID] = sr.Status
		st.branch[sr.NodeID] = sr.Branch
		if sr.Status == schema.StepStatusSuccess {
			st.scope.AddNodeOutput(sr.NodeID, sr.Output)
		}
	}
	return st, nil
}

// readySet partitions unsettled nodes whose incoming edges are all settled
// into those with at least one satisfied edge (to run) and those with none
// (to skip). A node with no incoming edges is always runnable.
func (r *Runner) readySet(ctx context.Context, dag *DAG, st *execState) (toRun, toSkip []string) {
	for _, id := range dag.Order() {
		if _, done := st.settled[id]; done {
			continue
		}
		in := dag.Incoming(id)
		allSettled := true
		for _, edge := range in {
			if _, ok := st.settled[edge.From.NodeID]; !ok {
				allSettled = false
				break
			}
		}
		if !allSettled {
			continue
		}

		if len(in) == 0 {
			toRun = append(toRun, id)
			continue
		}
		satisfied := false
		for _, edge := range in {
			if r.edgeSatisfied(ctx, st, edge) {
				satisfied = true
				break
			}
		}
		if satisfied {
			toRun = append(toRun, id)
		} else {
			toSkip = append(toSkip, id)
		}
	}
	return toRun, toSkip
}

// edgeSatisfied reports whether an edge delivers data: the source
// succeeded, the edge's branch label matches the source's emitted branch,
// and the optional condition guard holds. An unlabeled edge matches any
// branch except the no-match sentinel of a branching node.
func (r *Runner) edgeSatisfied(ctx context.Context, st *execState, edge *schema.Edge) bool {
	if st.settled[edge.From.NodeID] != schema.StepStatusSuccess {
		return false
	}
	srcBranch := st.branch[edge.From.NodeID]
	if edge.Branch != "" {
		if edge.Branch != srcBranch {
			return false
		}
	} else if srcBranch == nodes.BranchNoMatch {
		return false
	}

	if edge.Condition != "" {
		scope := st.scope.ForNode([]string{edge.From.NodeID})
		ok, err := r.cel.EvaluateBool(ctx, edge.Condition, scope.ToMap())
		if err != nil {
			r.logger.WarnContext(ctx, "edge condition failed, treating edge as unsatisfied",
				"from", edge.From.NodeID, "to", edge.To.NodeID, "error", err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// --- node invocation ---

type nodeOutcome struct {
	node     *schema.Node
	status   schema.StepStatus
	branch   string
	output   map[string]any
	err      *schema.EngineError
	attempt  int
	started  time.Time
	finished time.Time
	suspend  *nodes.SuspendRequest
}

func (oc *nodeOutcome) fail(err *schema.EngineError) {
	oc.status = schema.StepStatusError
	oc.err = err
	oc.finished = time.Now().UTC()
}

func (r *Runner) executeNode(ctx context.Context, run *store.Run, flow *schema.Flow, dag *DAG,
	node *schema.Node, st *execState, inputOverride map[string]any) *nodeOutcome {
	ctx = logging.WithNodeID(ctx, node.ID)
	oc := &nodeOutcome{node: node, started: time.Now().UTC(), attempt: 1}

	handler, err := r.registry.Get(node.Type)
	if err != nil {
		oc.fail(toEngineError(err).WithNode(node.ID))
		return oc
	}

	nodeScope := st.scope.ForNode(dag.Predecessors(node.ID))

	config, err := r.interp.ResolveToMap(ctx, node.Config, nodeScope)
	if err != nil {
		oc.fail(toEngineError(err).WithNode(node.ID))
		return oc
	}
	if err := handler.Validate(config); err != nil {
		oc.fail(toEngineError(err).WithNode(node.ID))
		return oc
	}

	input := inputOverride
	if input == nil {
		if node.ID == flow.Trigger.NodeID {
			input = st.scope.Inputs
		} else {
			input = mergedUpstream(nodeScope)
		}
	}

	req := nodes.Request{
		RunID:    run.ID,
		NodeID:   node.ID,
		Config:   config,
		Input:    orEmptyMap(input),
		Globals:  orEmptyMap(nodeScope.Globals),
		Nodes:    orEmptyMap(nodeScope.Nodes),
		Upstream: orEmptyMap(nodeScope.Upstream),
		Progress: r.progressFunc(ctx, run.ID, node.ID),
	}

	timeout := r.cfg.NodeTimeout
	if node.Policy.TimeoutMs > 0 {
		timeout = time.Duration(node.Policy.TimeoutMs) * time.Millisecond
	}
	maxAttempts := node.Policy.Retries + 1

	r.appendEvent(ctx, run.ID, node.ID, schema.EventNodeStarted, nil)
	r.logger.InfoContext(ctx, "node started", "type", node.Type)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		oc.attempt = attempt
		res, err := invokeHandler(ctx, handler, req, timeout)
		if err == nil {
			oc.status = schema.StepStatusSuccess
			oc.output = res.Output
			oc.branch = res.Branch
			oc.suspend = res.Suspend
			oc.finished = time.Now().UTC()
			return oc
		}

		lastErr = err
		if !IsRetryableError(err) || attempt == maxAttempts {
			break
		}
		delay := ComputeBackoff(node.Policy, attempt, r.cfg.RetryDelay)
		r.appendEvent(ctx, run.ID, node.ID, schema.EventNodeRetrying, map[string]any{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})
		r.logger.WarnContext(ctx, "node retrying", "attempt", attempt, "delay", delay, "error", err)
		if werr := WaitForBackoff(ctx, delay); werr != nil {
			lastErr = werr
			break
		}
	}

	engineErr := toEngineError(lastErr).WithNode(node.ID)
	if maxAttempts > 1 && oc.attempt == maxAttempts && engineErr.IsRetryable() {
		engineErr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"retries exhausted after %d attempts: %s", maxAttempts, engineErr.Message).
			WithNode(node.ID).WithCause(engineErr)
	}
	oc.fail(engineErr)
	return oc
}

// invokeHandler runs a handler under the node's wall-clock timeout. The
// handler context is detached from run cancellation so a cancelled run lets
// in-flight calls finish or time out on their own; a handler that outlives
// the timer is abandoned, not killed. A panicking handler is contained and
// surfaces as an execution error subject to the node's retry policy.
func invokeHandler(ctx context.Context, handler nodes.Handler, req nodes.Request, timeout time.Duration) (*nodes.Result, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	type reply struct {
		res *nodes.Result
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- reply{nil, schema.NewErrorf(schema.ErrCodeExecution, "handler panicked: %v", rec)}
			}
		}()
		res, err := handler.Run(callCtx, req)
		ch <- reply{res, err}
	}()

	select {
	case rep := <-ch:
		if rep.err != nil {
			return nil, rep.err
		}
		if rep.res == nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "handler returned no result")
		}
		return rep.res, nil
	case <-callCtx.Done():
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "node timed out after %s", timeout)
	}
}

// --- persistence helpers ---

func (r *Runner) recordStep(ctx context.Context, run *store.Run, oc *nodeOutcome, st *execState) error {
	sr := &store.StepResult{
		RunID:      run.ID,
		NodeID:     oc.node.ID,
		Status:     oc.status,
		Branch:     oc.branch,
		Attempt:    oc.attempt,
		StartedAt:  oc.started,
		FinishedAt: oc.finished,
	}
	if oc.status == schema.StepStatusSuccess {
		data, err := json.Marshal(orEmptyMap(oc.output))
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution, "marshal node output: %s", err.Error()).
				WithNode(oc.node.ID).WithCause(err)
		}
		sr.Output = data
	}
	if oc.err != nil {
		sr.Error = marshalError(oc.err)
	}

	if err := r.store.AppendStepResult(ctx, sr); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append step result: %s", err.Error()).WithCause(err)
	}

	st.settled[oc.node.ID] = oc.status
	st.branch[oc.node.ID] = oc.branch
	if oc.status == schema.StepStatusSuccess {
		st.scope.AddNodeOutput(oc.node.ID, sr.Output)
		payload := map[string]any{"attempt": oc.attempt}
		if oc.branch != "" {
			payload["branch"] = oc.branch
		}
		r.appendEvent(ctx, run.ID, oc.node.ID, schema.EventNodeCompleted, payload)
		r.logger.InfoContext(logging.WithNodeID(ctx, oc.node.ID), "node completed",
			"attempt", oc.attempt, "branch", oc.branch)
	} else {
		r.appendEvent(ctx, run.ID, oc.node.ID, schema.EventNodeFailed, map[string]any{
			"attempt": oc.attempt,
			"error":   oc.err.Error(),
		})
	}
	return nil
}

func (r *Runner) recordSkip(ctx context.Context, run *store.Run, nodeID string, st *execState) error {
	now := time.Now().UTC()
	sr := &store.StepResult{
		RunID:      run.ID,
		NodeID:     nodeID,
		Status:     schema.StepStatusSkipped,
		Attempt:    0,
		StartedAt:  now,
		FinishedAt: now,
	}
	if err := r.store.AppendStepResult(ctx, sr); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append step result: %s", err.Error()).WithCause(err)
	}
	st.settled[nodeID] = schema.StepStatusSkipped
	r.appendEvent(ctx, run.ID, nodeID, schema.EventNodeSkipped, nil)
	return nil
}

func (r *Runner) suspendNode(ctx context.Context, run *store.Run, oc *nodeOutcome) error {
	s := oc.suspend
	// A resume that replays up to a still-unanswered node must not open a
	// second conversation for it.
	if existing, err := r.store.FindWaitingConversation(ctx, run.ID, oc.node.ID); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "find conversation: %s", err.Error()).WithCause(err)
	} else if existing != nil {
		r.logger.InfoContext(logging.WithNodeID(ctx, oc.node.ID), "run suspended awaiting reply",
			"conversation_id", existing.ID, "channel", existing.Channel)
		return nil
	}
	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:                  uuid.NewString(),
		RunID:               run.ID,
		NodeID:              oc.node.ID,
		Status:              schema.ConversationWaiting,
		Channel:             s.Channel,
		Prompt:              s.Prompt,
		TimeoutAction:       s.TimeoutAction,
		ContinuationSignals: s.ContinuationSignals,
		ExtractVariables:    s.ExtractVariables,
		Defaults:            s.Defaults,
		CreatedAt:           now,
	}
	if s.TimeoutMs > 0 {
		t := now.Add(time.Duration(s.TimeoutMs) * time.Millisecond)
		conv.TimeoutAt = &t
	}
	if err := r.store.CreateConversation(ctx, conv); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create conversation: %s", err.Error()).WithCause(err)
	}
	r.appendEvent(ctx, run.ID, oc.node.ID, schema.EventConversationCreated, map[string]any{
		"conversation_id": conv.ID,
		"channel":         conv.Channel,
	})
	r.logger.InfoContext(logging.WithNodeID(ctx, oc.node.ID), "run suspended awaiting reply",
		"conversation_id", conv.ID, "channel", conv.Channel)
	return nil
}

func (r *Runner) pauseRun(ctx context.Context, run *store.Run) error {
	return r.transition(ctx, run, schema.RunStatusPaused, store.RunUpdate{})
}

func (r *Runner) failRun(ctx context.Context, run *store.Run, engineErr *schema.EngineError) error {
	now := time.Now().UTC()
	update := store.RunUpdate{
		Error:      marshalError(engineErr),
		FinishedAt: &now,
	}
	if err := r.transition(ctx, run, schema.RunStatusFailed, update); err != nil {
		r.logger.ErrorContext(ctx, "mark run failed", "error", err)
	}
	r.logger.ErrorContext(ctx, "run failed", "node_id", engineErr.NodeID, "error", engineErr)
	return engineErr
}

func (r *Runner) completeRun(ctx context.Context, run *store.Run, dag *DAG, st *execState) error {
	output := make(map[string]any)
	for _, id := range dag.Leaves() {
		if st.settled[id] == schema.StepStatusSuccess {
			output[id] = st.scope.Nodes[id]
		}
	}
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return r.failRun(ctx, run, schema.NewErrorf(schema.ErrCodeExecution,
			"marshal run output: %s", err.Error()).WithCause(err))
	}

	now := time.Now().UTC()
	update := store.RunUpdate{
		Output:     outputJSON,
		FinishedAt: &now,
	}
	if err := r.transition(ctx, run, schema.RunStatusCompleted, update); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "run completed", "run_id", run.ID)
	return nil
}

// finalizeCancelled settles every remaining node as skipped and marks the
// run cancelled.
func (r *Runner) finalizeCancelled(ctx context.Context, run *store.Run, dag *DAG, st *execState) error {
	for _, id := range dag.Order() {
		if _, done := st.settled[id]; done {
			continue
		}
		if err := r.recordSkip(ctx, run, id, st); err != nil {
			r.logger.WarnContext(ctx, "skip on cancel", "node_id", id, "error", err)
		}
	}
	now := time.Now().UTC()
	update := store.RunUpdate{
		Error:      marshalError(schema.NewError(schema.ErrCodeCancelled, "run cancelled")),
		FinishedAt: &now,
	}
	if err := r.transition(ctx, run, schema.RunStatusCancelled, update); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "run cancelled", "run_id", run.ID)
	return nil
}

// transition validates the state change, emits its event, and persists the
// new status together with any extra update fields.
func (r *Runner) transition(ctx context.Context, run *store.Run, to schema.RunStatus, update store.RunUpdate) error {
	if err := r.fsm.Transition(ctx, run.ID, run.Status, to); err != nil {
		return err
	}
	update.Status = &to
	if err := r.store.UpdateRun(ctx, run.ID, update); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update run: %s", err.Error()).WithCause(err)
	}
	run.Status = to
	if update.FinishedAt != nil {
		run.FinishedAt = update.FinishedAt
	}
	return nil
}

func (r *Runner) appendEvent(ctx context.Context, runID, nodeID, eventType string, payload map[string]any) {
	event := &store.Event{
		RunID:     runID,
		NodeID:    nodeID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			event.Payload = data
		}
	}
	if err := r.store.AppendEvent(ctx, event); err != nil {
		r.logger.WarnContext(ctx, "append event", "event_type", eventType, "error", err)
	}
}

func (r *Runner) progressFunc(ctx context.Context, runID, nodeID string) func(string) {
	return func(message string) {
		r.appendEvent(ctx, runID, nodeID, schema.EventNodeProgress, map[string]any{"message": message})
	}
}

// --- small helpers ---

func toEngineError(err error) *schema.EngineError {
	var engineErr *schema.EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, "deadline exceeded").WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, "cancelled").WithCause(err)
	}
	// Unclassified failures consume the retry budget.
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
}

func marshalError(engineErr *schema.EngineError) json.RawMessage {
	data, err := json.Marshal(engineErr)
	if err != nil {
		return json.RawMessage(`{"code":"EXECUTION_ERROR","message":"unserializable error"}`)
	}
	return data
}

func mergedUpstream(scope *expressions.Scope) map[string]any {
	ids := make([]string, 0, len(scope.Upstream))
	for id := range scope.Upstream {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	merged := make(map[string]any)
	for _, id := range ids {
		if m, ok := scope.Upstream[id].(map[string]any); ok {
			for k, v := range m {
				merged[k] = v
			}
		} else if scope.Upstream[id] != nil {
			merged[id] = scope.Upstream[id]
		}
	}
	return merged
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func unmarshalMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}
