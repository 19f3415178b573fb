package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/chainreact/flowd/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/flowd.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Flows ---

func (s *LibSQLStore) SaveFlow(ctx context.Context, rec *FlowRecord) error {
	if rec.ID == "" || rec.Version <= 0 {
		return schema.NewError(schema.ErrCodeValidation, "flow record needs id and version > 0")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flows (id, version, name, definition, enabled, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Version, nullStr(rec.Name), string(rec.Definition), boolInt(rec.Enabled), timeOrNow(rec.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetFlow(ctx context.Context, id string, version int) (*FlowRecord, error) {
	query := `SELECT id, version, name, definition, enabled, created_at FROM flows WHERE id = ?`
	args := []any{id}
	if version > 0 {
		query += ` AND version = ?`
		args = append(args, version)
	} else {
		query += ` ORDER BY version DESC LIMIT 1`
	}

	rec := &FlowRecord{}
	var name sql.NullString
	var def string
	var enabled int
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&rec.ID, &rec.Version, &name, &def, &enabled, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("flow", id)
	}
	if err != nil {
		return nil, err
	}
	rec.Name = name.String
	rec.Definition = json.RawMessage(def)
	rec.Enabled = enabled != 0
	return rec, nil
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, flow_id, revision_id, status, inputs, globals, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.FlowID, run.RevisionID, string(run.Status),
		nullRaw(run.Inputs), nullRaw(run.Globals), timeOrNow(run.StartedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var status string
	var inputs, globals, output, errJSON sql.NullString
	var finished sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, flow_id, revision_id, status, inputs, globals, output, error, started_at, finished_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.FlowID, &run.RevisionID, &status, &inputs, &globals, &output, &errJSON, &run.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.Inputs = rawOrNil(inputs)
	run.Globals = rawOrNil(globals)
	run.Output = rawOrNil(output)
	run.Error = rawOrNil(errJSON)
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	sets := make([]string, 0, 4)
	args := make([]any, 0, 5)
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT id, flow_id, revision_id, status, inputs, globals, output, error, started_at, finished_at FROM runs WHERE 1=1`
	args := []any{}
	if filter.FlowID != "" {
		query += ` AND flow_id = ?`
		args = append(args, filter.FlowID)
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	query += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var status string
		var inputs, globals, output, errJSON sql.NullString
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.FlowID, &run.RevisionID, &status, &inputs, &globals, &output, &errJSON, &run.StartedAt, &finished); err != nil {
			return nil, err
		}
		run.Status = schema.RunStatus(status)
		run.Inputs = rawOrNil(inputs)
		run.Globals = rawOrNil(globals)
		run.Output = rawOrNil(output)
		run.Error = rawOrNil(errJSON)
		if finished.Valid {
			run.FinishedAt = &finished.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Step results ---

func (s *LibSQLStore) AppendStepResult(ctx context.Context, sr *StepResult) error {
	if sr.Attempt <= 0 {
		sr.Attempt = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO step_results (run_id, node_id, status, branch, output, error, attempt, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sr.RunID, sr.NodeID, string(sr.Status), nullStr(sr.Branch),
		nullRaw(sr.Output), nullRaw(sr.Error), sr.Attempt,
		timeOrNow(sr.StartedAt), timeOrNow(sr.FinishedAt),
	)
	if err != nil {
		return err
	}
	if seq, err := res.LastInsertId(); err == nil {
		sr.Seq = seq
	}
	return nil
}

func (s *LibSQLStore) ListStepResults(ctx context.Context, runID string) ([]*StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, run_id, node_id, status, branch, output, error, attempt, started_at, finished_at
		 FROM step_results WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*StepResult
	for rows.Next() {
		sr := &StepResult{}
		var status string
		var branch, output, errJSON sql.NullString
		if err := rows.Scan(&sr.Seq, &sr.RunID, &sr.NodeID, &status, &branch, &output, &errJSON, &sr.Attempt, &sr.StartedAt, &sr.FinishedAt); err != nil {
			return nil, err
		}
		sr.Status = schema.StepStatus(status)
		sr.Branch = branch.String
		sr.Output = rawOrNil(output)
		sr.Error = rawOrNil(errJSON)
		results = append(results, sr)
	}
	return results, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, node_id, event_type, payload, timestamp) VALUES (?, ?, ?, ?, ?)`,
		nullStr(event.RunID), nullStr(event.NodeID), event.Type, nullRaw(event.Payload), event.Timestamp,
	)
	return err
}

func (s *LibSQLStore) ListEvents(ctx context.Context, runID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, event_type, payload, timestamp FROM events WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var rid, nid, payload sql.NullString
		if err := rows.Scan(&e.ID, &rid, &nid, &e.Type, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.RunID = rid.String
		e.NodeID = nid.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Dedup ---

// InsertDedupKey records the key unless a non-expired entry already exists.
// Expired entries are refreshed in place so the window slides with redelivery.
func (s *LibSQLStore) InsertDedupKey(ctx context.Context, key string, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup_keys (key, expires_at) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at
		 WHERE dedup_keys.expires_at <= ?`,
		key, expiresAt, time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) PruneDedupKeys(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup_keys WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Trigger tasks ---

func (s *LibSQLStore) CreateTask(ctx context.Context, task *TriggerTask) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trigger_tasks (id, dedup_key, flow_id, provider, resource, payload, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.DedupKey, task.FlowID, task.Provider, task.Resource,
		nullRaw(task.Payload), string(task.Status), timeOrNow(task.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*TriggerTask, error) {
	t := &TriggerTask{}
	var status string
	var payload, runID, errMsg sql.NullString
	var claimed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, dedup_key, flow_id, provider, resource, payload, status, run_id, error, claimed_at, created_at
		 FROM trigger_tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.DedupKey, &t.FlowID, &t.Provider, &t.Resource, &payload, &status, &runID, &errMsg, &claimed, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("trigger task", id)
	}
	if err != nil {
		return nil, err
	}
	t.Status = schema.TaskStatus(status)
	t.Payload = rawOrNil(payload)
	t.RunID = runID.String
	t.Error = errMsg.String
	if claimed.Valid {
		t.ClaimedAt = &claimed.Time
	}
	return t, nil
}

func (s *LibSQLStore) ListPendingTasks(ctx context.Context, limit int) ([]*TriggerTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM trigger_tasks WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		string(schema.TaskStatusPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tasks := make([]*TriggerTask, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ClaimTask is the atomic pending -> processing transition. The WHERE clause
// on status guarantees at most one concurrent processor wins.
func (s *LibSQLStore) ClaimTask(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE trigger_tasks SET status = ?, claimed_at = ? WHERE id = ? AND status = ?`,
		string(schema.TaskStatusProcessing), now, id, string(schema.TaskStatusPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) FinishTask(ctx context.Context, id string, status string, runID, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE trigger_tasks SET status = ?, run_id = ?, error = ? WHERE id = ? AND status = ?`,
		status, nullStr(runID), nullStr(errMsg), id, string(schema.TaskStatusProcessing),
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger task", id)
}

// --- Scheduled triggers ---

func (s *LibSQLStore) CreateScheduledTrigger(ctx context.Context, trig *ScheduledTrigger) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_triggers (id, flow_id, trigger_type, event_id, payload, scheduled_for, status, cron_expr, next_run_at, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trig.ID, trig.FlowID, trig.TriggerType, nullStr(trig.EventID), nullRaw(trig.Payload),
		trig.ScheduledFor, string(trig.Status), nullStr(trig.CronExpr), nullTime(trig.NextRunAt),
		boolInt(trig.Enabled), timeOrNow(trig.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledTrigger(ctx context.Context, id string) (*ScheduledTrigger, error) {
	t := &ScheduledTrigger{}
	var status string
	var eventID, payload, cronExpr, lastError sql.NullString
	var nextRun sql.NullTime
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, flow_id, trigger_type, event_id, payload, scheduled_for, status, cron_expr, next_run_at, enabled, last_error, created_at
		 FROM scheduled_triggers WHERE id = ?`, id,
	).Scan(&t.ID, &t.FlowID, &t.TriggerType, &eventID, &payload, &t.ScheduledFor, &status, &cronExpr, &nextRun, &enabled, &lastError, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled trigger", id)
	}
	if err != nil {
		return nil, err
	}
	t.Status = schema.TaskStatus(status)
	t.EventID = eventID.String
	t.Payload = rawOrNil(payload)
	t.CronExpr = cronExpr.String
	t.LastError = lastError.String
	t.Enabled = enabled != 0
	if nextRun.Valid {
		t.NextRunAt = &nextRun.Time
	}
	return t, nil
}

func (s *LibSQLStore) ListDueTriggers(ctx context.Context, now time.Time, limit int) ([]*ScheduledTrigger, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM scheduled_triggers
		 WHERE enabled = 1 AND status = ? AND scheduled_for <= ?
		 ORDER BY scheduled_for ASC LIMIT ?`,
		string(schema.TaskStatusPending), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	trigs := make([]*ScheduledTrigger, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetScheduledTrigger(ctx, id)
		if err != nil {
			return nil, err
		}
		trigs = append(trigs, t)
	}
	return trigs, nil
}

// ClaimScheduledTrigger is the atomic pending -> processing transition for a
// due trigger. Overlapping sweeps race on the status condition; one wins.
func (s *LibSQLStore) ClaimScheduledTrigger(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_triggers SET status = ? WHERE id = ? AND status = ? AND enabled = 1`,
		string(schema.TaskStatusProcessing), id, string(schema.TaskStatusPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) UpdateScheduledTrigger(ctx context.Context, id string, update TriggerUpdate) error {
	sets := make([]string, 0, 5)
	args := make([]any, 0, 6)
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.ScheduledFor != nil {
		sets = append(sets, "scheduled_for = ?")
		args = append(args, *update.ScheduledFor)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastError != "" {
		sets = append(sets, "last_error = ?")
		args = append(args, update.LastError)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_triggers SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled trigger", id)
}

// --- Conversations ---

func (s *LibSQLStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	signals, err := nullableJSONValue(conv.ContinuationSignals)
	if err != nil {
		return fmt.Errorf("marshal continuation signals: %w", err)
	}
	extract, err := nullableJSONValue(conv.ExtractVariables)
	if err != nil {
		return fmt.Errorf("marshal extract variables: %w", err)
	}
	defaults, err := nullableJSONValue(conv.Defaults)
	if err != nil {
		return fmt.Errorf("marshal defaults: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, run_id, node_id, status, channel, prompt, timeout_at, timeout_action, continuation_signals, extract_variables, defaults, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.RunID, conv.NodeID, string(conv.Status), nullStr(conv.Channel), nullStr(conv.Prompt),
		nullTime(conv.TimeoutAt), nullStr(conv.TimeoutAction), signals, extract, defaults, timeOrNow(conv.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv := &Conversation{}
	var status string
	var channel, prompt, action, signals, extract, defaults, resolution sql.NullString
	var timeoutAt, resolvedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, node_id, status, channel, prompt, timeout_at, timeout_action, continuation_signals, extract_variables, defaults, resolution, resolved_at, created_at
		 FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.RunID, &conv.NodeID, &status, &channel, &prompt, &timeoutAt, &action, &signals, &extract, &defaults, &resolution, &resolvedAt, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("conversation", id)
	}
	if err != nil {
		return nil, err
	}
	conv.Status = schema.ConversationStatus(status)
	conv.Channel = channel.String
	conv.Prompt = prompt.String
	conv.TimeoutAction = action.String
	conv.Resolution = rawOrNil(resolution)
	if timeoutAt.Valid {
		conv.TimeoutAt = &timeoutAt.Time
	}
	if resolvedAt.Valid {
		conv.ResolvedAt = &resolvedAt.Time
	}
	if signals.Valid && signals.String != "" {
		if err := json.Unmarshal([]byte(signals.String), &conv.ContinuationSignals); err != nil {
			return nil, fmt.Errorf("unmarshal continuation signals: %w", err)
		}
	}
	if extract.Valid && extract.String != "" {
		if err := json.Unmarshal([]byte(extract.String), &conv.ExtractVariables); err != nil {
			return nil, fmt.Errorf("unmarshal extract variables: %w", err)
		}
	}
	if defaults.Valid && defaults.String != "" {
		if err := json.Unmarshal([]byte(defaults.String), &conv.Defaults); err != nil {
			return nil, fmt.Errorf("unmarshal defaults: %w", err)
		}
	}
	return conv, nil
}

func (s *LibSQLStore) FindWaitingConversation(ctx context.Context, runID, nodeID string) (*Conversation, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE run_id = ? AND node_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1`,
		runID, nodeID, string(schema.ConversationWaiting),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, id)
}

func (s *LibSQLStore) AppendMessage(ctx context.Context, msg *Message) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, direction, body, created_at) VALUES (?, ?, ?, ?)`,
		msg.ConversationID, msg.Direction, msg.Body, timeOrNow(msg.CreatedAt),
	)
	if err != nil {
		return err
	}
	if seq, err := res.LastInsertId(); err == nil {
		msg.Seq = seq
	}
	return nil
}

func (s *LibSQLStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, conversation_id, direction, body, created_at FROM messages WHERE conversation_id = ? ORDER BY seq ASC`,
		conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.Seq, &m.ConversationID, &m.Direction, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ResolveConversation is the resolve-once guard: the status condition ensures
// exactly one caller (reply or timeout sweep) transitions a waiting
// conversation to a terminal state.
func (s *LibSQLStore) ResolveConversation(ctx context.Context, id string, status string, resolution []byte, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, resolution = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		status, nullRaw(resolution), at, id, string(schema.ConversationWaiting),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) ListDueConversations(ctx context.Context, now time.Time) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM conversations WHERE status = ? AND timeout_at IS NOT NULL AND timeout_at <= ?`,
		string(schema.ConversationWaiting), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	convs := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, nil
}

// --- Webhook subscriptions ---

func (s *LibSQLStore) CreateSubscription(ctx context.Context, sub *WebhookSubscription) error {
	eventTypes, err := nullableJSONValue(sub.EventTypes)
	if err != nil {
		return fmt.Errorf("marshal event types: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhook_subscriptions (id, name, provider, flow_id, event_types, secret, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, nullStr(sub.Name), sub.Provider, sub.FlowID, eventTypes, nullStr(sub.Secret),
		boolInt(sub.Active), timeOrNow(sub.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListActiveSubscriptions(ctx context.Context, provider string) ([]*WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, provider, flow_id, event_types, secret, active, created_at
		 FROM webhook_subscriptions WHERE provider = ? AND active = 1`, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*WebhookSubscription
	for rows.Next() {
		sub := &WebhookSubscription{}
		var name, eventTypes, secret sql.NullString
		var active int
		if err := rows.Scan(&sub.ID, &name, &sub.Provider, &sub.FlowID, &eventTypes, &secret, &active, &sub.CreatedAt); err != nil {
			return nil, err
		}
		sub.Name = name.String
		sub.Secret = secret.String
		sub.Active = active != 0
		if eventTypes.Valid && eventTypes.String != "" {
			if err := json.Unmarshal([]byte(eventTypes.String), &sub.EventTypes); err != nil {
				return nil, fmt.Errorf("unmarshal event types: %w", err)
			}
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) PutSecret(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value, time.Now().UTC(),
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", storeNotFound("secret", key)
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found: %s", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r []byte) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullableJSONValue(v any) (any, error) {
	switch x := v.(type) {
	case []string:
		if len(x) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(x) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(x) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
