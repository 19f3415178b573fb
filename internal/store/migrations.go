package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// migration holds a versioned SQL migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{Version: 1, Name: "initial_schema", SQL: migration001},
}

const migration001 = `
CREATE TABLE IF NOT EXISTS flows (
	id TEXT NOT NULL,
	version INTEGER NOT NULL,
	name TEXT,
	definition TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (id, version)
);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	flow_id TEXT NOT NULL,
	revision_id INTEGER NOT NULL,
	status TEXT NOT NULL,
	inputs TEXT,
	globals TEXT,
	output TEXT,
	error TEXT,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_runs_flow ON runs(flow_id, status);

CREATE TABLE IF NOT EXISTS step_results (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	status TEXT NOT NULL,
	branch TEXT,
	output TEXT,
	error TEXT,
	attempt INTEGER NOT NULL DEFAULT 1,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_step_results_run ON step_results(run_id, node_id);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT,
	node_id TEXT,
	event_type TEXT NOT NULL,
	payload TEXT,
	timestamp TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id);

CREATE TABLE IF NOT EXISTS dedup_keys (
	key TEXT PRIMARY KEY,
	expires_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS trigger_tasks (
	id TEXT PRIMARY KEY,
	dedup_key TEXT NOT NULL,
	flow_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	resource TEXT NOT NULL,
	payload TEXT,
	status TEXT NOT NULL,
	run_id TEXT,
	error TEXT,
	claimed_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON trigger_tasks(status, created_at);

CREATE TABLE IF NOT EXISTS scheduled_triggers (
	id TEXT PRIMARY KEY,
	flow_id TEXT NOT NULL,
	trigger_type TEXT NOT NULL,
	event_id TEXT,
	payload TEXT,
	scheduled_for TIMESTAMP NOT NULL,
	status TEXT NOT NULL,
	cron_expr TEXT,
	next_run_at TIMESTAMP,
	enabled INTEGER NOT NULL DEFAULT 1,
	last_error TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sched_due ON scheduled_triggers(enabled, status, scheduled_for);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	status TEXT NOT NULL,
	channel TEXT,
	prompt TEXT,
	timeout_at TIMESTAMP,
	timeout_action TEXT,
	continuation_signals TEXT,
	extract_variables TEXT,
	defaults TEXT,
	resolution TEXT,
	resolved_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_due ON conversations(status, timeout_at);

CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	direction TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id);

CREATE TABLE IF NOT EXISTS webhook_subscriptions (
	id TEXT PRIMARY KEY,
	name TEXT,
	provider TEXT NOT NULL,
	flow_id TEXT NOT NULL,
	event_types TEXT,
	secret TEXT,
	active INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subs_provider ON webhook_subscriptions(provider, active);

CREATE TABLE IF NOT EXISTS secrets (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// runMigrations creates the schema_version table and applies any pending migrations.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		for _, stmt := range splitStatements(m.SQL) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// splitStatements splits a SQL script on semicolons, skipping comment-only chunks.
func splitStatements(script string) []string {
	var stmts []string
	for _, raw := range strings.Split(script, ";") {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		hasCode := false
		for _, l := range strings.Split(s, "\n") {
			l = strings.TrimSpace(l)
			if l != "" && !strings.HasPrefix(l, "--") {
				hasCode = true
				break
			}
		}
		if hasCode {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
