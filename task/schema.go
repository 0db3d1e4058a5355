package task

import (
	"context"
	"database/sql"
	"fmt"
)

const createAgentsTable = `
CREATE TABLE IF NOT EXISTS agents (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL DEFAULT '',
    capability_tags TEXT NOT NULL DEFAULT '[]',
    autonomy_level  INTEGER NOT NULL DEFAULT 1 CHECK (autonomy_level BETWEEN 1 AND 3),
    enabled         INTEGER NOT NULL DEFAULT 1,
    current_task_id TEXT,
    endpoint        TEXT NOT NULL DEFAULT '',
    last_heartbeat  DATETIME,
    version         INTEGER NOT NULL DEFAULT 1,
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL
);`

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id                  TEXT PRIMARY KEY,
    title               TEXT NOT NULL,
    description         TEXT NOT NULL DEFAULT '',
    task_type           TEXT NOT NULL,
    assigned_agent      TEXT NOT NULL DEFAULT '',
    requested_by        TEXT NOT NULL DEFAULT '',
    source              TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL CHECK (status IN ('queued','assigned','working','review','done','failed')),
    priority            INTEGER NOT NULL DEFAULT 3 CHECK (priority BETWEEN 1 AND 4),
    depends_on          TEXT NOT NULL DEFAULT '[]',
    labels              TEXT NOT NULL DEFAULT '[]',
    estimated_effort    TEXT NOT NULL DEFAULT '',
    needs_review        INTEGER NOT NULL DEFAULT 0,
    output              TEXT NOT NULL DEFAULT '',
    error               TEXT NOT NULL DEFAULT '',
    proposal_reasoning  TEXT NOT NULL DEFAULT '',
    proposal_risk_level TEXT NOT NULL DEFAULT '',
    proposal_reversible INTEGER NOT NULL DEFAULT 0,
    has_proposal        INTEGER NOT NULL DEFAULT 0,
    review_decision     TEXT NOT NULL DEFAULT '',
    reviewed_by         TEXT NOT NULL DEFAULT '',
    modify_count        INTEGER NOT NULL DEFAULT 0,
    version             INTEGER NOT NULL DEFAULT 1,
    created_at          DATETIME NOT NULL,
    updated_at          DATETIME NOT NULL,
    started_at          DATETIME,
    completed_at        DATETIME,
    escalated_at        DATETIME,
    CHECK ((status IN ('done','failed')) = (completed_at IS NOT NULL))
);`

const createAuditTable = `
CREATE TABLE IF NOT EXISTS task_audit_log (
    id          TEXT PRIMARY KEY,
    task_id     TEXT NOT NULL,
    from_status TEXT NOT NULL DEFAULT '',
    to_status   TEXT NOT NULL,
    actor       TEXT NOT NULL DEFAULT '',
    detail      TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL
);`

const createSchemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
);`

// migrations is the ordered list of incremental schema changes applied after
// the initial table creation. A migration is skipped if its version is
// already present in the schema_version table.
var migrations = []struct {
	version int
	sql     string
}{
	// v1: one agent per task
	{1, "CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_current_task ON agents(current_task_id) WHERE current_task_id IS NOT NULL"},
	// v2: status scans for the heartbeat and review listing
	{2, "CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at)"},
	// v3: audit replay by task
	{3, "CREATE INDEX IF NOT EXISTS idx_audit_task ON task_audit_log(task_id, created_at)"},
}

// migrate creates the base tables and applies pending migrations.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, ddl := range []string{
		createAgentsTable, createTasksTable, createAuditTable, createSchemaVersionTable,
	} {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	for _, m := range migrations {
		var count int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = ?", m.version).Scan(&count); err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		if count > 0 {
			continue
		}
		if _, err := db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration v%d: %w", m.version, err)
		}
		if _, err := db.ExecContext(ctx, "INSERT OR IGNORE INTO schema_version (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
	}
	return nil
}
