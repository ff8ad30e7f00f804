package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all taskforge tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS instances (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		pipeline_name TEXT NOT NULL,
		state         TEXT NOT NULL DEFAULT 'INITIALIZED',
		task_counts   TEXT NOT NULL DEFAULT '{}',
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id                 TEXT PRIMARY KEY,
		instance_id        TEXT NOT NULL,
		module_name        TEXT NOT NULL,
		module_index       INTEGER NOT NULL DEFAULT 0,
		state              TEXT NOT NULL DEFAULT 'CREATED',
		executor_type      TEXT NOT NULL DEFAULT 'local',
		working_dir        TEXT NOT NULL DEFAULT '',
		subtask_count      INTEGER NOT NULL DEFAULT 0,
		processing_summary TEXT NOT NULL DEFAULT '{}',
		error_message      TEXT NOT NULL DEFAULT '',
		created_at         TEXT NOT NULL,
		updated_at         TEXT NOT NULL,
		started_at         TEXT,
		completed_at       TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS subtask_outcomes (
		task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		idx        INTEGER NOT NULL,
		state      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (task_id, idx)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_instances_state ON instances(state)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_instance_id ON tasks(instance_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "tasks",
		column:   "restart_count",
		alterSQL: "ALTER TABLE tasks ADD COLUMN restart_count INTEGER NOT NULL DEFAULT 0",
	},
	{
		table:    "tasks",
		column:   "module_index",
		alterSQL: "ALTER TABLE tasks ADD COLUMN module_index INTEGER NOT NULL DEFAULT 0",
		indexSQL: "CREATE INDEX IF NOT EXISTS idx_tasks_instance_module ON tasks(instance_id, module_index)",
	},
}

// migrate executes all schema DDL statements, alter migrations, and post-migration indexes.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	exists, err := columnExists(ctx, db, table, column)
	if err != nil || exists {
		return err
	}
	_, err = db.ExecContext(ctx, alterSQL)
	return err
}

// columnExists reads PRAGMA table_info and closes the rows before returning,
// so the caller can issue further statements on a single-connection pool.
func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}
