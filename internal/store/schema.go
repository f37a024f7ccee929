package store

import "database/sql"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  requirement TEXT NOT NULL,
  test_plan TEXT,
  status TEXT NOT NULL,
  blocked_from TEXT,
  gates_passed TEXT NOT NULL,
  branch_ref TEXT,
  issue_ref TEXT,
  change_request_ref TEXT,
  parent_id TEXT,
  steps TEXT NOT NULL,
  revisions TEXT NOT NULL,
  handover TEXT,
  version INTEGER NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS changelog (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  ts TEXT NOT NULL,
  component TEXT NOT NULL,
  summary TEXT NOT NULL,
  effect TEXT,
  author TEXT,
  FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS gate_invocations (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  gate_id TEXT NOT NULL,
  invoked_agent TEXT,
  confirmed_by TEXT,
  input_snapshot TEXT NOT NULL,
  verdict TEXT,
  notes TEXT,
  abandoned INTEGER NOT NULL DEFAULT 0,
  invoked_at TEXT NOT NULL,
  decided_at TEXT,
  FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS sync_records (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  target_system TEXT NOT NULL,
  operation TEXT NOT NULL,
  payload_hash TEXT NOT NULL,
  result TEXT NOT NULL,
  detail TEXT,
  ts TEXT NOT NULL,
  FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_parent_id ON tasks(parent_id);
CREATE INDEX IF NOT EXISTS idx_changelog_task ON changelog(task_id);
CREATE INDEX IF NOT EXISTS idx_invocations_task_gate ON gate_invocations(task_id, gate_id);
CREATE INDEX IF NOT EXISTS idx_sync_records_task_op ON sync_records(task_id, operation);
`

func bootstrapSchema(db *sql.DB) error {
	_, err := db.Exec(schemaSQL)
	return err
}
