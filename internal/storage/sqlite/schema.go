package sqlite

const schema = `
-- Tasks table: durable copy of the board, written behind the cache
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    column_id TEXT NOT NULL CHECK(column_id IN ('todo', 'in-progress', 'done')),
    title TEXT NOT NULL CHECK(length(title) > 0),
    description TEXT NOT NULL DEFAULT '',
    "order" REAL NOT NULL,
    version INTEGER NOT NULL CHECK(version >= 1),
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    creator_name TEXT NOT NULL DEFAULT '',
    creator_color TEXT NOT NULL DEFAULT '',
    updated_by_name TEXT NOT NULL DEFAULT '',
    updated_by_color TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tasks_column_order ON tasks(column_id, "order" ASC);

-- Touch updated_at on raw SQL edits. Coordinator upserts carry their own
-- updated_at (the cache value is authoritative), so the trigger only fires
-- when an update left the column unchanged.
CREATE TRIGGER IF NOT EXISTS tasks_touch_updated_at
AFTER UPDATE ON tasks
FOR EACH ROW
WHEN NEW.updated_at = OLD.updated_at
BEGIN
    UPDATE tasks SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
END;

-- Append-only record of contested moves: who won, who lost, and the
-- authoritative state the loser was told to adopt
CREATE TABLE IF NOT EXISTS conflict_audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL,
    winner_event TEXT NOT NULL,
    loser_event TEXT NOT NULL,
    winner_user_id TEXT NOT NULL DEFAULT '',
    loser_user_id TEXT NOT NULL DEFAULT '',
    resolved_state TEXT NOT NULL DEFAULT '{}',
    resolution_msg TEXT NOT NULL DEFAULT '',
    conflict_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_conflict_audit_task ON conflict_audit_log(task_id, conflict_at DESC);
`
