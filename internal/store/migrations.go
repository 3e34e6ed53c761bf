package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations must be numbered sequentially from 1. Timestamps are stored as
// unix milliseconds.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS scheduled_items (
	id                    TEXT PRIMARY KEY,
	recipient             TEXT NOT NULL,
	body                  TEXT NOT NULL,
	due_at                INTEGER NOT NULL,
	confirmation_required INTEGER NOT NULL DEFAULT 0,
	status                TEXT NOT NULL DEFAULT 'pending',
	created_at            INTEGER NOT NULL,
	updated_at            INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scheduled_items_due_at ON scheduled_items(due_at);

CREATE TABLE IF NOT EXISTS action_log (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	at      INTEGER NOT NULL,
	message TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_action_log_at ON action_log(at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
