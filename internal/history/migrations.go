package history

const schema = `
CREATE TABLE IF NOT EXISTS executions (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    execution_id TEXT NOT NULL UNIQUE,
    session_name TEXT NOT NULL,
    command TEXT NOT NULL,
    status TEXT NOT NULL,
    exit_code INTEGER,
    stdout TEXT NOT NULL DEFAULT '',
    stderr TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    retry_attempts INTEGER NOT NULL DEFAULT 0,
    priority INTEGER NOT NULL DEFAULT 2,
    working_directory TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    started_at INTEGER,
    completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_name);
CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
`

// columnMigration adds a column to a database created by an older release
type columnMigration struct {
	table  string
	column string
	ddl    string
}

var columnMigrations = []columnMigration{
	{"executions", "truncated", `ALTER TABLE executions ADD COLUMN truncated INTEGER NOT NULL DEFAULT 0`},
	{"executions", "tags", `ALTER TABLE executions ADD COLUMN tags TEXT NOT NULL DEFAULT '{}'`},
}
