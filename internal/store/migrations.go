package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_messages (
	message_id   TEXT PRIMARY KEY,
	request_id   TEXT NOT NULL,
	processed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS resolved_requests (
	request_id  TEXT PRIMARY KEY,
	resolved_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_processed_messages_processed_at
	ON processed_messages(processed_at);
CREATE INDEX IF NOT EXISTS idx_resolved_requests_resolved_at
	ON resolved_requests(resolved_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS config_values (
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, key)
);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
