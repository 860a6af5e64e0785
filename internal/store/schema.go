package store

// schema is applied synchronously at startup, before any component runs.
// Booleans are INTEGER 0/1; timestamps are REAL epoch seconds. Terminal
// queue entries keep their row for audit but leave the live ordering by
// taking position -1, which keeps the partial indexes tight.
const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	id             TEXT PRIMARY KEY,
	owner          TEXT NOT NULL,
	name           TEXT NOT NULL,
	full_name      TEXT NOT NULL UNIQUE,
	default_branch TEXT NOT NULL DEFAULT 'main',
	created_at     REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS pull_requests (
	id            TEXT PRIMARY KEY,
	repository_id TEXT NOT NULL REFERENCES repositories(id),
	number        INTEGER NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	author        TEXT NOT NULL DEFAULT '',
	base_branch   TEXT NOT NULL,
	head_branch   TEXT NOT NULL DEFAULT '',
	head_sha      TEXT NOT NULL,
	is_conflicted INTEGER NOT NULL DEFAULT 0,
	is_up_to_date INTEGER NOT NULL DEFAULT 1,
	created_at    REAL NOT NULL,
	updated_at    REAL NOT NULL,
	UNIQUE (repository_id, number)
);

CREATE TABLE IF NOT EXISTS queues (
	id            TEXT PRIMARY KEY,
	repository_id TEXT NOT NULL REFERENCES repositories(id),
	base_branch   TEXT NOT NULL,
	created_at    REAL NOT NULL,
	UNIQUE (repository_id, base_branch)
);

CREATE TABLE IF NOT EXISTS queue_entries (
	id              TEXT PRIMARY KEY,
	queue_id        TEXT NOT NULL REFERENCES queues(id) ON DELETE CASCADE,
	pull_request_id TEXT NOT NULL REFERENCES pull_requests(id),
	position        INTEGER NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	enqueued_at     REAL NOT NULL,
	started_at      REAL,
	completed_at    REAL
);

CREATE INDEX IF NOT EXISTS idx_entries_queue ON queue_entries(queue_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_live_position
	ON queue_entries(queue_id, position) WHERE position >= 0;
CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_one_running
	ON queue_entries(queue_id) WHERE status = 'running';
CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_live_pr
	ON queue_entries(queue_id, pull_request_id) WHERE position >= 0;

CREATE TABLE IF NOT EXISTS checks (
	id            TEXT PRIMARY KEY,
	entry_id      TEXT NOT NULL REFERENCES queue_entries(id) ON DELETE CASCADE,
	name          TEXT NOT NULL,
	kind          TEXT NOT NULL,
	kind_config   TEXT NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL DEFAULT 'pending',
	configuration TEXT NOT NULL DEFAULT '{}',
	started_at    REAL,
	completed_at  REAL,
	output        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_checks_entry ON checks(entry_id);

CREATE TABLE IF NOT EXISTS configurations (
	id                INTEGER PRIMARY KEY CHECK (id = 1),
	trigger_label     TEXT NOT NULL,
	merge_method      TEXT NOT NULL DEFAULT 'squash',
	checks_json       TEXT NOT NULL DEFAULT '{}',
	templates_json    TEXT NOT NULL DEFAULT '{}',
	webhook_proxy_url TEXT NOT NULL DEFAULT '',
	updated_at        REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS event_poll_history (
	repository    TEXT PRIMARY KEY,
	etag          TEXT NOT NULL DEFAULT '',
	last_event_id TEXT NOT NULL DEFAULT '',
	last_polled_at REAL,
	last_event_at  REAL
);
`
