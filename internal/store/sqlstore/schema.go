package sqlstore

// schema is valid for both SQLite and Postgres. Times are stored as fixed
// width UTC text so ordering by created_at is lexical and portable.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS schedule_groups (
		id TEXT PRIMARY KEY,
		waste_type TEXT NOT NULL,
		identity_key TEXT NOT NULL,
		dates TEXT NOT NULL,
		dates_hash TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (identity_key, waste_type)
	)`,
	`CREATE TABLE IF NOT EXISTS calendar_streams (
		id TEXT PRIMARY KEY,
		waste_type TEXT NOT NULL,
		dates TEXT NOT NULL,
		dates_hash TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		provider_calendar_id TEXT NOT NULL DEFAULT '',
		last_synced_at TEXT,
		access_granted_at TEXT,
		pending_clean_started_at TEXT,
		pending_clean_deadline TEXT,
		notice_sent_at TEXT,
		notice_event_ids TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_calendar_streams_pattern
		ON calendar_streams (waste_type, dates_hash)`,
	`CREATE TABLE IF NOT EXISTS group_stream_links (
		schedule_group_id TEXT PRIMARY KEY REFERENCES schedule_groups (id) ON DELETE CASCADE,
		calendar_stream_id TEXT NOT NULL REFERENCES calendar_streams (id) ON DELETE CASCADE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_group_stream_links_stream
		ON group_stream_links (calendar_stream_id)`,
	`CREATE TABLE IF NOT EXISTS stream_events (
		calendar_stream_id TEXT NOT NULL REFERENCES calendar_streams (id) ON DELETE CASCADE,
		date TEXT NOT NULL,
		provider_event_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		error_detail TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (calendar_stream_id, date)
	)`,
}
