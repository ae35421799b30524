// internal/storage/schema.go
package storage

// The schema is written once in portable SQL: identical statements run
// on SQLite and PostgreSQL. Timestamps travel as driver-native TIMESTAMP
// values; structured payloads are stored as JSON text.
//
// entity_versions carries two sync bookkeeping columns beyond the data
// model: device_id names the writer whose request landed the row, and
// clock is that device's counter at the time of the write. Delta
// queries compare a caller's vector clock against these two columns.

var schemaCore = []string{
	`CREATE TABLE IF NOT EXISTS entity_versions (
		id                   TEXT NOT NULL,
		version              TEXT NOT NULL,
		entity_type          TEXT NOT NULL,
		name                 TEXT NOT NULL DEFAULT '',
		content_json         TEXT NOT NULL DEFAULT '{}',
		source_type          TEXT NOT NULL DEFAULT 'manual',
		user_id              TEXT NOT NULL DEFAULT '',
		parent_versions_json TEXT NOT NULL DEFAULT '[]',
		created_at           TIMESTAMP NOT NULL,
		device_id            TEXT NOT NULL DEFAULT '',
		clock                TEXT NOT NULL DEFAULT '0',
		PRIMARY KEY (id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entity_versions_id ON entity_versions (id)`,
	`CREATE INDEX IF NOT EXISTS idx_entity_versions_device ON entity_versions (device_id)`,

	// One row per (child, parent) edge of the version DAG. A version is
	// a leaf iff it never appears as parent_version for its id.
	`CREATE TABLE IF NOT EXISTS version_parents (
		id             TEXT NOT NULL,
		version        TEXT NOT NULL,
		parent_version TEXT NOT NULL,
		PRIMARY KEY (id, version, parent_version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_version_parents_parent ON version_parents (id, parent_version)`,

	// Materialized current pointer, recomputed after every put. version
	// is empty while the entity sits in conflict.
	`CREATE TABLE IF NOT EXISTS entity_heads (
		id          TEXT PRIMARY KEY,
		version     TEXT NOT NULL DEFAULT '',
		in_conflict INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS relationships (
		id              TEXT PRIMARY KEY,
		from_id         TEXT NOT NULL,
		from_version    TEXT NOT NULL,
		to_id           TEXT NOT NULL,
		to_version      TEXT NOT NULL,
		type            TEXT NOT NULL,
		properties_json TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_relationships_from ON relationships (from_id, from_version)`,
	`CREATE INDEX IF NOT EXISTS idx_relationships_to ON relationships (to_id, to_version)`,
}

var schemaServer = []string{
	`CREATE TABLE IF NOT EXISTS server_conflicts (
		id             TEXT PRIMARY KEY,
		entity_id      TEXT NOT NULL,
		local_version  TEXT NOT NULL DEFAULT '',
		remote_version TEXT NOT NULL DEFAULT '',
		kind           TEXT NOT NULL DEFAULT '',
		detail         TEXT NOT NULL DEFAULT '',
		strategy       TEXT NOT NULL DEFAULT '',
		winner_version TEXT NOT NULL DEFAULT '',
		merge_version  TEXT NOT NULL DEFAULT '',
		resolved       INTEGER NOT NULL DEFAULT 0,
		created_at     TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_server_conflicts_entity ON server_conflicts (entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_server_conflicts_resolved ON server_conflicts (resolved)`,

	`CREATE TABLE IF NOT EXISTS sync_devices (
		device_id  TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL DEFAULT '',
		last_sync  TIMESTAMP NOT NULL,
		clock_json TEXT NOT NULL DEFAULT '{}'
	)`,

	// Server process state that must survive restarts: its own device
	// id and the merged vector clock.
	`CREATE TABLE IF NOT EXISTS server_state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	)`,
}

var schemaClient = []string{
	`CREATE TABLE IF NOT EXISTS sync_tracker (
		entity_id       TEXT PRIMARY KEY,
		entity_type     TEXT NOT NULL,
		sync_status     TEXT NOT NULL DEFAULT 'pending',
		operation       TEXT NOT NULL,
		last_modified   TIMESTAMP NOT NULL,
		conflict_reason TEXT NOT NULL DEFAULT '',
		retry_count     INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_tracker_status ON sync_tracker (sync_status)`,

	`CREATE TABLE IF NOT EXISTS sync_state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	)`,
}
