// Copyright 2024-2026 Aiku AI

package database

// schema is valid for both SQLite and PostgreSQL. Timestamps are unix millis.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS room_link (
		local_room_id    TEXT PRIMARY KEY,
		remote_room_name TEXT NOT NULL,
		is_portal        BOOLEAN NOT NULL DEFAULT false,
		created_at       BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS room_link_remote_idx ON room_link (remote_room_name)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS room_link_portal_idx ON room_link (remote_room_name) WHERE is_portal`,
	`CREATE TABLE IF NOT EXISTS remote_identity (
		remote_id     TEXT PRIMARY KEY,
		username      TEXT NOT NULL,
		ghost_id      TEXT NOT NULL,
		display_name  TEXT NOT NULL DEFAULT '',
		avatar_ref    TEXT NOT NULL DEFAULT '',
		avatar_mxc    TEXT NOT NULL DEFAULT '',
		last_activity BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS remote_identity_ghost_idx ON remote_identity (ghost_id)`,
	`CREATE TABLE IF NOT EXISTS local_account (
		user_id           TEXT PRIMARY KEY,
		puppet_credential TEXT NOT NULL DEFAULT '',
		last_activity     BIGINT NOT NULL DEFAULT 0
	)`,
}
