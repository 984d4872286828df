package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

const schemaVersionKey = "schema_version"

// migrations is the forward-only chain. Each entry runs in its own
// transaction; the settings table records the version reached.
var migrations = []string{
	// v1: full initial schema
	`
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS nodes (
		node_num INTEGER PRIMARY KEY,
		node_id TEXT NOT NULL,
		long_name TEXT NOT NULL DEFAULT '',
		short_name TEXT NOT NULL DEFAULT '',
		hw_model TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		latitude REAL NULL,
		longitude REAL NULL,
		altitude INTEGER NULL,
		precision_bits INTEGER NULL,
		battery_level INTEGER NULL,
		voltage REAL NULL,
		channel_utilization REAL NULL,
		air_util_tx REAL NULL,
		last_heard INTEGER NULL,
		snr REAL NULL,
		rssi INTEGER NULL,
		hops_away INTEGER NULL,
		via_mqtt INTEGER NOT NULL DEFAULT 0,
		is_favorite INTEGER NOT NULL DEFAULT 0,
		is_mobile INTEGER NOT NULL DEFAULT 0,
		public_key TEXT NOT NULL DEFAULT '',
		welcomed_at INTEGER NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_last_heard ON nodes(last_heard);
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		packet_id INTEGER NOT NULL,
		from_node_num INTEGER NOT NULL,
		to_node_num INTEGER NOT NULL,
		channel INTEGER NOT NULL,
		portnum INTEGER NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL,
		hop_start INTEGER NOT NULL DEFAULT 0,
		hop_limit INTEGER NOT NULL DEFAULT 0,
		reply_id INTEGER NOT NULL DEFAULT 0,
		emoji INTEGER NOT NULL DEFAULT 0,
		acknowledged INTEGER NOT NULL DEFAULT 0,
		ack_failed INTEGER NOT NULL DEFAULT 0,
		bridge INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel, timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_packet ON messages(packet_id);
	CREATE TABLE IF NOT EXISTS channels (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		psk TEXT NOT NULL DEFAULT '',
		role INTEGER NOT NULL DEFAULT 0,
		uplink_enabled INTEGER NOT NULL DEFAULT 0,
		downlink_enabled INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS telemetry (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		node_num INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		kind TEXT NOT NULL,
		metrics_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_telemetry_node ON telemetry(node_num, kind, timestamp);
	CREATE INDEX IF NOT EXISTS idx_telemetry_timestamp ON telemetry(timestamp);
	CREATE TABLE IF NOT EXISTS position_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		node_id TEXT NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		altitude INTEGER NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_positions_node ON position_history(node_id, timestamp);
	CREATE TABLE IF NOT EXISTS traceroutes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_node_num INTEGER NOT NULL,
		to_node_num INTEGER NOT NULL,
		route_json TEXT NULL,
		route_back_json TEXT NULL,
		snr_towards_json TEXT NULL,
		snr_back_json TEXT NULL,
		hop_count INTEGER NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_traceroutes_pair ON traceroutes(from_node_num, to_node_num, timestamp);
	CREATE TABLE IF NOT EXISTS neighbor_info (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		node_num INTEGER NOT NULL,
		neighbor_node_num INTEGER NOT NULL,
		snr REAL NOT NULL DEFAULT 0,
		last_rx_time INTEGER NULL,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_neighbors_node ON neighbor_info(node_num);
	CREATE TABLE IF NOT EXISTS read_state (
		scope_key TEXT PRIMARY KEY,
		last_read_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS raw_packets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_node_num INTEGER NOT NULL,
		portnum INTEGER NOT NULL,
		payload BLOB NOT NULL,
		timestamp INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS api_sessions (
		token TEXT PRIMARY KEY,
		csrf_token TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	`,
	// v2: per-node firmware version learned during the config phase
	`
	ALTER TABLE nodes ADD COLUMN firmware_version TEXT NOT NULL DEFAULT '';
	`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for v := current; v < len(migrations); v++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d tx: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("apply migration %d: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settings(key, value) VALUES(?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, schemaVersionKey, strconv.Itoa(v+1)); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("record migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v+1, err)
		}
	}

	return nil
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'settings'
	`).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("probe settings table: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	var raw string
	err = db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, schemaVersionKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", raw, err)
	}

	return version, nil
}
