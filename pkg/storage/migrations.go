package storage

import (
	"database/sql"
	"fmt"
)

var migrations = []string{
	// Migration 1: Initial schema
	`CREATE TABLE IF NOT EXISTS alert_states (
		service_key TEXT NOT NULL,
		kind        TEXT NOT NULL,
		armed       INTEGER NOT NULL DEFAULT 1,
		last_fired  INTEGER NOT NULL DEFAULT 0,
		updated_at  INTEGER NOT NULL,
		PRIMARY KEY (service_key, kind)
	);

	CREATE TABLE IF NOT EXISTS source_health (
		service_key          TEXT PRIMARY KEY,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_error           TEXT NOT NULL DEFAULT '',
		last_failure_at      INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS observations (
		service_key TEXT NOT NULL,
		slot        TEXT NOT NULL CHECK(slot IN ('current', 'previous')),
		amount      TEXT NOT NULL,
		observed_at INTEGER NOT NULL,
		source      TEXT NOT NULL,
		PRIMARY KEY (service_key, slot)
	);

	CREATE TABLE IF NOT EXISTS manual_states (
		service_key         TEXT PRIMARY KEY,
		phase               TEXT NOT NULL,
		balance             TEXT NOT NULL DEFAULT '0',
		last_topup_at       INTEGER NOT NULL DEFAULT 0,
		last_topup_amount   TEXT NOT NULL DEFAULT '0',
		daily_estimate      TEXT NOT NULL DEFAULT '0',
		estimate_updated_at INTEGER NOT NULL DEFAULT 0,
		last_consumption_at INTEGER NOT NULL DEFAULT 0,
		updated_at          INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scheduler_markers (
		kind        TEXT PRIMARY KEY,
		last_run_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ticks (
		id          TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		started_at  INTEGER NOT NULL,
		alert_count INTEGER NOT NULL DEFAULT 0,
		committed_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alert_log (
		id           TEXT PRIMARY KEY,
		tick_id      TEXT NOT NULL,
		service_key  TEXT NOT NULL,
		service_name TEXT NOT NULL DEFAULT '',
		kind         TEXT NOT NULL,
		level        TEXT NOT NULL,
		currency     TEXT NOT NULL DEFAULT '',
		observed     TEXT NOT NULL DEFAULT '0',
		threshold    TEXT NOT NULL DEFAULT '0',
		monthly_fee  TEXT NOT NULL DEFAULT '0',
		due_date     INTEGER NOT NULL DEFAULT 0,
		runway_days  TEXT NOT NULL DEFAULT '0',
		failures     INTEGER NOT NULL DEFAULT 0,
		message      TEXT NOT NULL DEFAULT '',
		fired_at     INTEGER NOT NULL,
		delivered    INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_alert_log_service ON alert_log(service_key);
	CREATE INDEX IF NOT EXISTS idx_alert_log_fired_at ON alert_log(fired_at);

	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

// runMigrations applies pending schema migrations.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}

	var currentVersion int
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("check migration version: %w", err)
	}

	for i := currentVersion; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}

		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("run migration %d: %w", i+1, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", i+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}

	return nil
}
