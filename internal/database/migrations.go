package database

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "events",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL,
				email TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				user_group TEXT NOT NULL DEFAULT '',
				status TEXT,
				action_type TEXT NOT NULL,
				comment TEXT NOT NULL DEFAULT '',
				timestamp TEXT NOT NULL,
				status_start_time TEXT,
				status_end_time TEXT,
				reason TEXT NOT NULL DEFAULT '',
				priority INTEGER NOT NULL DEFAULT 1 CHECK (priority BETWEEN 1 AND 3),
				synced INTEGER NOT NULL DEFAULT 0,
				sync_attempts INTEGER NOT NULL DEFAULT 0,
				last_sync_attempt TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_email ON events(email)`,
			`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_events_unsynced ON events(synced, priority DESC, timestamp)`,
			// at most one open status per session
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_open_status ON events(email, session_id)
				WHERE status_end_time IS NULL AND action_type IN ('LOGIN', 'STATUS_CHANGE')`,
		},
	},
	{
		version: 2,
		name:    "settings",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
		},
	},
	{
		version: 3,
		name:    "app_logs",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS app_logs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				ts TEXT NOT NULL,
				level TEXT NOT NULL,
				message TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_app_logs_ts ON app_logs(ts)`,
		},
	},
}

func migrate(ctx context.Context, sqlDB *sql.DB, logger *zap.Logger) error {
	if _, err := sqlDB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		var exists int
		if err := sqlDB.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.version,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to read schema_migrations: %w", err)
		}
		if exists > 0 {
			continue
		}

		tx, err := sqlDB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.version, m.name,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
		applied++
	}

	logger.Info("Database migrations completed", zap.Int("applied", applied))
	return nil
}
