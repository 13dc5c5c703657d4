package database

import (
	"context"
	"fmt"
	"time"
)

// AppLog is one diagnostic entry kept next to the events
type AppLog struct {
	ID      int64
	Time    time.Time
	Level   string
	Message string
}

// WriteAppLog stores a diagnostic entry. It implements logger.DiagnosticSink.
func (db *DB) WriteAppLog(ts time.Time, level, message string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := db.SQL().ExecContext(ctx,
		`INSERT INTO app_logs (ts, level, message) VALUES (?, ?, ?)`,
		FormatTime(ts), level, message,
	)
	if err != nil {
		return fmt.Errorf("failed to write app log: %w", err)
	}
	return nil
}

// RecentAppLogs returns the newest entries first
func (db *DB) RecentAppLogs(ctx context.Context, limit int) ([]AppLog, error) {
	rows, err := db.SQL().QueryContext(ctx,
		`SELECT id, ts, level, message FROM app_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query app logs: %w", err)
	}
	defer rows.Close()

	var logs []AppLog
	for rows.Next() {
		var (
			entry AppLog
			ts    string
		)
		if err := rows.Scan(&entry.ID, &ts, &entry.Level, &entry.Message); err != nil {
			return nil, fmt.Errorf("failed to scan app log: %w", err)
		}
		entry.Time, _ = ParseTime(ts)
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// CleanupAppLogs removes entries older than olderThan
func (db *DB) CleanupAppLogs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := FormatTime(time.Now().Add(-olderThan))
	result, err := db.SQL().ExecContext(ctx, `DELETE FROM app_logs WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup app logs: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
