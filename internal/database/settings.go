package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TimeLayout is the fixed-width UTC layout used for every stored instant, so text
// comparison orders rows chronologically.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeLayout
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a value written by FormatTime
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// GetSetting returns the value stored under key
func (db *DB) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.SQL().QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting upserts key
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := db.SQL().ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

func (db *DB) DeleteSetting(ctx context.Context, key string) error {
	if _, err := db.SQL().ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}
