package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"Mansoor88-6/worktime-agent/internal/database"
	"Mansoor88-6/worktime-agent/internal/models"

	"go.uber.org/zap"
)

const eventColumns = `id, session_id, email, name, user_group, status, action_type, comment, timestamp,
	status_start_time, status_end_time, reason, priority, synced, sync_attempts, last_sync_attempt`

// Options tunes event normalization
type Options struct {
	MaxCommentLength  int
	LogoutDedupWindow time.Duration
}

// EventLog is the durable local log of shift events awaiting delivery.
// Every operation runs under one mutex and never performs network I/O.
type EventLog struct {
	db     *database.DB
	opts   Options
	mu     sync.Mutex
	now    func() time.Time
	logger *zap.Logger
}

// NewEventLog creates an event log on top of db
func NewEventLog(db *database.DB, opts Options, logger *zap.Logger) *EventLog {
	if opts.MaxCommentLength <= 0 {
		opts.MaxCommentLength = 500
	}
	return &EventLog{
		db:     db,
		opts:   opts,
		now:    time.Now,
		logger: logger,
	}
}

// Append validates, normalizes and durably stores ev, returning its id.
// Appending an open status closes the session's previous open status in the same transaction.
// A LOGOUT repeated inside the dedup window is a no-op that returns the existing id.
func (l *EventLog) Append(ctx context.Context, ev models.Event) (int64, error) {
	if err := validate(ev); err != nil {
		return 0, err
	}
	ev = l.normalize(ev)

	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		id       int64
		conflict *ConflictError
	)
	err := l.run(ctx, "append", func(db *sql.DB) error {
		id, conflict = 0, nil

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		if ev.ActionType == models.ActionLogout && l.opts.LogoutDedupWindow > 0 {
			existing, found, err := recentLogout(ctx, tx, ev.SessionID, ev.Timestamp.Add(-l.opts.LogoutDedupWindow))
			if err != nil {
				return err
			}
			if found {
				conflict = &ConflictError{SessionID: ev.SessionID, ExistingID: existing}
				id = existing
				return nil
			}
		}

		if ev.ActionType.OpensStatus() && ev.StatusEndTime == nil {
			if _, _, err := closeOpen(ctx, tx, ev.Email, ev.SessionID, *ev.StatusStartTime); err != nil {
				return err
			}
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO events (session_id, email, name, user_group, status, action_type, comment, timestamp,
				status_start_time, status_end_time, reason, priority, synced, sync_attempts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)
		`,
			ev.SessionID, ev.Email, ev.Name, ev.Group, nullString(ev.Status), string(ev.ActionType), ev.Comment,
			database.FormatTime(ev.Timestamp), nullTime(ev.StatusStartTime), nullTime(ev.StatusEndTime),
			ev.Reason, ev.Priority,
		)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		if id, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read event id: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if conflict != nil {
		l.logger.Warn("Duplicate logout ignored",
			zap.String("session_id", conflict.SessionID),
			zap.Int64("existing_id", conflict.ExistingID),
		)
		return id, nil
	}

	l.logger.Debug("Event appended",
		zap.Int64("id", id),
		zap.String("action_type", string(ev.ActionType)),
		zap.String("session_id", ev.SessionID),
	)
	return id, nil
}

// CloseOpenStatus stamps status_end_time on the session's open status and returns its id
func (l *EventLog) CloseOpenStatus(ctx context.Context, email, sessionID string) (int64, bool, error) {
	email = normalizeEmail(email)

	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		id    int64
		found bool
	)
	err := l.run(ctx, "close_open_status", func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		if id, found, err = closeOpen(ctx, tx, email, sessionID, l.now()); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, false, err
	}
	return id, found, nil
}

// UnsyncedBatch returns up to limit undelivered events, highest priority first, oldest first within a priority
func (l *EventLog) UnsyncedBatch(ctx context.Context, limit int) ([]models.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var events []models.Event
	err := l.run(ctx, "unsynced_batch", func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT `+eventColumns+`
			FROM events
			WHERE synced = 0
			ORDER BY priority DESC, timestamp ASC, id ASC
			LIMIT ?
		`, limit)
		if err != nil {
			return fmt.Errorf("failed to query unsynced events: %w", err)
		}
		events, err = scanEvents(rows)
		return err
	})
	return events, err
}

// MarkSynced flags ids as delivered. Repeating it only bumps the attempt bookkeeping.
func (l *EventLog) MarkSynced(ctx context.Context, ids []int64) error {
	return l.updateIDs(ctx, "mark_synced",
		"UPDATE events SET synced = 1, sync_attempts = sync_attempts + 1, last_sync_attempt = ? WHERE id IN (", ids)
}

// IncrementAttempts records a failed delivery attempt for ids
func (l *EventLog) IncrementAttempts(ctx context.Context, ids []int64) error {
	return l.updateIDs(ctx, "increment_attempts",
		"UPDATE events SET sync_attempts = sync_attempts + 1, last_sync_attempt = ? WHERE id IN (", ids)
}

func (l *EventLog) updateIDs(ctx context.Context, op, prefix string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(prefix)
	args := make([]interface{}, len(ids)+1)
	args[0] = database.FormatTime(l.now())
	for i, id := range ids {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("?")
		args[i+1] = id
	}
	b.WriteString(")")

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.run(ctx, op, func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("failed to update events: %w", err)
		}
		return nil
	})
}

// CountUnsynced returns the backlog size
func (l *EventLog) CountUnsynced(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var count int
	err := l.run(ctx, "count_unsynced", func(db *sql.DB) error {
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE synced = 0`).Scan(&count); err != nil {
			return fmt.Errorf("failed to count unsynced events: %w", err)
		}
		return nil
	})
	return count, err
}

// LoginSynced reports whether the session's LOGIN has been delivered
func (l *EventLog) LoginSynced(ctx context.Context, email, sessionID string) (bool, error) {
	email = normalizeEmail(email)

	l.mu.Lock()
	defer l.mu.Unlock()

	var exists bool
	err := l.run(ctx, "login_synced", func(db *sql.DB) error {
		err := db.QueryRowContext(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM events
				WHERE email = ? AND session_id = ? AND action_type = 'LOGIN' AND synced = 1
			)
		`, email, sessionID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to query login state: %w", err)
		}
		return nil
	})
	return exists, err
}

// SessionEvents returns every event of a session in insertion order
func (l *EventLog) SessionEvents(ctx context.Context, sessionID string) ([]models.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var events []models.Event
	err := l.run(ctx, "session_events", func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT `+eventColumns+` FROM events WHERE session_id = ? ORDER BY id ASC`, sessionID)
		if err != nil {
			return fmt.Errorf("failed to query session events: %w", err)
		}
		events, err = scanEvents(rows)
		return err
	})
	return events, err
}

// Sweep deletes events older than horizon regardless of their sync state
func (l *EventLog) Sweep(ctx context.Context, horizon time.Duration) (int64, error) {
	if horizon <= 0 {
		return 0, nil
	}
	cutoff := database.FormatTime(l.now().Add(-horizon))

	l.mu.Lock()
	defer l.mu.Unlock()

	var removed int64
	err := l.run(ctx, "sweep", func(db *sql.DB) error {
		result, err := db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to sweep events: %w", err)
		}
		removed, _ = result.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		l.logger.Info("Swept old events",
			zap.Int64("count", removed),
			zap.Duration("horizon", horizon),
		)
	}
	return removed, nil
}

// Close closes the underlying database
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

// run executes fn against the current connection. A storage failure moves the database to
// its next location and fn is retried once there. Caller holds l.mu.
func (l *EventLog) run(ctx context.Context, op string, fn func(db *sql.DB) error) error {
	err := fn(l.db.SQL())
	if err == nil {
		return nil
	}

	if database.IsStorageFailure(err) {
		if ferr := l.db.Failover(ctx, err); ferr == nil {
			l.logger.Warn("Retrying local store operation on new location",
				zap.String("op", op),
				zap.String("mode", string(l.db.Mode())),
			)
			if err = fn(l.db.SQL()); err == nil {
				return nil
			}
		} else if !errors.Is(ferr, database.ErrNoFallback) {
			l.logger.Error("Local store failover failed", zap.String("op", op), zap.Error(ferr))
		}
	}
	return &LocalStoreError{Op: op, Err: err}
}

func (l *EventLog) normalize(ev models.Event) models.Event {
	ev.Email = normalizeEmail(ev.Email)
	ev.SessionID = strings.TrimSpace(ev.SessionID)
	ev.Name = strings.TrimSpace(ev.Name)
	ev.Group = strings.TrimSpace(ev.Group)
	ev.Comment = truncateRunes(strings.TrimSpace(ev.Comment), l.opts.MaxCommentLength)

	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}
	if ev.Priority == 0 {
		ev.Priority = models.DefaultPriority(ev.ActionType)
	}
	if ev.Priority < models.PriorityLow {
		ev.Priority = models.PriorityLow
	}
	if ev.Priority > models.PriorityHigh {
		ev.Priority = models.PriorityHigh
	}
	if ev.ActionType.OpensStatus() && ev.StatusStartTime == nil {
		start := ev.Timestamp
		ev.StatusStartTime = &start
	}
	return ev
}

func validate(ev models.Event) error {
	switch {
	case strings.TrimSpace(ev.Email) == "":
		return &ValidationError{Field: "email", Message: "is required"}
	case strings.TrimSpace(ev.SessionID) == "":
		return &ValidationError{Field: "session_id", Message: "is required"}
	case !ev.ActionType.Valid():
		return &ValidationError{Field: "action_type", Message: fmt.Sprintf("%q is not supported", ev.ActionType)}
	case ev.ActionType == models.ActionStatusChange && strings.TrimSpace(ev.StatusValue()) == "":
		return &ValidationError{Field: "status", Message: "is required for STATUS_CHANGE"}
	}
	return nil
}

func recentLogout(ctx context.Context, tx *sql.Tx, sessionID string, since time.Time) (int64, bool, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM events
		WHERE session_id = ? AND action_type = 'LOGOUT' AND timestamp >= ?
		ORDER BY id DESC LIMIT 1
	`, sessionID, database.FormatTime(since)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to check duplicate logout: %w", err)
	}
	return id, true, nil
}

func closeOpen(ctx context.Context, tx *sql.Tx, email, sessionID string, at time.Time) (int64, bool, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM events
		WHERE email = ? AND session_id = ? AND status_end_time IS NULL
			AND action_type IN ('LOGIN', 'STATUS_CHANGE')
		ORDER BY id DESC LIMIT 1
	`, email, sessionID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to find open status: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE events SET status_end_time = ? WHERE id = ?`, database.FormatTime(at), id,
	); err != nil {
		return 0, false, fmt.Errorf("failed to close open status: %w", err)
	}
	return id, true, nil
}

func scanEvents(rows *sql.Rows) ([]models.Event, error) {
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			ev                          models.Event
			status, start, end, lastTry sql.NullString
			action, ts                  string
		)
		if err := rows.Scan(
			&ev.ID, &ev.SessionID, &ev.Email, &ev.Name, &ev.Group, &status, &action, &ev.Comment, &ts,
			&start, &end, &ev.Reason, &ev.Priority, &ev.Synced, &ev.SyncAttempts, &lastTry,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		ev.ActionType = models.ActionType(action)
		if status.Valid {
			ev.Status = &status.String
		}
		var err error
		if ev.Timestamp, err = database.ParseTime(ts); err != nil {
			return nil, fmt.Errorf("event %d has invalid timestamp %q: %w", ev.ID, ts, err)
		}
		ev.StatusStartTime = parseNullTime(start)
		ev.StatusEndTime = parseNullTime(end)
		ev.LastSyncAttempt = parseNullTime(lastTry)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return database.FormatTime(*t)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := database.ParseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
