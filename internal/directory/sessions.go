package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"Mansoor88-6/worktime-agent/internal/client"
	"Mansoor88-6/worktime-agent/internal/models"

	"go.uber.org/zap"
)

// ErrSessionNotFound is returned when no directory record matches
var ErrSessionNotFound = errors.New("session not found in directory")

// Column names of the active-session table
const (
	ColEmail            = "Email"
	ColName             = "Name"
	ColSessionID        = "SessionID"
	ColLoginTime        = "LoginTime"
	ColStatus           = "Status"
	ColLogoutTime       = "LogoutTime"
	ColRemoteCommand    = "RemoteCommand"
	ColRemoteCommandAck = "RemoteCommandAck"
)

// SessionsHeader is the header row of a freshly created active-session table
var SessionsHeader = []string{
	ColEmail, ColName, ColSessionID, ColLoginTime, ColStatus, ColLogoutTime, ColRemoteCommand, ColRemoteCommandAck,
}

// Remote is the part of the remote client the directories use
type Remote interface {
	ReadTable(ctx context.Context, name string) (*client.Table, error)
	AppendRecords(ctx context.Context, name string, records []map[string]string) error
	UpdateRange(ctx context.Context, name string, rng client.Range, values []string) error
}

// SessionDirectory is the remote table of logins and their lifecycle.
// Records are append-only history; for an email only the latest by login time counts.
type SessionDirectory struct {
	remote Remote
	table  string
	loc    *time.Location
	now    func() time.Time
	logger *zap.Logger
}

// NewSessionDirectory creates a directory over the table named table
func NewSessionDirectory(remote Remote, table string, loc *time.Location, logger *zap.Logger) *SessionDirectory {
	return &SessionDirectory{
		remote: remote,
		table:  table,
		loc:    loc,
		now:    time.Now,
		logger: logger,
	}
}

type sessionRow struct {
	session models.ActiveSession
	row     client.Row
}

func (d *SessionDirectory) load(ctx context.Context) (*client.Table, []sessionRow, error) {
	table, err := d.remote.ReadTable(ctx, d.table)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read active sessions: %w", err)
	}

	rows := make([]sessionRow, 0, len(table.Rows))
	for _, r := range table.Rows {
		s := models.ActiveSession{
			Email:            strings.ToLower(strings.TrimSpace(r.Get(ColEmail))),
			Name:             r.Get(ColName),
			SessionID:        strings.TrimSpace(r.Get(ColSessionID)),
			Status:           parseStatus(r.Get(ColStatus)),
			RemoteCommand:    strings.TrimSpace(r.Get(ColRemoteCommand)),
			RemoteCommandAck: strings.TrimSpace(r.Get(ColRemoteCommandAck)),
			Row:              r.Index,
		}
		if s.Email == "" {
			continue
		}
		if t, ok := client.ParseTime(r.Get(ColLoginTime), d.loc); ok {
			s.LoginTime = t
		}
		if t, ok := client.ParseTime(r.Get(ColLogoutTime), d.loc); ok {
			s.LogoutTime = &t
		}
		rows = append(rows, sessionRow{session: s, row: r})
	}
	return table, rows, nil
}

// Login registers an active record. Registering the same email and session again is a no-op.
func (d *SessionDirectory) Login(ctx context.Context, email, name, sessionID string, loginTime time.Time) error {
	email = strings.ToLower(strings.TrimSpace(email))

	_, rows, err := d.load(ctx)
	if err != nil {
		return err
	}
	if _, ok := exact(rows, email, sessionID); ok {
		d.logger.Debug("Session already registered",
			zap.String("email", email),
			zap.String("session_id", sessionID),
		)
		return nil
	}

	record := map[string]string{
		ColEmail:     email,
		ColName:      name,
		ColSessionID: sessionID,
		ColLoginTime: client.FormatTime(loginTime, d.loc),
		ColStatus:    string(models.SessionActive),
	}
	if err := d.remote.AppendRecords(ctx, d.table, []map[string]string{record}); err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}

	d.logger.Info("Session registered",
		zap.String("email", email),
		zap.String("session_id", sessionID),
	)
	return nil
}

// Finish marks the exact (email, session) record finished. Records already ended are left alone.
func (d *SessionDirectory) Finish(ctx context.Context, email, sessionID string, logoutTime time.Time) error {
	email = strings.ToLower(strings.TrimSpace(email))

	table, rows, err := d.load(ctx)
	if err != nil {
		return err
	}
	r, ok := exact(rows, email, sessionID)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrSessionNotFound, email, sessionID)
	}
	if r.session.Status.Terminated() {
		return nil
	}

	err = d.update(ctx, table, r.row, map[string]string{
		ColStatus:     string(models.SessionFinished),
		ColLogoutTime: client.FormatTime(logoutTime, d.loc),
	})
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}

	d.logger.Info("Session finished",
		zap.String("email", email),
		zap.String("session_id", sessionID),
	)
	return nil
}

// Kick ends the most recent active record of email, optionally restricted to sessionID,
// and leaves a FORCE_LOGOUT command for the owning client.
func (d *SessionDirectory) Kick(ctx context.Context, email, sessionID string) (models.ActiveSession, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	table, rows, err := d.load(ctx)
	if err != nil {
		return models.ActiveSession{}, err
	}

	var target *sessionRow
	for i := range rows {
		r := &rows[i]
		if r.session.Email != email || r.session.Status != models.SessionActive {
			continue
		}
		if sessionID != "" && r.session.SessionID != sessionID {
			continue
		}
		if target == nil || !r.session.LoginTime.Before(target.session.LoginTime) {
			target = r
		}
	}
	if target == nil {
		return models.ActiveSession{}, fmt.Errorf("%w: no active session for %s", ErrSessionNotFound, email)
	}

	now := d.now()
	changes := map[string]string{
		ColStatus:     string(models.SessionKicked),
		ColLogoutTime: client.FormatTime(now, d.loc),
	}
	if table.Column(ColRemoteCommand) > 0 {
		changes[ColRemoteCommand] = models.RemoteCommandForceLogout
	}
	if err := d.update(ctx, table, target.row, changes); err != nil {
		return models.ActiveSession{}, fmt.Errorf("failed to kick session: %w", err)
	}

	kicked := target.session
	kicked.Status = models.SessionKicked
	kicked.LogoutTime = &now
	kicked.RemoteCommand = changes[ColRemoteCommand]

	d.logger.Info("Session kicked",
		zap.String("email", email),
		zap.String("session_id", kicked.SessionID),
	)
	return kicked, nil
}

// StatusOf prefers the exact (email, session) record and falls back to the most recent
// record of email. Unknown when the email has no records.
func (d *SessionDirectory) StatusOf(ctx context.Context, email, sessionID string) (models.SessionStatus, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	_, rows, err := d.load(ctx)
	if err != nil {
		return models.SessionUnknown, err
	}
	if r, ok := exact(rows, email, sessionID); ok {
		return r.session.Status, nil
	}
	if r, ok := latest(rows, email); ok {
		return r.session.Status, nil
	}
	return models.SessionUnknown, nil
}

// AckCommand acknowledges a pending remote command on the exact record. Without an ack
// column the command cell is cleared instead.
func (d *SessionDirectory) AckCommand(ctx context.Context, email, sessionID string) error {
	email = strings.ToLower(strings.TrimSpace(email))

	table, rows, err := d.load(ctx)
	if err != nil {
		return err
	}
	r, ok := exact(rows, email, sessionID)
	if !ok {
		r, ok = latest(rows, email)
	}
	if !ok || r.session.RemoteCommand == "" || r.session.RemoteCommandAck != "" {
		return nil
	}

	changes := map[string]string{ColRemoteCommand: ""}
	if table.Column(ColRemoteCommandAck) > 0 {
		changes = map[string]string{ColRemoteCommandAck: client.FormatTime(d.now(), d.loc)}
	}
	if err := d.update(ctx, table, r.row, changes); err != nil {
		return fmt.Errorf("failed to acknowledge command: %w", err)
	}

	d.logger.Info("Remote command acknowledged",
		zap.String("email", email),
		zap.String("session_id", r.session.SessionID),
		zap.String("command", r.session.RemoteCommand),
	)
	return nil
}

// ListActive returns, per email, the latest record when it is still active
func (d *SessionDirectory) ListActive(ctx context.Context) ([]models.ActiveSession, error) {
	_, rows, err := d.load(ctx)
	if err != nil {
		return nil, err
	}

	var (
		order  []string
		newest = make(map[string]sessionRow)
	)
	for _, r := range rows {
		cur, ok := newest[r.session.Email]
		if !ok {
			order = append(order, r.session.Email)
		}
		if !ok || !r.session.LoginTime.Before(cur.session.LoginTime) {
			newest[r.session.Email] = r
		}
	}

	var active []models.ActiveSession
	for _, email := range order {
		if s := newest[email].session; s.Status == models.SessionActive {
			active = append(active, s)
		}
	}
	return active, nil
}

func (d *SessionDirectory) update(ctx context.Context, table *client.Table, row client.Row, changes map[string]string) error {
	return updateRow(ctx, d.remote, d.table, table, row, changes)
}

// updateRow writes changes to row with one range update spanning the leftmost to the rightmost
// changed column. Cells in between are re-sent with their current values.
func updateRow(ctx context.Context, remote Remote, name string, table *client.Table, row client.Row, changes map[string]string) error {
	cols := make(map[int]string, len(changes))
	from, to := 0, 0
	for column, value := range changes {
		col := table.Column(column)
		if col == 0 {
			return fmt.Errorf("column %q missing from %s", column, name)
		}
		cols[col] = value
		if from == 0 || col < from {
			from = col
		}
		if col > to {
			to = col
		}
	}
	if from == 0 {
		return nil
	}

	values := make([]string, 0, to-from+1)
	for col := from; col <= to; col++ {
		if v, ok := cols[col]; ok {
			values = append(values, v)
			continue
		}
		var current string
		if col-1 < len(row.Values) {
			current = row.Values[col-1]
		}
		values = append(values, current)
	}
	return remote.UpdateRange(ctx, name, client.Range{Row: row.Index, FromCol: from, ToCol: to}, values)
}

func exact(rows []sessionRow, email, sessionID string) (sessionRow, bool) {
	if sessionID == "" {
		return sessionRow{}, false
	}
	var (
		found sessionRow
		ok    bool
	)
	for _, r := range rows {
		if r.session.Email == email && r.session.SessionID == sessionID {
			found, ok = r, true
		}
	}
	return found, ok
}

func latest(rows []sessionRow, email string) (sessionRow, bool) {
	var (
		found sessionRow
		ok    bool
	)
	for _, r := range rows {
		if r.session.Email != email {
			continue
		}
		if !ok || !r.session.LoginTime.Before(found.session.LoginTime) {
			found, ok = r, true
		}
	}
	return found, ok
}

func parseStatus(s string) models.SessionStatus {
	switch st := models.SessionStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case models.SessionActive, models.SessionFinished, models.SessionKicked:
		return st
	default:
		return models.SessionUnknown
	}
}
