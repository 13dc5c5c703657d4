package models

import "time"

// SessionStatus is the lifecycle state of a session in the active-session directory
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionFinished SessionStatus = "finished"
	SessionKicked   SessionStatus = "kicked"
	SessionUnknown  SessionStatus = "unknown"
)

// Terminated reports whether the session has ended remotely
func (s SessionStatus) Terminated() bool {
	return s == SessionFinished || s == SessionKicked
}

// RemoteCommandForceLogout asks the client owning a session to shut down
const RemoteCommandForceLogout = "FORCE_LOGOUT"

// ActiveSession is one row of the remote active-session directory
type ActiveSession struct {
	Email            string        `json:"email"`
	Name             string        `json:"name"`
	SessionID        string        `json:"session_id"`
	LoginTime        time.Time     `json:"login_time"`
	Status           SessionStatus `json:"status"`
	LogoutTime       *time.Time    `json:"logout_time,omitempty"`
	RemoteCommand    string        `json:"remote_command,omitempty"`
	RemoteCommandAck string        `json:"remote_command_ack,omitempty"`

	// Row is the 1-based row number in the remote table
	Row int `json:"-"`
}

// CurrentSession is the session driven by this device, persisted locally
type CurrentSession struct {
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Group     string    `json:"group,omitempty"`
	SessionID string    `json:"session_id"`
	LoginTime time.Time `json:"login_time"`
	Status    string    `json:"status,omitempty"`
}

// User is one row of the remote Users directory
type User struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	Role       string `json:"role,omitempty"`
	ShiftHours string `json:"shift_hours,omitempty"`
	Telegram   string `json:"telegram,omitempty"`
	Group      string `json:"group,omitempty"`
}
