package models

import "time"

// ActionType is the kind of state transition an Event records
type ActionType string

const (
	ActionLogin        ActionType = "LOGIN"
	ActionStatusChange ActionType = "STATUS_CHANGE"
	ActionLogout       ActionType = "LOGOUT"
)

// Valid reports whether a is one of the known action types
func (a ActionType) Valid() bool {
	switch a {
	case ActionLogin, ActionStatusChange, ActionLogout:
		return true
	}
	return false
}

// OpensStatus reports whether rows of this type carry an open status interval
func (a ActionType) OpensStatus() bool {
	return a == ActionLogin || a == ActionStatusChange
}

// Event priorities, higher is delivered first
const (
	PriorityLow    = 1
	PriorityNormal = 2
	PriorityHigh   = 3
)

// DefaultPriority is used when an event is recorded without an explicit priority
func DefaultPriority(a ActionType) int {
	switch a {
	case ActionLogin, ActionLogout:
		return PriorityHigh
	default:
		return PriorityLow
	}
}

// Logout reasons
const (
	ReasonUser  = "user"
	ReasonAdmin = "admin"
	ReasonAuto  = "auto"
)

// Event is one durable record of a login, status change or logout
type Event struct {
	ID              int64      `json:"id"`
	SessionID       string     `json:"session_id"`
	Email           string     `json:"email"`
	Name            string     `json:"name"`
	Group           string     `json:"user_group,omitempty"`
	Status          *string    `json:"status,omitempty"`
	ActionType      ActionType `json:"action_type"`
	Comment         string     `json:"comment,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
	StatusStartTime *time.Time `json:"status_start_time,omitempty"`
	StatusEndTime   *time.Time `json:"status_end_time,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	Priority        int        `json:"priority"`

	Synced          bool       `json:"synced"`
	SyncAttempts    int        `json:"sync_attempts"`
	LastSyncAttempt *time.Time `json:"last_sync_attempt,omitempty"`
}

// StatusValue returns the status label or an empty string
func (e Event) StatusValue() string {
	if e.Status == nil {
		return ""
	}
	return *e.Status
}

// StringPtr is a helper for optional string fields
func StringPtr(s string) *string {
	return &s
}
