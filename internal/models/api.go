package models

import "time"

// LoginRequest starts a new shift
type LoginRequest struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Group   string `json:"group,omitempty"`
	Status  string `json:"status,omitempty"`
	Comment string `json:"comment,omitempty"`
}

type StatusChangeRequest struct {
	Status  string `json:"status"`
	Comment string `json:"comment,omitempty"`
}

type LogoutRequest struct {
	Reason  string `json:"reason,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// ShiftState is what the agent knows about the current shift
type ShiftState struct {
	Session     *CurrentSession `json:"session,omitempty"`
	Terminated  bool            `json:"terminated"`
	Termination *ForceLogout    `json:"termination,omitempty"`
}

type RecordEventResponse struct {
	ID int64 `json:"id"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	LastPing  time.Time `json:"last_ping,omitempty"`
}

// ErrorResponse is the body of every non-2xx agent API response
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}
