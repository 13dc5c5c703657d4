package queue

import "fmt"

// ValidationError rejects an event before it reaches the log
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s %s", e.Field, e.Message)
}

// ConflictError marks a duplicate LOGOUT inside the dedup window. Append treats it as success.
type ConflictError struct {
	SessionID  string
	ExistingID int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("logout already recorded for session %s (event %d)", e.SessionID, e.ExistingID)
}

// LocalStoreError wraps a storage failure of the local log
type LocalStoreError struct {
	Op  string
	Err error
}

func (e *LocalStoreError) Error() string {
	return fmt.Sprintf("local store %s: %v", e.Op, e.Err)
}

func (e *LocalStoreError) Unwrap() error {
	return e.Err
}
