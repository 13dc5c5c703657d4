package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// ErrTableNotFound is returned when a table does not exist in the remote store
var ErrTableNotFound = errors.New("table not found")

// ErrQuotaExceeded is returned when the advisory quota is still exhausted after waiting for reset
var ErrQuotaExceeded = errors.New("remote quota exceeded")

// AuthError is returned for 401/403 responses
type AuthError struct {
	Message    string
	StatusCode int
}

func (e *AuthError) Error() string {
	return e.Message
}

// RateLimitError is returned when the backend throttles the caller
type RateLimitError struct {
	Message    string
	StatusCode int
}

func (e *RateLimitError) Error() string {
	return e.Message
}

type BadRequestError struct {
	Message    string
	StatusCode int
}

func (e *BadRequestError) Error() string {
	return e.Message
}

type BackendError struct {
	Message    string
	StatusCode int
}

func (e *BackendError) Error() string {
	return e.Message
}

// RemoteStoreError is what escapes the client after the call policy gave up
type RemoteStoreError struct {
	Op        string
	Table     string
	Attempts  int
	Retryable bool
	Err       error
}

func (e *RemoteStoreError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("remote %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("remote %s on %q failed after %d attempt(s): %v", e.Op, e.Table, e.Attempts, e.Err)
}

func (e *RemoteStoreError) Unwrap() error {
	return e.Err
}

var retryableMarkers = []string{"rate limit", "quota", "429", "timeout", "temporarily", "unavailable", "socket"}

// IsRetryable classifies err as transient (worth another attempt) or terminal
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var rse *RemoteStoreError
	if errors.As(err, &rse) {
		return rse.Retryable
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) && !isNetTimeout(err) {
		return false
	}
	if errors.Is(err, ErrTableNotFound) {
		return false
	}
	if errors.Is(err, ErrQuotaExceeded) {
		return true
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return false
	}
	var badReq *BadRequestError
	if errors.As(err, &badReq) {
		return false
	}
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var backendErr *BackendError
	if errors.As(err, &backendErr) {
		return backendErr.StatusCode >= 500 || backendErr.StatusCode == http.StatusRequestTimeout
	}

	if isNetTimeout(err) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
