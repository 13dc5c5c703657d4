// Package agentapi is a client for the agent's local HTTP API.
package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"Mansoor88-6/worktime-agent/internal/models"

	"go.uber.org/zap"
)

var (
	// ErrNoSession mirrors a 409 for a missing session
	ErrNoSession = errors.New("no active session")
	// ErrSessionTerminated mirrors a 409 for a remotely terminated session
	ErrSessionTerminated = errors.New("session terminated remotely")
)

// APIError is a non-2xx response of the agent
type APIError struct {
	StatusCode int
	Message    string
	Field      string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("agent returned status %d: %s (field %s)", e.StatusCode, e.Message, e.Field)
	}
	return fmt.Sprintf("agent returned status %d: %s", e.StatusCode, e.Message)
}

// Client talks to a running agent
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a client for the agent at baseURL, e.g. http://localhost:8765
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

func (c *Client) Health(ctx context.Context) (models.HealthResponse, error) {
	var out models.HealthResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, &out)
	return out, err
}

// Ping keeps the agent's liveness watchdog from expiring
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/ping", nil, nil)
}

func (c *Client) RecordEvent(ctx context.Context, ev models.Event) (int64, error) {
	var out models.RecordEventResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/events", ev, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

func (c *Client) Session(ctx context.Context) (models.ShiftState, error) {
	var out models.ShiftState
	err := c.do(ctx, http.MethodGet, "/api/v1/session", nil, &out)
	return out, err
}

func (c *Client) Login(ctx context.Context, req models.LoginRequest) (models.CurrentSession, error) {
	var out models.CurrentSession
	err := c.do(ctx, http.MethodPost, "/api/v1/session/login", req, &out)
	return out, err
}

func (c *Client) ChangeStatus(ctx context.Context, status, comment string) (models.CurrentSession, error) {
	var out models.CurrentSession
	err := c.do(ctx, http.MethodPost, "/api/v1/session/status", models.StatusChangeRequest{Status: status, Comment: comment}, &out)
	return out, err
}

func (c *Client) Logout(ctx context.Context, reason, comment string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/session/logout", models.LogoutRequest{Reason: reason, Comment: comment}, nil)
}

func (c *Client) Stats(ctx context.Context) (models.SyncStats, error) {
	var out models.SyncStats
	err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.Debug("Agent API call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var body models.ErrorResponse
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	apiErr := &APIError{StatusCode: status, Message: body.Error, Field: body.Field}

	if status == http.StatusConflict {
		switch body.Error {
		case ErrNoSession.Error():
			return fmt.Errorf("%w: %w", ErrNoSession, apiErr)
		case ErrSessionTerminated.Error():
			return fmt.Errorf("%w: %w", ErrSessionTerminated, apiErr)
		}
	}
	return apiErr
}
