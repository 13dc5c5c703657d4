package agentapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"Mansoor88-6/worktime-agent/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", time.Second, zap.NewNop())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestLoginSendsRequest(t *testing.T) {
	var got models.LoginRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/session/login", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, models.CurrentSession{Email: got.Email, SessionID: "s1"})
	})

	cur, err := c.Login(context.Background(), models.LoginRequest{Email: "op@example.com", Status: "In work"})
	require.NoError(t, err)
	assert.Equal(t, "s1", cur.SessionID)
	assert.Equal(t, "In work", got.Status)
}

func TestConflictMapsToSentinels(t *testing.T) {
	tests := []struct {
		message string
		want    error
	}{
		{"no active session", ErrNoSession},
		{"session terminated remotely", ErrSessionTerminated},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusConflict, models.ErrorResponse{Error: tt.message})
			})

			_, err := c.ChangeStatus(context.Background(), "Break", "")
			assert.ErrorIs(t, err, tt.want)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
		})
	}
}

func TestValidationError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "invalid event: email is required", Field: "email"})
	})

	_, err := c.RecordEvent(context.Background(), models.Event{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "email", apiErr.Field)
	assert.Contains(t, err.Error(), "field email")
}

func TestPlainTextError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	err := c.Ping(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "boom", apiErr.Message)
}

func TestStatsAndSession(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/stats":
			writeJSON(w, http.StatusOK, models.SyncStats{TotalSynced: 12, Mode: models.ModeOfflineRecovery})
		case "/api/v1/session":
			writeJSON(w, http.StatusOK, models.ShiftState{Terminated: true})
		case "/api/v1/session/logout":
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12), stats.TotalSynced)
	assert.Equal(t, models.ModeOfflineRecovery, stats.Mode)

	state, err := c.Session(ctx)
	require.NoError(t, err)
	assert.True(t, state.Terminated)

	require.NoError(t, c.Logout(ctx, models.ReasonUser, ""))

	_, err = c.Health(ctx)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestUnreachableAgent(t *testing.T) {
	c := New("http://127.0.0.1:1", 200*time.Millisecond, zap.NewNop())
	err := c.Ping(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}
