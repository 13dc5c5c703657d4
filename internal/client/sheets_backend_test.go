package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   map[string]interface{}
}

func newSheetsTestServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*SheetsBackend, func() []recordedRequest) {
	t.Helper()
	var (
		mu       sync.Mutex
		requests []recordedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
		}
		if body, _ := io.ReadAll(r.Body); len(body) > 0 {
			_ = json.Unmarshal(body, &rec.Body)
		}
		mu.Lock()
		requests = append(requests, rec)
		mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	b := NewSheetsBackend(SheetsOptions{
		BaseURL:              srv.URL,
		SpreadsheetID:        "sheet-1",
		Token:                "secret",
		Timeout:              5 * time.Second,
		MaxRequestsPerMinute: 60,
	}, zap.NewNop())
	return b, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), requests...)
	}
}

func TestSheetsResolveAndList(t *testing.T) {
	b, requests := newSheetsTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"sheets":[{"properties":{"sheetId":0,"title":"Users"}},{"properties":{"sheetId":42,"title":"WorkLog_Почта"}}]}`)
	})
	ctx := context.Background()

	names, err := b.ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Users", "WorkLog_Почта"}, names)

	h, err := b.ResolveTable(ctx, "WorkLog_Почта")
	require.NoError(t, err)
	assert.Equal(t, TableHandle{Name: "WorkLog_Почта", ID: 42}, h)

	_, err = b.ResolveTable(ctx, "Missing")
	assert.ErrorIs(t, err, ErrTableNotFound)

	req := requests()[0]
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/v4/spreadsheets/sheet-1", req.Path)
	assert.Equal(t, "fields=sheets.properties", req.Query)
	assert.Equal(t, "Bearer secret", req.Auth)
}

func TestSheetsReadValues(t *testing.T) {
	b, requests := newSheetsTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"range":"'Users'!A1:C3","values":[["Email","Name"],["a@example.com","Anna",3]]}`)
	})

	values, err := b.ReadValues(context.Background(), TableHandle{Name: "Users"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Email", "Name"}, {"a@example.com", "Anna", "3"}}, values)
	assert.Equal(t, "/v4/spreadsheets/sheet-1/values/'Users'", requests()[0].Path)
}

func TestSheetsAppendAndUpdate(t *testing.T) {
	b, requests := newSheetsTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	})
	ctx := context.Background()
	h := TableHandle{Name: "ActiveSessions", ID: 3}

	require.NoError(t, b.AppendValues(ctx, h, [][]string{{"a@example.com", "active"}}))
	require.NoError(t, b.UpdateValues(ctx, h, Range{Row: 5, FromCol: 5, ToCol: 6}, []string{"kicked", "2024-03-01 10:00:00"}))

	appendReq := requests()[0]
	assert.Equal(t, http.MethodPost, appendReq.Method)
	assert.Equal(t, "/v4/spreadsheets/sheet-1/values/'ActiveSessions':append", appendReq.Path)
	assert.Equal(t, "valueInputOption=RAW&insertDataOption=INSERT_ROWS", appendReq.Query)
	assert.Equal(t, []interface{}{[]interface{}{"a@example.com", "active"}}, appendReq.Body["values"])

	updateReq := requests()[1]
	assert.Equal(t, http.MethodPut, updateReq.Method)
	assert.Equal(t, "/v4/spreadsheets/sheet-1/values/'ActiveSessions'!E5:F5", updateReq.Path)
	assert.Equal(t, "'ActiveSessions'!E5:F5", updateReq.Body["range"])
	assert.Equal(t, "valueInputOption=RAW", updateReq.Query)
}

func TestSheetsWritesCellsVerbatim(t *testing.T) {
	b, requests := newSheetsTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	})
	ctx := context.Background()
	h := TableHandle{Name: "WorkLog_General", ID: 7}

	row := []string{"a@example.com", "2024-03-01 09:00:00", "=HYPERLINK(\"http://x\")", "+7 900"}
	require.NoError(t, b.AppendValues(ctx, h, [][]string{row}))

	req := requests()[0]
	assert.Contains(t, req.Query, "valueInputOption=RAW")
	assert.Equal(t, []interface{}{[]interface{}{"a@example.com", "2024-03-01 09:00:00", "=HYPERLINK(\"http://x\")", "+7 900"}}, req.Body["values"])
}

func TestSheetsStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{"not found", http.StatusNotFound, `{}`, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrTableNotFound)
		}},
		{"unparsable range", http.StatusBadRequest, `{"error":{"message":"Unable to parse range: 'X'"}}`, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrTableNotFound)
		}},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"Invalid value"}}`, func(t *testing.T, err error) {
			var target *BadRequestError
			assert.True(t, errors.As(err, &target))
		}},
		{"throttled", http.StatusTooManyRequests, `{}`, func(t *testing.T, err error) {
			var target *RateLimitError
			assert.True(t, errors.As(err, &target))
			assert.True(t, IsRetryable(err))
		}},
		{"quota forbidden", http.StatusForbidden, `{"error":{"message":"Quota exceeded for quota metric"}}`, func(t *testing.T, err error) {
			var target *RateLimitError
			assert.True(t, errors.As(err, &target))
		}},
		{"unauthorized", http.StatusUnauthorized, `{}`, func(t *testing.T, err error) {
			var target *AuthError
			assert.True(t, errors.As(err, &target))
			assert.False(t, IsRetryable(err))
		}},
		{"server", http.StatusServiceUnavailable, `{}`, func(t *testing.T, err error) {
			var target *BackendError
			assert.True(t, errors.As(err, &target))
			assert.Equal(t, http.StatusServiceUnavailable, target.StatusCode)
			assert.True(t, IsRetryable(err))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newSheetsTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := b.ReadValues(context.Background(), TableHandle{Name: "X"})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestSheetsQuotaHeaders(t *testing.T) {
	b, _ := newSheetsTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-remaining", "7")
		w.Header().Set("x-ratelimit-reset", "30")
		_, _ = io.WriteString(w, `{"values":[]}`)
	})
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	q, err := b.FetchQuota(ctx)
	require.NoError(t, err)
	assert.Equal(t, 60, q.Remaining)

	_, err = b.ReadValues(ctx, TableHandle{Name: "Users"})
	require.NoError(t, err)

	q, err = b.FetchQuota(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, q.Remaining)
	assert.Equal(t, 30*time.Second, q.ResetAfter)

	now = now.Add(31 * time.Second)
	q, err = b.FetchQuota(ctx)
	require.NoError(t, err)
	assert.Equal(t, 60, q.Remaining)
}

func TestProbe(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer up.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	ctx := context.Background()
	assert.True(t, NewProbe(up.URL, time.Second, zap.NewNop()).Reachable(ctx))
	assert.False(t, NewProbe(failing.URL, time.Second, zap.NewNop()).Reachable(ctx))
	assert.False(t, NewProbe("http://127.0.0.1:1", 200*time.Millisecond, zap.NewNop()).Reachable(ctx))
	assert.True(t, StaticProbe(true).Reachable(ctx))
}
