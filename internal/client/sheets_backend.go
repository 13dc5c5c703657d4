package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// SheetsOptions configures the spreadsheet values backend
type SheetsOptions struct {
	BaseURL              string
	SpreadsheetID        string
	Token                string
	Timeout              time.Duration
	MaxRequestsPerMinute int
}

// SheetsBackend talks to a spreadsheet through the values REST API. Each sheet is a table.
type SheetsBackend struct {
	baseURL       string
	spreadsheetID string
	token         string
	perMinute     int
	httpClient    *http.Client

	mu        sync.Mutex
	remaining int
	resetAt   time.Time
	now       func() time.Time

	logger *zap.Logger
}

// NewSheetsBackend creates a new spreadsheet backend
func NewSheetsBackend(opts SheetsOptions, logger *zap.Logger) *SheetsBackend {
	if opts.MaxRequestsPerMinute <= 0 {
		opts.MaxRequestsPerMinute = 60
	}
	return &SheetsBackend{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		spreadsheetID: opts.SpreadsheetID,
		token:         opts.Token,
		perMinute:     opts.MaxRequestsPerMinute,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		remaining: opts.MaxRequestsPerMinute,
		now:       time.Now,
		logger:    logger,
	}
}

type sheetProperties struct {
	SheetID int64  `json:"sheetId"`
	Title   string `json:"title"`
}

type spreadsheetMeta struct {
	Sheets []struct {
		Properties sheetProperties `json:"properties"`
	} `json:"sheets"`
}

type valueRange struct {
	Range          string          `json:"range,omitempty"`
	MajorDimension string          `json:"majorDimension,omitempty"`
	Values         [][]interface{} `json:"values"`
}

func (b *SheetsBackend) sheets(ctx context.Context) ([]sheetProperties, error) {
	var meta spreadsheetMeta
	path := fmt.Sprintf("/v4/spreadsheets/%s?fields=sheets.properties", url.PathEscape(b.spreadsheetID))
	if err := b.do(ctx, http.MethodGet, path, nil, &meta); err != nil {
		return nil, err
	}

	props := make([]sheetProperties, len(meta.Sheets))
	for i, s := range meta.Sheets {
		props[i] = s.Properties
	}
	return props, nil
}

// ListTables returns the sheet titles
func (b *SheetsBackend) ListTables(ctx context.Context) ([]string, error) {
	props, err := b.sheets(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(props))
	for i, p := range props {
		names[i] = p.Title
	}
	return names, nil
}

// ResolveTable looks up the sheet id of name
func (b *SheetsBackend) ResolveTable(ctx context.Context, name string) (TableHandle, error) {
	props, err := b.sheets(ctx)
	if err != nil {
		return TableHandle{}, err
	}
	for _, p := range props {
		if p.Title == name {
			return TableHandle{Name: name, ID: p.SheetID}, nil
		}
	}
	return TableHandle{}, fmt.Errorf("%w: %s", ErrTableNotFound, name)
}

// ReadValues returns every row of the sheet as formatted strings
func (b *SheetsBackend) ReadValues(ctx context.Context, h TableHandle) ([][]string, error) {
	var vr valueRange
	if err := b.do(ctx, http.MethodGet, b.valuesPath(quoteSheet(h.Name), ""), nil, &vr); err != nil {
		return nil, err
	}

	values := make([][]string, len(vr.Values))
	for i, row := range vr.Values {
		values[i] = make([]string, len(row))
		for j, cell := range row {
			if cell != nil {
				values[i][j] = fmt.Sprint(cell)
			}
		}
	}
	return values, nil
}

// AppendValues inserts rows after the last row of the sheet
func (b *SheetsBackend) AppendValues(ctx context.Context, h TableHandle, rows [][]string) error {
	body := valueRange{MajorDimension: "ROWS", Values: toCells(rows)}
	path := b.valuesPath(quoteSheet(h.Name), ":append") + "?valueInputOption=RAW&insertDataOption=INSERT_ROWS"
	return b.do(ctx, http.MethodPost, path, body, nil)
}

// UpdateValues overwrites a single-row range
func (b *SheetsBackend) UpdateValues(ctx context.Context, h TableHandle, rng Range, values []string) error {
	a1 := quoteSheet(h.Name) + "!" + rng.A1()
	body := valueRange{Range: a1, MajorDimension: "ROWS", Values: toCells([][]string{values})}
	path := b.valuesPath(a1, "") + "?valueInputOption=RAW"
	return b.do(ctx, http.MethodPut, path, body, nil)
}

// CreateTable adds a sheet and writes its header row
func (b *SheetsBackend) CreateTable(ctx context.Context, name string, header []string) error {
	req := map[string]interface{}{
		"requests": []interface{}{
			map[string]interface{}{
				"addSheet": map[string]interface{}{
					"properties": map[string]string{"title": name},
				},
			},
		},
	}
	path := fmt.Sprintf("/v4/spreadsheets/%s:batchUpdate", url.PathEscape(b.spreadsheetID))
	if err := b.do(ctx, http.MethodPost, path, req, nil); err != nil {
		return err
	}
	if len(header) == 0 {
		return nil
	}
	return b.UpdateValues(ctx, TableHandle{Name: name}, Range{Row: 1, FromCol: 1, ToCol: len(header)}, header)
}

// FetchQuota reports the budget seen in the latest rate limit headers.
// Once the advertised reset has passed the full per-minute budget is assumed.
func (b *SheetsBackend) FetchQuota(ctx context.Context) (QuotaState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.resetAt.IsZero() || !now.Before(b.resetAt) {
		return QuotaState{Remaining: b.perMinute, ResetAfter: time.Minute}, nil
	}
	return QuotaState{Remaining: b.remaining, ResetAfter: b.resetAt.Sub(now)}, nil
}

func (b *SheetsBackend) valuesPath(a1, suffix string) string {
	return fmt.Sprintf("/v4/spreadsheets/%s/values/%s%s", url.PathEscape(b.spreadsheetID), url.PathEscape(a1), suffix)
}

func (b *SheetsBackend) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		jsonData, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	startTime := time.Now()
	resp, err := b.httpClient.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		b.logger.Debug("Remote request failed",
			zap.String("method", method),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	b.observeQuota(resp.Header)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		b.logger.Debug("Remote request completed",
			zap.String("method", method),
			zap.Int("status_code", resp.StatusCode),
			zap.Duration("duration", duration),
		)
		if out == nil || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		return nil
	}

	return classifyStatus(resp.StatusCode, respBody)
}

func classifyStatus(status int, body []byte) error {
	errMsg := fmt.Sprintf("remote store returned status %d: %s", status, strings.TrimSpace(string(body)))
	lower := strings.ToLower(string(body))

	switch {
	case status == http.StatusNotFound,
		status == http.StatusBadRequest && strings.Contains(lower, "unable to parse range"):
		return fmt.Errorf("%w: %s", ErrTableNotFound, errMsg)
	case status == http.StatusTooManyRequests,
		status == http.StatusForbidden && (strings.Contains(lower, "quota") || strings.Contains(lower, "rate limit")):
		return &RateLimitError{Message: errMsg, StatusCode: status}
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return &AuthError{Message: errMsg, StatusCode: status}
	case status == http.StatusBadRequest:
		return &BadRequestError{Message: errMsg, StatusCode: status}
	default:
		return &BackendError{Message: errMsg, StatusCode: status}
	}
}

func (b *SheetsBackend) observeQuota(h http.Header) {
	remaining, err := strconv.Atoi(h.Get("x-ratelimit-remaining"))
	if err != nil {
		return
	}
	reset := 60
	if v, err := strconv.Atoi(h.Get("x-ratelimit-reset")); err == nil && v > 0 {
		reset = v
	}

	b.mu.Lock()
	b.remaining = remaining
	b.resetAt = b.now().Add(time.Duration(reset) * time.Second)
	b.mu.Unlock()
}

func quoteSheet(name string) string {
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}

func toCells(rows [][]string) [][]interface{} {
	cells := make([][]interface{}, len(rows))
	for i, row := range rows {
		cells[i] = make([]interface{}, len(row))
		for j, v := range row {
			cells[i][j] = v
		}
	}
	return cells
}
