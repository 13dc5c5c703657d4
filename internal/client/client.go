package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options is the call policy applied to every remote call
type Options struct {
	MinCallDelay         time.Duration
	MaxRetries           int
	BackoffBase          time.Duration
	MaxRequestsPerMinute int
	MaxRowsPerRequest    int
	DailyLimit           int

	// OnRetry is invoked before each backoff sleep
	OnRetry func(op string, attempt int, wait time.Duration)
	// OnCall is invoked after every backend call
	OnCall func(op string, duration time.Duration, err error)
}

// RemoteClient wraps a Backend with quota gating, rate limiting, retries and a handle cache
type RemoteClient struct {
	backend Backend
	opts    Options
	limiter *rate.Limiter
	quota   *quotaGate
	floor   time.Duration
	jitter  func() float64
	tracer  trace.Tracer

	mu      sync.Mutex
	handles map[string]TableHandle
	headers map[string][]string

	logger *zap.Logger
}

// NewRemoteClient creates a new governed client on top of backend
func NewRemoteClient(backend Backend, opts Options, logger *zap.Logger) *RemoteClient {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if opts.MaxRequestsPerMinute <= 0 {
		opts.MaxRequestsPerMinute = 60
	}
	if opts.MaxRowsPerRequest <= 0 {
		opts.MaxRowsPerRequest = 50
	}

	limit := rate.Inf
	if opts.MinCallDelay > 0 {
		limit = rate.Every(opts.MinCallDelay)
	}

	return &RemoteClient{
		backend: backend,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		quota:   newQuotaGate(opts.MaxRequestsPerMinute, opts.DailyLimit, logger),
		floor:   time.Minute / time.Duration(opts.MaxRequestsPerMinute),
		jitter:  rand.Float64,
		tracer:  otel.Tracer("worktime-agent/client"),
		handles: make(map[string]TableHandle),
		headers: make(map[string][]string),
		logger:  logger,
	}
}

// Quota returns the current advisory quota state
func (c *RemoteClient) Quota() QuotaState {
	return c.quota.state()
}

// ListTables returns the names of all tables in the remote store
func (c *RemoteClient) ListTables(ctx context.Context) ([]string, error) {
	var names []string
	err := c.call(ctx, "list_tables", "", func(ctx context.Context) error {
		var err error
		names, err = c.backend.ListTables(ctx)
		return err
	})
	return names, err
}

// HasTable reports whether a table named name exists
func (c *RemoteClient) HasTable(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	_, cached := c.handles[name]
	c.mu.Unlock()
	if cached {
		return true, nil
	}

	names, err := c.ListTables(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// CreateTable creates a table with the given header row
func (c *RemoteClient) CreateTable(ctx context.Context, name string, header []string) error {
	creator, ok := c.backend.(TableCreator)
	if !ok {
		return &RemoteStoreError{Op: "create_table", Table: name, Err: errors.New("backend cannot create tables")}
	}
	err := c.call(ctx, "create_table", name, func(ctx context.Context) error {
		return creator.CreateTable(ctx, name, header)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.headers[name] = append([]string(nil), header...)
	c.mu.Unlock()
	return nil
}

// ReadTable reads the whole table name
func (c *RemoteClient) ReadTable(ctx context.Context, name string) (*Table, error) {
	var values [][]string
	err := c.withTable(ctx, "read_table", name, func(ctx context.Context, h TableHandle) error {
		var err error
		values, err = c.backend.ReadValues(ctx, h)
		return err
	})
	if err != nil {
		return nil, err
	}

	table := NewTable(name, values)
	c.mu.Lock()
	c.headers[name] = table.Header
	c.mu.Unlock()
	return table, nil
}

// Header returns the header row of name, read once and cached
func (c *RemoteClient) Header(ctx context.Context, name string) ([]string, error) {
	c.mu.Lock()
	header, ok := c.headers[name]
	c.mu.Unlock()
	if ok {
		return header, nil
	}

	table, err := c.ReadTable(ctx, name)
	if err != nil {
		return nil, err
	}
	return table.Header, nil
}

// AppendRows appends rows to name, split into chunks of at most MaxRowsPerRequest
func (c *RemoteClient) AppendRows(ctx context.Context, name string, rows [][]string) error {
	for start := 0; start < len(rows); start += c.opts.MaxRowsPerRequest {
		end := start + c.opts.MaxRowsPerRequest
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]
		err := c.withTable(ctx, "append_rows", name, func(ctx context.Context, h TableHandle) error {
			return c.backend.AppendValues(ctx, h, chunk)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// AppendRecords appends records laid out in the table's header order. Keys are matched
// case-insensitively; keys without a column are dropped.
func (c *RemoteClient) AppendRecords(ctx context.Context, name string, records []map[string]string) error {
	if len(records) == 0 {
		return nil
	}
	header, err := c.Header(ctx, name)
	if err != nil {
		return err
	}
	if len(header) == 0 {
		return &RemoteStoreError{Op: "append_records", Table: name, Err: fmt.Errorf("table has no header row")}
	}

	rows := make([][]string, len(records))
	for i, rec := range records {
		normalized := make(map[string]string, len(rec))
		for k, v := range rec {
			normalized[normalizeKey(k)] = v
		}
		row := make([]string, len(header))
		for col, h := range header {
			row[col] = normalized[normalizeKey(h)]
		}
		rows[i] = row
	}
	return c.AppendRows(ctx, name, rows)
}

// UpdateRange overwrites the cells of rng in name with values
func (c *RemoteClient) UpdateRange(ctx context.Context, name string, rng Range, values []string) error {
	if !rng.Valid() || len(values) != rng.Width() {
		return &RemoteStoreError{Op: "update_range", Table: name,
			Err: &BadRequestError{Message: fmt.Sprintf("range %s does not fit %d values", rng.A1(), len(values))}}
	}
	return c.withTable(ctx, "update_range", name, func(ctx context.Context, h TableHandle) error {
		return c.backend.UpdateValues(ctx, h, rng, values)
	})
}

// withTable runs fn against the cached handle of name. A cached handle that turned stale
// is dropped, re-resolved and fn retried once.
func (c *RemoteClient) withTable(ctx context.Context, op, name string, fn func(context.Context, TableHandle) error) error {
	for attempt := 0; ; attempt++ {
		h, cached, err := c.handle(ctx, name)
		if err != nil {
			return err
		}

		err = c.call(ctx, op, name, func(ctx context.Context) error {
			return fn(ctx, h)
		})
		if err != nil && cached && attempt == 0 && errors.Is(err, ErrTableNotFound) {
			c.logger.Warn("Cached table handle is stale, resolving again", zap.String("table", name))
			c.invalidate(name)
			continue
		}
		return err
	}
}

func (c *RemoteClient) handle(ctx context.Context, name string) (TableHandle, bool, error) {
	c.mu.Lock()
	h, ok := c.handles[name]
	c.mu.Unlock()
	if ok {
		return h, true, nil
	}

	err := c.call(ctx, "resolve_table", name, func(ctx context.Context) error {
		var err error
		h, err = c.backend.ResolveTable(ctx, name)
		return err
	})
	if err != nil {
		return TableHandle{}, false, err
	}

	c.mu.Lock()
	c.handles[name] = h
	c.mu.Unlock()
	return h, false, nil
}

func (c *RemoteClient) invalidate(name string) {
	c.mu.Lock()
	delete(c.handles, name)
	delete(c.headers, name)
	c.mu.Unlock()
}

// call applies the quota gate, the rate limiter and the retry policy to fn
func (c *RemoteClient) call(ctx context.Context, op, table string, fn func(context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "remote."+op, trace.WithAttributes(attribute.String("table", table)))
	defer span.End()

	attempts := 0
	err := retry.Do(ctx, c.backoff(op), func(ctx context.Context) error {
		attempts++

		if err := c.quota.acquire(ctx, c.backend.FetchQuota); err != nil {
			return c.classify(op, table, attempts, err)
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		start := time.Now()
		err := fn(ctx)
		if c.opts.OnCall != nil {
			c.opts.OnCall(op, time.Since(start), err)
		}
		if err != nil {
			return c.classify(op, table, attempts, err)
		}
		return nil
	})

	span.SetAttributes(attribute.Int("attempts", attempts))
	if err == nil {
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.logger.Error("Remote call failed",
		zap.String("op", op),
		zap.String("table", table),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	return &RemoteStoreError{
		Op:        op,
		Table:     table,
		Attempts:  attempts,
		Retryable: IsRetryable(err),
		Err:       err,
	}
}

func (c *RemoteClient) classify(op, table string, attempt int, err error) error {
	if !IsRetryable(err) {
		return err
	}
	c.logger.Warn("Remote call failed, will retry",
		zap.String("op", op),
		zap.String("table", table),
		zap.Int("attempt", attempt),
		zap.Error(err),
	)
	return retry.RetryableError(err)
}

// backoff yields base*2^n plus up to one base of jitter, never below the per-minute spacing
func (c *RemoteClient) backoff(op string) retry.Backoff {
	base := c.opts.BackoffBase
	attempt := 0
	next := retry.BackoffFunc(func() (time.Duration, bool) {
		wait := base<<attempt + time.Duration(c.jitter()*float64(base))
		if wait < c.floor {
			wait = c.floor
		}
		attempt++
		if c.opts.OnRetry != nil {
			c.opts.OnRetry(op, attempt, wait)
		}
		return wait, false
	})
	return retry.WithMaxRetries(uint64(c.opts.MaxRetries-1), next)
}
