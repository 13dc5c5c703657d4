// Package pgtable stores remote tables in PostgreSQL for self-hosted deployments.
// A table is a row in remote_tables, its rows are text arrays in remote_rows.
package pgtable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Mansoor88-6/worktime-agent/internal/client"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DefaultTimeout bounds every statement
const DefaultTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS remote_tables (
	id         BIGSERIAL PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS remote_rows (
	table_id BIGINT NOT NULL REFERENCES remote_tables(id) ON DELETE CASCADE,
	row_num  INTEGER NOT NULL,
	cells    TEXT[] NOT NULL,
	PRIMARY KEY (table_id, row_num)
);
`

// Backend implements client.Backend on a pgx pool
type Backend struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Open creates a pool for dsn, pings it and bootstraps the schema
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Backend, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	b := &Backend{pool: pool, logger: logger}
	if err := b.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("Remote table store connected", zap.String("host", cfg.ConnConfig.Host))
	return b, nil
}

func (b *Backend) migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	if _, err := b.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to bootstrap schema: %w", err)
	}
	return nil
}

// Close closes the pool
func (b *Backend) Close() {
	b.pool.Close()
}

type rowRecord struct {
	RowNum int      `db:"row_num"`
	Cells  []string `db:"cells"`
}

func (b *Backend) ListTables(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	var names []string
	if err := pgxscan.Select(ctx, b.pool, &names, `SELECT name FROM remote_tables ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", classify(err))
	}
	return names, nil
}

func (b *Backend) ResolveTable(ctx context.Context, name string) (client.TableHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	var id int64
	err := pgxscan.Get(ctx, b.pool, &id, `SELECT id FROM remote_tables WHERE name = $1`, name)
	if pgxscan.NotFound(err) {
		return client.TableHandle{}, fmt.Errorf("%w: %s", client.ErrTableNotFound, name)
	}
	if err != nil {
		return client.TableHandle{}, fmt.Errorf("failed to resolve table: %w", classify(err))
	}
	return client.TableHandle{Name: name, ID: id}, nil
}

func (b *Backend) ReadValues(ctx context.Context, h client.TableHandle) ([][]string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	if err := b.check(ctx, b.pool, h); err != nil {
		return nil, err
	}

	var records []rowRecord
	err := pgxscan.Select(ctx, b.pool, &records,
		`SELECT row_num, cells FROM remote_rows WHERE table_id = $1 ORDER BY row_num`, h.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", classify(err))
	}

	if len(records) == 0 {
		return nil, nil
	}
	values := make([][]string, records[len(records)-1].RowNum)
	for _, r := range records {
		values[r.RowNum-1] = r.Cells
	}
	return values, nil
}

func (b *Backend) AppendValues(ctx context.Context, h client.TableHandle, rows [][]string) error {
	return b.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := b.lockTable(ctx, tx, h); err != nil {
			return err
		}

		var last int
		if err := pgxscan.Get(ctx, tx, &last,
			`SELECT COALESCE(MAX(row_num), 0) FROM remote_rows WHERE table_id = $1`, h.ID); err != nil {
			return fmt.Errorf("failed to find last row: %w", classify(err))
		}

		batch := &pgx.Batch{}
		for i, row := range rows {
			cells := row
			if cells == nil {
				cells = []string{}
			}
			batch.Queue(`INSERT INTO remote_rows (table_id, row_num, cells) VALUES ($1, $2, $3)`, h.ID, last+i+1, cells)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to append rows: %w", classify(err))
		}
		return nil
	})
}

func (b *Backend) UpdateValues(ctx context.Context, h client.TableHandle, rng client.Range, values []string) error {
	return b.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := b.lockTable(ctx, tx, h); err != nil {
			return err
		}

		var current rowRecord
		err := pgxscan.Get(ctx, tx, &current,
			`SELECT row_num, cells FROM remote_rows WHERE table_id = $1 AND row_num = $2`, h.ID, rng.Row)
		if err != nil && !pgxscan.NotFound(err) {
			return fmt.Errorf("failed to read row: %w", classify(err))
		}
		cells := current.Cells

		for len(cells) < rng.ToCol {
			cells = append(cells, "")
		}
		copy(cells[rng.FromCol-1:rng.ToCol], values)

		_, err = tx.Exec(ctx, `
			INSERT INTO remote_rows (table_id, row_num, cells) VALUES ($1, $2, $3)
			ON CONFLICT (table_id, row_num) DO UPDATE SET cells = EXCLUDED.cells
		`, h.ID, rng.Row, cells)
		if err != nil {
			return fmt.Errorf("failed to update row: %w", classify(err))
		}
		return nil
	})
}

// CreateTable registers name and stores header as row 1
func (b *Backend) CreateTable(ctx context.Context, name string, header []string) error {
	return b.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var id int64
		err := pgxscan.Get(ctx, tx, &id, `INSERT INTO remote_tables (name) VALUES ($1) RETURNING id`, name)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return &client.BadRequestError{Message: fmt.Sprintf("table %q already exists", name), StatusCode: 409}
			}
			return fmt.Errorf("failed to create table: %w", classify(err))
		}
		if len(header) == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO remote_rows (table_id, row_num, cells) VALUES ($1, 1, $2)`, id, header); err != nil {
			return fmt.Errorf("failed to write header: %w", classify(err))
		}
		return nil
	})
}

// FetchQuota reports an unlimited budget; the database is not metered
func (b *Backend) FetchQuota(ctx context.Context) (client.QuotaState, error) {
	return client.QuotaState{Remaining: 1 << 30, ResetAfter: time.Minute}, nil
}

func (b *Backend) inTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	return nil
}

func (b *Backend) lockTable(ctx context.Context, tx pgx.Tx, h client.TableHandle) error {
	var id int64
	err := pgxscan.Get(ctx, tx, &id,
		`SELECT id FROM remote_tables WHERE id = $1 AND name = $2 FOR UPDATE`, h.ID, h.Name)
	if pgxscan.NotFound(err) {
		return fmt.Errorf("%w: %s", client.ErrTableNotFound, h.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to lock table: %w", classify(err))
	}
	return nil
}

func (b *Backend) check(ctx context.Context, q pgxscan.Querier, h client.TableHandle) error {
	var id int64
	err := pgxscan.Get(ctx, q, &id, `SELECT id FROM remote_tables WHERE id = $1 AND name = $2`, h.ID, h.Name)
	if pgxscan.NotFound(err) {
		return fmt.Errorf("%w: %s", client.ErrTableNotFound, h.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to check table: %w", classify(err))
	}
	return nil
}

// classify maps connection level failures onto the retryable backend error
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08 is connection exception, 53 insufficient resources, 57P0x operator intervention
		switch {
		case len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "53"), pgErr.Code == "57P01", pgErr.Code == "57P03":
			return &client.BackendError{Message: err.Error(), StatusCode: 503}
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return &client.BackendError{Message: err.Error(), StatusCode: 503}
	}
	return err
}
