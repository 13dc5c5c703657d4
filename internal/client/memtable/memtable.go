// Package memtable is an in-memory remote table store. It backs the memory driver and
// serves as the remote fake in tests, with call counting and failure injection.
package memtable

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"Mansoor88-6/worktime-agent/internal/client"
)

// Operation names used by Calls and FailNext
const (
	OpList    = "list"
	OpResolve = "resolve"
	OpRead    = "read"
	OpAppend  = "append"
	OpUpdate  = "update"
	OpQuota   = "quota"
	OpCreate  = "create"
)

type table struct {
	id   int64
	rows [][]string
}

// Store is a set of named tables kept in memory
type Store struct {
	mu     sync.Mutex
	tables map[string]*table
	nextID int64
	quota  client.QuotaState
	calls  map[string]int
	fail   map[string][]error
	hook   func(op, table string)
}

// New creates an empty store with an effectively unlimited quota
func New() *Store {
	return &Store{
		tables: make(map[string]*table),
		nextID: 1,
		quota:  client.QuotaState{Remaining: 1 << 30},
		calls:  make(map[string]int),
		fail:   make(map[string][]error),
	}
}

// CreateTable adds a table whose first row is header. Creating an existing table fails.
func (s *Store) CreateTable(ctx context.Context, name string, header []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpCreate, name); err != nil {
		return err
	}
	if _, ok := s.tables[name]; ok {
		return &client.BadRequestError{Message: fmt.Sprintf("table %q already exists", name), StatusCode: 400}
	}
	s.create(name, header)
	return nil
}

// MustCreate is CreateTable for test setup
func (s *Store) MustCreate(name string, header ...string) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.create(name, header)
	return s
}

func (s *Store) create(name string, header []string) {
	t := &table{id: s.nextID}
	s.nextID++
	if len(header) > 0 {
		t.rows = append(t.rows, append([]string(nil), header...))
	}
	s.tables[name] = t
}

// Drop removes a table. Handles resolved earlier become stale.
func (s *Store) Drop(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, name)
}

// Rename moves a table to a new name under a new id
func (s *Store) Rename(from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[from]
	if !ok {
		return
	}
	delete(s.tables, from)
	t.id = s.nextID
	s.nextID++
	s.tables[to] = t
}

// SetQuota sets the state returned by FetchQuota
func (s *Store) SetQuota(q client.QuotaState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quota = q
}

// FailNext queues errors returned by the next calls of op, one per call
func (s *Store) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = append(s.fail[op], errs...)
}

// OnCall registers a hook run at the start of every call, under the store lock
func (s *Store) OnCall(hook func(op, table string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// Calls returns how many times op was invoked
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Rows returns a copy of all rows of name, header included
func (s *Store) Rows(name string) [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[name]
	if !ok {
		return nil
	}
	return copyRows(t.rows)
}

// SetCell writes a single cell, growing the table as needed. Both indexes are 1-based.
func (s *Store) SetCell(name string, row, col int, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[name]
	if !ok {
		return
	}
	for len(t.rows) < row {
		t.rows = append(t.rows, nil)
	}
	r := t.rows[row-1]
	for len(r) < col {
		r = append(r, "")
	}
	r[col-1] = value
	t.rows[row-1] = r
}

func (s *Store) enter(op, name string) error {
	s.calls[op]++
	if s.hook != nil {
		s.hook(op, name)
	}
	if queued := s.fail[op]; len(queued) > 0 {
		err := queued[0]
		s.fail[op] = queued[1:]
		return err
	}
	return nil
}

func (s *Store) lookup(h client.TableHandle) (*table, error) {
	t, ok := s.tables[h.Name]
	if !ok || t.id != h.ID {
		return nil, fmt.Errorf("%w: %s", client.ErrTableNotFound, h.Name)
	}
	return t, nil
}

func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpList, ""); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) ResolveTable(ctx context.Context, name string) (client.TableHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpResolve, name); err != nil {
		return client.TableHandle{}, err
	}
	t, ok := s.tables[name]
	if !ok {
		return client.TableHandle{}, fmt.Errorf("%w: %s", client.ErrTableNotFound, name)
	}
	return client.TableHandle{Name: name, ID: t.id}, nil
}

func (s *Store) ReadValues(ctx context.Context, h client.TableHandle) ([][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpRead, h.Name); err != nil {
		return nil, err
	}
	t, err := s.lookup(h)
	if err != nil {
		return nil, err
	}
	return copyRows(t.rows), nil
}

func (s *Store) AppendValues(ctx context.Context, h client.TableHandle, rows [][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpAppend, h.Name); err != nil {
		return err
	}
	t, err := s.lookup(h)
	if err != nil {
		return err
	}
	t.rows = append(t.rows, copyRows(rows)...)
	return nil
}

func (s *Store) UpdateValues(ctx context.Context, h client.TableHandle, rng client.Range, values []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpUpdate, h.Name); err != nil {
		return err
	}
	t, err := s.lookup(h)
	if err != nil {
		return err
	}
	if rng.Row > len(t.rows) {
		return &client.BadRequestError{Message: fmt.Sprintf("row %d is beyond the end of %s", rng.Row, h.Name), StatusCode: 400}
	}

	r := t.rows[rng.Row-1]
	for len(r) < rng.ToCol {
		r = append(r, "")
	}
	copy(r[rng.FromCol-1:rng.ToCol], values)
	t.rows[rng.Row-1] = r
	return nil
}

func (s *Store) FetchQuota(ctx context.Context) (client.QuotaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpQuota, ""); err != nil {
		return client.QuotaState{}, err
	}
	return s.quota, nil
}

func copyRows(rows [][]string) [][]string {
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = append([]string(nil), r...)
	}
	return out
}
