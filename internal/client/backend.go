package client

import "context"

// TableHandle identifies a resolved table. ID is backend specific.
type TableHandle struct {
	Name string
	ID   int64
}

// Backend is a remote tabular store reachable by table name
type Backend interface {
	ListTables(ctx context.Context) ([]string, error)
	ResolveTable(ctx context.Context, name string) (TableHandle, error)
	ReadValues(ctx context.Context, h TableHandle) ([][]string, error)
	AppendValues(ctx context.Context, h TableHandle, rows [][]string) error
	UpdateValues(ctx context.Context, h TableHandle, rng Range, values []string) error
	FetchQuota(ctx context.Context) (QuotaState, error)
}

// TableCreator is implemented by backends that can create tables
type TableCreator interface {
	CreateTable(ctx context.Context, name string, header []string) error
}
