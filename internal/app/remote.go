// Package app assembles the remote store stack shared by the agent and the controller.
package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"Mansoor88-6/worktime-agent/internal/client"
	"Mansoor88-6/worktime-agent/internal/client/memtable"
	"Mansoor88-6/worktime-agent/internal/client/pgtable"
	"Mansoor88-6/worktime-agent/internal/config"
	"Mansoor88-6/worktime-agent/internal/directory"
	"Mansoor88-6/worktime-agent/internal/metrics"
	"Mansoor88-6/worktime-agent/internal/worklog"

	"go.uber.org/zap"
)

// Prober answers whether the remote store is reachable
type Prober interface {
	Reachable(ctx context.Context) bool
}

// Remote is a governed client over the configured driver
type Remote struct {
	Client   *client.RemoteClient
	Probe    Prober
	Sessions *directory.SessionDirectory
	Users    *directory.UserDirectory
	Router   *worklog.Router

	close func()
}

// OpenRemote builds the backend named by cfg.Remote.Driver and wraps it in the call policy.
// m may be nil.
func OpenRemote(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*Remote, error) {
	var (
		backend client.Backend
		probe   Prober
		closeFn = func() {}
	)

	switch cfg.Remote.Driver {
	case "sheets":
		backend = client.NewSheetsBackend(client.SheetsOptions{
			BaseURL:              cfg.Remote.BaseURL,
			SpreadsheetID:        cfg.Remote.SpreadsheetID,
			Token:                cfg.Remote.Token,
			Timeout:              cfg.Remote.Timeout,
			MaxRequestsPerMinute: cfg.Remote.MaxRequestsPerMinute,
		}, logger)
		probe = client.NewProbe(cfg.Remote.ProbeURL, cfg.Remote.ProbeTimeout, logger)
	case "postgres":
		pg, err := pgtable.Open(ctx, cfg.Remote.DSN, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres remote store: %w", err)
		}
		backend = pg
		probe = client.StaticProbe(true)
		closeFn = pg.Close
	case "memory":
		backend = memtable.New()
		probe = client.StaticProbe(true)
	default:
		return nil, fmt.Errorf("unknown remote driver %q", cfg.Remote.Driver)
	}

	opts := client.Options{
		MinCallDelay:         cfg.Remote.MinCallDelay,
		MaxRetries:           cfg.Remote.MaxRetries,
		BackoffBase:          cfg.Remote.BackoffBase,
		MaxRequestsPerMinute: cfg.Remote.MaxRequestsPerMinute,
		MaxRowsPerRequest:    cfg.Remote.MaxRowsPerRequest,
		DailyLimit:           cfg.Remote.DailyLimit,
	}
	if m != nil {
		opts.OnCall = m.ObserveRemoteCall
		opts.OnRetry = m.ObserveRetry
	}
	rc := client.NewRemoteClient(backend, opts, logger)

	loc := cfg.Location()
	users := directory.NewUserDirectory(rc, cfg.Remote.UsersTable, cfg.Groups.UsersCacheTTL, logger)
	r := &Remote{
		Client:   rc,
		Probe:    probe,
		Sessions: directory.NewSessionDirectory(rc, cfg.Remote.SessionsTable, loc, logger),
		Users:    users,
		Router: worklog.NewRouter(rc, users, worklog.Options{
			DefaultGroup: cfg.Groups.Default,
			Prefixes:     cfg.Groups.Prefixes,
			TablePrefix:  cfg.Groups.WorkLogPrefix,
			Location:     loc,
			MissingTTL:   cfg.Groups.UsersCacheTTL,
		}, logger),
		close: closeFn,
	}

	logger.Info("Remote store configured",
		zap.String("driver", cfg.Remote.Driver),
		zap.String("sessions_table", cfg.Remote.SessionsTable),
	)
	return r, nil
}

// EnsureTables creates the directory tables and the default group's WorkLog table when missing.
// It returns the names it created.
func (r *Remote) EnsureTables(ctx context.Context, cfg *config.Config) ([]string, error) {
	wanted := []struct {
		name   string
		header []string
	}{
		{cfg.Remote.SessionsTable, directory.SessionsHeader},
		{cfg.Remote.UsersTable, directory.UsersHeader},
		{r.Router.TableName(cfg.Groups.Default), worklog.Header},
	}

	var created []string
	for _, w := range wanted {
		ok, err := r.Client.HasTable(ctx, w.name)
		if err != nil {
			return created, fmt.Errorf("failed to check table %s: %w", w.name, err)
		}
		if ok {
			continue
		}
		if err := r.Client.CreateTable(ctx, w.name, w.header); err != nil {
			return created, fmt.Errorf("failed to create table %s: %w", w.name, err)
		}
		created = append(created, w.name)
	}
	return created, nil
}

// Groups lists every known group: the Groups table, user assignments and the suffixes of
// existing WorkLog tables
func (r *Remote) Groups(ctx context.Context, cfg *config.Config) ([]string, error) {
	groups, err := r.Users.Groups(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(groups))
	for _, g := range groups {
		seen[g] = true
	}
	if prefix := cfg.Groups.WorkLogPrefix; prefix != "" {
		names, err := r.Client.ListTables(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list tables: %w", err)
		}
		for _, name := range names {
			if g, ok := strings.CutPrefix(name, prefix); ok && g != "" && !seen[g] {
				seen[g] = true
				groups = append(groups, g)
			}
		}
	}
	sort.Strings(groups)
	return groups, nil
}

// ScheduleTables are the names a shift calendar table may have, in order of preference
var ScheduleTables = []string{"ShiftCalendar", "Schedule", "График"}

// ShiftCalendar reads the first existing schedule table. ok is false when there is none.
func (r *Remote) ShiftCalendar(ctx context.Context) (*client.Table, bool, error) {
	names, err := r.Client.ListTables(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list tables: %w", err)
	}
	existing := make(map[string]bool, len(names))
	for _, name := range names {
		existing[name] = true
	}

	for _, name := range ScheduleTables {
		if !existing[name] {
			continue
		}
		table, err := r.Client.ReadTable(ctx, name)
		if err != nil {
			return nil, false, err
		}
		return table, true, nil
	}
	return nil, false, nil
}

// Close releases the driver's resources
func (r *Remote) Close() {
	if r.close != nil {
		r.close()
	}
}
