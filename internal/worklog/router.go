// Package worklog routes events into per-group WorkLog tables.
package worklog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"Mansoor88-6/worktime-agent/internal/client"
	"Mansoor88-6/worktime-agent/internal/models"

	"go.uber.org/zap"
)

// Header is the column layout of a WorkLog table
var Header = []string{
	"email", "name", "status", "action_type", "comment", "timestamp",
	"session_id", "status_start_time", "status_end_time", "reason",
}

// GroupSource resolves the group assigned to a user
type GroupSource interface {
	GroupOf(ctx context.Context, email string) (string, bool, error)
}

// Remote is the part of the remote client the router writes through
type Remote interface {
	HasTable(ctx context.Context, name string) (bool, error)
	AppendRecords(ctx context.Context, name string, records []map[string]string) error
}

type Options struct {
	DefaultGroup string
	Prefixes     map[string]string
	TablePrefix  string
	Location     *time.Location
	// MissingTTL is how long a group table found missing is not looked up again
	MissingTTL   time.Duration
}

type prefixRule struct {
	key   string
	group string
}

// Router picks the WorkLog table for events and appends them there
type Router struct {
	remote   Remote
	users    GroupSource
	opts     Options
	prefixes []prefixRule
	logger   *zap.Logger

	mu      sync.Mutex
	missing map[string]time.Time
	now     func() time.Time
}

// NewRouter creates a new router. users may be nil.
func NewRouter(remote Remote, users GroupSource, opts Options, logger *zap.Logger) *Router {
	if opts.TablePrefix == "" {
		opts.TablePrefix = "WorkLog_"
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	rules := make([]prefixRule, 0, len(opts.Prefixes))
	for k, g := range opts.Prefixes {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || strings.TrimSpace(g) == "" {
			continue
		}
		rules = append(rules, prefixRule{key: k, group: strings.TrimSpace(g)})
	}
	sort.Slice(rules, func(i, j int) bool {
		if len(rules[i].key) != len(rules[j].key) {
			return len(rules[i].key) > len(rules[j].key)
		}
		return rules[i].key < rules[j].key
	})

	return &Router{
		remote:   remote,
		users:    users,
		opts:     opts,
		prefixes: rules,
		logger:   logger,
		missing:  make(map[string]time.Time),
		now:      time.Now,
	}
}

// ResolveGroup returns the event's group: explicit, then the Users directory,
// then the email prefix mapping, then the default group.
func (r *Router) ResolveGroup(ctx context.Context, email, explicit string) string {
	if g := strings.TrimSpace(explicit); g != "" {
		return g
	}

	if r.users != nil {
		g, ok, err := r.users.GroupOf(ctx, email)
		if err != nil {
			r.logger.Warn("Failed to look up user group", zap.String("email", email), zap.Error(err))
		} else if ok {
			return g
		}
	}

	local := strings.ToLower(email)
	if at := strings.IndexByte(local, '@'); at >= 0 {
		local = local[:at]
	}
	for _, rule := range r.prefixes {
		if strings.Contains(local, rule.key) {
			return rule.group
		}
	}
	return r.opts.DefaultGroup
}

// TableName is the WorkLog table of group
func (r *Router) TableName(group string) string {
	return r.opts.TablePrefix + group
}

// TableFor returns the table events of group are written to, falling back to
// the default group's table when the group has none. A missing table is remembered
// for MissingTTL.
func (r *Router) TableFor(ctx context.Context, group string) (string, error) {
	name := r.TableName(group)
	fallback := r.TableName(r.opts.DefaultGroup)
	if name == fallback {
		return name, nil
	}
	if r.knownMissing(name) {
		return fallback, nil
	}

	ok, err := r.remote.HasTable(ctx, name)
	if err != nil {
		return "", err
	}
	if ok {
		return name, nil
	}

	if r.opts.MissingTTL > 0 {
		r.mu.Lock()
		r.missing[name] = r.now()
		r.mu.Unlock()
	}
	r.logger.Warn("WorkLog table missing, using default group table",
		zap.String("table", name),
		zap.String("fallback", fallback),
	)
	return fallback, nil
}

func (r *Router) knownMissing(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	at, ok := r.missing[name]
	if !ok {
		return false
	}
	if r.now().Sub(at) >= r.opts.MissingTTL {
		delete(r.missing, name)
		return false
	}
	return true
}

// Deliver appends events of one group as WorkLog rows
func (r *Router) Deliver(ctx context.Context, group string, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}
	table, err := r.TableFor(ctx, group)
	if err != nil {
		return err
	}

	records := make([]map[string]string, len(events))
	for i, ev := range events {
		records[i] = Record(ev, r.opts.Location)
	}
	if err := r.remote.AppendRecords(ctx, table, records); err != nil {
		return fmt.Errorf("failed to append to %s: %w", table, err)
	}

	r.logger.Debug("WorkLog rows appended",
		zap.String("table", table),
		zap.Int("count", len(events)),
	)
	return nil
}

// Record renders ev as a WorkLog row keyed by column name
func Record(ev models.Event, loc *time.Location) map[string]string {
	rec := map[string]string{
		"email":       ev.Email,
		"name":        ev.Name,
		"status":      ev.StatusValue(),
		"action_type": string(ev.ActionType),
		"comment":     ev.Comment,
		"timestamp":   client.FormatTime(ev.Timestamp, loc),
		"session_id":  ev.SessionID,
		"reason":      ev.Reason,
	}
	if ev.StatusStartTime != nil {
		rec["status_start_time"] = client.FormatTime(*ev.StatusStartTime, loc)
	}
	if ev.StatusEndTime != nil {
		rec["status_end_time"] = client.FormatTime(*ev.StatusEndTime, loc)
	}
	return rec
}
