package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"Mansoor88-6/worktime-agent/internal/client"
	"Mansoor88-6/worktime-agent/internal/models"

	"go.uber.org/zap"
)

// UsersHeader is the header row of the Users table
var UsersHeader = []string{"Email", "Name", "Role", "ShiftHours", "Telegram", "Group"}

// GroupsTable optionally lists groups that have no users yet, one per row in column Group
const GroupsTable = "Groups"

// UserDirectory reads the remote Users table and keeps it cached for ttl
type UserDirectory struct {
	remote Remote
	table  string
	ttl    time.Duration

	mu       sync.RWMutex
	users    map[string]models.User
	order    []string
	loadedAt time.Time
	now      func() time.Time
	logger   *zap.Logger
}

// NewUserDirectory creates a new users directory with TTL-based refresh
func NewUserDirectory(remote Remote, table string, ttl time.Duration, logger *zap.Logger) *UserDirectory {
	return &UserDirectory{
		remote: remote,
		table:  table,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
}

// Lookup returns the user with email
func (d *UserDirectory) Lookup(ctx context.Context, email string) (models.User, bool, error) {
	if err := d.ensureFresh(ctx); err != nil {
		return models.User{}, false, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[strings.ToLower(strings.TrimSpace(email))]
	return u, ok, nil
}

// GroupOf returns the group assigned to email, if any
func (d *UserDirectory) GroupOf(ctx context.Context, email string) (string, bool, error) {
	u, ok, err := d.Lookup(ctx, email)
	if err != nil || !ok || u.Group == "" {
		return "", false, err
	}
	return u.Group, true, nil
}

// List returns all users in table order
func (d *UserDirectory) List(ctx context.Context) ([]models.User, error) {
	if err := d.ensureFresh(ctx); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	users := make([]models.User, 0, len(d.order))
	for _, email := range d.order {
		users = append(users, d.users[email])
	}
	return users, nil
}

// Upsert adds u, or updates the row with the same email. On update, empty fields of u keep
// the stored value. It reports whether a new row was appended.
func (d *UserDirectory) Upsert(ctx context.Context, u models.User) (bool, error) {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.Email == "" {
		return false, errors.New("user email is required")
	}
	defer d.Invalidate()

	table, err := d.remote.ReadTable(ctx, d.table)
	if err != nil {
		return false, fmt.Errorf("failed to read users: %w", err)
	}

	fields := map[string]string{
		"Email":      u.Email,
		"Name":       strings.TrimSpace(u.Name),
		"Role":       strings.TrimSpace(u.Role),
		"ShiftHours": strings.TrimSpace(u.ShiftHours),
		"Telegram":   strings.TrimSpace(u.Telegram),
		"Group":      strings.TrimSpace(u.Group),
	}

	for _, r := range table.Rows {
		if strings.ToLower(strings.TrimSpace(r.Get("Email"))) != u.Email {
			continue
		}
		changes := make(map[string]string)
		for col, v := range fields {
			if col == "Email" || v == "" || table.Column(col) == 0 || r.Get(col) == v {
				continue
			}
			changes[col] = v
		}
		if len(changes) == 0 {
			return false, nil
		}
		if err := updateRow(ctx, d.remote, d.table, table, r, changes); err != nil {
			return false, fmt.Errorf("failed to update user %s: %w", u.Email, err)
		}
		d.logger.Info("User updated", zap.String("email", u.Email), zap.Int("fields", len(changes)))
		return false, nil
	}

	if err := d.remote.AppendRecords(ctx, d.table, []map[string]string{fields}); err != nil {
		return false, fmt.Errorf("failed to add user %s: %w", u.Email, err)
	}
	d.logger.Info("User added", zap.String("email", u.Email))
	return true, nil
}

// Groups returns the sorted distinct groups named in the Groups table (when it exists)
// and assigned to users
func (d *UserDirectory) Groups(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)

	table, err := d.remote.ReadTable(ctx, GroupsTable)
	switch {
	case err == nil:
		for _, r := range table.Rows {
			if g := strings.TrimSpace(r.Get("Group")); g != "" {
				seen[g] = true
			}
		}
	case errors.Is(err, client.ErrTableNotFound):
	default:
		return nil, fmt.Errorf("failed to read groups: %w", err)
	}

	users, err := d.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.Group != "" {
			seen[u.Group] = true
		}
	}

	groups := make([]string, 0, len(seen))
	for g := range seen {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups, nil
}

// Invalidate drops the cache so the next call reads the table again
func (d *UserDirectory) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loadedAt = time.Time{}
}

// ensureFresh reloads the table when the cache expired. A failed reload keeps serving
// the previous snapshot if there is one.
func (d *UserDirectory) ensureFresh(ctx context.Context) error {
	d.mu.RLock()
	fresh := !d.loadedAt.IsZero() && d.now().Sub(d.loadedAt) < d.ttl
	haveSnapshot := d.users != nil
	d.mu.RUnlock()
	if fresh {
		return nil
	}

	table, err := d.remote.ReadTable(ctx, d.table)
	if err != nil {
		if haveSnapshot {
			d.logger.Warn("Failed to refresh users, serving cached copy", zap.Error(err))
			return nil
		}
		return fmt.Errorf("failed to read users: %w", err)
	}

	users := make(map[string]models.User, len(table.Rows))
	order := make([]string, 0, len(table.Rows))
	for _, r := range table.Rows {
		email := strings.ToLower(strings.TrimSpace(r.Get("Email")))
		if email == "" {
			continue
		}
		if _, dup := users[email]; !dup {
			order = append(order, email)
		}
		users[email] = models.User{
			Email:      email,
			Name:       strings.TrimSpace(r.Get("Name")),
			Role:       strings.TrimSpace(r.Get("Role")),
			ShiftHours: strings.TrimSpace(r.Get("ShiftHours")),
			Telegram:   strings.TrimSpace(r.Get("Telegram")),
			Group:      strings.TrimSpace(r.Get("Group")),
		}
	}

	d.mu.Lock()
	d.users, d.order, d.loadedAt = users, order, d.now()
	d.mu.Unlock()

	d.logger.Debug("Users directory refreshed", zap.Int("count", len(users)))
	return nil
}
