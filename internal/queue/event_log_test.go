package queue

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"Mansoor88-6/worktime-agent/internal/database"
	"Mansoor88-6/worktime-agent/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLog(t *testing.T) (*EventLog, *database.DB, *testClock) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "events.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	log := NewEventLog(db, Options{MaxCommentLength: 10, LogoutDedupWindow: 5 * time.Minute}, zap.NewNop())
	log.now = clock.Now
	return log, db, clock
}

func login(email, session string) models.Event {
	return models.Event{
		SessionID:  session,
		Email:      email,
		Name:       "Operator",
		ActionType: models.ActionLogin,
		Status:     models.StringPtr("In work"),
	}
}

func statusChange(email, session, status string) models.Event {
	return models.Event{
		SessionID:  session,
		Email:      email,
		ActionType: models.ActionStatusChange,
		Status:     models.StringPtr(status),
	}
}

func logout(email, session string) models.Event {
	return models.Event{
		SessionID:  session,
		Email:      email,
		ActionType: models.ActionLogout,
		Reason:     models.ReasonUser,
	}
}

func countOpen(t *testing.T, db *database.DB, email, session string) int {
	t.Helper()
	var n int
	err := db.SQL().QueryRow(`
		SELECT COUNT(*) FROM events
		WHERE email = ? AND session_id = ? AND status_end_time IS NULL
			AND action_type IN ('LOGIN', 'STATUS_CHANGE')
	`, email, session).Scan(&n)
	require.NoError(t, err)
	return n
}

func countEvents(t *testing.T, db *database.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n))
	return n
}

func TestAppendRejectsMissingIdentity(t *testing.T) {
	log, db, _ := newTestLog(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		event models.Event
		field string
	}{
		{"no email", models.Event{SessionID: "s1", ActionType: models.ActionLogin}, "email"},
		{"no session", models.Event{Email: "a@b.c", ActionType: models.ActionLogin}, "session_id"},
		{"unknown action", models.Event{Email: "a@b.c", SessionID: "s1", ActionType: "BREAK"}, "action_type"},
		{"status change without status", models.Event{Email: "a@b.c", SessionID: "s1", ActionType: models.ActionStatusChange}, "status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := log.Append(ctx, tt.event)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
	assert.Equal(t, 0, countEvents(t, db))
}

func TestAtMostOneOpenStatusPerSession(t *testing.T) {
	log, db, clock := newTestLog(t)
	ctx := context.Background()
	const email, session = "op@example.com", "sess-1"

	steps := []func() error{
		func() error { _, err := log.Append(ctx, login(email, session)); return err },
		func() error { _, err := log.Append(ctx, statusChange(email, session, "Break")); return err },
		func() error { _, _, err := log.CloseOpenStatus(ctx, email, session); return err },
		func() error { _, err := log.Append(ctx, statusChange(email, session, "Lunch")); return err },
		func() error { _, err := log.Append(ctx, statusChange(email, session, "In work")); return err },
		func() error { _, _, err := log.CloseOpenStatus(ctx, email, session); return err },
		func() error { _, _, err := log.CloseOpenStatus(ctx, email, session); return err },
		func() error { _, err := log.Append(ctx, statusChange(email, session, "Training")); return err },
	}

	for i, step := range steps {
		clock.Advance(time.Minute)
		require.NoError(t, step(), "step %d", i)
		assert.LessOrEqual(t, countOpen(t, db, email, session), 1, "step %d", i)
	}
	assert.Equal(t, 1, countOpen(t, db, email, session))
}

func TestCloseOpenStatusStampsEndTime(t *testing.T) {
	log, _, clock := newTestLog(t)
	ctx := context.Background()

	loginID, err := log.Append(ctx, login("op@example.com", "s1"))
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	closedID, ok, err := log.CloseOpenStatus(ctx, "OP@example.com ", "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, loginID, closedID)

	_, ok, err = log.CloseOpenStatus(ctx, "op@example.com", "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	events, err := log.SessionEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].StatusEndTime)
	assert.True(t, events[0].StatusEndTime.Equal(clock.Now()))
}

func TestStatusChangeClosesPreviousAtItsStart(t *testing.T) {
	log, _, clock := newTestLog(t)
	ctx := context.Background()

	_, err := log.Append(ctx, login("op@example.com", "s1"))
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)
	_, err = log.Append(ctx, statusChange("op@example.com", "s1", "Break"))
	require.NoError(t, err)

	events, err := log.SessionEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.NotNil(t, events[0].StatusEndTime)
	assert.True(t, events[0].StatusEndTime.Equal(*events[1].StatusStartTime))
	assert.Nil(t, events[1].StatusEndTime)
}

func TestDuplicateLogoutIsNoOp(t *testing.T) {
	log, db, clock := newTestLog(t)
	ctx := context.Background()

	first, err := log.Append(ctx, logout("op@example.com", "s1"))
	require.NoError(t, err)
	before := countEvents(t, db)

	clock.Advance(2 * time.Minute)
	second, err := log.Append(ctx, logout("op@example.com", "s1"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, before, countEvents(t, db))

	// another session is unaffected
	_, err = log.Append(ctx, logout("op@example.com", "s2"))
	require.NoError(t, err)
	assert.Equal(t, before+1, countEvents(t, db))

	// outside the window a new logout is stored
	clock.Advance(10 * time.Minute)
	third, err := log.Append(ctx, logout("op@example.com", "s1"))
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestUnsyncedBatchOrdering(t *testing.T) {
	log, _, clock := newTestLog(t)
	ctx := context.Background()

	var ids []int64
	add := func(ev models.Event) {
		clock.Advance(time.Second)
		id, err := log.Append(ctx, ev)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// priorities: low, high, low, high, normal
	add(statusChange("a@example.com", "s1", "Break"))
	add(login("b@example.com", "s2"))
	add(statusChange("a@example.com", "s1", "Lunch"))
	add(logout("c@example.com", "s3"))
	ev := statusChange("d@example.com", "s4", "Calls")
	ev.Priority = models.PriorityNormal
	add(ev)

	batch, err := log.UnsyncedBatch(ctx, 10)
	require.NoError(t, err)
	got := make([]int64, len(batch))
	for i, e := range batch {
		got[i] = e.ID
	}
	assert.Equal(t, []int64{ids[1], ids[3], ids[4], ids[0], ids[2]}, got)

	for i := 1; i < len(batch); i++ {
		prev, cur := batch[i-1], batch[i]
		require.GreaterOrEqual(t, prev.Priority, cur.Priority)
		if prev.Priority == cur.Priority {
			require.False(t, cur.Timestamp.Before(prev.Timestamp))
		}
	}

	limited, err := log.UnsyncedBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.NotEqual(t, limited[0].ID, limited[1].ID)
}

func TestMarkSyncedIsIdempotent(t *testing.T) {
	log, _, _ := newTestLog(t)
	ctx := context.Background()

	id, err := log.Append(ctx, login("op@example.com", "s1"))
	require.NoError(t, err)
	other, err := log.Append(ctx, statusChange("op@example.com", "s1", "Break"))
	require.NoError(t, err)

	require.NoError(t, log.MarkSynced(ctx, []int64{id}))
	require.NoError(t, log.MarkSynced(ctx, []int64{id}))
	require.NoError(t, log.MarkSynced(ctx, nil))

	events, err := log.SessionEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].Synced)
	assert.Equal(t, 2, events[0].SyncAttempts)
	assert.NotNil(t, events[0].LastSyncAttempt)
	assert.False(t, events[1].Synced)

	count, err := log.CountUnsynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, log.IncrementAttempts(ctx, []int64{id, other}))
	events, err = log.SessionEvents(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, events[0].Synced, "attempt bookkeeping never un-syncs")
	assert.Equal(t, 3, events[0].SyncAttempts)
	assert.Equal(t, 1, events[1].SyncAttempts)

	batch, err := log.UnsyncedBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, other, batch[0].ID)
}

func TestNormalization(t *testing.T) {
	log, _, _ := newTestLog(t)
	ctx := context.Background()

	ev := statusChange(" Op@Example.COM ", "s1", "Break")
	ev.Comment = "привет, мир и всё остальное"
	ev.Priority = 9
	_, err := log.Append(ctx, ev)
	require.NoError(t, err)

	events, err := log.SessionEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "op@example.com", events[0].Email)
	assert.Equal(t, "привет, ми", events[0].Comment)
	assert.Equal(t, models.PriorityHigh, events[0].Priority)
	require.NotNil(t, events[0].StatusStartTime)
	assert.True(t, events[0].StatusStartTime.Equal(events[0].Timestamp))

	lo := logout("op@example.com", "s1")
	lo.Priority = -4
	lo.Comment = strings.Repeat("x", 3)
	_, err = log.Append(ctx, lo)
	require.NoError(t, err)
	events, err = log.SessionEvents(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.PriorityLow, events[1].Priority)
	assert.Nil(t, events[1].StatusStartTime)
}

func TestLoginSynced(t *testing.T) {
	log, _, _ := newTestLog(t)
	ctx := context.Background()

	id, err := log.Append(ctx, login("op@example.com", "s1"))
	require.NoError(t, err)

	ok, err := log.LoginSynced(ctx, "op@example.com", "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, log.MarkSynced(ctx, []int64{id}))
	ok, err = log.LoginSynced(ctx, "op@example.com", "s1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSweepRemovesOnlyOldRows(t *testing.T) {
	log, db, clock := newTestLog(t)
	ctx := context.Background()

	oldSynced, err := log.Append(ctx, login("op@example.com", "old"))
	require.NoError(t, err)
	require.NoError(t, log.MarkSynced(ctx, []int64{oldSynced}))
	_, err = log.Append(ctx, logout("op@example.com", "old"))
	require.NoError(t, err)

	clock.Advance(40 * 24 * time.Hour)
	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, statusChange("op@example.com", "new", "Calls"))
		require.NoError(t, err)
	}

	removed, err := log.Sweep(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)
	assert.Equal(t, 3, countEvents(t, db))

	count, err := log.CountUnsynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	removed, err = log.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestEventLogWorksInMemoryMode(t *testing.T) {
	db, err := database.Open(database.Options{}, zap.NewNop())
	require.NoError(t, err)
	defer db.Close()
	require.Equal(t, database.ModeMemory, db.Mode())

	log := NewEventLog(db, Options{}, zap.NewNop())
	ctx := context.Background()
	_, err = log.Append(ctx, login("op@example.com", "s1"))
	require.NoError(t, err)

	count, err := log.CountUnsynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
