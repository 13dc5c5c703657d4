package worklog

import (
	"context"
	"errors"
	"testing"
	"time"

	"Mansoor88-6/worktime-agent/internal/client"
	"Mansoor88-6/worktime-agent/internal/client/memtable"
	"Mansoor88-6/worktime-agent/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubUsers map[string]string

func (s stubUsers) GroupOf(ctx context.Context, email string) (string, bool, error) {
	if email == "broken@example.com" {
		return "", false, errors.New("users unavailable")
	}
	g, ok := s[email]
	return g, ok, nil
}

func newTestRouter(store *memtable.Store, users GroupSource) *Router {
	rc := client.NewRemoteClient(store, client.Options{
		MaxRetries:           1,
		MaxRequestsPerMinute: 600000,
	}, zap.NewNop())
	return NewRouter(rc, users, Options{
		DefaultGroup: "Входящие",
		Prefixes: map[string]string{
			"call":        "Входящие",
			"appointment": "Запись",
			"mail":        "Почта",
			"dental":      "Стоматология",
			"app":         "Приложение",
		},
		Location: time.UTC,
	}, zap.NewNop())
}

func TestResolveGroup(t *testing.T) {
	r := newTestRouter(memtable.New(), stubUsers{"anna@example.com": "Почта"})
	ctx := context.Background()

	tests := []struct {
		name     string
		email    string
		explicit string
		want     string
	}{
		{"explicit wins", "anna@example.com", "Стоматология", "Стоматология"},
		{"users directory", "anna@example.com", "", "Почта"},
		{"prefix mapping", "dental.ivan@example.com", "", "Стоматология"},
		{"longest key first", "appointment2@example.com", "", "Запись"},
		{"shorter key", "app.user@example.com", "", "Приложение"},
		{"domain is ignored", "ivan@mail.example.com", "", "Входящие"},
		{"users failure falls through", "broken@example.com", "", "Входящие"},
		{"default", "ivan@example.com", "", "Входящие"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.ResolveGroup(ctx, tt.email, tt.explicit))
		})
	}
}

func TestDeliverFallsBackToDefaultTable(t *testing.T) {
	store := memtable.New().
		MustCreate("WorkLog_Входящие", Header...).
		MustCreate("WorkLog_Почта", Header...)
	r := newTestRouter(store, nil)
	ctx := context.Background()

	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	ev := models.Event{
		SessionID:       "s1",
		Email:           "op@example.com",
		Name:            "Operator",
		Status:          models.StringPtr("Break"),
		ActionType:      models.ActionStatusChange,
		Comment:         "coffee",
		Timestamp:       start,
		StatusStartTime: &start,
		StatusEndTime:   &end,
	}

	require.NoError(t, r.Deliver(ctx, "Почта", []models.Event{ev}))
	require.NoError(t, r.Deliver(ctx, "Несуществующая", []models.Event{ev}))

	mail := store.Rows("WorkLog_Почта")
	require.Len(t, mail, 2)
	assert.Equal(t, []string{
		"op@example.com", "Operator", "Break", "STATUS_CHANGE", "coffee", "2024-03-01 09:00:00",
		"s1", "2024-03-01 09:00:00", "2024-03-01 10:00:00", "",
	}, mail[1])
	assert.Len(t, store.Rows("WorkLog_Входящие"), 2)
}

func TestMissingTableIsRememberedForTTL(t *testing.T) {
	store := memtable.New().MustCreate("WorkLog_Входящие", Header...)
	r := newTestRouter(store, nil)
	r.opts.MissingTTL = 10 * time.Minute
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		table, err := r.TableFor(ctx, "Почта")
		require.NoError(t, err)
		assert.Equal(t, "WorkLog_Входящие", table)
	}
	assert.Equal(t, 1, store.Calls(memtable.OpList))

	table, err := r.TableFor(ctx, "Входящие")
	require.NoError(t, err)
	assert.Equal(t, "WorkLog_Входящие", table)
	assert.Equal(t, 1, store.Calls(memtable.OpList), "default table is never looked up")

	store.MustCreate("WorkLog_Почта", Header...)
	now = now.Add(11 * time.Minute)
	table, err = r.TableFor(ctx, "Почта")
	require.NoError(t, err)
	assert.Equal(t, "WorkLog_Почта", table)
	assert.Equal(t, 2, store.Calls(memtable.OpList))
}

func TestRecordLeavesOpenIntervalBlank(t *testing.T) {
	ts := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	rec := Record(models.Event{
		Email:      "op@example.com",
		ActionType: models.ActionLogout,
		Reason:     models.ReasonAdmin,
		Timestamp:  ts,
	}, time.FixedZone("MSK", 3*3600))

	assert.Equal(t, "2024-03-01 09:00:00", rec["timestamp"])
	assert.Equal(t, "", rec["status"])
	assert.Equal(t, "admin", rec["reason"])
	_, ok := rec["status_end_time"]
	assert.False(t, ok)
}
