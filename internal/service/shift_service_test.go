package service

import (
	"context"
	"errors"
	"testing"

	"Mansoor88-6/worktime-agent/internal/models"
	"Mansoor88-6/worktime-agent/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginPersistsSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cur, err := h.shift.Login(ctx, models.LoginRequest{Email: " Op@Example.com ", Name: "Operator", Status: "In work"})
	require.NoError(t, err)
	assert.Equal(t, "op@example.com", cur.Email)
	assert.Len(t, cur.SessionID, 36)

	stored, ok, err := h.current.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cur.SessionID, stored.SessionID)
	assert.Equal(t, "In work", stored.Status)

	events, err := h.log.SessionEvents(ctx, cur.SessionID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.ActionLogin, events[0].ActionType)
	assert.Equal(t, models.PriorityHigh, events[0].Priority)
	assert.Equal(t, "In work", events[0].StatusValue())
}

func TestLoginClosesPreviousSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.shift.Login(ctx, models.LoginRequest{Email: "op@example.com"})
	require.NoError(t, err)
	second, err := h.shift.Login(ctx, models.LoginRequest{Email: "op@example.com"})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	events, err := h.log.SessionEvents(ctx, first.SessionID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.ActionLogout, events[1].ActionType)
	assert.Equal(t, models.ReasonAuto, events[1].Reason)
}

func TestChangeStatusKeepsOneOpenInterval(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cur, err := h.shift.Login(ctx, models.LoginRequest{Email: "op@example.com", Status: "In work"})
	require.NoError(t, err)
	_, err = h.shift.ChangeStatus(ctx, "Break", "lunch")
	require.NoError(t, err)
	updated, err := h.shift.ChangeStatus(ctx, "In work", "")
	require.NoError(t, err)
	assert.Equal(t, "In work", updated.Status)

	events, err := h.log.SessionEvents(ctx, cur.SessionID)
	require.NoError(t, err)
	require.Len(t, events, 3)

	open := 0
	for _, ev := range events {
		if ev.StatusEndTime == nil {
			open++
		}
	}
	assert.Equal(t, 1, open)
	assert.Equal(t, "lunch", events[1].Comment)
}

func TestChangeStatusValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.shift.ChangeStatus(ctx, "Break", "")
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = h.shift.Login(ctx, models.LoginRequest{Email: "op@example.com"})
	require.NoError(t, err)

	_, err = h.shift.ChangeStatus(ctx, "  ", "")
	var verr *queue.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "status", verr.Field)

	_, err = h.shift.Login(ctx, models.LoginRequest{})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "email", verr.Field)
}

func TestLogoutClearsSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cur, err := h.shift.Login(ctx, models.LoginRequest{Email: "op@example.com", Status: "In work"})
	require.NoError(t, err)
	require.NoError(t, h.shift.Logout(ctx, "", "done"))

	_, ok, err := h.current.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	events, err := h.log.SessionEvents(ctx, cur.SessionID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.NotNil(t, events[0].StatusEndTime)
	assert.Equal(t, models.ActionLogout, events[1].ActionType)
	assert.Equal(t, models.ReasonUser, events[1].Reason)
	assert.Equal(t, models.PriorityHigh, events[1].Priority)

	assert.ErrorIs(t, h.shift.Logout(ctx, "", ""), ErrNoSession)

	var verr *queue.ValidationError
	assert.True(t, errors.As(h.shift.Logout(ctx, "vacation", ""), &verr))
}

func TestHandleForceLogoutIgnoresOtherSessions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cur, err := h.shift.Login(ctx, models.LoginRequest{Email: "op@example.com"})
	require.NoError(t, err)

	h.shift.HandleForceLogout(models.ForceLogout{Email: "op@example.com", SessionID: "stale", Status: models.SessionKicked})
	state, err := h.shift.State(ctx)
	require.NoError(t, err)
	assert.False(t, state.Terminated)
	require.NotNil(t, state.Session)

	h.shift.HandleForceLogout(models.ForceLogout{Email: "op@example.com", SessionID: cur.SessionID, Status: models.SessionFinished})
	state, err = h.shift.State(ctx)
	require.NoError(t, err)
	assert.True(t, state.Terminated)
	assert.Equal(t, models.SessionFinished, state.Termination.Status)

	events, err := h.log.SessionEvents(ctx, cur.SessionID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.ReasonAuto, events[1].Reason)

	_, err = h.shift.RecordEvent(ctx, models.Event{
		SessionID:  cur.SessionID,
		Email:      cur.Email,
		ActionType: models.ActionStatusChange,
		Status:     models.StringPtr("Break"),
	})
	assert.ErrorIs(t, err, ErrSessionTerminated)

	again, err := h.shift.Login(ctx, models.LoginRequest{Email: "op@example.com"})
	require.NoError(t, err)
	state, err = h.shift.State(ctx)
	require.NoError(t, err)
	assert.False(t, state.Terminated)
	assert.Equal(t, again.SessionID, state.Session.SessionID)
}

func TestRecordEventValidates(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.shift.RecordEvent(context.Background(), models.Event{ActionType: models.ActionLogin})
	var verr *queue.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "email", verr.Field)

	id, err := h.shift.RecordEvent(context.Background(), models.Event{
		SessionID:  "s1",
		Email:      "op@example.com",
		ActionType: models.ActionLogin,
	})
	require.NoError(t, err)
	assert.Positive(t, id)
}
