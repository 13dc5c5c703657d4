package memtable

import (
	"context"
	"errors"
	"testing"

	"Mansoor88-6/worktime-agent/internal/client"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreOperations(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateTable(ctx, "ActiveSessions", []string{"Email", "Status"}))
	require.Error(t, s.CreateTable(ctx, "ActiveSessions", nil))

	h, err := s.ResolveTable(ctx, "ActiveSessions")
	require.NoError(t, err)
	require.NoError(t, s.AppendValues(ctx, h, [][]string{{"a@example.com", "active"}}))
	require.NoError(t, s.UpdateValues(ctx, h, client.Range{Row: 2, FromCol: 2, ToCol: 3}, []string{"kicked", "FORCE_LOGOUT"}))

	values, err := s.ReadValues(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Email", "Status"}, {"a@example.com", "kicked", "FORCE_LOGOUT"}}, values)

	err = s.UpdateValues(ctx, h, client.Range{Row: 9, FromCol: 1, ToCol: 1}, []string{"x"})
	var badReq *client.BadRequestError
	assert.True(t, errors.As(err, &badReq))
}

func TestStoreFailureInjection(t *testing.T) {
	s := New().MustCreate("T", "a")
	ctx := context.Background()
	boom := errors.New("boom")
	s.FailNext(OpList, boom)

	_, err := s.ListTables(ctx)
	assert.ErrorIs(t, err, boom)
	names, err := s.ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"T"}, names)
	assert.Equal(t, 2, s.Calls(OpList))
}

func TestStoreStaleHandle(t *testing.T) {
	s := New().MustCreate("T", "a")
	ctx := context.Background()

	h, err := s.ResolveTable(ctx, "T")
	require.NoError(t, err)
	s.Rename("T", "U")

	_, err = s.ReadValues(ctx, h)
	assert.ErrorIs(t, err, client.ErrTableNotFound)

	h2, err := s.ResolveTable(ctx, "U")
	require.NoError(t, err)
	assert.NotEqual(t, h.ID, h2.ID)
}
