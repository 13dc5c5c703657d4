package notify

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"Mansoor88-6/worktime-agent/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(subj string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subj)
	p.payloads = append(p.payloads, data)
	return p.err
}

func TestHubDeliversToAllObservers(t *testing.T) {
	hub := NewHub(zap.NewNop())

	var got []string
	hub.OnForceLogout(func(ev models.ForceLogout) { got = append(got, "first:"+ev.SessionID) })
	hub.OnForceLogout(func(ev models.ForceLogout) { panic("observer bug") })
	hub.OnForceLogout(func(ev models.ForceLogout) { got = append(got, "third:"+ev.SessionID) })

	hub.PublishForceLogout(models.ForceLogout{SessionID: "s1"})
	assert.Equal(t, []string{"first:s1", "third:s1"}, got)

	var stats []models.SyncStats
	hub.OnStats(func(s models.SyncStats) { stats = append(stats, s) })
	hub.PublishStats(models.SyncStats{QueueSize: 3})
	require.Len(t, stats, 1)
	assert.Equal(t, 3, stats[0].QueueSize)
}

func TestObserverMayRegisterDuringPublish(t *testing.T) {
	hub := NewHub(zap.NewNop())

	calls := 0
	hub.OnForceLogout(func(ev models.ForceLogout) {
		calls++
		hub.OnForceLogout(func(models.ForceLogout) { calls += 10 })
	})

	hub.PublishForceLogout(models.ForceLogout{SessionID: "s1"})
	assert.Equal(t, 1, calls)

	hub.PublishForceLogout(models.ForceLogout{SessionID: "s1"})
	assert.Equal(t, 12, calls)

	seen := 0
	hub.OnStats(func(models.SyncStats) {
		seen++
		hub.OnStats(func(models.SyncStats) { seen += 100 })
	})
	hub.PublishStats(models.SyncStats{})
	assert.Equal(t, 1, seen)
}

func TestNATSBridgePublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	hub := NewHub(zap.NewNop())
	bridge := NewNATSBridge(pub, "acme", zap.NewNop())
	bridge.Attach(hub)

	detected := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	hub.PublishForceLogout(models.ForceLogout{
		Email:      "op@example.com",
		SessionID:  "s1",
		Status:     models.SessionKicked,
		DetectedAt: detected,
	})
	hub.PublishStats(models.SyncStats{TotalSynced: 7, Mode: models.ModeOnline})

	require.Equal(t, []string{"acme.session.terminated", "acme.sync.stats"}, pub.subjects)

	var ev models.ForceLogout
	require.NoError(t, json.Unmarshal(pub.payloads[0], &ev))
	assert.Equal(t, models.SessionKicked, ev.Status)
	assert.True(t, ev.DetectedAt.Equal(detected))
}

func TestNATSBridgeSwallowsPublishErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	hub := NewHub(zap.NewNop())
	NewNATSBridge(pub, "", zap.NewNop()).Attach(hub)

	assert.NotPanics(t, func() { hub.PublishStats(models.SyncStats{}) })
	assert.Equal(t, []string{"worktime.sync.stats"}, pub.subjects)

	var nilBridge *NATSBridge
	assert.NotPanics(t, nilBridge.Close)
}
