// Package notify fans out force-logout and stats notifications to in-process
// observers and, optionally, to NATS.
package notify

import (
	"sync"

	"Mansoor88-6/worktime-agent/internal/models"

	"go.uber.org/zap"
)

// Hub is an observer registry. Callbacks run synchronously on the publishing goroutine.
type Hub struct {
	mu          sync.RWMutex
	forceLogout []func(models.ForceLogout)
	stats       []func(models.SyncStats)
	logger      *zap.Logger
}

// NewHub creates a new hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{logger: logger}
}

// OnForceLogout registers fn for remote session terminations
func (h *Hub) OnForceLogout(fn func(models.ForceLogout)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forceLogout = append(h.forceLogout, fn)
}

// OnStats registers fn for per-cycle sync stats
func (h *Hub) OnStats(fn func(models.SyncStats)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats = append(h.stats, fn)
}

// PublishForceLogout delivers ev to every force-logout observer
func (h *Hub) PublishForceLogout(ev models.ForceLogout) {
	h.mu.RLock()
	observers := make([]func(models.ForceLogout), len(h.forceLogout))
	copy(observers, h.forceLogout)
	h.mu.RUnlock()

	for _, fn := range observers {
		h.safely("force_logout", func() { fn(ev) })
	}
}

// PublishStats delivers s to every stats observer
func (h *Hub) PublishStats(s models.SyncStats) {
	h.mu.RLock()
	observers := make([]func(models.SyncStats), len(h.stats))
	copy(observers, h.stats)
	h.mu.RUnlock()

	for _, fn := range observers {
		h.safely("stats", func() { fn(s) })
	}
}

func (h *Hub) safely(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Notification observer panicked",
				zap.String("kind", kind),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}
