package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// QuotaState is the advisory view of the remaining remote budget
type QuotaState struct {
	Remaining  int           `json:"remaining"`
	ResetAfter time.Duration `json:"reset_after"`
	DailyUsed  int           `json:"daily_used"`
}

// quotaGate holds calls back while the advisory quota is exhausted. Callers are serialized.
type quotaGate struct {
	mu         sync.Mutex
	perMinute  int
	dailyLimit int
	remaining  int
	resetAt    time.Time
	day        string
	dailyUsed  int

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger
}

func newQuotaGate(perMinute, dailyLimit int, logger *zap.Logger) *quotaGate {
	g := &quotaGate{
		perMinute:  perMinute,
		dailyLimit: dailyLimit,
		now:        time.Now,
		sleep:      sleepContext,
		logger:     logger,
	}
	g.remaining = perMinute
	g.resetAt = g.now().Add(time.Minute)
	return g
}

// acquire reserves one call. When the budget is exhausted it sleeps until the reset,
// refreshes the state once and gives up with ErrQuotaExceeded if it is still exhausted.
func (g *quotaGate) acquire(ctx context.Context, fetch func(context.Context) (QuotaState, error)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.rollDay(now)
	if g.dailyLimit > 0 && g.dailyUsed >= g.dailyLimit {
		return fmt.Errorf("%w: daily limit of %d calls reached", ErrQuotaExceeded, g.dailyLimit)
	}

	if !now.Before(g.resetAt) {
		g.refresh(ctx, fetch)
	}

	if g.remaining <= 0 {
		if wait := g.resetAt.Sub(g.now()); wait > 0 {
			g.logger.Warn("Remote quota exhausted, waiting for reset", zap.Duration("wait", wait))
			if err := g.sleep(ctx, wait); err != nil {
				return err
			}
		}
		g.refresh(ctx, fetch)
		if g.remaining <= 0 {
			return fmt.Errorf("%w: %d calls left after reset", ErrQuotaExceeded, g.remaining)
		}
	}

	g.remaining--
	g.dailyUsed++
	return nil
}

func (g *quotaGate) refresh(ctx context.Context, fetch func(context.Context) (QuotaState, error)) {
	q, err := fetch(ctx)
	if err != nil {
		g.logger.Warn("Failed to refresh remote quota, assuming full window", zap.Error(err))
		q = QuotaState{Remaining: g.perMinute, ResetAfter: time.Minute}
	}
	if q.ResetAfter <= 0 {
		q.ResetAfter = time.Minute
	}

	g.remaining = q.Remaining
	g.resetAt = g.now().Add(q.ResetAfter)
	if q.DailyUsed > g.dailyUsed {
		g.dailyUsed = q.DailyUsed
	}
}

func (g *quotaGate) rollDay(now time.Time) {
	day := now.Format("2006-01-02")
	if day != g.day {
		g.day = day
		g.dailyUsed = 0
	}
}

func (g *quotaGate) state() QuotaState {
	g.mu.Lock()
	defer g.mu.Unlock()

	reset := g.resetAt.Sub(g.now())
	if reset < 0 {
		reset = 0
	}
	return QuotaState{Remaining: g.remaining, ResetAfter: reset, DailyUsed: g.dailyUsed}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
