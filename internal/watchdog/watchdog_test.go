package watchdog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWatchdogExpiry(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	w := newWithClock(time.Hour, func() time.Time { return now })

	assert.False(t, w.Expired())

	now = now.Add(59 * time.Minute)
	assert.False(t, w.Expired())

	w.Touch()
	now = now.Add(61 * time.Minute)
	assert.True(t, w.Expired())
	assert.Equal(t, now.Add(-61*time.Minute), w.LastSeen())

	w.Touch()
	assert.False(t, w.Expired())
}

func TestZeroTimeoutNeverExpires(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	w := newWithClock(0, func() time.Time { return now })
	now = now.Add(1000 * time.Hour)
	assert.False(t, w.Expired())

	var nilWatchdog *Watchdog
	assert.False(t, nilWatchdog.Expired())
}

func TestRemaining(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	w := newWithClock(10*time.Minute, func() time.Time { return now })

	left, ok := w.Remaining()
	assert.True(t, ok)
	assert.Equal(t, 10*time.Minute, left)

	now = now.Add(12 * time.Minute)
	left, _ = w.Remaining()
	assert.Equal(t, -2*time.Minute, left)

	_, ok = newWithClock(0, func() time.Time { return now }).Remaining()
	assert.False(t, ok)

	var nilWatchdog *Watchdog
	_, ok = nilWatchdog.Remaining()
	assert.False(t, ok)
}
