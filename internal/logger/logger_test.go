package logger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type memorySink struct {
	mu      sync.Mutex
	entries []string
	levels  []string
}

func (s *memorySink) WriteAppLog(_ time.Time, level, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels = append(s.levels, level)
	s.entries = append(s.entries, message)
	return nil
}

func TestNewRejectsUnknownLevelAndFormat(t *testing.T) {
	_, err := New("loud", "json")
	require.Error(t, err)

	_, err = New("info", "xml")
	require.Error(t, err)

	log, err := New("debug", "json")
	require.NoError(t, err)
	assert.NotNil(t, log.Logger)
}

func TestWithDiagnosticsMirrorsWarnings(t *testing.T) {
	sink := &memorySink{}
	log := NewNop().WithDiagnostics(sink, zapcore.WarnLevel)

	log.Info("Ignored entry")
	log.With(zap.String("component", "sync")).Warn("Remote unavailable", zap.Int("attempt", 2))
	log.Error("Local store failed")
	require.NoError(t, log.Close())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.entries, 2)
	assert.Equal(t, "Remote unavailable attempt=2 component=sync", sink.entries[0])
	assert.Equal(t, []string{"WARN", "ERROR"}, sink.levels)
}

func TestCloseIsSafeToRepeat(t *testing.T) {
	log := NewNop().WithDiagnostics(&memorySink{}, zapcore.WarnLevel)
	require.NoError(t, log.Close())
	require.NoError(t, log.Close())
	log.Warn("After close")
}
