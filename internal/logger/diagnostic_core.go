package logger

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// DiagnosticSink persists log entries, typically into the local app_logs table
type DiagnosticSink interface {
	WriteAppLog(ts time.Time, level, message string) error
}

type diagnosticEntry struct {
	ts      time.Time
	level   string
	message string
}

// diagnosticWriter owns the queue shared by a core and all of its With clones.
// The sink may share a single-connection database with code that logs from inside
// a transaction, so enqueueing never blocks: entries are dropped when the buffer is full.
type diagnosticWriter struct {
	sink    DiagnosticSink
	mu      sync.RWMutex
	closed  bool
	entries chan diagnosticEntry
	done    chan struct{}
}

const diagnosticBuffer = 256

func (w *diagnosticWriter) run() {
	defer close(w.done)
	for e := range w.entries {
		// Errors here cannot be logged without recursing into this core.
		_ = w.sink.WriteAppLog(e.ts, e.level, e.message)
	}
}

func (w *diagnosticWriter) enqueue(e diagnosticEntry) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.entries <- e:
	default:
	}
}

func (w *diagnosticWriter) close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.entries)
	}
	w.mu.Unlock()
	<-w.done
}

type diagnosticCore struct {
	zapcore.LevelEnabler
	fields []zapcore.Field
	writer *diagnosticWriter
}

func newDiagnosticCore(sink DiagnosticSink, minLevel zapcore.Level) *diagnosticCore {
	w := &diagnosticWriter{
		sink:    sink,
		entries: make(chan diagnosticEntry, diagnosticBuffer),
		done:    make(chan struct{}),
	}
	go w.run()
	return &diagnosticCore{LevelEnabler: minLevel, writer: w}
}

func (c *diagnosticCore) With(fields []zapcore.Field) zapcore.Core {
	return &diagnosticCore{
		LevelEnabler: c.LevelEnabler,
		fields:       append(append([]zapcore.Field(nil), c.fields...), fields...),
		writer:       c.writer,
	}
}

func (c *diagnosticCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *diagnosticCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	c.writer.enqueue(diagnosticEntry{
		ts:      ent.Time,
		level:   ent.Level.CapitalString(),
		message: formatMessage(ent, enc.Fields),
	})
	return nil
}

func (c *diagnosticCore) Sync() error {
	return nil
}

func (c *diagnosticCore) close() {
	c.writer.close()
}

func formatMessage(ent zapcore.Entry, fields map[string]interface{}) string {
	var b strings.Builder
	if ent.LoggerName != "" {
		b.WriteString(ent.LoggerName)
		b.WriteString(": ")
	}
	b.WriteString(ent.Message)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}
