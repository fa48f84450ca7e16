// Package diagnostics is the side channel through which the session bridge,
// the profile resolver and the change-feed hub report failures that are never
// returned to their callers.
package diagnostics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Components that report records.
const (
	ComponentBridge   = "session_bridge"
	ComponentResolver = "profile_resolver"
	ComponentFeed     = "change_feed"
)

type Record struct {
	ID         string    `json:"id" yaml:"id"`
	At         time.Time `json:"at" yaml:"at"`
	Level      Level     `json:"level" yaml:"level"`
	Component  string    `json:"component" yaml:"component"`
	Event      string    `json:"event" yaml:"event"`
	IdentityID string    `json:"identity_id,omitempty" yaml:"identity_id,omitempty"`
	Table      string    `json:"table,omitempty" yaml:"table,omitempty"`
	Message    string    `json:"message,omitempty" yaml:"message,omitempty"`
	Err        string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Sink receives diagnostic records.
type Sink interface {
	Record(rec Record)
}

// Discard drops every record.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(Record) {}

// Recorder keeps the most recent records in a ring buffer and mirrors each
// one to the structured log.
type Recorder struct {
	mu     sync.RWMutex
	buf    []Record
	next   int
	full   bool
	logger *slog.Logger
	now    func() time.Time
}

func NewRecorder(capacity int, logger *slog.Logger) *Recorder {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		buf:    make([]Record, capacity),
		logger: logger,
		now:    time.Now,
	}
}

func (r *Recorder) Record(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.At.IsZero() {
		rec.At = r.now().UTC()
	}
	if rec.Level == "" {
		rec.Level = LevelInfo
	}

	r.mu.Lock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()

	attrs := []slog.Attr{
		slog.String("component", rec.Component),
		slog.String("event", rec.Event),
	}
	if rec.IdentityID != "" {
		attrs = append(attrs, slog.String("identity_id", rec.IdentityID))
	}
	if rec.Table != "" {
		attrs = append(attrs, slog.String("table", rec.Table))
	}
	if rec.Err != "" {
		attrs = append(attrs, slog.String("error", rec.Err))
	}
	msg := rec.Message
	if msg == "" {
		msg = rec.Event
	}
	r.logger.LogAttrs(context.Background(), rec.Level.slog(), msg, attrs...)
}

// Query selects records. Zero values match everything.
type Query struct {
	Component string
	Table     string
	MinLevel  Level
	Limit     int
}

// Recent returns matching records, newest first.
func (r *Recorder) Recent(q Query) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.next
	if r.full {
		n = len(r.buf)
	}
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		rec := r.buf[idx]
		if q.Component != "" && rec.Component != q.Component {
			continue
		}
		if q.Table != "" && rec.Table != q.Table {
			continue
		}
		if q.MinLevel != "" && rec.Level.rank() < q.MinLevel.rank() {
			continue
		}
		out = append(out, rec)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// Count returns how many buffered records have the given event name.
func (r *Recorder) Count(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.next
	if r.full {
		n = len(r.buf)
	}
	count := 0
	for i := 0; i < n; i++ {
		if r.buf[i].Event == event {
			count++
		}
	}
	return count
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = make([]Record, len(r.buf))
	r.next = 0
	r.full = false
}

func (l Level) rank() int {
	switch l {
	case LevelWarn:
		return 1
	case LevelError:
		return 2
	default:
		return 0
	}
}

func (l Level) slog() slog.Level {
	switch l {
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
