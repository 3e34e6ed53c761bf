// Package actionlog records the human-readable history of what mail2chat
// did: deliveries, cancellations and configuration errors.
package actionlog

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// MaxEntries is how many entries are retained; older ones are dropped.
const MaxEntries = 1000

// Entry is one action log line.
type Entry struct {
	At      time.Time
	Message string
}

// Store persists entries.
type Store interface {
	AppendLog(ctx context.Context, e Entry) error
	// LogSince returns entries at or after since, newest first.
	LogSince(ctx context.Context, since time.Time) ([]Entry, error)
}

// Log writes entries to a Store and mirrors each one to slog.
type Log struct {
	store Store
	now   func() time.Time
}

// New creates a Log over store.
func New(store Store) *Log {
	return &Log{store: store, now: time.Now}
}

// Log appends message. A store failure is logged and otherwise ignored.
func (l *Log) Log(ctx context.Context, message string) {
	e := Entry{At: l.now().UTC(), Message: message}
	slog.Info(message, "source", "action_log")
	if err := l.store.AppendLog(ctx, e); err != nil {
		slog.Error("failed to append action log entry", "error", err)
	}
}

// Since returns entries at or after since, newest first.
func (l *Log) Since(ctx context.Context, since time.Time) ([]Entry, error) {
	return l.store.LogSince(ctx, since)
}

// Memory is an in-process Store keeping the newest MaxEntries entries.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// AppendLog implements Store.
func (m *Memory) AppendLog(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	if over := len(m.entries) - MaxEntries; over > 0 {
		m.entries = append(m.entries[:0:0], m.entries[over:]...)
	}
	return nil
}

// LogSince implements Store.
func (m *Memory) LogSince(_ context.Context, since time.Time) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if !m.entries[i].At.Before(since) {
			out = append(out, m.entries[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	return out, nil
}
