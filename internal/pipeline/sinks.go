package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/lvonguyen/cloudsentinel/internal/event"
)

// DeadLetter captures an event the pipeline could not process, with enough
// context to replay it after the defect is fixed.
type DeadLetter struct {
	Stage string         `json:"stage"`
	Raw   map[string]any `json:"raw,omitempty"`
	Err   string         `json:"error"`
	At    time.Time      `json:"at"`
}

// DeadLetterSink receives unprocessable events.
type DeadLetterSink interface {
	Record(ctx context.Context, dl DeadLetter)
}

// MemoryDeadLetter keeps the most recent dead letters in a bounded ring.
type MemoryDeadLetter struct {
	mu      sync.Mutex
	entries []DeadLetter
	max     int
}

// NewMemoryDeadLetter creates a bounded in-memory dead letter sink.
func NewMemoryDeadLetter(max int) *MemoryDeadLetter {
	if max <= 0 {
		max = 1000
	}
	return &MemoryDeadLetter{max: max}
}

// Record appends a dead letter, evicting the oldest past the cap.
func (m *MemoryDeadLetter) Record(_ context.Context, dl DeadLetter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, dl)
	if len(m.entries) > m.max {
		m.entries = m.entries[len(m.entries)-m.max:]
	}
}

// Entries returns a copy of the retained dead letters, oldest first.
func (m *MemoryDeadLetter) Entries() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadLetter, len(m.entries))
	copy(out, m.entries)
	return out
}

// MemorySink retains recent alerts in a bounded ring for the query API.
type MemorySink struct {
	mu     sync.RWMutex
	alerts []event.Alert
	max    int
}

// NewMemorySink creates a bounded in-memory alert sink.
func NewMemorySink(max int) *MemorySink {
	if max <= 0 {
		max = 10000
	}
	return &MemorySink{max: max}
}

// Emit stores the alert, evicting the oldest past the cap.
func (s *MemorySink) Emit(_ context.Context, alert *event.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, *alert)
	if len(s.alerts) > s.max {
		s.alerts = s.alerts[len(s.alerts)-s.max:]
	}
	return nil
}

// Recent returns up to limit alerts, newest first.
func (s *MemorySink) Recent(limit int) []event.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.alerts)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]event.Alert, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.alerts[i])
	}
	return out
}

// Get returns one alert by ID.
func (s *MemorySink) Get(alertID string) (event.Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.alerts) - 1; i >= 0; i-- {
		if s.alerts[i].AlertID == alertID {
			return s.alerts[i], true
		}
	}
	return event.Alert{}, false
}
