package feature

import (
	"context"
	"sync"
	"time"

	"github.com/lvonguyen/cloudsentinel/internal/event"
)

// MemoryHistory is an in-process HistoryStore for single-node deployments
// and tests. Each actor keeps at most maxPerActor events.
type MemoryHistory struct {
	mu          sync.RWMutex
	byActor     map[string][]event.CanonicalEvent
	maxPerActor int
}

// NewMemoryHistory creates an in-memory history store.
func NewMemoryHistory(maxPerActor int) *MemoryHistory {
	if maxPerActor <= 0 {
		maxPerActor = 1000
	}
	return &MemoryHistory{
		byActor:     make(map[string][]event.CanonicalEvent),
		maxPerActor: maxPerActor,
	}
}

// Append records an event, evicting the oldest past the per-actor cap.
func (m *MemoryHistory) Append(ctx context.Context, ev *event.CanonicalEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := append(m.byActor[ev.ActorID], *ev)
	if len(events) > m.maxPerActor {
		events = events[len(events)-m.maxPerActor:]
	}
	m.byActor[ev.ActorID] = events
	return nil
}

// History returns the actor's events inside the window, oldest first.
func (m *MemoryHistory) History(ctx context.Context, actorID string, w Window) ([]event.CanonicalEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.byActor[actorID]
	cutoff := time.Now().UTC().Add(-w.MaxAge)

	var out []event.CanonicalEvent
	for _, ev := range all {
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, ev)
	}
	if w.MaxEvents > 0 && len(out) > w.MaxEvents {
		out = out[len(out)-w.MaxEvents:]
	}
	return out, nil
}

// All returns every retained event across actors, oldest first per actor.
// The retrainer uses it as its training corpus on single-node deployments.
func (m *MemoryHistory) All(ctx context.Context, limit int) ([]event.CanonicalEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []event.CanonicalEvent
	for _, events := range m.byActor {
		out = append(out, events...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
	}
	return out, nil
}
