// Package feature derives the numeric feature vector scored by the anomaly
// model. Extraction is a deterministic function of one canonical event plus a
// bounded window of the actor's recent history.
package feature

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lvonguyen/cloudsentinel/internal/event"
)

// SchemaVersion tags every vector this extractor produces. A model version
// is only promotable against the schema version it was trained on.
const SchemaVersion = "v1"

// Names is the fixed, total feature set of SchemaVersion, in scoring order.
// Every event produces every feature; insufficient data yields the neutral
// baselines below, never a hole in the vector.
var Names = []string{
	"hour_of_day",
	"day_of_week",
	"is_weekend",
	"is_business_hours",
	"event_rate",
	"distinct_resources",
	"failure_streak",
	"location_id",
	"location_changed",
	"is_failure",
	"is_destructive",
	"event_class",
}

// Neutral baselines for behavioral features of first-seen actors. A brand-new
// actor must not look anomalous purely for being new.
const (
	baselineEventRate = 1.0
	baselineResources = 1.0
)

// ErrHistoryUnavailable marks a failed history read. The extractor retries
// with bounded backoff before surfacing it; the pipeline dead-letters the
// event and continues.
var ErrHistoryUnavailable = errors.New("actor history unavailable")

// Vector is an ordered mapping from feature name to value, tagged with the
// schema version that produced it.
type Vector struct {
	Schema string             `json:"schema"`
	Values map[string]float64 `json:"values"`
}

// Slice returns the values in canonical Names order, the layout the anomaly
// model consumes.
func (v Vector) Slice() []float64 {
	out := make([]float64, len(Names))
	for i, name := range Names {
		out[i] = v.Values[name]
	}
	return out
}

// Window bounds how much actor history one extraction may read. Whichever
// limit is smaller wins, capping extraction cost for noisy actors.
type Window struct {
	MaxAge    time.Duration `yaml:"max_age"`
	MaxEvents int           `yaml:"max_events"`
}

// DefaultWindow returns the default history bound.
func DefaultWindow() Window {
	return Window{MaxAge: 30 * time.Minute, MaxEvents: 200}
}

// HistoryStore is the persistence collaborator serving bounded actor history.
type HistoryStore interface {
	// History returns the actor's events inside the window, oldest first.
	History(ctx context.Context, actorID string, w Window) ([]event.CanonicalEvent, error)
	// Append records an event for future history reads.
	Append(ctx context.Context, ev *event.CanonicalEvent) error
}

// Extractor derives feature vectors, reading history through a store.
type Extractor struct {
	store      HistoryStore
	window     Window
	maxRetries uint64
}

// NewExtractor creates an extractor bound to a history store.
func NewExtractor(store HistoryStore, window Window) *Extractor {
	if window.MaxEvents <= 0 {
		window = DefaultWindow()
	}
	return &Extractor{store: store, window: window, maxRetries: 3}
}

// Extract fetches the actor's bounded history and computes the vector.
// History reads are retried with exponential backoff; a store that stays
// unreachable yields ErrHistoryUnavailable. Missing history is not an error.
func (e *Extractor) Extract(ctx context.Context, ev *event.CanonicalEvent) (Vector, error) {
	var history []event.CanonicalEvent

	op := func() error {
		var err error
		history, err = e.store.History(ctx, ev.ActorID, e.window)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), e.maxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return Vector{}, fmt.Errorf("%w: %v", ErrHistoryUnavailable, err)
	}

	return Compute(ev, history), nil
}

// Window returns the configured history bound.
func (e *Extractor) Window() Window { return e.window }

// Compute derives the vector from an event and its pre-fetched history.
// Pure: no clock reads, no I/O.
func Compute(ev *event.CanonicalEvent, history []event.CanonicalEvent) Vector {
	v := Vector{Schema: SchemaVersion, Values: make(map[string]float64, len(Names))}

	ts := ev.Timestamp.UTC()
	v.Values["hour_of_day"] = float64(ts.Hour())
	v.Values["day_of_week"] = float64(ts.Weekday())
	v.Values["is_weekend"] = boolFeature(ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday)
	v.Values["is_business_hours"] = boolFeature(ts.Hour() >= 9 && ts.Hour() <= 17)

	v.Values["event_rate"] = eventRate(ev, history)
	v.Values["distinct_resources"] = distinctResources(ev, history)
	v.Values["failure_streak"] = failureStreak(ev, history)

	v.Values["location_id"] = locationID(ev.Location)
	v.Values["location_changed"] = locationChanged(ev, history)

	v.Values["is_failure"] = boolFeature(ev.Success != nil && !*ev.Success)
	v.Values["is_destructive"] = boolFeature(isDestructive(ev.EventType))
	v.Values["event_class"] = eventClass(ev.EventType)

	return v
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// eventRate is the actor's events per minute over the observed span,
// including the current event. First-seen actors get the baseline rate.
func eventRate(ev *event.CanonicalEvent, history []event.CanonicalEvent) float64 {
	if len(history) == 0 {
		return baselineEventRate
	}
	span := ev.Timestamp.Sub(history[0].Timestamp)
	if span < time.Minute {
		span = time.Minute
	}
	return float64(len(history)+1) / span.Minutes()
}

func distinctResources(ev *event.CanonicalEvent, history []event.CanonicalEvent) float64 {
	seen := make(map[string]struct{})
	for _, r := range ev.Resources {
		seen[r] = struct{}{}
	}
	for _, h := range history {
		for _, r := range h.Resources {
			seen[r] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return baselineResources
	}
	return float64(len(seen))
}

// failureStreak counts consecutive failed events ending at the current one.
func failureStreak(ev *event.CanonicalEvent, history []event.CanonicalEvent) float64 {
	if ev.Success == nil || *ev.Success {
		return 0
	}
	streak := 1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Success == nil || *history[i].Success {
			break
		}
		streak++
	}
	return float64(streak)
}

// locationID hashes the location label into [0,1). Unknown locations share
// one bucket rather than producing a missing value.
func locationID(location string) float64 {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(location)))
	return float64(h.Sum32()%1000) / 1000.0
}

// locationChanged is 1 when the actor's previous known location differs from
// the current one. First-seen actors and unknown locations read as unchanged.
func locationChanged(ev *event.CanonicalEvent, history []event.CanonicalEvent) float64 {
	if ev.Location == event.Unknown {
		return 0
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Location == event.Unknown {
			continue
		}
		return boolFeature(history[i].Location != ev.Location)
	}
	return 0
}

var destructiveMarkers = []string{"delete", "remove", "terminate", "destroy", "drop", "purge"}

func isDestructive(eventType string) bool {
	lower := strings.ToLower(eventType)
	for _, m := range destructiveMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// eventClass maps the free-form event type onto a coarse ordinal class.
func eventClass(eventType string) float64 {
	lower := strings.ToLower(eventType)
	switch {
	case strings.Contains(lower, "privilege") || strings.Contains(lower, "admin") ||
		strings.Contains(lower, "role") || strings.Contains(lower, "policy"):
		return 5
	case isDestructive(eventType):
		return 4
	case strings.Contains(lower, "write") || strings.Contains(lower, "update") ||
		strings.Contains(lower, "modify") || strings.Contains(lower, "put") ||
		strings.Contains(lower, "create"):
		return 3
	case strings.Contains(lower, "get") || strings.Contains(lower, "list") ||
		strings.Contains(lower, "read") || strings.Contains(lower, "access") ||
		strings.Contains(lower, "describe"):
		return 2
	case strings.Contains(lower, "login") || strings.Contains(lower, "auth") ||
		strings.Contains(lower, "signin") || strings.Contains(lower, "console"):
		return 1
	default:
		return 0
	}
}
