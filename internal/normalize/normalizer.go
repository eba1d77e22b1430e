// Package normalize maps provider-specific raw events onto the canonical
// event schema. One normalizer exists per supported provider; dispatch is an
// exhaustive switch so provider coverage stays statically checkable.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lvonguyen/cloudsentinel/internal/event"
)

// ErrNormalization marks an event whose required fields (timestamp, actor
// identity) could not be derived by any known alias. Such events are dropped
// upstream, never partially processed.
var ErrNormalization = errors.New("normalization failed")

// ErrUnknownProvider marks a raw batch tagged with a provider the pipeline
// has no normalizer for.
var ErrUnknownProvider = errors.New("unknown provider")

// Normalizer converts one provider's raw event shape to a CanonicalEvent.
// Implementations are pure: the same raw payload always yields the same
// canonical event.
type Normalizer interface {
	Provider() event.Provider
	Normalize(raw map[string]any) (*event.CanonicalEvent, error)
}

// For returns the normalizer for a provider.
func For(p event.Provider) (Normalizer, error) {
	switch p {
	case event.ProviderAWS:
		return &cloudTrailNormalizer{}, nil
	case event.ProviderAzure:
		return &azureMonitorNormalizer{}, nil
	case event.ProviderGCP:
		return &gcpAuditNormalizer{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
	}
}

// timestampLayouts are the formats seen across provider exports. All parsed
// times are converted to UTC before leaving this package.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// lookup walks a dotted path through nested maps and returns the string
// value at the leaf, if any. Unrecognized shapes are not an error; they just
// fail the lookup so the next alias can be tried.
func lookup(raw map[string]any, path string) (string, bool) {
	cur := any(raw)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[part]
		if !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// firstOf returns the first alias that resolves, or fallback.
func firstOf(raw map[string]any, fallback string, aliases ...string) string {
	for _, a := range aliases {
		if v, ok := lookup(raw, a); ok {
			return v
		}
	}
	return fallback
}

// requireTime resolves the first timestamp alias that parses, in UTC.
func requireTime(raw map[string]any, aliases ...string) (time.Time, error) {
	for _, a := range aliases {
		v, ok := lookup(raw, a)
		if !ok {
			continue
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, v); err == nil {
				return ts.UTC(), nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("%w: no parseable timestamp in %v", ErrNormalization, aliases)
}

// requireActor resolves the first actor-identity alias.
func requireActor(raw map[string]any, aliases ...string) (string, error) {
	for _, a := range aliases {
		if v, ok := lookup(raw, a); ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: no actor identity in %v", ErrNormalization, aliases)
}
