// Package score combines the anomaly score with event-type heuristics and
// external-intelligence boosts into a bounded threat score and severity.
// Scoring here is pure: severity is always reproducible from its inputs.
package score

import (
	"strings"

	"github.com/lvonguyen/cloudsentinel/internal/event"
)

// Severity thresholds, inclusive upward.
const (
	criticalThreshold = 0.8
	highThreshold     = 0.6
	mediumThreshold   = 0.4
)

// Config holds the calibration parameters. Defaults are illustrative tuning
// values, not correctness requirements; operators override them in config.
type Config struct {
	// Multipliers weight the anomaly score per event-type keyword. Matching
	// is case-insensitive substring; the highest matching multiplier wins.
	Multipliers map[string]float64 `yaml:"multipliers"`
	// MaxIntelBoost caps the additive external-intelligence adjustment.
	MaxIntelBoost float64 `yaml:"max_intel_boost"`
}

// DefaultConfig returns the default multiplier table.
func DefaultConfig() Config {
	return Config{
		Multipliers: map[string]float64{
			"login":     1.0,
			"access":    1.2,
			"modify":    1.5,
			"update":    1.5,
			"delete":    1.8,
			"terminate": 1.8,
			"privilege": 2.0,
			"admin":     2.0,
			"policy":    2.0,
		},
		MaxIntelBoost: 0.3,
	}
}

// Scorer applies the combination rule. Immutable after construction.
type Scorer struct {
	cfg Config
}

// New creates a scorer, falling back to defaults for zero-valued fields.
func New(cfg Config) *Scorer {
	if len(cfg.Multipliers) == 0 {
		cfg.Multipliers = DefaultConfig().Multipliers
	}
	if cfg.MaxIntelBoost <= 0 {
		cfg.MaxIntelBoost = DefaultConfig().MaxIntelBoost
	}
	return &Scorer{cfg: cfg}
}

// Score combines anomaly score, event type and intel boost:
//
//	threat = clip(anomaly * multiplier(eventType) + intelBoost, 0, 1)
//
// The result is monotonic non-decreasing in the anomaly score for fixed
// multiplier and boost.
func (s *Scorer) Score(anomalyScore float64, eventType string, intelBoost float64) (float64, event.Severity) {
	if intelBoost < 0 {
		intelBoost = 0
	}
	if intelBoost > s.cfg.MaxIntelBoost {
		intelBoost = s.cfg.MaxIntelBoost
	}

	threat := anomalyScore*s.Multiplier(eventType) + intelBoost
	if threat < 0 {
		threat = 0
	}
	if threat > 1 {
		threat = 1
	}
	return threat, SeverityFor(threat)
}

// Multiplier returns the event-type weight: the highest multiplier whose
// keyword appears in the event type, default 1.0.
func (s *Scorer) Multiplier(eventType string) float64 {
	lower := strings.ToLower(eventType)
	mult := 1.0
	for keyword, m := range s.cfg.Multipliers {
		if strings.Contains(lower, keyword) && m > mult {
			mult = m
		}
	}
	return mult
}

// MaxIntelBoost returns the configured boost cap.
func (s *Scorer) MaxIntelBoost() float64 { return s.cfg.MaxIntelBoost }

// SeverityFor maps a threat score onto its severity tier.
func SeverityFor(threat float64) event.Severity {
	switch {
	case threat >= criticalThreshold:
		return event.SeverityCritical
	case threat >= highThreshold:
		return event.SeverityHigh
	case threat >= mediumThreshold:
		return event.SeverityMedium
	default:
		return event.SeverityLow
	}
}
