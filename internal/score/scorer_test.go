package score

import (
	"testing"

	"github.com/lvonguyen/cloudsentinel/internal/event"
)

// =============================================================================
// Severity Boundary Tests
// =============================================================================

// TestSeverityFor_Boundaries verifies thresholds are inclusive upward.
func TestSeverityFor_Boundaries(t *testing.T) {
	tests := []struct {
		threat   float64
		expected event.Severity
	}{
		{1.0, event.SeverityCritical},
		{0.80, event.SeverityCritical},
		{0.7999, event.SeverityHigh},
		{0.60, event.SeverityHigh},
		{0.5999, event.SeverityMedium},
		{0.40, event.SeverityMedium},
		{0.3999, event.SeverityLow},
		{0.0, event.SeverityLow},
	}

	for _, tt := range tests {
		if got := SeverityFor(tt.threat); got != tt.expected {
			t.Errorf("SeverityFor(%v): expected %s, got %s", tt.threat, tt.expected, got)
		}
	}
}

// =============================================================================
// Combination Rule Tests
// =============================================================================

// TestScore_Bounds verifies the threat score is clipped to [0,1] for any
// input combination.
func TestScore_Bounds(t *testing.T) {
	s := New(DefaultConfig())

	tests := []struct {
		anomaly float64
		event   string
		boost   float64
	}{
		{1.0, "DeleteAdminPolicy", 10.0},
		{0.9, "AttachRolePolicy", 0.3},
		{0.0, "ConsoleLogin", 0.0},
		{-1.0, "ConsoleLogin", -5.0},
	}
	for _, tt := range tests {
		threat, _ := s.Score(tt.anomaly, tt.event, tt.boost)
		if threat < 0 || threat > 1 {
			t.Errorf("Score(%v, %q, %v) = %v outside [0,1]", tt.anomaly, tt.event, tt.boost, threat)
		}
	}
}

// TestScore_Monotonic verifies a higher anomaly score never lowers the threat
// score for a fixed event type and boost.
func TestScore_Monotonic(t *testing.T) {
	s := New(DefaultConfig())

	prev := -1.0
	for a := 0.0; a <= 1.0; a += 0.05 {
		threat, _ := s.Score(a, "ConsoleLogin", 0.1)
		if threat < prev {
			t.Fatalf("threat decreased from %v to %v at anomaly %v", prev, threat, a)
		}
		prev = threat
	}
}

// TestScore_BoostCapped verifies the intel boost never adds more than the
// configured cap.
func TestScore_BoostCapped(t *testing.T) {
	s := New(Config{MaxIntelBoost: 0.2})

	base, _ := s.Score(0.3, "ConsoleLogin", 0)
	boosted, _ := s.Score(0.3, "ConsoleLogin", 5.0)

	if diff := boosted - base; diff > 0.2+1e-9 {
		t.Errorf("boost contribution %v exceeds cap 0.2", diff)
	}
}

// TestScore_ExactCombination verifies the combination rule against a known
// case.
func TestScore_ExactCombination(t *testing.T) {
	s := New(DefaultConfig())

	// DeleteBucket matches the "delete" multiplier 1.8.
	threat, sev := s.Score(0.4, "DeleteBucket", 0.05)
	want := 0.4*1.8 + 0.05
	if diff := threat - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected threat %v, got %v", want, threat)
	}
	if sev != event.SeverityHigh {
		t.Errorf("expected high severity, got %s", sev)
	}
}

// =============================================================================
// Multiplier Tests
// =============================================================================

// TestMultiplier_HighestMatchWins verifies the highest matching keyword
// multiplier applies.
func TestMultiplier_HighestMatchWins(t *testing.T) {
	s := New(DefaultConfig())

	// "UpdateAssumeRolePolicy" matches both update (1.5) and policy (2.0).
	if m := s.Multiplier("UpdateAssumeRolePolicy"); m != 2.0 {
		t.Errorf("expected multiplier 2.0, got %v", m)
	}
}

// TestMultiplier_CaseInsensitive verifies matching ignores case.
func TestMultiplier_CaseInsensitive(t *testing.T) {
	s := New(DefaultConfig())
	if m := s.Multiplier("DELETEOBJECT"); m != 1.8 {
		t.Errorf("expected multiplier 1.8, got %v", m)
	}
}

// TestMultiplier_DefaultForUnknown verifies unmatched event types get the
// neutral multiplier.
func TestMultiplier_DefaultForUnknown(t *testing.T) {
	s := New(DefaultConfig())
	if m := s.Multiplier("SomethingNovel"); m != 1.0 {
		t.Errorf("expected default multiplier 1.0, got %v", m)
	}
}

// TestScore_Reproducible verifies severity is a pure function of its inputs.
func TestScore_Reproducible(t *testing.T) {
	s := New(DefaultConfig())
	for i := 0; i < 10; i++ {
		threat, sev := s.Score(0.42, "GetObject", 0.1)
		threat2, sev2 := s.Score(0.42, "GetObject", 0.1)
		if threat != threat2 || sev != sev2 {
			t.Fatal("scoring is not reproducible")
		}
	}
}
