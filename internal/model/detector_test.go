package model

import (
	"errors"
	"math/rand"
	"testing"
)

// trainingCluster generates n samples tightly clustered around a center,
// deterministic via the provided seed.
func trainingCluster(n, dims int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	samples := make([][]float64, n)
	for i := range samples {
		s := make([]float64, dims)
		for j := range s {
			s[j] = 0.5 + rng.Float64()*0.1
		}
		samples[i] = s
	}
	return samples
}

// =============================================================================
// Training Tests
// =============================================================================

// TestTrain_InsufficientSamples verifies a corpus below the floor is rejected.
func TestTrain_InsufficientSamples(t *testing.T) {
	_, err := Train(trainingCluster(5, 4, 1), 0.1, DefaultTrainConfig())
	if !errors.Is(err, ErrInsufficientSamples) {
		t.Errorf("expected ErrInsufficientSamples, got %v", err)
	}
}

// TestTrain_BadContamination verifies contamination bounds.
func TestTrain_BadContamination(t *testing.T) {
	samples := trainingCluster(64, 4, 1)
	for _, c := range []float64{0, -0.1, 0.6, 1.0} {
		if _, err := Train(samples, c, DefaultTrainConfig()); !errors.Is(err, ErrBadContamination) {
			t.Errorf("contamination %v: expected ErrBadContamination, got %v", c, err)
		}
	}
}

// TestTrain_SetsCalibrationAndThreshold verifies calibration constants are
// frozen from the training corpus.
func TestTrain_SetsCalibrationAndThreshold(t *testing.T) {
	d, err := Train(trainingCluster(128, 4, 1), 0.1, DefaultTrainConfig())
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	if d.Calibration.Min > d.Calibration.Max {
		t.Errorf("calibration min %v exceeds max %v", d.Calibration.Min, d.Calibration.Max)
	}
	if d.Threshold < d.Calibration.Min || d.Threshold > d.Calibration.Max {
		t.Errorf("threshold %v outside calibration range [%v, %v]",
			d.Threshold, d.Calibration.Min, d.Calibration.Max)
	}
	if d.FeatureCount != 4 {
		t.Errorf("expected feature count 4, got %d", d.FeatureCount)
	}
}

// TestTrain_DeterministicWithSeed verifies the same corpus and seed grow the
// same forest.
func TestTrain_DeterministicWithSeed(t *testing.T) {
	samples := trainingCluster(128, 4, 1)
	cfg := DefaultTrainConfig()

	a, err := Train(samples, 0.1, cfg)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	b, err := Train(samples, 0.1, cfg)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	probe := []float64{0.9, 0.1, 0.9, 0.1}
	rawA, _, _ := a.Score(probe)
	rawB, _, _ := b.Score(probe)
	if rawA != rawB {
		t.Errorf("same seed should reproduce identical scores: %v vs %v", rawA, rawB)
	}
}

// =============================================================================
// Scoring Tests
// =============================================================================

// TestScore_Bounds verifies normalized scores stay in [0,1] even for points
// far outside the training distribution.
func TestScore_Bounds(t *testing.T) {
	d, err := Train(trainingCluster(128, 4, 1), 0.1, DefaultTrainConfig())
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	probes := [][]float64{
		{0.5, 0.5, 0.5, 0.5},
		{100, -100, 100, -100},
		{0, 0, 0, 0},
	}
	for _, p := range probes {
		_, n, err := d.Score(p)
		if err != nil {
			t.Fatalf("Score failed: %v", err)
		}
		if n < 0 || n > 1 {
			t.Errorf("normalized score %v outside [0,1] for %v", n, p)
		}
	}
}

// TestScore_OutlierScoresHigher verifies a point far from the training
// cluster scores above cluster members.
func TestScore_OutlierScoresHigher(t *testing.T) {
	d, err := Train(trainingCluster(256, 4, 1), 0.1, DefaultTrainConfig())
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	_, inlier, _ := d.Score([]float64{0.55, 0.55, 0.55, 0.55})
	_, outlier, _ := d.Score([]float64{10, 10, 10, 10})

	if outlier <= inlier {
		t.Errorf("outlier should score above inlier: outlier=%v inlier=%v", outlier, inlier)
	}
}

// TestScore_DimensionMismatch verifies wrong-width vectors are rejected.
func TestScore_DimensionMismatch(t *testing.T) {
	d, err := Train(trainingCluster(64, 4, 1), 0.1, DefaultTrainConfig())
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if _, _, err := d.Score([]float64{1, 2}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

// TestNormalize_DegenerateCalibration verifies a zero-span calibration maps
// everything to the neutral midpoint.
func TestNormalize_DegenerateCalibration(t *testing.T) {
	d := &Detector{Calibration: Calibration{Min: 0.5, Max: 0.5}}
	if got := d.Normalize(0.7); got != 0.5 {
		t.Errorf("zero-span calibration should yield 0.5, got %v", got)
	}
}

// =============================================================================
// Persistence Tests
// =============================================================================

// TestMarshalUnmarshal_ScoresIdentically verifies a restored detector scores
// exactly like the original, calibration included.
func TestMarshalUnmarshal_ScoresIdentically(t *testing.T) {
	d, err := Train(trainingCluster(128, 4, 1), 0.1, DefaultTrainConfig())
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	data, err := d.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	restored, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	probe := []float64{0.9, 0.2, 0.7, 0.4}
	rawA, normA, _ := d.Score(probe)
	rawB, normB, _ := restored.Score(probe)
	if rawA != rawB || normA != normB {
		t.Errorf("restored detector diverges: (%v,%v) vs (%v,%v)", rawA, normA, rawB, normB)
	}
	if restored.Threshold != d.Threshold {
		t.Errorf("threshold not preserved: %v vs %v", restored.Threshold, d.Threshold)
	}
}

// TestUnmarshal_EmptyForest verifies a truncated snapshot is rejected.
func TestUnmarshal_EmptyForest(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"calibration":{"min":0,"max":1}}`)); err == nil {
		t.Error("empty forest should be rejected")
	}
}
