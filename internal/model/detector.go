package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
)

// Common errors.
var (
	ErrInsufficientSamples = errors.New("not enough training samples")
	ErrBadContamination    = errors.New("contamination must be in (0, 0.5]")
	ErrDimensionMismatch   = errors.New("feature vector dimension mismatch")
)

// minTrainingSamples is the smallest corpus a forest can be grown from.
const minTrainingSamples = 16

// Calibration holds the raw-score bounds observed at training time. They are
// frozen with the model so replaying the same raw score always yields the
// same normalized score.
type Calibration struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// TrainConfig tunes forest construction.
type TrainConfig struct {
	NumTrees   int   `yaml:"num_trees"`
	SampleSize int   `yaml:"sample_size"`
	Seed       int64 `yaml:"seed"`
}

// DefaultTrainConfig returns the standard forest shape.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{NumTrees: 100, SampleSize: 256, Seed: 42}
}

// Detector is one trained, calibrated anomaly model. It is immutable after
// Train: Score never mutates shared state, so arbitrarily many concurrent
// scoring calls may run against the same detector.
type Detector struct {
	Forest        *forest     `json:"forest"`
	Calibration   Calibration `json:"calibration"`
	Contamination float64     `json:"contamination"`
	// Threshold is the raw-score decision boundary: the (1-contamination)
	// quantile of training scores.
	Threshold    float64 `json:"threshold"`
	FeatureCount int     `json:"feature_count"`
	Seed         int64   `json:"seed"`
}

// Train grows a forest from unlabeled samples. contamination states the
// expected anomalous fraction and sets the decision boundary; it does not
// affect the forest itself. Offline only, never on the serving path.
func Train(samples [][]float64, contamination float64, cfg TrainConfig) (*Detector, error) {
	if len(samples) < minTrainingSamples {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientSamples, len(samples), minTrainingSamples)
	}
	if contamination <= 0 || contamination > 0.5 {
		return nil, fmt.Errorf("%w: %v", ErrBadContamination, contamination)
	}
	if cfg.NumTrees <= 0 {
		cfg.NumTrees = DefaultTrainConfig().NumTrees
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = DefaultTrainConfig().SampleSize
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	f := growForest(samples, cfg.NumTrees, cfg.SampleSize, rng)

	// Calibrate against the training corpus and freeze the constants.
	raw := make([]float64, len(samples))
	for i, s := range samples {
		raw[i] = f.rawScore(s)
	}
	sort.Float64s(raw)

	d := &Detector{
		Forest:        f,
		Calibration:   Calibration{Min: raw[0], Max: raw[len(raw)-1]},
		Contamination: contamination,
		Threshold:     quantile(raw, 1-contamination),
		FeatureCount:  len(samples[0]),
		Seed:          cfg.Seed,
	}
	return d, nil
}

// Score returns the raw forest score and its calibrated normalization in
// [0,1]. Read-only against the immutable detector snapshot.
func (d *Detector) Score(x []float64) (raw, normalized float64, err error) {
	if len(x) != d.FeatureCount {
		return 0, 0, fmt.Errorf("%w: got %d features, model expects %d", ErrDimensionMismatch, len(x), d.FeatureCount)
	}
	raw = d.Forest.rawScore(x)
	return raw, d.Normalize(raw), nil
}

// Normalize maps a raw score through the frozen calibration constants,
// clamped to [0,1].
func (d *Detector) Normalize(raw float64) float64 {
	span := d.Calibration.Max - d.Calibration.Min
	if span <= 0 {
		return 0.5
	}
	n := (raw - d.Calibration.Min) / span
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}

// IsAnomalous reports whether a raw score crosses the contamination-derived
// decision boundary.
func (d *Detector) IsAnomalous(raw float64) bool {
	return raw >= d.Threshold
}

// Marshal serializes the detector, calibration included, for the registry.
func (d *Detector) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// Unmarshal restores a detector persisted by Marshal.
func Unmarshal(data []byte) (*Detector, error) {
	var d Detector
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode detector: %w", err)
	}
	if d.Forest == nil || len(d.Forest.Trees) == 0 {
		return nil, errors.New("decode detector: empty forest")
	}
	return &d, nil
}

// quantile returns the q-quantile of sorted values.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
