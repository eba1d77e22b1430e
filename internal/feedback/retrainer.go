package feedback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/cloudsentinel/internal/event"
	"github.com/lvonguyen/cloudsentinel/internal/feature"
	"github.com/lvonguyen/cloudsentinel/internal/model"
	"github.com/lvonguyen/cloudsentinel/internal/registry"
)

// ErrNotEnoughData marks a retrain attempt skipped for lack of a training
// corpus. It is not a failure: the next trigger simply tries again.
var ErrNotEnoughData = errors.New("not enough training data")

// TrainingSource supplies the unlabeled event corpus candidates train on.
type TrainingSource interface {
	All(ctx context.Context, limit int) ([]event.CanonicalEvent, error)
}

// RetrainConfig tunes the retraining loop.
type RetrainConfig struct {
	// Interval is the scheduled retrain cadence; 0 disables the schedule.
	Interval time.Duration `yaml:"interval"`
	// FeedbackThreshold retrains once this much feedback accumulates.
	FeedbackThreshold int `yaml:"feedback_threshold"`
	// MaxTrainingEvents caps the corpus pulled from the training source.
	MaxTrainingEvents int `yaml:"max_training_events"`
	// Contamination is the expected anomalous fraction for new candidates.
	Contamination float64 `yaml:"contamination"`
	// PrecisionFloorRatio: a candidate must reach at least this fraction of
	// the active model's validation precision to replace it.
	PrecisionFloorRatio float64 `yaml:"precision_floor_ratio"`
	// MaxFalsePositiveRate rejects candidates above this validation FPR.
	MaxFalsePositiveRate float64 `yaml:"max_false_positive_rate"`
	// Forest shapes candidate training.
	Forest model.TrainConfig `yaml:"forest"`
}

// DefaultRetrainConfig returns sensible defaults.
func DefaultRetrainConfig() RetrainConfig {
	return RetrainConfig{
		Interval:             6 * time.Hour,
		FeedbackThreshold:    50,
		MaxTrainingEvents:    10000,
		Contamination:        0.1,
		PrecisionFloorRatio:  1.0,
		MaxFalsePositiveRate: 0.25,
		Forest:               model.DefaultTrainConfig(),
	}
}

// Retrainer trains, validates and promotes (or retires) candidate models.
// It runs isolated from scoring: a candidate is built from scratch and only
// the registry promotion swaps what scoring sees.
type Retrainer struct {
	reg    *registry.Registry
	agg    *Aggregator
	source TrainingSource
	window feature.Window
	cfg    RetrainConfig
	logger *zap.Logger

	// OnPromotion and OnValidationFailure, if set, surface lifecycle outcomes
	// to the observability collaborator.
	OnPromotion         func(versionID string, m registry.Metrics)
	OnValidationFailure func(versionID string, m registry.Metrics)
}

// NewRetrainer wires the retraining loop.
func NewRetrainer(reg *registry.Registry, agg *Aggregator, source TrainingSource, window feature.Window, cfg RetrainConfig, logger *zap.Logger) *Retrainer {
	if cfg.Contamination <= 0 {
		cfg.Contamination = DefaultRetrainConfig().Contamination
	}
	if cfg.PrecisionFloorRatio <= 0 {
		cfg.PrecisionFloorRatio = 1.0
	}
	return &Retrainer{reg: reg, agg: agg, source: source, window: window, cfg: cfg, logger: logger}
}

// Run retrains on the configured schedule and whenever the aggregator's
// feedback volume crosses its threshold. Never blocks scoring.
func (r *Retrainer) Run(ctx context.Context) {
	var ticks <-chan time.Time
	if r.cfg.Interval > 0 {
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
		case <-r.agg.Trigger():
		}

		if err := r.Retrain(ctx); err != nil && !errors.Is(err, ErrNotEnoughData) {
			r.logger.Error("retrain failed", zap.Error(err))
		}
	}
}

// Retrain executes one aggregate -> train -> validate -> promote-or-retire
// cycle.
func (r *Retrainer) Retrain(ctx context.Context) error {
	events, err := r.source.All(ctx, r.cfg.MaxTrainingEvents)
	if err != nil {
		return fmt.Errorf("loading training corpus: %w", err)
	}

	vectors := replayVectors(events, r.window)

	version := r.reg.Begin(feature.SchemaVersion, r.cfg.Contamination)
	detector, err := model.Train(vectors, r.cfg.Contamination, r.cfg.Forest)
	if err != nil {
		r.reg.Abandon(version.ID)
		if errors.Is(err, model.ErrInsufficientSamples) {
			r.logger.Info("retrain skipped", zap.Int("events", len(events)), zap.Error(err))
			return fmt.Errorf("%w: %v", ErrNotEnoughData, err)
		}
		return fmt.Errorf("training candidate: %w", err)
	}
	if err := r.reg.Stage(version.ID, detector); err != nil {
		return fmt.Errorf("staging candidate: %w", err)
	}

	metrics := Validate(detector, r.agg.Labeled())
	promote, reason := r.decide(metrics)

	if !promote {
		if err := r.reg.Retire(version.ID, metrics); err != nil {
			return fmt.Errorf("retiring candidate: %w", err)
		}
		r.logger.Warn("candidate model rejected",
			zap.String("version", version.ID),
			zap.String("reason", reason),
			zap.Float64("precision", metrics.Precision),
			zap.Float64("fpr", metrics.FalsePositiveRate))
		if r.OnValidationFailure != nil {
			r.OnValidationFailure(version.ID, metrics)
		}
		return nil
	}

	if err := r.reg.Promote(version.ID, metrics); err != nil {
		return fmt.Errorf("promoting candidate: %w", err)
	}
	r.agg.ResetCounter()
	if r.OnPromotion != nil {
		r.OnPromotion(version.ID, metrics)
	}
	return nil
}

// decide applies the promotion gate. With no active model the first viable
// candidate bootstraps the pipeline; with an active model, a candidate must
// validate at least as well (relative to the configured floor) on the
// feedback-labeled set, and an unvalidatable candidate is rejected rather
// than trusted blind.
func (r *Retrainer) decide(m registry.Metrics) (bool, string) {
	active, err := r.reg.ActiveVersion()
	if errors.Is(err, registry.ErrNoActiveModel) {
		return true, "bootstrap"
	}

	if m.SampleCount == 0 {
		return false, "no validation data"
	}
	floor := active.Metrics.Precision * r.cfg.PrecisionFloorRatio
	if m.Precision < floor {
		return false, fmt.Sprintf("precision %.3f below floor %.3f", m.Precision, floor)
	}
	if r.cfg.MaxFalsePositiveRate > 0 && m.FalsePositiveRate > r.cfg.MaxFalsePositiveRate {
		return false, fmt.Sprintf("false positive rate %.3f above cap %.3f", m.FalsePositiveRate, r.cfg.MaxFalsePositiveRate)
	}
	return true, "validated"
}

// Validate scores the labeled set with the candidate. Precision is the
// true-positive share of samples the candidate still flags; the false
// positive rate is the share of analyst-confirmed false positives the
// candidate flags again.
func Validate(d *model.Detector, labeled []LabeledSample) registry.Metrics {
	m := registry.Metrics{SampleCount: len(labeled)}
	var flaggedTP, flaggedFP, totalFP int

	for _, s := range labeled {
		if !s.TruePositive {
			totalFP++
		}
		raw, _, err := d.Score(s.Vector)
		if err != nil || !d.IsAnomalous(raw) {
			continue
		}
		if s.TruePositive {
			flaggedTP++
		} else {
			flaggedFP++
		}
	}

	if flagged := flaggedTP + flaggedFP; flagged > 0 {
		m.Precision = float64(flaggedTP) / float64(flagged)
	}
	if totalFP > 0 {
		m.FalsePositiveRate = float64(flaggedFP) / float64(totalFP)
	}
	return m
}

// replayVectors recomputes feature vectors for a historical corpus, feeding
// each actor's events through the same bounded window live extraction uses.
func replayVectors(events []event.CanonicalEvent, w feature.Window) [][]float64 {
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })

	histories := make(map[string][]event.CanonicalEvent)
	vectors := make([][]float64, 0, len(events))

	for i := range events {
		ev := events[i]
		hist := boundWindow(histories[ev.ActorID], ev.Timestamp, w)
		vectors = append(vectors, feature.Compute(&ev, hist).Slice())
		histories[ev.ActorID] = append(hist, ev)
	}
	return vectors
}

func boundWindow(hist []event.CanonicalEvent, now time.Time, w feature.Window) []event.CanonicalEvent {
	cutoff := now.Add(-w.MaxAge)
	start := 0
	for start < len(hist) && hist[start].Timestamp.Before(cutoff) {
		start++
	}
	hist = hist[start:]
	if w.MaxEvents > 0 && len(hist) > w.MaxEvents {
		hist = hist[len(hist)-w.MaxEvents:]
	}
	return hist
}
