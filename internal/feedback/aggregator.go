// Package feedback closes the learning loop: it aggregates analyst verdicts,
// triggers retraining, and validates candidate models before promotion so a
// trained model is never conflated with a trusted one.
package feedback

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/lvonguyen/cloudsentinel/internal/event"
)

// LabeledSample pairs an alert's feature vector with the analyst verdict on
// it. The labeled set is the held-out corpus candidate models validate
// against.
type LabeledSample struct {
	AlertID      string
	Vector       []float64
	TruePositive bool
}

// Aggregator collects analyst feedback. It runs concurrently with scoring
// and needs only eventual consistency: its sole consumer is the retrainer.
type Aggregator struct {
	mu sync.Mutex
	// pending maps emitted alerts to their feature vectors so a later
	// verdict can label them.
	pending    map[string][]float64
	labeled    []LabeledSample
	sinceTrain int
	maxPending int
	maxLabeled int
	triggerAt  int
	trigger    chan struct{}
	logger     *zap.Logger
}

// NewAggregator creates an aggregator. triggerAt is the accumulated feedback
// volume that requests a retrain; 0 disables volume triggering.
func NewAggregator(triggerAt int, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		pending:    make(map[string][]float64),
		maxPending: 10000,
		maxLabeled: 50000,
		triggerAt:  triggerAt,
		trigger:    make(chan struct{}, 1),
		logger:     logger,
	}
}

// RecordAlert registers an emitted alert's feature vector so feedback on it
// can be labeled later. Oldest pending alerts are dropped past the cap.
func (a *Aggregator) RecordAlert(alertID string, vector []float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.pending) >= a.maxPending {
		// Cheap eviction: drop an arbitrary entry. Pending alerts without
		// feedback have no retention guarantee.
		for k := range a.pending {
			delete(a.pending, k)
			break
		}
	}
	a.pending[alertID] = vector
}

// Submit consumes one feedback record. Records referencing unknown alerts
// are counted and dropped; feedback is never mutated.
func (a *Aggregator) Submit(rec event.FeedbackRecord) {
	a.mu.Lock()
	vector, ok := a.pending[rec.AlertID]
	if !ok {
		a.mu.Unlock()
		a.logger.Debug("feedback for unknown alert dropped", zap.String("alert_id", rec.AlertID))
		return
	}
	delete(a.pending, rec.AlertID)

	a.labeled = append(a.labeled, LabeledSample{
		AlertID:      rec.AlertID,
		Vector:       vector,
		TruePositive: rec.Verdict == event.VerdictTruePositive,
	})
	// The validation set is a sliding window: oldest verdicts age out so the
	// corpus tracks current traffic and memory stays bounded.
	if len(a.labeled) > a.maxLabeled {
		a.labeled = append(a.labeled[:0], a.labeled[len(a.labeled)-a.maxLabeled:]...)
	}
	a.sinceTrain++
	shouldTrigger := a.triggerAt > 0 && a.sinceTrain >= a.triggerAt
	a.mu.Unlock()

	if shouldTrigger {
		select {
		case a.trigger <- struct{}{}:
		default: // retrain already requested
		}
	}
}

// Run consumes an ordered feedback stream until the context ends.
func (a *Aggregator) Run(ctx context.Context, in <-chan event.FeedbackRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-in:
			if !ok {
				return
			}
			a.Submit(rec)
		}
	}
}

// Trigger exposes the volume-threshold retrain signal.
func (a *Aggregator) Trigger() <-chan struct{} { return a.trigger }

// Labeled returns a copy of the labeled validation set.
func (a *Aggregator) Labeled() []LabeledSample {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]LabeledSample, len(a.labeled))
	copy(out, a.labeled)
	return out
}

// ResetCounter clears the since-last-retrain volume counter. The labeled set
// itself is retained across retrains.
func (a *Aggregator) ResetCounter() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sinceTrain = 0
}

// Stats reports current aggregate counts.
func (a *Aggregator) Stats() (pending, labeled, sinceTrain int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending), len(a.labeled), a.sinceTrain
}
