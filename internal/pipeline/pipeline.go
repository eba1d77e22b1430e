// Package pipeline wires normalization, feature extraction, anomaly scoring,
// threat scoring and alerting into the per-event detection flow. One event in,
// one scoring outcome out: scored with an optional alert, or an explicit
// unscored result when no model is active.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/cloudsentinel/internal/event"
	"github.com/lvonguyen/cloudsentinel/internal/feature"
	"github.com/lvonguyen/cloudsentinel/internal/feedback"
	"github.com/lvonguyen/cloudsentinel/internal/intel"
	"github.com/lvonguyen/cloudsentinel/internal/mitre"
	"github.com/lvonguyen/cloudsentinel/internal/normalize"
	"github.com/lvonguyen/cloudsentinel/internal/observability"
	"github.com/lvonguyen/cloudsentinel/internal/registry"
	"github.com/lvonguyen/cloudsentinel/internal/score"
)

// UnscoredNoActiveModel is the recorded cause when scoring is refused for
// lack of an active model.
const UnscoredNoActiveModel = "no_active_model"

// AlertSink receives emitted alerts.
type AlertSink interface {
	Emit(ctx context.Context, alert *event.Alert) error
}

// Config tunes per-event processing.
type Config struct {
	// AlertFloor is the minimum threat score that produces an alert.
	AlertFloor float64 `yaml:"alert_floor"`
	// AppendHistory controls whether processed events are written back to the
	// actor history store. Disabled only in replay tooling.
	AppendHistory bool `yaml:"append_history"`
}

// DefaultConfig returns the default processing settings.
func DefaultConfig() Config {
	return Config{AlertFloor: 0.4, AppendHistory: true}
}

// Pipeline executes the detection flow for single events. It is safe for
// concurrent use: every stage is either immutable or synchronizes internally.
type Pipeline struct {
	extractor  *feature.Extractor
	history    feature.HistoryStore
	registry   *registry.Registry
	scorer     *score.Scorer
	intel      *intel.Client
	sink       AlertSink
	deadLetter DeadLetterSink
	agg        *feedback.Aggregator
	cfg        Config
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// New assembles a pipeline. sink, deadLetter, agg and metrics may be nil;
// missing collaborators degrade to no-ops rather than failing construction.
func New(
	extractor *feature.Extractor,
	history feature.HistoryStore,
	reg *registry.Registry,
	scorer *score.Scorer,
	intelClient *intel.Client,
	sink AlertSink,
	deadLetter DeadLetterSink,
	agg *feedback.Aggregator,
	cfg Config,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Pipeline {
	if cfg.AlertFloor <= 0 {
		cfg.AlertFloor = DefaultConfig().AlertFloor
	}
	return &Pipeline{
		extractor:  extractor,
		history:    history,
		registry:   reg,
		scorer:     scorer,
		intel:      intelClient,
		sink:       sink,
		deadLetter: deadLetter,
		agg:        agg,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
	}
}

// Ingest normalizes one raw provider payload and runs it through the full
// detection flow. Malformed payloads are dead-lettered and returned as errors;
// they never crash or stall the pipeline.
func (p *Pipeline) Ingest(ctx context.Context, provider event.Provider, raw map[string]any) (*event.ScoreResult, error) {
	norm, err := normalize.For(provider)
	if err != nil {
		p.recordDeadLetter(ctx, "normalize", raw, err)
		return nil, err
	}

	ev, err := norm.Normalize(raw)
	if err != nil {
		p.countDrop(provider, "normalize")
		p.recordDeadLetter(ctx, "normalize", raw, err)
		return nil, fmt.Errorf("normalizing %s event: %w", provider, err)
	}
	p.countNormalized(provider)

	return p.Process(ctx, ev)
}

// Process scores an already-canonical event.
func (p *Pipeline) Process(ctx context.Context, ev *event.CanonicalEvent) (*event.ScoreResult, error) {
	start := time.Now()

	vector, err := p.extractor.Extract(ctx, ev)
	if err != nil {
		p.countDrop(ev.Provider, "extract")
		p.recordDeadLetter(ctx, "extract", ev.RawAttributes, err)
		return nil, fmt.Errorf("extracting features for %s: %w", ev.EventID, err)
	}

	// History is appended after extraction so an event never contributes to
	// its own feature window.
	if p.cfg.AppendHistory && p.history != nil {
		if err := p.history.Append(ctx, ev); err != nil {
			p.logger.Warn("history append failed",
				zap.String("actor_id", ev.ActorID), zap.Error(err))
		}
	}

	snap, err := p.registry.ActiveSnapshot()
	if errors.Is(err, registry.ErrNoActiveModel) {
		p.countUnscored(UnscoredNoActiveModel)
		p.logger.Warn("event not scored",
			zap.String("event_id", ev.EventID),
			zap.String("cause", UnscoredNoActiveModel))
		return &event.ScoreResult{
			Event:         ev,
			Unscored:      true,
			UnscoredCause: UnscoredNoActiveModel,
		}, nil
	}

	rawScore, anomaly, err := snap.Detector.Score(vector.Slice())
	if err != nil {
		p.countDrop(ev.Provider, "score")
		p.recordDeadLetter(ctx, "score", ev.RawAttributes, err)
		return nil, fmt.Errorf("scoring %s: %w", ev.EventID, err)
	}

	intelResult := p.lookupIntel(ctx, ev)
	boost := intel.Boost(intelResult, p.scorer.MaxIntelBoost())

	threat, severity := p.scorer.Score(anomaly, ev.EventType, boost)
	p.observeScores(anomaly, threat, time.Since(start))

	result := &event.ScoreResult{
		Event:         ev,
		AnomalyScore:  anomaly,
		ThreatScore:   threat,
		Severity:      severity,
		IntelDegraded: intelResult.Degraded,
	}

	if threat >= p.cfg.AlertFloor && snap.Detector.IsAnomalous(rawScore) {
		result.Alert = p.buildAlert(ev, vector, snap, result, intelResult)
		p.emitAlert(ctx, result.Alert)
	}
	return result, nil
}

// lookupIntel runs the bounded reputation lookup. Events without a usable
// source IP skip the lookup without counting as degraded.
func (p *Pipeline) lookupIntel(ctx context.Context, ev *event.CanonicalEvent) intel.Result {
	if p.intel == nil || ev.SourceIP == "" || ev.SourceIP == event.Unknown {
		return intel.Result{}
	}
	result := p.intel.Lookup(ctx, ev.SourceIP)
	if p.metrics != nil {
		status := "ok"
		if result.Degraded {
			status = "degraded"
		}
		p.metrics.IntelLookups.WithLabelValues(status).Inc()
	}
	return result
}

// buildAlert assembles the alert record, its categorization, narrative and
// ATT&CK tags.
func (p *Pipeline) buildAlert(ev *event.CanonicalEvent, vector feature.Vector, snap *registry.Snapshot, res *event.ScoreResult, intelResult intel.Result) *event.Alert {
	ind := mitre.Indicators{
		EventType:       ev.EventType,
		Failed:          vector.Values["is_failure"] > 0,
		FailureStreak:   int(vector.Values["failure_streak"]),
		LocationChanged: vector.Values["location_changed"] > 0,
		Destructive:     vector.Values["is_destructive"] > 0,
		MaliciousIP:     intelResult.Malicious,
	}
	category := categorize(ind)

	return &event.Alert{
		AlertID:        uuid.NewString(),
		EventID:        ev.EventID,
		ActorID:        ev.ActorID,
		SourceIP:       ev.SourceIP,
		Severity:       res.Severity,
		Category:       category,
		Title:          alertTitle(category, ev),
		Description:    alertDescription(ev, res, intelResult),
		ThreatScore:    res.ThreatScore,
		AnomalyScore:   res.AnomalyScore,
		ModelVersion:   snap.VersionID,
		Features:       vector.Values,
		MITRETactics:   mitre.Map(ind),
		IntelDegraded:  intelResult.Degraded,
		EventTimestamp: ev.Timestamp,
		DetectedAt:     time.Now().UTC(),
	}
}

func (p *Pipeline) emitAlert(ctx context.Context, alert *event.Alert) {
	if p.agg != nil {
		slice := make([]float64, len(feature.Names))
		for i, name := range feature.Names {
			slice[i] = alert.Features[name]
		}
		p.agg.RecordAlert(alert.AlertID, slice)
	}
	if p.metrics != nil {
		p.metrics.AlertsEmitted.WithLabelValues(string(alert.Severity), string(alert.Category)).Inc()
	}

	if p.sink == nil {
		return
	}
	if err := p.sink.Emit(ctx, alert); err != nil {
		p.logger.Error("alert emission failed",
			zap.String("alert_id", alert.AlertID), zap.Error(err))
		return
	}
	p.logger.Info("alert emitted",
		zap.String("alert_id", alert.AlertID),
		zap.String("actor_id", alert.ActorID),
		zap.String("severity", string(alert.Severity)),
		zap.String("category", string(alert.Category)),
		zap.Float64("threat_score", alert.ThreatScore))
}

// categorize maps observed indicators onto the alert taxonomy. The first
// matching rule wins; rules are ordered most to least specific.
func categorize(ind mitre.Indicators) event.Category {
	lower := strings.ToLower(ind.EventType)
	authEvent := strings.Contains(lower, "login") || strings.Contains(lower, "auth") ||
		strings.Contains(lower, "signin") || strings.Contains(lower, "console")

	switch {
	case ind.MaliciousIP:
		return event.CategoryMaliciousIP
	case authEvent && ind.LocationChanged && !ind.Failed:
		return event.CategoryAccountTakeover
	case authEvent && ind.Failed:
		return event.CategorySuspiciousLogin
	case strings.Contains(lower, "privilege") || strings.Contains(lower, "admin") ||
		strings.Contains(lower, "role") || strings.Contains(lower, "policy"):
		return event.CategoryPrivilegeEscalation
	case strings.Contains(lower, "download") || strings.Contains(lower, "export") ||
		strings.Contains(lower, "getobject"):
		return event.CategoryDataExfiltration
	default:
		return event.CategoryUnusualActivity
	}
}

var categoryTitles = map[event.Category]string{
	event.CategorySuspiciousLogin:     "Suspicious login activity",
	event.CategoryAccountTakeover:     "Possible account takeover",
	event.CategoryPrivilegeEscalation: "Privilege escalation attempt",
	event.CategoryDataExfiltration:    "Possible data exfiltration",
	event.CategoryMaliciousIP:         "Activity from known malicious IP",
	event.CategoryUnusualActivity:     "Unusual activity",
}

func alertTitle(category event.Category, ev *event.CanonicalEvent) string {
	return fmt.Sprintf("%s by %s", categoryTitles[category], ev.ActorID)
}

func alertDescription(ev *event.CanonicalEvent, res *event.ScoreResult, intelResult intel.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Event %q by actor %s from %s scored %.2f (anomaly %.2f).",
		ev.EventType, ev.ActorID, ev.SourceIP, res.ThreatScore, res.AnomalyScore)
	if ev.Location != event.Unknown {
		fmt.Fprintf(&b, " Location: %s.", ev.Location)
	}
	if intelResult.Malicious {
		fmt.Fprintf(&b, " Source IP flagged malicious by %s (confidence %.2f).",
			intelResult.Source, intelResult.Confidence)
	}
	if intelResult.Degraded {
		b.WriteString(" Intelligence lookup degraded; score excludes reputation boost.")
	}
	return b.String()
}

func (p *Pipeline) recordDeadLetter(ctx context.Context, stage string, raw map[string]any, err error) {
	if p.metrics != nil {
		p.metrics.EventsDeadLettered.WithLabelValues(stage).Inc()
	}
	if p.deadLetter != nil {
		p.deadLetter.Record(ctx, DeadLetter{Stage: stage, Raw: raw, Err: err.Error(), At: time.Now().UTC()})
	}
}

func (p *Pipeline) countNormalized(provider event.Provider) {
	if p.metrics != nil {
		p.metrics.EventsNormalized.WithLabelValues(string(provider)).Inc()
	}
}

func (p *Pipeline) countDrop(provider event.Provider, stage string) {
	if p.metrics != nil {
		p.metrics.EventsDropped.WithLabelValues(string(provider), stage).Inc()
	}
}

func (p *Pipeline) countUnscored(cause string) {
	if p.metrics != nil {
		p.metrics.EventsUnscored.WithLabelValues(cause).Inc()
	}
}

func (p *Pipeline) observeScores(anomaly, threat float64, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.AnomalyScores.Observe(anomaly)
	p.metrics.ThreatScores.Observe(threat)
	p.metrics.ScoringDuration.Observe(elapsed.Seconds())
}
