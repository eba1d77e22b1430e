package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/cloudsentinel/internal/event"
	"github.com/lvonguyen/cloudsentinel/internal/feature"
	"github.com/lvonguyen/cloudsentinel/internal/feedback"
	"github.com/lvonguyen/cloudsentinel/internal/intel"
	"github.com/lvonguyen/cloudsentinel/internal/model"
	"github.com/lvonguyen/cloudsentinel/internal/registry"
	"github.com/lvonguyen/cloudsentinel/internal/score"
)

func boolp(b bool) *bool { return &b }

// routineEvent is typical weekday read activity, the shape the test model is
// trained on.
func routineEvent(actor string, ts time.Time) *event.CanonicalEvent {
	return &event.CanonicalEvent{
		EventID:   "ev-1",
		Provider:  event.ProviderAWS,
		EventType: "GetObject",
		ActorID:   actor,
		SourceIP:  "198.51.100.4",
		Timestamp: ts,
		Success:   boolp(true),
		Location:  "us-east-1",
		Resources: []string{"arn:aws:s3:::reports"},
	}
}

// promoteRoutineModel trains on routine daytime activity and promotes the
// result, so off-pattern events score as outliers.
func promoteRoutineModel(t *testing.T, reg *registry.Registry) string {
	t.Helper()

	samples := make([][]float64, 0, 80)
	for i := 0; i < 80; i++ {
		// Weekdays March 4-8 2024, business hours.
		ts := time.Date(2024, 3, 4+i%5, 9+i%8, (i*7)%60, 0, 0, time.UTC)
		samples = append(samples, feature.Compute(routineEvent("alice", ts), nil).Slice())
	}

	d, err := model.Train(samples, 0.1, model.DefaultTrainConfig())
	if err != nil {
		t.Fatalf("training test model: %v", err)
	}

	v := reg.Begin(feature.SchemaVersion, 0.1)
	if err := reg.Stage(v.ID, d); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if err := reg.Promote(v.ID, registry.Metrics{}); err != nil {
		t.Fatalf("Promote failed: %v", err)
	}
	return v.ID
}

type testHarness struct {
	pipeline   *Pipeline
	history    *feature.MemoryHistory
	registry   *registry.Registry
	sink       *MemorySink
	deadLetter *MemoryDeadLetter
	agg        *feedback.Aggregator
}

func newHarness(t *testing.T, intelClient *intel.Client) *testHarness {
	t.Helper()

	history := feature.NewMemoryHistory(1000)
	reg, err := registry.New(feature.SchemaVersion, "", zap.NewNop())
	if err != nil {
		t.Fatalf("registry.New failed: %v", err)
	}
	sink := NewMemorySink(100)
	deadLetter := NewMemoryDeadLetter(100)
	agg := feedback.NewAggregator(0, zap.NewNop())

	p := New(
		feature.NewExtractor(history, feature.DefaultWindow()),
		history,
		reg,
		score.New(score.DefaultConfig()),
		intelClient,
		sink,
		deadLetter,
		agg,
		DefaultConfig(),
		nil,
		zap.NewNop(),
	)
	return &testHarness{pipeline: p, history: history, registry: reg, sink: sink, deadLetter: deadLetter, agg: agg}
}

// =============================================================================
// Fail-Safe Tests
// =============================================================================

// TestProcess_NoActiveModel verifies events are explicitly unscored, never
// fabricated, while no model is active.
func TestProcess_NoActiveModel(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.pipeline.Process(context.Background(), routineEvent("alice", time.Now().UTC()))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !res.Unscored {
		t.Error("result should be marked unscored")
	}
	if res.UnscoredCause != UnscoredNoActiveModel {
		t.Errorf("expected cause %q, got %q", UnscoredNoActiveModel, res.UnscoredCause)
	}
	if res.Alert != nil {
		t.Error("unscored result must not carry an alert")
	}
	if len(h.sink.Recent(0)) != 0 {
		t.Error("no alert should be emitted without a model")
	}
}

// =============================================================================
// Detection Tests
// =============================================================================

// TestProcess_BruteForceEmitsAlert verifies a failed-login burst from a new
// location alerts with the right category, tags and model version.
func TestProcess_BruteForceEmitsAlert(t *testing.T) {
	h := newHarness(t, nil)
	versionID := promoteRoutineModel(t, h.registry)
	ctx := context.Background()

	// Near-now timestamps keep the prior failures inside the history window.
	ts := time.Now().UTC()
	for i := 3; i > 0; i-- {
		prior := routineEvent("mallory", ts.Add(time.Duration(-i)*time.Minute))
		prior.EventType = "ConsoleLogin"
		prior.Success = boolp(false)
		if err := h.history.Append(ctx, prior); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	attack := routineEvent("mallory", ts)
	attack.EventType = "ConsoleLogin"
	attack.Success = boolp(false)
	attack.Location = "ru-central-1"

	res, err := h.pipeline.Process(ctx, attack)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Unscored {
		t.Fatal("event should be scored with an active model")
	}
	if res.Alert == nil {
		t.Fatalf("failed-login burst should alert, threat=%v anomaly=%v", res.ThreatScore, res.AnomalyScore)
	}

	alert := res.Alert
	if alert.Category != event.CategorySuspiciousLogin {
		t.Errorf("expected category %s, got %s", event.CategorySuspiciousLogin, alert.Category)
	}
	if alert.ModelVersion != versionID {
		t.Errorf("alert should carry the scoring model version %s, got %s", versionID, alert.ModelVersion)
	}

	found := false
	for _, tag := range alert.MITRETactics {
		if strings.Contains(tag, "T1110") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected brute force tag, got %v", alert.MITRETactics)
	}

	if got := h.sink.Recent(0); len(got) != 1 || got[0].AlertID != alert.AlertID {
		t.Error("alert should reach the sink")
	}
	if pending, _, _ := h.agg.Stats(); pending != 1 {
		t.Error("alert vector should be recorded for feedback labeling")
	}
}

// TestProcess_LoginBurstSeverity verifies five failed authentication events
// within two minutes from a new location reach at least high severity.
func TestProcess_LoginBurstSeverity(t *testing.T) {
	h := newHarness(t, nil)
	promoteRoutineModel(t, h.registry)
	ctx := context.Background()

	ts := time.Now().UTC()
	for i := 4; i > 0; i-- {
		prior := routineEvent("mallory", ts.Add(time.Duration(-i*30)*time.Second))
		prior.EventType = "ConsoleLogin"
		prior.Success = boolp(false)
		if err := h.history.Append(ctx, prior); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	fifth := routineEvent("mallory", ts)
	fifth.EventType = "ConsoleLogin"
	fifth.Success = boolp(false)
	fifth.Location = "ru-central-1"

	res, err := h.pipeline.Process(ctx, fifth)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Alert == nil {
		t.Fatalf("login burst should alert, threat=%v anomaly=%v", res.ThreatScore, res.AnomalyScore)
	}
	if res.Severity != event.SeverityHigh && res.Severity != event.SeverityCritical {
		t.Errorf("expected severity high or above, got %s (threat=%v)", res.Severity, res.ThreatScore)
	}
	if res.Alert.Severity != res.Severity {
		t.Errorf("alert severity %s should match result severity %s", res.Alert.Severity, res.Severity)
	}
}

// TestProcess_RoutineEventNoAlert verifies in-pattern activity passes without
// alerting.
func TestProcess_RoutineEventNoAlert(t *testing.T) {
	h := newHarness(t, nil)
	promoteRoutineModel(t, h.registry)

	ev := routineEvent("alice", time.Date(2024, 3, 6, 11, 15, 0, 0, time.UTC))
	res, err := h.pipeline.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Unscored {
		t.Fatal("event should be scored")
	}
	if res.Alert != nil {
		t.Errorf("routine event should not alert, threat=%v", res.ThreatScore)
	}
}

// TestProcess_AppendsHistory verifies a processed event lands in the actor's
// history for subsequent extractions.
func TestProcess_AppendsHistory(t *testing.T) {
	h := newHarness(t, nil)
	promoteRoutineModel(t, h.registry)

	ev := routineEvent("alice", time.Now().UTC())
	if _, err := h.pipeline.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	got, err := h.history.History(context.Background(), "alice", feature.DefaultWindow())
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 history entry after processing, got %d", len(got))
	}
}

// =============================================================================
// Intelligence Degradation Tests
// =============================================================================

type failingProvider struct{}

func (failingProvider) Name() string { return "failing" }
func (failingProvider) Reputation(ctx context.Context, ip string) (intel.Reputation, error) {
	return intel.Reputation{}, errors.New("upstream unavailable")
}
func (failingProvider) HealthCheck(ctx context.Context) error { return nil }

// TestProcess_IntelDegradedFlagged verifies a failing intelligence provider
// flags the result but never blocks scoring.
func TestProcess_IntelDegradedFlagged(t *testing.T) {
	client := intel.NewClient(failingProvider{}, 100*time.Millisecond, zap.NewNop())
	h := newHarness(t, client)
	promoteRoutineModel(t, h.registry)
	ctx := context.Background()

	ts := time.Now().UTC()
	for i := 3; i > 0; i-- {
		prior := routineEvent("mallory", ts.Add(time.Duration(-i)*time.Minute))
		prior.EventType = "ConsoleLogin"
		prior.Success = boolp(false)
		h.history.Append(ctx, prior)
	}
	attack := routineEvent("mallory", ts)
	attack.EventType = "ConsoleLogin"
	attack.Success = boolp(false)
	attack.Location = "ru-central-1"

	res, err := h.pipeline.Process(ctx, attack)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !res.IntelDegraded {
		t.Error("result should carry the degradation flag")
	}
	if res.Alert != nil && !res.Alert.IntelDegraded {
		t.Error("alert should carry the degradation flag")
	}
}

// =============================================================================
// Ingestion Tests
// =============================================================================

// TestIngest_ValidCloudTrail verifies the raw-payload entry point runs the
// full flow.
func TestIngest_ValidCloudTrail(t *testing.T) {
	h := newHarness(t, nil)
	promoteRoutineModel(t, h.registry)

	raw := map[string]any{
		"eventID":   "cb8b-01",
		"eventTime": "2024-03-06T11:00:00Z",
		"eventName": "GetObject",
		"awsRegion": "us-east-1",
		"userIdentity": map[string]any{
			"principalId": "AIDAEXAMPLE",
		},
		"sourceIPAddress": "198.51.100.4",
	}

	res, err := h.pipeline.Ingest(context.Background(), event.ProviderAWS, raw)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if res.Unscored {
		t.Error("valid payload should score against the active model")
	}
	if res.Event.ActorID != "AIDAEXAMPLE" {
		t.Errorf("unexpected actor: %s", res.Event.ActorID)
	}
}

// TestIngest_MalformedPayloadDeadLetters verifies a payload with no actor is
// rejected, dead-lettered, and never panics.
func TestIngest_MalformedPayloadDeadLetters(t *testing.T) {
	h := newHarness(t, nil)
	promoteRoutineModel(t, h.registry)

	raw := map[string]any{"eventTime": "2024-03-06T11:00:00Z"}
	if _, err := h.pipeline.Ingest(context.Background(), event.ProviderAWS, raw); err == nil {
		t.Fatal("malformed payload should return an error")
	}

	entries := h.deadLetter.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(entries))
	}
	if entries[0].Stage != "normalize" {
		t.Errorf("expected stage normalize, got %s", entries[0].Stage)
	}
	if entries[0].Err == "" {
		t.Error("dead letter should record the failure")
	}
}

// TestIngest_UnknownProvider verifies unsupported providers are rejected.
func TestIngest_UnknownProvider(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.pipeline.Ingest(context.Background(), event.Provider("oracle"), map[string]any{}); err == nil {
		t.Error("unknown provider should be rejected")
	}
}

// =============================================================================
// Sink Tests
// =============================================================================

// TestMemorySink_RecentAndGet verifies query ordering and lookup.
func TestMemorySink_RecentAndGet(t *testing.T) {
	s := NewMemorySink(10)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		s.Emit(ctx, &event.Alert{AlertID: id})
	}

	recent := s.Recent(2)
	if len(recent) != 2 || recent[0].AlertID != "c" || recent[1].AlertID != "b" {
		t.Errorf("Recent should return newest first, got %v", recent)
	}
	if all := s.Recent(0); len(all) != 3 {
		t.Errorf("Recent(0) should return everything, got %d", len(all))
	}

	if got, ok := s.Get("b"); !ok || got.AlertID != "b" {
		t.Error("Get should find a stored alert")
	}
	if _, ok := s.Get("missing"); ok {
		t.Error("Get should miss unknown IDs")
	}
}

// TestMemorySink_Eviction verifies the ring drops oldest alerts at the cap.
func TestMemorySink_Eviction(t *testing.T) {
	s := NewMemorySink(2)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		s.Emit(ctx, &event.Alert{AlertID: id})
	}

	if _, ok := s.Get("a"); ok {
		t.Error("oldest alert should be evicted")
	}
	if _, ok := s.Get("c"); !ok {
		t.Error("newest alert should be retained")
	}
}

// TestMemoryDeadLetter_Cap verifies the dead letter ring is bounded.
func TestMemoryDeadLetter_Cap(t *testing.T) {
	m := NewMemoryDeadLetter(2)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m.Record(ctx, DeadLetter{Stage: "normalize", Err: "x", At: time.Now()})
	}
	if got := len(m.Entries()); got != 2 {
		t.Errorf("expected 2 retained entries, got %d", got)
	}
}
