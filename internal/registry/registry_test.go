package registry

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/lvonguyen/cloudsentinel/internal/model"
)

func trainedDetector(t *testing.T) *model.Detector {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	samples := make([][]float64, 64)
	for i := range samples {
		samples[i] = []float64{rng.Float64(), rng.Float64(), rng.Float64()}
	}
	d, err := model.Train(samples, 0.1, model.DefaultTrainConfig())
	if err != nil {
		t.Fatalf("training fixture detector: %v", err)
	}
	return d
}

func newTestRegistry(t *testing.T, storagePath string) *Registry {
	t.Helper()
	r, err := New("v1", storagePath, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

// TestLifecycle_HappyPath verifies training -> staged -> active.
func TestLifecycle_HappyPath(t *testing.T) {
	r := newTestRegistry(t, "")

	v := r.Begin("v1", 0.1)
	if v.Status != StatusTraining {
		t.Errorf("new version should be training, got %s", v.Status)
	}

	if err := r.Stage(v.ID, trainedDetector(t)); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if err := r.Promote(v.ID, Metrics{Precision: 0.9, SampleCount: 40}); err != nil {
		t.Fatalf("Promote failed: %v", err)
	}

	active, err := r.ActiveVersion()
	if err != nil {
		t.Fatalf("ActiveVersion failed: %v", err)
	}
	if active.ID != v.ID || active.Status != StatusActive {
		t.Errorf("expected %s active, got %s (%s)", v.ID, active.ID, active.Status)
	}
	if active.PromotedAt == nil {
		t.Error("promotion timestamp should be recorded")
	}
}

// TestNoActiveModel verifies scoring consumers see an explicit error before
// any promotion.
func TestNoActiveModel(t *testing.T) {
	r := newTestRegistry(t, "")
	if _, err := r.ActiveSnapshot(); !errors.Is(err, ErrNoActiveModel) {
		t.Errorf("expected ErrNoActiveModel, got %v", err)
	}
}

// TestPromote_RequiresStaged verifies a training version cannot skip staging.
func TestPromote_RequiresStaged(t *testing.T) {
	r := newTestRegistry(t, "")
	v := r.Begin("v1", 0.1)

	if err := r.Promote(v.ID, Metrics{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

// TestPromote_SchemaMismatch verifies a model trained against a different
// extractor schema is not promotable.
func TestPromote_SchemaMismatch(t *testing.T) {
	r := newTestRegistry(t, "")
	v := r.Begin("v0", 0.1)
	if err := r.Stage(v.ID, trainedDetector(t)); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}

	if err := r.Promote(v.ID, Metrics{}); !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("expected ErrSchemaMismatch, got %v", err)
	}
}

// TestPromote_RetiresPrevious verifies exactly one version is active after a
// second promotion.
func TestPromote_RetiresPrevious(t *testing.T) {
	r := newTestRegistry(t, "")

	first := r.Begin("v1", 0.1)
	r.Stage(first.ID, trainedDetector(t))
	if err := r.Promote(first.ID, Metrics{}); err != nil {
		t.Fatalf("first Promote failed: %v", err)
	}

	second := r.Begin("v1", 0.1)
	r.Stage(second.ID, trainedDetector(t))
	if err := r.Promote(second.ID, Metrics{}); err != nil {
		t.Fatalf("second Promote failed: %v", err)
	}

	actives := 0
	for _, v := range r.Versions() {
		if v.Status == StatusActive {
			actives++
			if v.ID != second.ID {
				t.Errorf("wrong version active: %s", v.ID)
			}
		}
	}
	if actives != 1 {
		t.Errorf("expected exactly 1 active version, got %d", actives)
	}

	for _, v := range r.Versions() {
		if v.ID == first.ID {
			if v.Status != StatusRetired || v.RetiredAt == nil {
				t.Error("previous active should be retired with a timestamp")
			}
		}
	}
}

// TestRetire_FailedValidation verifies a rejected candidate retires without
// touching the active version.
func TestRetire_FailedValidation(t *testing.T) {
	r := newTestRegistry(t, "")

	active := r.Begin("v1", 0.1)
	r.Stage(active.ID, trainedDetector(t))
	r.Promote(active.ID, Metrics{})

	candidate := r.Begin("v1", 0.1)
	r.Stage(candidate.ID, trainedDetector(t))
	if err := r.Retire(candidate.ID, Metrics{Precision: 0.2, SampleCount: 10}); err != nil {
		t.Fatalf("Retire failed: %v", err)
	}

	got, err := r.ActiveVersion()
	if err != nil {
		t.Fatalf("ActiveVersion failed: %v", err)
	}
	if got.ID != active.ID {
		t.Error("retiring a candidate must not change the active version")
	}
}

// TestAbandon verifies a version that never finished training retires
// quietly and an abandoned ID cannot be staged.
func TestAbandon(t *testing.T) {
	r := newTestRegistry(t, "")
	v := r.Begin("v1", 0.1)
	r.Abandon(v.ID)

	if err := r.Stage(v.ID, trainedDetector(t)); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("abandoned version should not stage, got %v", err)
	}
}

// TestStage_UnknownVersion verifies unknown IDs are rejected.
func TestStage_UnknownVersion(t *testing.T) {
	r := newTestRegistry(t, "")
	if err := r.Stage("missing", trainedDetector(t)); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("expected ErrVersionNotFound, got %v", err)
	}
}

// =============================================================================
// Concurrency Tests
// =============================================================================

// TestActiveSnapshot_StableUnderPromotion verifies readers always observe a
// complete snapshot while promotions happen concurrently.
func TestActiveSnapshot_StableUnderPromotion(t *testing.T) {
	r := newTestRegistry(t, "")
	d := trainedDetector(t)

	first := r.Begin("v1", 0.1)
	r.Stage(first.ID, d)
	r.Promote(first.ID, Metrics{})

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			v := r.Begin("v1", 0.1)
			r.Stage(v.ID, d)
			r.Promote(v.ID, Metrics{})
		}
		close(stop)
	}()

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap, err := r.ActiveSnapshot()
				if err != nil {
					t.Errorf("reader lost the active model: %v", err)
					return
				}
				if snap.Detector == nil || snap.VersionID == "" {
					t.Error("reader observed a partial snapshot")
					return
				}
				if _, _, err := snap.Detector.Score([]float64{0.1, 0.2, 0.3}); err != nil {
					t.Errorf("snapshot detector unusable: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

// =============================================================================
// Persistence Tests
// =============================================================================

// TestPersistence_RestoresActiveModel verifies a restarted registry restores
// the promoted model and its metadata from disk.
func TestPersistence_RestoresActiveModel(t *testing.T) {
	dir := t.TempDir()

	r := newTestRegistry(t, dir)
	v := r.Begin("v1", 0.1)
	r.Stage(v.ID, trainedDetector(t))
	if err := r.Promote(v.ID, Metrics{Precision: 0.85, SampleCount: 20}); err != nil {
		t.Fatalf("Promote failed: %v", err)
	}

	restarted := newTestRegistry(t, dir)
	snap, err := restarted.ActiveSnapshot()
	if err != nil {
		t.Fatalf("restarted registry lost the active model: %v", err)
	}
	if snap.VersionID != v.ID {
		t.Errorf("expected active %s after restart, got %s", v.ID, snap.VersionID)
	}
	if snap.Detector == nil {
		t.Fatal("restored snapshot missing detector")
	}

	active, _ := restarted.ActiveVersion()
	if active.Metrics.Precision != 0.85 {
		t.Errorf("metrics not restored: %+v", active.Metrics)
	}
}

// TestPersistence_StaleSchemaNotRestored verifies a persisted active model
// trained against an older feature schema is retired on restart instead of
// being restored, leaving the registry in the no-active-model state.
func TestPersistence_StaleSchemaNotRestored(t *testing.T) {
	dir := t.TempDir()

	r := newTestRegistry(t, dir)
	v := r.Begin("v1", 0.1)
	r.Stage(v.ID, trainedDetector(t))
	if err := r.Promote(v.ID, Metrics{Precision: 0.85, SampleCount: 20}); err != nil {
		t.Fatalf("Promote failed: %v", err)
	}

	upgraded, err := New("v2", dir, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := upgraded.ActiveSnapshot(); !errors.Is(err, ErrNoActiveModel) {
		t.Fatalf("stale-schema model should not be restored as active, got %v", err)
	}

	var found bool
	for _, got := range upgraded.Versions() {
		if got.ID == v.ID {
			found = true
			if got.Status != StatusRetired || got.RetiredAt == nil {
				t.Errorf("stale model should be retired with a timestamp, got %s", got.Status)
			}
		}
	}
	if !found {
		t.Error("stale model metadata should remain auditable")
	}

	// The demotion is persisted, so a second restart under the old schema
	// must not resurrect it either.
	reverted := newTestRegistry(t, dir)
	if _, err := reverted.ActiveSnapshot(); !errors.Is(err, ErrNoActiveModel) {
		t.Errorf("retired model resurrected after second restart: %v", err)
	}
}
