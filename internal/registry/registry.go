// Package registry holds trained model versions and their lifecycle:
// training -> staged -> active -> retired. Exactly one version is active at
// any observation point; promotion is a single atomic snapshot swap so
// concurrent scoring never sees a half-updated registry.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/cloudsentinel/internal/model"
)

// Common errors.
var (
	ErrNoActiveModel     = errors.New("no active model")
	ErrVersionNotFound   = errors.New("model version not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrSchemaMismatch    = errors.New("extractor schema version mismatch")
)

// Status is a model version's lifecycle state.
type Status string

const (
	StatusTraining Status = "training"
	StatusStaged   Status = "staged"
	StatusActive   Status = "active"
	StatusRetired  Status = "retired"
)

// Metrics are the validation results recorded when a version is promoted or
// retired.
type Metrics struct {
	Precision         float64 `json:"precision"`
	FalsePositiveRate float64 `json:"false_positive_rate"`
	SampleCount       int     `json:"sample_count"`
}

// Version is one trained, calibrated model instance. Versions are never
// deleted; retirement keeps them auditable.
type Version struct {
	ID            string     `json:"id"`
	CreatedAt     time.Time  `json:"created_at"`
	SchemaVersion string     `json:"schema_version"`
	Contamination float64    `json:"contamination"`
	Status        Status     `json:"status"`
	Metrics       Metrics    `json:"metrics"`
	PromotedAt    *time.Time `json:"promoted_at,omitempty"`
	RetiredAt     *time.Time `json:"retired_at,omitempty"`

	detector *model.Detector
}

// Snapshot is the immutable view handed to scoring callers. Readers hold it
// for the duration of one scoring call with no locking.
type Snapshot struct {
	VersionID     string
	SchemaVersion string
	Detector      *model.Detector
}

// Registry manages model versions with optional disk persistence.
type Registry struct {
	mu          sync.Mutex
	versions    map[string]*Version
	active      atomic.Pointer[Snapshot]
	liveSchema  string
	storagePath string
	logger      *zap.Logger
}

// New creates a registry. liveSchema is the feature schema version the
// running extractor emits; only versions trained against it are promotable.
// storagePath may be empty for in-memory operation.
func New(liveSchema, storagePath string, logger *zap.Logger) (*Registry, error) {
	r := &Registry{
		versions:    make(map[string]*Version),
		liveSchema:  liveSchema,
		storagePath: storagePath,
		logger:      logger,
	}
	if storagePath != "" {
		if err := os.MkdirAll(storagePath, 0o750); err != nil {
			return nil, fmt.Errorf("create model storage dir: %w", err)
		}
		if err := r.loadFromDisk(); err != nil {
			logger.Warn("failed to load persisted models", zap.Error(err))
		}
	}
	return r, nil
}

// Begin registers a new version in the training state.
func (r *Registry) Begin(schemaVersion string, contamination float64) *Version {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := &Version{
		ID:            uuid.NewString(),
		CreatedAt:     time.Now().UTC(),
		SchemaVersion: schemaVersion,
		Contamination: contamination,
		Status:        StatusTraining,
	}
	r.versions[v.ID] = v
	return v
}

// Stage attaches the trained detector to a version and moves it to staged.
func (r *Registry) Stage(id string, d *model.Detector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.versions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, id)
	}
	if v.Status != StatusTraining {
		return fmt.Errorf("%w: %s -> staged", ErrInvalidTransition, v.Status)
	}
	v.detector = d
	v.Status = StatusStaged
	r.persist(v)
	return nil
}

// Promote atomically makes a staged version the single active one and
// retires the previously active version. The candidate's schema version must
// match what the live extractor emits.
func (r *Registry) Promote(id string, m Metrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.versions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, id)
	}
	if v.Status != StatusStaged {
		return fmt.Errorf("%w: %s -> active", ErrInvalidTransition, v.Status)
	}
	if v.SchemaVersion != r.liveSchema {
		return fmt.Errorf("%w: model trained on %q, extractor emits %q",
			ErrSchemaMismatch, v.SchemaVersion, r.liveSchema)
	}

	now := time.Now().UTC()
	var prev *Version
	if snap := r.active.Load(); snap != nil {
		prev = r.versions[snap.VersionID]
	}

	v.Status = StatusActive
	v.Metrics = m
	v.PromotedAt = &now

	// The swap is what readers observe; everything above is invisible to
	// them until this line.
	r.active.Store(&Snapshot{VersionID: v.ID, SchemaVersion: v.SchemaVersion, Detector: v.detector})

	if prev != nil {
		prev.Status = StatusRetired
		prev.RetiredAt = &now
		r.persist(prev)
	}
	r.persist(v)

	r.logger.Info("model promoted",
		zap.String("version", v.ID),
		zap.Float64("precision", m.Precision),
		zap.Int("validation_samples", m.SampleCount))
	return nil
}

// Retire moves a staged version directly to retired (failed validation),
// leaving the active version untouched.
func (r *Registry) Retire(id string, m Metrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.versions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, id)
	}
	if v.Status != StatusStaged {
		return fmt.Errorf("%w: %s -> retired", ErrInvalidTransition, v.Status)
	}

	now := time.Now().UTC()
	v.Status = StatusRetired
	v.Metrics = m
	v.RetiredAt = &now
	r.persist(v)

	r.logger.Warn("model candidate retired",
		zap.String("version", v.ID),
		zap.Float64("precision", m.Precision))
	return nil
}

// Abandon retires a version that never finished training. Unknown IDs and
// versions past training are left alone.
func (r *Registry) Abandon(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.versions[id]
	if !ok || v.Status != StatusTraining {
		return
	}
	now := time.Now().UTC()
	v.Status = StatusRetired
	v.RetiredAt = &now
	r.persist(v)
}

// ActiveSnapshot returns the immutable active model view. Scoring must
// refuse to run when this returns ErrNoActiveModel.
func (r *Registry) ActiveSnapshot() (*Snapshot, error) {
	snap := r.active.Load()
	if snap == nil {
		return nil, ErrNoActiveModel
	}
	return snap, nil
}

// ActiveVersion returns a copy of the active version's metadata.
func (r *Registry) ActiveVersion() (Version, error) {
	snap := r.active.Load()
	if snap == nil {
		return Version{}, ErrNoActiveModel
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.versions[snap.VersionID], nil
}

// Versions returns metadata for every known version, newest first.
func (r *Registry) Versions() []Version {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Version, 0, len(r.versions))
	for _, v := range r.versions {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// persist writes version metadata and detector to disk, best effort. Caller
// holds the mutex.
func (r *Registry) persist(v *Version) {
	if r.storagePath == "" {
		return
	}

	meta, err := json.MarshalIndent(v, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(r.storagePath, "meta_"+v.ID+".json"), meta, 0o640)
	}
	if err == nil && v.detector != nil {
		var data []byte
		if data, err = v.detector.Marshal(); err == nil {
			err = os.WriteFile(filepath.Join(r.storagePath, "model_"+v.ID+".json"), data, 0o640)
		}
	}
	if err != nil {
		r.logger.Warn("failed to persist model version", zap.String("version", v.ID), zap.Error(err))
	}
}

// loadFromDisk restores persisted versions. If an active version was
// persisted, its snapshot is restored; duplicated actives (which should not
// happen) keep only the newest.
func (r *Registry) loadFromDisk() error {
	entries, err := os.ReadDir(r.storagePath)
	if err != nil {
		return err
	}

	var actives []*Version
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" || len(name) < 6 || name[:5] != "meta_" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(r.storagePath, name))
		if err != nil {
			continue
		}
		var v Version
		if err := json.Unmarshal(data, &v); err != nil {
			r.logger.Warn("skipping corrupt model metadata", zap.String("file", name), zap.Error(err))
			continue
		}

		if modelData, err := os.ReadFile(filepath.Join(r.storagePath, "model_"+v.ID+".json")); err == nil {
			if d, err := model.Unmarshal(modelData); err == nil {
				v.detector = d
			} else {
				r.logger.Warn("skipping corrupt model snapshot", zap.String("version", v.ID), zap.Error(err))
			}
		}

		// A persisted active model trained against a schema the running
		// extractor no longer emits must not be restored: scoring it would
		// fail on every event. Demote it so startup lands in the explicit
		// no-active-model state instead.
		if v.Status == StatusActive && v.SchemaVersion != r.liveSchema {
			now := time.Now().UTC()
			v.Status = StatusRetired
			v.RetiredAt = &now
			r.persist(&v)
			r.logger.Warn("retiring persisted active model with stale schema",
				zap.String("version", v.ID),
				zap.String("model_schema", v.SchemaVersion),
				zap.String("live_schema", r.liveSchema))
		}

		r.versions[v.ID] = &v
		if v.Status == StatusActive && v.detector != nil {
			actives = append(actives, &v)
		}
	}

	if len(actives) > 0 {
		sort.Slice(actives, func(i, j int) bool { return actives[i].CreatedAt.After(actives[j].CreatedAt) })
		keep := actives[0]
		r.active.Store(&Snapshot{VersionID: keep.ID, SchemaVersion: keep.SchemaVersion, Detector: keep.detector})
		now := time.Now().UTC()
		for _, v := range actives[1:] {
			v.Status = StatusRetired
			v.RetiredAt = &now
			r.persist(v)
		}
		r.logger.Info("restored active model", zap.String("version", keep.ID))
	}
	return nil
}
