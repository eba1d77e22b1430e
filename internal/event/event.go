// Package event defines the canonical event schema shared by the detection
// pipeline, along with alert and feedback records exchanged with collaborators.
//
// This module was consolidated from cloud-log-processor.
package event

import (
	"time"
)

// Provider identifies the cloud platform an event originated from.
type Provider string

const (
	ProviderAWS   Provider = "aws"
	ProviderAzure Provider = "azure"
	ProviderGCP   Provider = "gcp"
)

// Unknown is the explicit placeholder for optional fields that could not be
// derived during normalization. Fields never degrade to the empty string.
const Unknown = "unknown"

// CanonicalEvent is the provider-agnostic representation of one cloud
// activity record. Timestamp and ActorID are guaranteed present after
// normalization; every other field falls back to Unknown.
type CanonicalEvent struct {
	EventID   string    `json:"event_id"`
	Provider  Provider  `json:"provider"`
	EventType string    `json:"event_type"`
	ActorID   string    `json:"actor_id"`
	SourceIP  string    `json:"source_ip"`
	Timestamp time.Time `json:"timestamp"` // always UTC
	// Success is nil when the source did not report an outcome.
	Success   *bool    `json:"success,omitempty"`
	Resources []string `json:"resources"`
	Location  string   `json:"location"`
	// RawAttributes preserves the original payload for audit. The pipeline
	// never reads it after normalization.
	RawAttributes map[string]any `json:"raw_attributes,omitempty"`
}

// Severity classifies a threat score into operational priority tiers.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Category describes the kind of threat an alert represents.
type Category string

const (
	CategorySuspiciousLogin     Category = "suspicious_login"
	CategoryAccountTakeover     Category = "account_takeover"
	CategoryPrivilegeEscalation Category = "privilege_escalation"
	CategoryDataExfiltration    Category = "data_exfiltration"
	CategoryMaliciousIP         Category = "malicious_ip"
	CategoryUnusualActivity     Category = "unusual_activity"
)

// Alert is the record handed to persistence, notification and SIEM-export
// collaborators once an event scores above the alerting floor.
type Alert struct {
	AlertID        string             `json:"alert_id"`
	EventID        string             `json:"event_id"`
	ActorID        string             `json:"actor_id"`
	SourceIP       string             `json:"source_ip"`
	Severity       Severity           `json:"severity"`
	Category       Category           `json:"category"`
	Title          string             `json:"title"`
	Description    string             `json:"description"`
	ThreatScore    float64            `json:"threat_score"`
	AnomalyScore   float64            `json:"anomaly_score"`
	ModelVersion   string             `json:"model_version"`
	Features       map[string]float64 `json:"features"`
	MITRETactics   []string           `json:"mitre_tactics,omitempty"`
	IntelDegraded  bool               `json:"intel_degraded"`
	EventTimestamp time.Time          `json:"event_timestamp"`
	DetectedAt     time.Time          `json:"detected_at"`
}

// Verdict is an analyst's judgement on an alert.
type Verdict string

const (
	VerdictTruePositive  Verdict = "true_positive"
	VerdictFalsePositive Verdict = "false_positive"
)

// FeedbackRecord is created by the analyst-facing collaborator and consumed,
// never mutated, by the feedback aggregator.
type FeedbackRecord struct {
	AlertID   string    `json:"alert_id"`
	Verdict   Verdict   `json:"verdict"`
	AnalystID string    `json:"analyst_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ScoreResult is the outcome of scoring one event. Unscored is set when the
// pipeline refused to fabricate a score (no active model); such results carry
// no alert.
type ScoreResult struct {
	Event         *CanonicalEvent `json:"event"`
	Unscored      bool            `json:"unscored"`
	UnscoredCause string          `json:"unscored_cause,omitempty"`
	Alert         *Alert          `json:"alert,omitempty"`
	AnomalyScore  float64         `json:"anomaly_score"`
	ThreatScore   float64         `json:"threat_score"`
	Severity      Severity        `json:"severity"`
	IntelDegraded bool            `json:"intel_degraded"`
}
