// Package mitre provides MITRE ATT&CK technique mapping for detected threats.
package mitre

import (
	"fmt"
	"strings"
)

// Technique represents a MITRE ATT&CK technique.
type Technique struct {
	ID     string `json:"id"`   // e.g., "T1110"
	Name   string `json:"name"` // e.g., "Brute Force"
	Tactic string `json:"tactic"`
}

// Tag formats the technique the way alerts carry it.
func (t Technique) Tag() string {
	return fmt.Sprintf("%s - %s", t.ID, t.Name)
}

// Built-in techniques relevant to cloud activity threats.
var (
	bruteForce      = Technique{ID: "T1110", Name: "Brute Force", Tactic: "credential-access"}
	validAccounts   = Technique{ID: "T1078", Name: "Valid Accounts", Tactic: "initial-access"}
	privEscExploit  = Technique{ID: "T1068", Name: "Exploitation for Privilege Escalation", Tactic: "privilege-escalation"}
	accountManip    = Technique{ID: "T1098", Name: "Account Manipulation", Tactic: "persistence"}
	exfilOverC2     = Technique{ID: "T1041", Name: "Exfiltration Over C2 Channel", Tactic: "exfiltration"}
	dataDestruction = Technique{ID: "T1485", Name: "Data Destruction", Tactic: "impact"}
	cloudDiscovery  = Technique{ID: "T1526", Name: "Cloud Service Discovery", Tactic: "discovery"}
)

// Indicators summarize the signals the mapper keys on. The pipeline fills
// them from the canonical event and its feature vector.
type Indicators struct {
	EventType       string
	Failed          bool
	FailureStreak   int
	LocationChanged bool
	Destructive     bool
	MaliciousIP     bool
}

// Map returns the technique tags matching the observed indicators.
func Map(ind Indicators) []string {
	var tags []string
	lower := strings.ToLower(ind.EventType)

	if ind.Failed && ind.FailureStreak >= 3 {
		tags = append(tags, bruteForce.Tag())
	}
	if ind.LocationChanged && !ind.Failed {
		tags = append(tags, validAccounts.Tag())
	}
	if strings.Contains(lower, "privilege") || strings.Contains(lower, "admin") {
		tags = append(tags, privEscExploit.Tag())
	}
	if strings.Contains(lower, "role") || strings.Contains(lower, "policy") ||
		(strings.Contains(lower, "user") && strings.Contains(lower, "create")) {
		tags = append(tags, accountManip.Tag())
	}
	if strings.Contains(lower, "download") || strings.Contains(lower, "export") ||
		strings.Contains(lower, "getobject") {
		tags = append(tags, exfilOverC2.Tag())
	}
	if ind.Destructive {
		tags = append(tags, dataDestruction.Tag())
	}
	if ind.MaliciousIP && (strings.Contains(lower, "list") || strings.Contains(lower, "describe")) {
		tags = append(tags, cloudDiscovery.Tag())
	}

	return tags
}
