package normalize

import (
	"github.com/lvonguyen/cloudsentinel/internal/event"
)

// cloudTrailNormalizer maps AWS CloudTrail records.
type cloudTrailNormalizer struct{}

func (n *cloudTrailNormalizer) Provider() event.Provider { return event.ProviderAWS }

func (n *cloudTrailNormalizer) Normalize(raw map[string]any) (*event.CanonicalEvent, error) {
	ts, err := requireTime(raw, "eventTime")
	if err != nil {
		return nil, err
	}
	actor, err := requireActor(raw, "userIdentity.principalId", "userIdentity.arn", "userIdentity.userName")
	if err != nil {
		return nil, err
	}

	ev := &event.CanonicalEvent{
		EventID:       firstOf(raw, event.Unknown, "eventID"),
		Provider:      event.ProviderAWS,
		EventType:     firstOf(raw, event.Unknown, "eventName"),
		ActorID:       actor,
		SourceIP:      firstOf(raw, event.Unknown, "sourceIPAddress"),
		Timestamp:     ts,
		Location:      firstOf(raw, event.Unknown, "awsRegion"),
		Resources:     []string{},
		RawAttributes: raw,
	}

	// CloudTrail reports failures via errorCode; its absence means success.
	if _, failed := lookup(raw, "errorCode"); failed {
		ev.Success = boolPtr(false)
	} else {
		ev.Success = boolPtr(true)
	}

	if resources, ok := raw["resources"].([]any); ok {
		for _, r := range resources {
			if m, ok := r.(map[string]any); ok {
				if arn, ok := m["ARN"].(string); ok && arn != "" {
					ev.Resources = append(ev.Resources, arn)
				}
			}
		}
	}

	return ev, nil
}

// azureMonitorNormalizer maps Azure Activity Log records.
type azureMonitorNormalizer struct{}

func (n *azureMonitorNormalizer) Provider() event.Provider { return event.ProviderAzure }

func (n *azureMonitorNormalizer) Normalize(raw map[string]any) (*event.CanonicalEvent, error) {
	ts, err := requireTime(raw, "eventTimestamp", "time")
	if err != nil {
		return nil, err
	}
	actor, err := requireActor(raw, "caller", "identity.claims.name")
	if err != nil {
		return nil, err
	}

	ev := &event.CanonicalEvent{
		EventID:       firstOf(raw, event.Unknown, "operationId", "correlationId"),
		Provider:      event.ProviderAzure,
		EventType:     firstOf(raw, event.Unknown, "operationName"),
		ActorID:       actor,
		SourceIP:      firstOf(raw, event.Unknown, "httpRequest.clientIpAddress", "callerIpAddress"),
		Timestamp:     ts,
		Location:      firstOf(raw, event.Unknown, "location"),
		Resources:     []string{},
		RawAttributes: raw,
	}

	switch firstOf(raw, "", "status.value", "status") {
	case "Succeeded", "Success", "Accepted":
		ev.Success = boolPtr(true)
	case "Failed", "Failure":
		ev.Success = boolPtr(false)
	}

	if rid, ok := lookup(raw, "resourceId"); ok {
		ev.Resources = append(ev.Resources, rid)
	}

	return ev, nil
}

// gcpAuditNormalizer maps GCP Cloud Audit Log entries.
type gcpAuditNormalizer struct{}

func (n *gcpAuditNormalizer) Provider() event.Provider { return event.ProviderGCP }

func (n *gcpAuditNormalizer) Normalize(raw map[string]any) (*event.CanonicalEvent, error) {
	ts, err := requireTime(raw, "timestamp", "receiveTimestamp")
	if err != nil {
		return nil, err
	}
	actor, err := requireActor(raw, "protoPayload.authenticationInfo.principalEmail")
	if err != nil {
		return nil, err
	}

	ev := &event.CanonicalEvent{
		EventID:       firstOf(raw, event.Unknown, "insertId"),
		Provider:      event.ProviderGCP,
		EventType:     firstOf(raw, event.Unknown, "protoPayload.methodName"),
		ActorID:       actor,
		SourceIP:      firstOf(raw, event.Unknown, "protoPayload.requestMetadata.callerIp"),
		Timestamp:     ts,
		Location:      firstOf(raw, event.Unknown, "resource.labels.location", "resource.labels.zone"),
		Resources:     []string{},
		RawAttributes: raw,
	}

	// Audit log status follows google.rpc.Status: absence or code 0 is success.
	if status, ok := raw["protoPayload"].(map[string]any); ok {
		if st, ok := status["status"].(map[string]any); ok {
			if code, ok := st["code"].(float64); ok {
				ev.Success = boolPtr(code == 0)
			}
		} else {
			ev.Success = boolPtr(true)
		}
	}

	if rn, ok := lookup(raw, "protoPayload.resourceName"); ok {
		ev.Resources = append(ev.Resources, rn)
	}

	return ev, nil
}

func boolPtr(b bool) *bool { return &b }
