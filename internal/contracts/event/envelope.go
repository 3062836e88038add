package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Envelope is the internal stream envelope. It wraps an outbox row on its way
// onto a topic. The enriched fields (source_service, correlation_id,
// causation_id, user_id, retry_count, processed_at) only appear on internal
// topics; ExternalData projects them out before a frame reaches a client.
type Envelope struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	AggregateID   string         `json:"aggregate_id"`
	AggregateType string         `json:"aggregate_type"`
	TenantID      string         `json:"tenant_id,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	SourceService string         `json:"source_service,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	Version       string         `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	RetryCount    int            `json:"retry_count,omitempty"`
	Payload       map[string]any `json:"payload"`
}

// ToStreamFields flattens the envelope into stream message fields.
// Every field is one named entry; nested structures are serialized to JSON
// text under their parent key; all values are strings on the wire.
func (e Envelope) ToStreamFields() (map[string]string, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	fields := map[string]string{
		"event_id":       e.EventID,
		"event_type":     e.EventType,
		"aggregate_id":   e.AggregateID,
		"aggregate_type": e.AggregateType,
		"version":        e.Version,
		"created_at":     e.CreatedAt.UTC().Format(time.RFC3339Nano),
		"payload":        string(payload),
	}

	if e.TenantID != "" {
		fields["tenant_id"] = e.TenantID
	}
	if e.UserID != "" {
		fields["user_id"] = e.UserID
	}
	if e.SourceService != "" {
		fields["source_service"] = e.SourceService
	}
	if e.CorrelationID != "" {
		fields["correlation_id"] = e.CorrelationID
	}
	if e.CausationID != "" {
		fields["causation_id"] = e.CausationID
	}
	if e.RetryCount > 0 {
		fields["retry_count"] = strconv.Itoa(e.RetryCount)
	}

	return fields, nil
}

// FromStreamFields reverses ToStreamFields. Values that begin with '{' or '['
// are attempted as JSON.
func FromStreamFields(fields map[string]string) (Envelope, error) {
	e := Envelope{
		EventID:       fields["event_id"],
		EventType:     fields["event_type"],
		AggregateID:   fields["aggregate_id"],
		AggregateType: fields["aggregate_type"],
		TenantID:      fields["tenant_id"],
		UserID:        fields["user_id"],
		SourceService: fields["source_service"],
		CorrelationID: fields["correlation_id"],
		CausationID:   fields["causation_id"],
		Version:       fields["version"],
	}

	if e.EventID == "" || e.EventType == "" {
		return Envelope{}, fmt.Errorf("stream fields missing event_id/event_type")
	}
	if e.Version != "" {
		if !versionRe.MatchString(e.Version) {
			return Envelope{}, fmt.Errorf("version %q does not match major.minor", e.Version)
		}
		major, err := MajorOf(e.Version)
		if err != nil {
			return Envelope{}, err
		}
		if major > SupportedMajor {
			return Envelope{}, fmt.Errorf("unsupported major version %d (max %d)", major, SupportedMajor)
		}
	}

	if raw := fields["created_at"]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Envelope{}, fmt.Errorf("parse created_at: %w", err)
		}
		e.CreatedAt = ts.UTC()
	}

	if raw := fields["retry_count"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Envelope{}, fmt.Errorf("parse retry_count: %w", err)
		}
		e.RetryCount = n
	}

	if raw := fields["payload"]; raw != "" {
		if strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "[") {
			if err := json.Unmarshal([]byte(raw), &e.Payload); err != nil {
				return Envelope{}, fmt.Errorf("decode payload: %w", err)
			}
		} else {
			e.Payload = map[string]any{"value": raw}
		}
	}

	return e, nil
}

// ExternalData returns the client-facing representation of the event.
// For order events this is the canonical external order contract; the
// enriched internal fields never cross this boundary.
func (e Envelope) ExternalData() ([]byte, error) {
	if o, err := OrderFromPayload(e.Payload); err == nil {
		return o.Serialize()
	}
	return json.Marshal(map[string]any{
		"event_id":       e.EventID,
		"event_type":     e.EventType,
		"aggregate_id":   e.AggregateID,
		"aggregate_type": e.AggregateType,
		"ts":             e.CreatedAt.UTC().Format(time.RFC3339Nano),
		"payload":        e.Payload,
	})
}
