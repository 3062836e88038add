package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvelope_StreamFieldsRoundTrip(t *testing.T) {
	e := Envelope{
		EventID:       "42",
		EventType:     "order_status",
		AggregateID:   "a2b4c6d8-1234-4cde-9f01-23456789abcd",
		AggregateType: "order",
		TenantID:      "3f1d3c0a-9f6b-4c1e-8d2a-5b7e9c4a1f00",
		UserID:        "91b0c7aa-0f11-4a5e-ae6e-000000000001",
		SourceService: "eventrelay",
		CorrelationID: "corr-1",
		Version:       "1.0",
		CreatedAt:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		RetryCount:    2,
		Payload: map[string]any{
			"status": "created",
			"items":  []any{map[string]any{"sku": "X-1"}},
		},
	}

	fields, err := e.ToStreamFields()
	require.NoError(t, err)

	// Every value is a string; nested payload is JSON text.
	var nested map[string]any
	require.NoError(t, json.Unmarshal([]byte(fields["payload"]), &nested))
	require.Equal(t, "created", nested["status"])

	got, err := FromStreamFields(fields)
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestEnvelope_OptionalFieldsOmitted(t *testing.T) {
	e := Envelope{
		EventID:       "1",
		EventType:     "stock_adjusted",
		AggregateID:   "w-9",
		AggregateType: "inventory",
		Version:       "1.0",
		CreatedAt:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:       map[string]any{"delta": float64(-3)},
	}

	fields, err := e.ToStreamFields()
	require.NoError(t, err)
	require.NotContains(t, fields, "tenant_id")
	require.NotContains(t, fields, "correlation_id")
	require.NotContains(t, fields, "retry_count")

	got, err := FromStreamFields(fields)
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestFromStreamFields_Rejects(t *testing.T) {
	_, err := FromStreamFields(map[string]string{"event_type": "x"})
	require.Error(t, err)

	_, err = FromStreamFields(map[string]string{
		"event_id": "1", "event_type": "x", "version": "9.0",
	})
	require.Error(t, err)

	_, err = FromStreamFields(map[string]string{
		"event_id": "1", "event_type": "x", "created_at": "yesterday",
	})
	require.Error(t, err)
}

func TestEnvelope_ExternalDataProjectsEnrichedFields(t *testing.T) {
	e := Envelope{
		EventID:       "7",
		EventType:     "order_status",
		AggregateID:   "a2b4c6d8-1234-4cde-9f01-23456789abcd",
		AggregateType: "order",
		TenantID:      "3f1d3c0a-9f6b-4c1e-8d2a-5b7e9c4a1f00",
		SourceService: "eventrelay",
		CorrelationID: "corr-7",
		Version:       "1.0",
		CreatedAt:     time.Now().UTC(),
		RetryCount:    3,
		Payload: map[string]any{
			"event":     "order_status",
			"version":   "1.0",
			"tenant_id": "3f1d3c0a-9f6b-4c1e-8d2a-5b7e9c4a1f00",
			"order_id":  "a2b4c6d8-1234-4cde-9f01-23456789abcd",
			"status":    "confirmed",
			"ts":        "2025-01-01T00:00:00Z",
		},
	}

	data, err := e.ExternalData()
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, "order_status", out["event"])
	require.Equal(t, "confirmed", out["status"])
	require.NotContains(t, out, "source_service")
	require.NotContains(t, out, "correlation_id")
	require.NotContains(t, out, "retry_count")
}
