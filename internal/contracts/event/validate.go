package event

import "strings"

// ValidatePayload checks an outbox payload against the contract for its
// aggregate type. Order aggregates carry the strict order_status schema;
// other aggregates have no published contract yet and pass through.
func ValidatePayload(aggregateType string, payload map[string]any) error {
	strict := strings.EqualFold(aggregateType, "order")
	if !strict {
		if kind, ok := payload["event"].(string); ok && kind == OrderStatusEvent {
			strict = true
		}
	}
	if !strict {
		return nil
	}
	_, err := OrderFromPayload(payload)
	return err
}
