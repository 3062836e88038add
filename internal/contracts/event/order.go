package event

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SupportedMajor is the highest envelope major version this build understands.
// Events with a higher major MUST be rejected; higher minors are accepted and
// unknown fields ignored.
const SupportedMajor = 1

// OrderStatusEvent is the only event kind defined by the v1 order contract.
const OrderStatusEvent = "order_status"

var versionRe = regexp.MustCompile(`^[0-9]+\.[0-9]+$`)

type OrderStatus string

const (
	StatusCreated   OrderStatus = "created"
	StatusConfirmed OrderStatus = "confirmed"
	StatusFailed    OrderStatus = "failed"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusConfirmed, StatusFailed:
		return true
	}
	return false
}

// Order is the external wire contract for order lifecycle events.
// All keys except meta are required.
type Order struct {
	Event    string         `json:"event"`
	Version  string         `json:"version"`
	TenantID string         `json:"tenant_id"`
	OrderID  string         `json:"order_id"`
	Status   OrderStatus    `json:"status"`
	TS       time.Time      `json:"ts"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// ParseOrder decodes and validates an order_status event.
func ParseOrder(b []byte) (Order, error) {
	var o Order
	if err := json.Unmarshal(b, &o); err != nil {
		return Order{}, fmt.Errorf("decode order event: %w", err)
	}
	if err := o.Validate(); err != nil {
		return Order{}, err
	}
	o.normalize()
	return o, nil
}

// OrderFromPayload validates an untyped outbox payload as an order event.
func OrderFromPayload(payload map[string]any) (Order, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Order{}, fmt.Errorf("encode payload: %w", err)
	}
	return ParseOrder(b)
}

// Serialize produces the canonical wire form: UUIDs lowercase,
// ts as ISO-8601 UTC.
func (o Order) Serialize() ([]byte, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	c := o
	c.normalize()
	return json.Marshal(c)
}

func (o *Order) normalize() {
	o.TenantID = strings.ToLower(o.TenantID)
	o.OrderID = strings.ToLower(o.OrderID)
	o.TS = o.TS.UTC()
}

func (o Order) Validate() error {
	if o.Event != OrderStatusEvent {
		return fmt.Errorf("unknown event %q", o.Event)
	}
	if !versionRe.MatchString(o.Version) {
		return fmt.Errorf("version %q does not match major.minor", o.Version)
	}
	major, err := MajorOf(o.Version)
	if err != nil {
		return err
	}
	if major > SupportedMajor {
		return fmt.Errorf("unsupported major version %d (max %d)", major, SupportedMajor)
	}
	if _, err := uuid.Parse(o.TenantID); err != nil {
		return fmt.Errorf("tenant_id is not a UUID: %w", err)
	}
	if _, err := uuid.Parse(o.OrderID); err != nil {
		return fmt.Errorf("order_id is not a UUID: %w", err)
	}
	if !o.Status.Valid() {
		return fmt.Errorf("invalid status %q for %s", o.Status, OrderStatusEvent)
	}
	if o.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	return nil
}

// MajorOf extracts the major number from a "major.minor" version string.
func MajorOf(version string) (int, error) {
	dot := strings.IndexByte(version, '.')
	if dot <= 0 {
		return 0, fmt.Errorf("version %q does not match major.minor", version)
	}
	major, err := strconv.Atoi(version[:dot])
	if err != nil {
		return 0, fmt.Errorf("version %q does not match major.minor", version)
	}
	return major, nil
}
