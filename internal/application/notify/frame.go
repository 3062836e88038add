package notify

import "encoding/json"

// Frame kinds shared by both transports.
const (
	FrameConnected = "connected"
	FrameEvent     = "event"
	FrameHeartbeat = "heartbeat"
	FramePong      = "pong"
	FrameStats     = "stats"
	FrameError     = "error"
)

// Frame is one unit of delivery to a client session. Data is the serialized
// client-facing body; the adapter decides how kind and data appear on the
// wire (SSE event lines vs one JSON object).
type Frame struct {
	Kind      string
	EventType string // set for event frames; SSE uses it as the event name
	Data      json.RawMessage
}

// EventFrame wraps already-serialized event data.
func EventFrame(eventType string, data []byte) Frame {
	return Frame{Kind: FrameEvent, EventType: eventType, Data: data}
}

// NamedFrame builds a control frame whose body is a small JSON object.
func NamedFrame(kind string, body map[string]any) Frame {
	data, err := json.Marshal(body)
	if err != nil {
		data = []byte("{}")
	}
	return Frame{Kind: kind, Data: data}
}

// Size reports the frame's data size in bytes, the quantity the per-session
// frame budget is enforced against.
func (f Frame) Size() int {
	return len(f.Data)
}
