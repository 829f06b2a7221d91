package ws

import "time"

// Frame is the generic Mattermost websocket frame, used in both
// directions. Every field is optional and omitted from the wire when
// absent.
type Frame struct {
	Seq       int64          `json:"seq,omitempty"`
	Action    string         `json:"action,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Event     string         `json:"event,omitempty"`
	Broadcast map[string]any `json:"broadcast,omitempty"`
	Status    string         `json:"status,omitempty"`
	SeqReply  int64          `json:"seq_reply,omitempty"`
	Error     map[string]any `json:"error,omitempty"`
}

const statusOK = "OK"

// Event is delivered to registered event handlers.
type Event struct {
	Event     string
	Data      map[string]any
	Broadcast map[string]any
	Timestamp time.Time
}
