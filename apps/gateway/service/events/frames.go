package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/pitabwire/util"
)

// Named system events on the connection protocol.
const (
	FrameConnect     = "connect"
	FrameDisconnect  = "disconnect"
	FrameReconnect   = "reconnect"
	FrameBroadcast   = "broadcast"
	FrameEmitPrivate = "emit-private"
	FrameHeartbeat   = "heartbeat"
	FrameError       = "error"
)

// ErrMalformedFrame marks an inbound socket message that could not be parsed.
// The connection survives it; the sender gets an error frame back.
var ErrMalformedFrame = errors.New("malformed client frame")

// ClientFrame is one inbound message from a connected client.
type ClientFrame struct {
	Event       string          `json:"event"`
	Target      string          `json:"target,omitempty"`
	ClientID    string          `json:"client_id,omitempty"`
	ListenFlags map[string]bool `json:"listen_flags,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ParseClientFrame decodes an inbound socket message.
func ParseClientFrame(data []byte) (*ClientFrame, error) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, ErrMalformedFrame
	}
	if frame.Event == "" {
		return nil, ErrMalformedFrame
	}
	return &frame, nil
}

// ServerFrame is one outbound message toward a connected client.
type ServerFrame struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewServerFrame wraps a payload for delivery to a client.
func NewServerFrame(event string, payload json.RawMessage) *ServerFrame {
	return &ServerFrame{
		ID:        util.IDString(),
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ErrorDetail is the payload of an error frame reporting a rejected or
// invalid inbound message back to its sender.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// Admission rejection context, set when Code is "rate_limited".
	Tier         string `json:"tier,omitempty"`
	Limit        int64  `json:"limit,omitempty"`
	WindowMs     int64  `json:"window_ms,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// NewErrorFrame builds an error frame from the given detail.
func NewErrorFrame(detail ErrorDetail) *ServerFrame {
	payload, err := json.Marshal(detail)
	if err != nil {
		payload = nil
	}
	return NewServerFrame(FrameError, payload)
}
