package business

import (
	"context"
	"time"

	"github.com/antinvestor/service-stream/apps/gateway/service/events"
	"github.com/antinvestor/service-stream/apps/gateway/service/presence"
)

// Metadata describes one active subscription connection. Immutable after
// creation except for the heartbeat timestamps and listen flags, which are
// mutated under the connection lock.
type Metadata struct {
	SubscriptionID string          `json:"subscription_id"`
	ClientID       string          `json:"client_id"`
	ListenFlags    map[string]bool `json:"listen_flags,omitempty"`
	LastActive     int64           `json:"last_active"`    // Unix timestamp
	LastHeartbeat  int64           `json:"last_heartbeat"` // Unix timestamp
	Connected      int64           `json:"connected"`      // Unix timestamp
	GatewayID      string          `json:"gateway_id"`     // Which gateway instance owns this connection
}

// Key identifies the connection in the pool. One live connection per
// subscription.
func (m *Metadata) Key() string {
	return m.SubscriptionID
}

// PresenceRecord projects the metadata into its shared-store form.
func (m *Metadata) PresenceRecord() *presence.Record {
	return &presence.Record{
		SubscriptionID: m.SubscriptionID,
		ClientID:       m.ClientID,
		ListenFlags:    m.ListenFlags,
		GatewayID:      m.GatewayID,
		CreatedAt:      m.Connected,
		UpdatedAt:      time.Now().Unix(),
	}
}

// ClientStream abstracts the bidirectional transport for a connected client.
type ClientStream interface {
	Receive() (*events.ClientFrame, error)
	Send(*events.ServerFrame) error
	Close() error
}

// Connection represents one active client connection held by this gateway.
type Connection interface {
	Lock()
	Unlock()
	Metadata() *Metadata
	Stream() ClientStream
	Dispatch(frame *events.ServerFrame) bool
	ConsumeDispatch(ctx context.Context) *events.ServerFrame
	AllowInbound() bool
	Touch()
	Close()
}

// Gateway manages the full lifecycle of client connections and routes
// events to them.
type Gateway interface {
	HandleConnection(ctx context.Context, subscriptionID, clientID string, stream ClientStream) error
	GetConnection(ctx context.Context, subscriptionID string) (Connection, bool)

	// Broadcast delivers the frame to every local connection except the
	// originator. Returns the number of connections the frame was handed to.
	Broadcast(ctx context.Context, originID string, frame *events.ServerFrame) int

	// BroadcastTopic delivers the frame only to connections whose listen
	// flags opt into the topic.
	BroadcastTopic(ctx context.Context, originID, topic string, frame *events.ServerFrame) int

	// EmitTo delivers the frame to a single subscription at most once.
	// A missing or saturated target drops the frame without error.
	EmitTo(ctx context.Context, targetID string, frame *events.ServerFrame) bool

	Disconnect(ctx context.Context, subscriptionID string) bool
	DisconnectAll(ctx context.Context) int

	ActiveConnections() int32
	PoolUtilization() float64
	DrainConnections(ctx context.Context)
	Shutdown(ctx context.Context) error
}
