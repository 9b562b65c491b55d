// Package presence implements the shared, TTL-bounded registry of live
// subscriptions. The backing cache is the single source of truth across
// gateway instances; nothing in-process is authoritative.
package presence

import (
	"maps"
	"time"
)

// TopicNewConnections is the listen flag a record sets to opt into
// new-connection announcements.
const TopicNewConnections = "new_connections"

// Record is the stored proof that a connection currently holds a
// subscription. It exists iff a live connection owns the id, subject to the
// store TTL: past the TTL without a refreshing Save it is stale and must not
// be used for routing.
type Record struct {
	SubscriptionID string          `json:"subscription_id"`
	ClientID       string          `json:"client_id,omitempty"`
	ListenFlags    map[string]bool `json:"listen_flags,omitempty"`
	GatewayID      string          `json:"gateway_id,omitempty"`
	CreatedAt      int64           `json:"created_at"` // Unix timestamp, immutable
	UpdatedAt      int64           `json:"updated_at"` // Unix timestamp, set on every mutation

	// Legacy carries the raw cache value when it was not valid JSON.
	// Such records are passed through for listing, never for routing.
	Legacy string `json:"-"`
}

// Merge overlays the provided fields of other onto r and stamps UpdatedAt.
// CreatedAt never changes once set. Calling Merge twice with the same input
// yields the same record.
func (r *Record) Merge(other *Record) {
	if other == nil {
		r.UpdatedAt = time.Now().Unix()
		return
	}

	if other.SubscriptionID != "" {
		r.SubscriptionID = other.SubscriptionID
	}
	if other.ClientID != "" {
		r.ClientID = other.ClientID
	}
	if other.GatewayID != "" {
		r.GatewayID = other.GatewayID
	}
	if len(other.ListenFlags) > 0 {
		if r.ListenFlags == nil {
			r.ListenFlags = make(map[string]bool, len(other.ListenFlags))
		}
		maps.Copy(r.ListenFlags, other.ListenFlags)
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = other.CreatedAt
	}

	r.UpdatedAt = time.Now().Unix()
}

// WantsTopic reports whether the record opted into broadcasts for topic.
func (r *Record) WantsTopic(topic string) bool {
	if r == nil || r.ListenFlags == nil {
		return false
	}
	return r.ListenFlags[topic]
}
