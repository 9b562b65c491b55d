// Package throttle implements multi-tier, storage-backed admission control.
// Counters live in the shared cache so limits hold across every process
// instance, not just in-process callers.
package throttle

import (
	"fmt"
	"time"
)

// Tier is one independently evaluated window/limit pair. All tiers must
// pass for a call to proceed.
type Tier struct {
	Name   string
	Limit  int64
	Window time.Duration
}

// Transport context values used in counter keys.
const (
	TransportHTTP = "http"
	TransportWS   = "ws"
)

// KeyPrefix namespaces throttle counters in the shared cache.
const KeyPrefix = "stream:throttle:"

// Probe identifies one inbound call for admission purposes.
type Probe struct {
	// Transport is "http" or "ws".
	Transport string
	// Tracker identifies the caller: client IP for HTTP, subscription id for sockets.
	Tracker string
	// Route is the call signature: method+path for HTTP, event name for sockets.
	Route string
}

// Key builds the counter key for a tier. Counters are scoped per
// (tier, transport, caller, route) so one noisy route cannot starve others.
func (p Probe) Key(tier string) string {
	return fmt.Sprintf("%s%s:%s:%s:%s", KeyPrefix, tier, p.Transport, p.Tracker, p.Route)
}

// TierResult is the outcome of evaluating one tier for one call.
type TierResult struct {
	Tier      Tier
	Hits      int64
	Remaining int64
	ResetIn   time.Duration
	Allowed   bool
}

// Decision is the aggregate outcome across all evaluated tiers.
type Decision struct {
	Allowed    bool
	Blocked    bool
	RetryAfter time.Duration
	Results    []TierResult
}
