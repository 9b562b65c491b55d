package handlers

import (
	"net/http"
	"strings"

	"github.com/antinvestor/service-stream/apps/gateway/service/business"
	"github.com/antinvestor/service-stream/apps/gateway/service/presence"
	"github.com/antinvestor/service-stream/apps/gateway/service/throttle"
	"github.com/antinvestor/service-stream/internal/health"
	"github.com/gorilla/websocket"
)

// StreamServer serves the gateway's HTTP routes.
type StreamServer struct {
	gateway  business.Gateway
	store    presence.Store
	limiter  *throttle.Limiter
	upgrader websocket.Upgrader
}

// NewStreamServer creates the HTTP surface over the given gateway. limiter
// may be nil to serve without admission control.
func NewStreamServer(
	gateway business.Gateway,
	store presence.Store,
	limiter *throttle.Limiter,
) *StreamServer {
	return &StreamServer{
		gateway:  gateway,
		store:    store,
		limiter:  limiter,
		upgrader: newUpgrader(),
	}
}

// Handler builds the route tree. Every route passes through admission; the
// health probes rely on the limiter's skip predicate to stay reachable under
// load, see HealthRouteSkip.
func (s *StreamServer) Handler(healthHandler *health.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.HandleWS)
	mux.HandleFunc("/subscriptions", s.HandleListSubscriptions)
	mux.HandleFunc("/stats", s.HandleStats)

	if healthHandler != nil {
		mux.HandleFunc("/healthz", healthHandler.LivenessHandler)
		mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	}

	if s.limiter == nil {
		return mux
	}
	return s.limiter.Middleware(mux)
}

// HealthRouteSkip bypasses admission for liveness and readiness probes.
// Intended for throttle.WithSkipFunc when building the limiter.
func HealthRouteSkip(probe throttle.Probe) bool {
	return strings.HasSuffix(probe.Route, "/healthz") ||
		strings.HasSuffix(probe.Route, "/readyz")
}
