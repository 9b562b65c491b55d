package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/antinvestor/service-stream/apps/gateway/service/presence"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// HandleListSubscriptions lists currently subscribed clients from the
// presence store. The listing walks the store lazily and stops at the
// requested limit; it never touches the broadcast path.
func (s *StreamServer) HandleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	limit := parseListLimit(r.URL.Query().Get("limit"))

	subscriptions := make([]*presence.Record, 0, limit)
	for _, rec := range s.store.List(r.Context(), prefix) {
		subscriptions = append(subscriptions, rec)
		if len(subscriptions) >= limit {
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":         len(subscriptions),
		"subscriptions": subscriptions,
	})
}

// HandleStats reports this gateway instance's connection load.
func (s *StreamServer) HandleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active_connections": s.gateway.ActiveConnections(),
		"pool_utilization":   s.gateway.PoolUtilization(),
	})
}

func parseListLimit(raw string) int {
	if raw == "" {
		return defaultListLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
