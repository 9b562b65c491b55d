package throttle

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Middleware guards an HTTP handler with the limiter. Quota headers are set
// on every response, pass or fail, so clients can self-throttle; rejections
// get a 429 with Retry-After.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probe := Probe{
			Transport: TransportHTTP,
			Tracker:   clientTracker(r),
			Route:     r.Method + " " + r.URL.Path,
		}

		decision := l.Allow(r.Context(), probe)
		writeQuotaHeaders(w, decision)

		if !decision.Allowed {
			writeRejection(w, decision)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientTracker identifies the caller: the first X-Forwarded-For hop when
// present, otherwise the remote address.
func clientTracker(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeQuotaHeaders(w http.ResponseWriter, decision Decision) {
	for _, result := range decision.Results {
		name := result.Tier.Name
		w.Header().Set("X-RateLimit-Limit-"+name, strconv.FormatInt(result.Tier.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining-"+name, strconv.FormatInt(result.Remaining, 10))
		w.Header().Set("X-RateLimit-Reset-"+name, strconv.FormatInt(ceilSeconds(result.ResetIn), 10))
	}
}

func writeRejection(w http.ResponseWriter, decision Decision) {
	retryAfter := ceilSeconds(decision.RetryAfter)
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	body := map[string]any{
		"error":               "rate limit exceeded",
		"retry_after_seconds": retryAfter,
	}
	for _, result := range decision.Results {
		if !result.Allowed {
			body["tier"] = result.Tier.Name
			body["limit"] = result.Tier.Limit
			body["window_ms"] = result.Tier.Window.Milliseconds()
			break
		}
	}
	_ = json.NewEncoder(w).Encode(body)
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}
