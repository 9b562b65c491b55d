package throttle_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/antinvestor/service-stream/apps/gateway/service/throttle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_SetsQuotaHeadersOnSuccess(t *testing.T) {
	limiter := throttle.NewLimiter(throttle.NewMemoryCounterStore(), []throttle.Tier{
		{Name: "short", Limit: 5, Window: time.Second},
	})

	handler := limiter.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/subscriptions", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit-short"))
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining-short"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset-short"))
}

func TestMiddleware_RejectsWith429AndRetryAfter(t *testing.T) {
	limiter := throttle.NewLimiter(throttle.NewMemoryCounterStore(), []throttle.Tier{
		{Name: "short", Limit: 1, Window: time.Minute},
	})

	handler := limiter.Middleware(okHandler())

	makeRequest := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/subscriptions", nil)
		req.RemoteAddr = "10.0.0.1:54321"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, makeRequest().Code)

	rec := makeRequest()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining-short"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate limit exceeded", body["error"])
	assert.Equal(t, "short", body["tier"])
}

func TestMiddleware_DistinctClientsIndependent(t *testing.T) {
	limiter := throttle.NewLimiter(throttle.NewMemoryCounterStore(), []throttle.Tier{
		{Name: "short", Limit: 1, Window: time.Minute},
	})

	handler := limiter.Middleware(okHandler())

	makeRequest := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/subscriptions", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, makeRequest("10.0.0.1:1111").Code)
	require.Equal(t, http.StatusTooManyRequests, makeRequest("10.0.0.1:2222").Code,
		"same client ip shares the counter across ports")
	assert.Equal(t, http.StatusOK, makeRequest("10.0.0.2:1111").Code)
}

func TestMiddleware_ForwardedForTakesPrecedence(t *testing.T) {
	limiter := throttle.NewLimiter(throttle.NewMemoryCounterStore(), []throttle.Tier{
		{Name: "short", Limit: 1, Window: time.Minute},
	})

	handler := limiter.Middleware(okHandler())

	makeRequest := func(forwarded string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/subscriptions", nil)
		req.RemoteAddr = "127.0.0.1:9999"
		req.Header.Set("X-Forwarded-For", forwarded)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, makeRequest("203.0.113.5, 10.0.0.1").Code)
	require.Equal(t, http.StatusTooManyRequests, makeRequest("203.0.113.5").Code)
	assert.Equal(t, http.StatusOK, makeRequest("203.0.113.9").Code)
}

func TestMiddleware_RoutesCountedSeparately(t *testing.T) {
	limiter := throttle.NewLimiter(throttle.NewMemoryCounterStore(), []throttle.Tier{
		{Name: "short", Limit: 1, Window: time.Minute},
	})

	handler := limiter.Middleware(okHandler())

	makeRequest := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.1:1111"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, makeRequest("/subscriptions").Code)
	require.Equal(t, http.StatusTooManyRequests, makeRequest("/subscriptions").Code)
	assert.Equal(t, http.StatusOK, makeRequest("/other").Code)
}
