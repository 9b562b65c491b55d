package business

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antinvestor/service-stream/apps/gateway/service/events"
)

const (
	// dispatchChannelSize bounds the per-connection outbound buffer. A full
	// buffer marks the consumer as slow; further dispatches fail rather than
	// block the sender.
	dispatchChannelSize = 256

	// dispatchTimeout is how long Dispatch waits on a saturated buffer
	// before giving up.
	dispatchTimeout = 50 * time.Millisecond

	// Inbound rate limit: local backstop per connection, independent of the
	// shared admission controller.
	rateLimitPerSecond = 100
	rateLimitBurst     = 20
)

// tokenBucket is a simple lock-based token bucket for per-connection
// inbound rate limiting.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(ratePerSecond, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: float64(ratePerSecond),
		lastRefill: time.Now(),
	}
}

// Allow consumes one token if available.
func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.lastRefill = now

	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// connection is the default Connection implementation: metadata, a buffered
// dispatch channel drained by the outbound worker, and a local rate limiter.
type connection struct {
	mu       sync.RWMutex
	metadata *Metadata
	stream   ClientStream

	dispatchCh chan *events.ServerFrame
	limiter    *tokenBucket

	closeOnce sync.Once
	closedCh  chan struct{}

	// Atomic counters.
	dispatched  uint64
	dropped     uint64
	rateLimited uint64
}

// NewConnection creates a connection over the given stream.
func NewConnection(stream ClientStream, metadata *Metadata) Connection {
	return &connection{
		metadata:   metadata,
		stream:     stream,
		dispatchCh: make(chan *events.ServerFrame, dispatchChannelSize),
		limiter:    newTokenBucket(rateLimitPerSecond, rateLimitBurst),
		closedCh:   make(chan struct{}),
	}
}

func (c *connection) Lock()   { c.mu.Lock() }
func (c *connection) Unlock() { c.mu.Unlock() }

func (c *connection) Metadata() *Metadata {
	return c.metadata
}

func (c *connection) Stream() ClientStream {
	return c.stream
}

// Dispatch queues a frame for delivery. Returns false when the buffer stays
// full past the dispatch timeout or the connection is closed; the frame is
// dropped, not retried.
func (c *connection) Dispatch(frame *events.ServerFrame) bool {
	select {
	case <-c.closedCh:
		atomic.AddUint64(&c.dropped, 1)
		return false
	default:
	}

	select {
	case c.dispatchCh <- frame:
		atomic.AddUint64(&c.dispatched, 1)
		return true
	default:
	}

	// Buffer full, wait briefly before declaring the consumer slow.
	timer := time.NewTimer(dispatchTimeout)
	defer timer.Stop()

	select {
	case c.dispatchCh <- frame:
		atomic.AddUint64(&c.dispatched, 1)
		return true
	case <-c.closedCh:
		atomic.AddUint64(&c.dropped, 1)
		return false
	case <-timer.C:
		atomic.AddUint64(&c.dropped, 1)
		return false
	}
}

// ConsumeDispatch blocks until a frame is available, the context ends or the
// connection closes. Returns nil on cancellation or close.
func (c *connection) ConsumeDispatch(ctx context.Context) *events.ServerFrame {
	select {
	case frame := <-c.dispatchCh:
		return frame
	case <-ctx.Done():
		return nil
	case <-c.closedCh:
		return nil
	}
}

// AllowInbound checks the local per-connection rate limit.
func (c *connection) AllowInbound() bool {
	if c.limiter.Allow() {
		return true
	}
	atomic.AddUint64(&c.rateLimited, 1)
	return false
}

// Touch records client activity for staleness tracking.
func (c *connection) Touch() {
	now := time.Now().Unix()
	c.mu.Lock()
	c.metadata.LastActive = now
	c.metadata.LastHeartbeat = now
	c.mu.Unlock()
}

func (c *connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closedCh)
		if c.stream != nil {
			_ = c.stream.Close()
		}
	})
}

// DispatchedMessages returns the number of frames queued for delivery.
func (c *connection) DispatchedMessages() uint64 {
	return atomic.LoadUint64(&c.dispatched)
}

// DroppedMessages returns the number of frames dropped due to a slow consumer.
func (c *connection) DroppedMessages() uint64 {
	return atomic.LoadUint64(&c.dropped)
}

// RateLimitedCount returns the number of inbound messages rejected locally.
func (c *connection) RateLimitedCount() uint64 {
	return atomic.LoadUint64(&c.rateLimited)
}

// ChannelUtilization reports how full the dispatch buffer is, 0.0 to 1.0.
func (c *connection) ChannelUtilization() float64 {
	return float64(len(c.dispatchCh)) / float64(cap(c.dispatchCh))
}
