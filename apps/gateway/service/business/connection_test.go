package business //nolint:testpackage // Tests need access to unexported rate limiter and connection internals

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/antinvestor/service-stream/apps/gateway/service/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Token Bucket Tests ---

func TestTokenBucket_InitialBurst(t *testing.T) {
	tb := newTokenBucket(100, 20)

	// Should allow up to burst capacity immediately
	for i := range 20 {
		assert.True(t, tb.Allow(), "request %d should be allowed within burst", i)
	}

	// Next request should be denied (tokens exhausted)
	assert.False(t, tb.Allow(), "should deny when tokens exhausted")
}

func TestTokenBucket_Refill(t *testing.T) {
	tb := newTokenBucket(100, 5) // 100 tokens/sec, burst of 5

	// Exhaust all tokens
	for range 5 {
		tb.Allow()
	}
	assert.False(t, tb.Allow())

	// Wait for refill (100 tokens/sec = 1 token per 10ms)
	time.Sleep(50 * time.Millisecond)

	// Should have refilled some tokens
	assert.True(t, tb.Allow(), "should have tokens after waiting")
}

func TestTokenBucket_DoesNotExceedBurst(t *testing.T) {
	tb := newTokenBucket(1000, 5) // High rate but low burst

	// Wait to accumulate tokens
	time.Sleep(100 * time.Millisecond)

	// Should still be capped at burst size
	allowed := 0
	for range 10 {
		if tb.Allow() {
			allowed++
		}
	}

	assert.LessOrEqual(t, allowed, 5, "should not exceed burst capacity")
}

func TestTokenBucket_ZeroRate(t *testing.T) {
	tb := newTokenBucket(0, 0)

	assert.False(t, tb.Allow())

	time.Sleep(50 * time.Millisecond)
	assert.False(t, tb.Allow(), "should still deny with zero refill rate")
}

func TestTokenBucket_ConcurrentAccess(t *testing.T) {
	tb := newTokenBucket(1000, 100)

	var wg sync.WaitGroup
	allowed := make([]int, 10)

	wg.Add(10)
	for g := range 10 {
		go func(id int) {
			defer wg.Done()
			for range 50 {
				if tb.Allow() {
					allowed[id]++
				}
			}
		}(g)
	}

	wg.Wait()

	total := 0
	for _, a := range allowed {
		total += a
	}

	assert.GreaterOrEqual(t, total, 100, "should allow at least burst capacity")
	assert.LessOrEqual(t, total, 500, "should not exceed total calls")
}

// --- Connection Tests ---

func TestConnection_New(t *testing.T) {
	meta := &Metadata{SubscriptionID: "sub1", ClientID: "client1"}
	conn := NewConnection(nil, meta)

	require.NotNil(t, conn)
	assert.Equal(t, meta, conn.Metadata())
	assert.Equal(t, "sub1", conn.Metadata().SubscriptionID)
	assert.Equal(t, "client1", conn.Metadata().ClientID)
}

func TestConnection_Dispatch(t *testing.T) {
	conn := NewConnection(nil, &Metadata{SubscriptionID: "sub1"})

	frame := events.NewServerFrame(events.FrameBroadcast, nil)
	assert.True(t, conn.Dispatch(frame))
}

func TestConnection_DispatchAndConsume(t *testing.T) {
	conn := NewConnection(nil, &Metadata{SubscriptionID: "sub1"})

	frame := events.NewServerFrame(events.FrameBroadcast, nil)
	require.True(t, conn.Dispatch(frame))

	received := conn.ConsumeDispatch(context.Background())
	require.NotNil(t, received)
	assert.Equal(t, frame.ID, received.ID)
}

func TestConnection_ConsumeDispatch_CancelledContext(t *testing.T) {
	conn := NewConnection(nil, &Metadata{SubscriptionID: "sub1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Nil(t, conn.ConsumeDispatch(ctx))
}

func TestConnection_DispatchFull(t *testing.T) {
	conn := NewConnection(nil, &Metadata{SubscriptionID: "sub1"})

	// Fill the channel
	for i := range dispatchChannelSize {
		require.True(t, conn.Dispatch(events.NewServerFrame(events.FrameBroadcast, nil)),
			"dispatch %d should succeed", i)
	}

	// Next dispatch should fail (with timeout)
	assert.False(t, conn.Dispatch(events.NewServerFrame(events.FrameBroadcast, nil)),
		"dispatch should fail when channel is full")
}

func TestConnection_DispatchAfterClose(t *testing.T) {
	conn := NewConnection(nil, &Metadata{SubscriptionID: "sub1"})
	conn.Close()

	assert.False(t, conn.Dispatch(events.NewServerFrame(events.FrameBroadcast, nil)))
}

func TestConnection_ConsumeDispatch_Closed(t *testing.T) {
	conn := NewConnection(nil, &Metadata{SubscriptionID: "sub1"})
	conn.Close()

	assert.Nil(t, conn.ConsumeDispatch(context.Background()))
}

func TestConnection_AllowInbound(t *testing.T) {
	conn := NewConnection(nil, &Metadata{SubscriptionID: "sub1"})

	// Should allow up to burst
	for range rateLimitBurst {
		assert.True(t, conn.AllowInbound())
	}

	// Should deny after burst exhausted
	assert.False(t, conn.AllowInbound())
}

func TestConnection_RateLimitedCount(t *testing.T) {
	conn := NewConnection(nil, &Metadata{SubscriptionID: "sub1"}).(*connection)

	for range rateLimitBurst {
		conn.AllowInbound()
	}

	assert.Equal(t, uint64(0), conn.RateLimitedCount())

	conn.AllowInbound()
	conn.AllowInbound()
	conn.AllowInbound()

	assert.Equal(t, uint64(3), conn.RateLimitedCount())
}

func TestConnection_DispatchedMessages(t *testing.T) {
	conn := NewConnection(nil, &Metadata{SubscriptionID: "sub1"}).(*connection)

	for range 5 {
		conn.Dispatch(events.NewServerFrame(events.FrameBroadcast, nil))
	}

	assert.Equal(t, uint64(5), conn.DispatchedMessages())
}

func TestConnection_DroppedMessages(t *testing.T) {
	conn := NewConnection(nil, &Metadata{SubscriptionID: "sub1"}).(*connection)

	for range dispatchChannelSize {
		conn.Dispatch(events.NewServerFrame(events.FrameBroadcast, nil))
	}

	// This should be dropped (after timeout)
	conn.Dispatch(events.NewServerFrame(events.FrameBroadcast, nil))

	assert.Equal(t, uint64(1), conn.DroppedMessages())
}

func TestConnection_ChannelUtilization(t *testing.T) {
	conn := NewConnection(nil, &Metadata{SubscriptionID: "sub1"}).(*connection)

	assert.InDelta(t, 0.0, conn.ChannelUtilization(), 0.001)

	for range dispatchChannelSize / 2 {
		conn.Dispatch(events.NewServerFrame(events.FrameBroadcast, nil))
	}

	assert.InDelta(t, 0.5, conn.ChannelUtilization(), 0.05)
}

func TestConnection_Touch(t *testing.T) {
	meta := &Metadata{SubscriptionID: "sub1", LastHeartbeat: 1}
	conn := NewConnection(nil, meta)

	conn.Touch()

	assert.GreaterOrEqual(t, meta.LastHeartbeat, time.Now().Unix()-1)
	assert.Equal(t, meta.LastHeartbeat, meta.LastActive)
}

func TestConnection_Close(t *testing.T) {
	conn := NewConnection(nil, &Metadata{SubscriptionID: "sub1"})

	// Close should be idempotent and never panic
	assert.NotPanics(t, func() {
		conn.Close()
		conn.Close()
	})
}

func TestConnection_LockUnlock(t *testing.T) {
	conn := NewConnection(nil, &Metadata{SubscriptionID: "sub1"})

	assert.NotPanics(t, func() {
		conn.Lock()
		_ = conn.Metadata()
		conn.Unlock()
	})
}

func TestConnection_MetadataKey(t *testing.T) {
	conn := NewConnection(nil, &Metadata{SubscriptionID: "sub123", ClientID: "client456"})

	assert.Equal(t, "sub123", conn.Metadata().Key())
}

func makeFrames(n int) []*events.ServerFrame {
	frames := make([]*events.ServerFrame, n)
	for i := range n {
		frames[i] = events.NewServerFrame(events.FrameBroadcast, nil)
		frames[i].ID = fmt.Sprintf("frame%d", i)
	}
	return frames
}

func TestConnection_DispatchOrderPreserved(t *testing.T) {
	conn := NewConnection(nil, &Metadata{SubscriptionID: "sub1"})

	frames := makeFrames(10)
	for _, frame := range frames {
		require.True(t, conn.Dispatch(frame))
	}

	ctx := context.Background()
	for _, frame := range frames {
		received := conn.ConsumeDispatch(ctx)
		require.NotNil(t, received)
		assert.Equal(t, frame.ID, received.ID)
	}
}
