package business

import (
	"context"
	"encoding/json"
	"errors"
	"maps"

	"github.com/antinvestor/service-stream/apps/gateway/service/events"
	"github.com/antinvestor/service-stream/apps/gateway/service/throttle"
	"github.com/pitabwire/util"
)

// ErrRateLimited is returned when a connection exceeds its rate limit.
var ErrRateLimited = errors.New("rate limit exceeded")

// handleInboundFrame processes one client frame. Rejections and unknown
// events answer with an error frame; only a disconnect request or a fatal
// condition ends the connection.
func (g *gateway) handleInboundFrame(
	ctx context.Context,
	conn Connection,
	frame *events.ClientFrame,
) error {
	if frame == nil {
		return nil
	}

	// Local per-connection backstop, before the shared admission check.
	if !conn.AllowInbound() {
		util.Log(ctx).WithFields(map[string]any{
			"subscription_id": conn.Metadata().SubscriptionID,
			"event":           frame.Event,
		}).Warn("inbound frame rate limited")

		conn.Dispatch(events.NewErrorFrame(events.ErrorDetail{
			Code:    "rate_limited",
			Message: "too many messages",
		}))
		return ErrRateLimited
	}

	if err := g.admitFrame(ctx, conn, frame); err != nil {
		return err
	}

	switch frame.Event {
	case events.FrameHeartbeat:
		conn.Touch()
		g.savePresence(ctx, conn)
		return nil

	case events.FrameReconnect:
		return g.applyReconnect(ctx, conn, frame)

	case events.FrameBroadcast:
		g.Broadcast(ctx, conn.Metadata().Key(),
			events.NewServerFrame(events.FrameBroadcast, frame.Payload))
		return nil

	case events.FrameEmitPrivate:
		if frame.Target == "" {
			conn.Dispatch(events.NewErrorFrame(events.ErrorDetail{
				Code:    "invalid_frame",
				Message: "emit-private requires a target",
			}))
			return nil
		}
		g.EmitTo(ctx, frame.Target,
			events.NewServerFrame(events.FrameEmitPrivate, frame.Payload))
		return nil

	case events.FrameDisconnect:
		return errClientDisconnect

	default:
		conn.Dispatch(events.NewErrorFrame(events.ErrorDetail{
			Code:    "unknown_event",
			Message: "unsupported event " + frame.Event,
		}))
		return nil
	}
}

// admitFrame consults the shared admission controller for message-bearing
// events. Heartbeats and lifecycle frames stay on the local backstop only.
func (g *gateway) admitFrame(ctx context.Context, conn Connection, frame *events.ClientFrame) error {
	if g.limiter == nil {
		return nil
	}
	if frame.Event != events.FrameBroadcast && frame.Event != events.FrameEmitPrivate {
		return nil
	}

	decision := g.limiter.Allow(ctx, throttle.Probe{
		Transport: throttle.TransportWS,
		Tracker:   conn.Metadata().SubscriptionID,
		Route:     frame.Event,
	})
	if decision.Allowed {
		return nil
	}

	detail := events.ErrorDetail{
		Code:         "rate_limited",
		Message:      "admission rejected",
		RetryAfterMs: decision.RetryAfter.Milliseconds(),
	}
	for _, result := range decision.Results {
		if !result.Allowed {
			detail.Tier = result.Tier.Name
			detail.Limit = result.Tier.Limit
			detail.WindowMs = result.Tier.Window.Milliseconds()
			break
		}
	}

	conn.Dispatch(events.NewErrorFrame(detail))
	return ErrRateLimited
}

// applyReconnect merges the provided fields into the connection metadata and
// refreshes the presence record TTL. Repeating the same reconnect is a no-op
// beyond the refresh.
func (g *gateway) applyReconnect(ctx context.Context, conn Connection, frame *events.ClientFrame) error {
	conn.Lock()
	meta := conn.Metadata()
	if frame.ClientID != "" {
		meta.ClientID = frame.ClientID
	}
	if len(frame.ListenFlags) > 0 {
		if meta.ListenFlags == nil {
			meta.ListenFlags = make(map[string]bool, len(frame.ListenFlags))
		}
		maps.Copy(meta.ListenFlags, frame.ListenFlags)
	}
	conn.Unlock()

	conn.Touch()
	g.savePresence(ctx, conn)

	payload, _ := json.Marshal(map[string]any{
		"status":          "resubscribed",
		"subscription_id": meta.SubscriptionID,
	})
	conn.Dispatch(events.NewServerFrame(events.FrameReconnect, payload))
	return nil
}
