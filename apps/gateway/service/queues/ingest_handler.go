// Package queues implements the event ingestion pipeline: the queue
// subscriber that turns durable event envelopes into client deliveries, and
// the unprocessed side channel for messages that fail validation.
package queues

import (
	"context"
	"fmt"
	"time"

	"github.com/antinvestor/service-stream/apps/gateway/config"
	"github.com/antinvestor/service-stream/apps/gateway/service/business"
	"github.com/antinvestor/service-stream/apps/gateway/service/events"
	"github.com/antinvestor/service-stream/apps/gateway/service/presence"
	"github.com/antinvestor/service-stream/internal"
	"github.com/antinvestor/service-stream/internal/resilience"
	"github.com/antinvestor/service-stream/internal/telemetry"
	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/util"
)

// Dispatcher is the slice of the connection gateway the pipeline needs.
type Dispatcher interface {
	Broadcast(ctx context.Context, originID string, frame *events.ServerFrame) int
	BroadcastTopic(ctx context.Context, originID, topic string, frame *events.ServerFrame) int
	EmitTo(ctx context.Context, targetID string, frame *events.ServerFrame) bool
	GetConnection(ctx context.Context, subscriptionID string) (business.Connection, bool)
}

// IngestQueueHandler consumes event envelopes from the durable queue.
//
// Acking is the sole commit point: returning nil deletes the message,
// returning an error leaves it for redelivery. A validation failure is
// terminal for the message, so it goes to the unprocessed side channel and
// is then acked; if the side-channel publish itself fails the message stays
// on the queue rather than being lost. Processing errors are retryable and
// feed the circuit breaker, which escalates sustained failure to an
// integration failure.
type IngestQueueHandler struct {
	cfg     *config.StreamConfig
	gateway Dispatcher

	unprocessed *UnprocessedPublisher
	breaker     *resilience.CircuitBreaker

	handleTimeout time.Duration
}

// NewIngestQueueHandler wires the pipeline. onIntegrationFailure fires when
// consecutive processing errors open the circuit; nil disables escalation.
func NewIngestQueueHandler(
	cfg *config.StreamConfig,
	qManager queue.Manager,
	gateway Dispatcher,
	onIntegrationFailure func(),
) queue.SubscribeWorker {
	settings := resilience.DefaultSettings("event-ingest")
	settings.MaxFailures = int64(cfg.MaxConsecutiveErrors)
	settings.OnStateChange = func(name string, from, to resilience.State) {
		log := util.Log(context.Background()).WithFields(map[string]any{
			"breaker": name,
			"from":    from.String(),
			"to":      to.String(),
		})

		if to == resilience.StateOpen {
			log.Error("sustained ingestion failure, escalating")
			if onIntegrationFailure != nil {
				onIntegrationFailure()
			}
			return
		}
		log.Info("ingestion breaker state changed")
	}

	return &IngestQueueHandler{
		cfg:           cfg,
		gateway:       gateway,
		unprocessed:   NewUnprocessedPublisher(qManager, cfg.QueueUnprocessedName),
		breaker:       resilience.NewCircuitBreaker(settings),
		handleTimeout: time.Duration(cfg.MessageHandlingTimeoutSec) * time.Second,
	}
}

// Handle processes one queue message. Each message succeeds or fails on its
// own; a bad message never poisons the ones delivered alongside it.
func (h *IngestQueueHandler) Handle(ctx context.Context, headers map[string]string, payload []byte) error {
	handleCtx, cancel := context.WithTimeout(ctx, h.handleTimeout)
	defer cancel()

	telemetry.EventsIngestedCounter.Add(handleCtx, 1)

	env, err := events.Parse(payload)
	if err != nil {
		telemetry.EventsInvalidCounter.Add(handleCtx, 1)
		util.Log(handleCtx).WithError(err).Warn("discarding invalid event envelope")

		// Preserve before acking. A failed side-channel publish keeps the
		// message on its original queue.
		if pubErr := h.unprocessed.Publish(handleCtx, payload, h.cfg.QueueEventIngestName, err.Error(), headers); pubErr != nil {
			util.Log(handleCtx).WithError(pubErr).Error("failed to preserve invalid envelope")
			return pubErr
		}
		return nil
	}

	h.checkShardOwnership(handleCtx, headers)

	err = h.breaker.Execute(func() error {
		return h.dispatch(handleCtx, headers, payload, env)
	})
	if err != nil {
		util.Log(handleCtx).WithError(err).WithFields(map[string]any{
			"event_id": env.ID,
			"schema":   env.Schema,
		}).Error("event dispatch failed, leaving for redelivery")
		return err
	}

	telemetry.EventsDispatchedCounter.Add(handleCtx, 1)
	return nil
}

// checkShardOwnership flags messages landing on the wrong shard queue, which
// points at a producer-side shard count mismatch. The message is still
// delivered: fan-out is local either way.
func (h *IngestQueueHandler) checkShardOwnership(ctx context.Context, headers map[string]string) {
	if h.cfg.TotalShards <= 1 {
		return
	}

	origin := headers[internal.HeaderSubscriptionID]
	if origin == "" {
		return
	}

	if shard := internal.ShardForKey(origin, h.cfg.TotalShards); shard != h.cfg.ShardID {
		util.Log(ctx).WithFields(map[string]any{
			"subscription_id": origin,
			"expected_shard":  shard,
			"this_shard":      h.cfg.ShardID,
		}).Warn("message landed on wrong shard queue")
	}
}

// dispatch routes a validated envelope to the gateway.
func (h *IngestQueueHandler) dispatch(
	ctx context.Context,
	headers map[string]string,
	raw []byte,
	env *events.Envelope,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	origin := headers[internal.HeaderSubscriptionID]

	switch env.Schema {
	case events.SchemaBroadcast:
		h.gateway.Broadcast(ctx, origin, events.NewServerFrame(events.FrameBroadcast, env.Payload))
		return nil

	case events.SchemaEmitPrivate:
		target, data, err := env.PrivateTarget()
		if err != nil {
			return err
		}
		if h.gateway.EmitTo(ctx, target, events.NewServerFrame(events.FrameEmitPrivate, data)) {
			return nil
		}

		// A vanished target is a silent drop by contract. A live but
		// saturated target gets the message preserved for replay instead.
		if _, live := h.gateway.GetConnection(ctx, target); live {
			return h.unprocessed.Publish(ctx, raw,
				h.cfg.QueueEventIngestName, "dispatch channel full", headers)
		}
		return nil

	case events.SchemaNewConnection:
		h.gateway.BroadcastTopic(ctx, origin, presence.TopicNewConnections,
			events.NewServerFrame(events.FrameConnect, env.Payload))
		return nil

	default:
		// Unreachable after validation, kept as a guard.
		return fmt.Errorf("%w: %s", events.ErrUnknownSchema, env.Schema)
	}
}

// BreakerMetrics exposes the pipeline breaker state for health reporting.
func (h *IngestQueueHandler) BreakerMetrics() resilience.Metrics {
	return h.breaker.Metrics()
}

var _ queue.SubscribeWorker = (*IngestQueueHandler)(nil)
