package queues

import (
	"context"
	"fmt"
	"maps"

	"github.com/antinvestor/service-stream/internal"
	"github.com/antinvestor/service-stream/internal/telemetry"
	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/util"
)

// UnprocessedPublisher routes messages that failed validation to the
// unprocessed side channel, preserving the raw body and attaching failure
// context so operators can inspect and replay them.
type UnprocessedPublisher struct {
	qManager  queue.Manager
	queueName string
}

// NewUnprocessedPublisher creates a publisher targeting the named queue.
func NewUnprocessedPublisher(qManager queue.Manager, queueName string) *UnprocessedPublisher {
	return &UnprocessedPublisher{
		qManager:  qManager,
		queueName: queueName,
	}
}

// Publish forwards the raw message body with its original headers plus the
// origin queue and failure reason. An error here means the message could not
// be preserved and must stay on its original queue.
func (p *UnprocessedPublisher) Publish(
	ctx context.Context,
	raw []byte,
	originalQueue string,
	failureReason string,
	headers map[string]string,
) error {
	publisher, err := p.qManager.GetPublisher(p.queueName)
	if err != nil {
		return fmt.Errorf("failed to get unprocessed queue publisher: %w", err)
	}

	merged := make(map[string]string, len(headers)+2)
	maps.Copy(merged, headers)
	merged[internal.HeaderUnprocessedOriginalQueue] = originalQueue
	merged[internal.HeaderUnprocessedErrorMessage] = failureReason

	if err = publisher.Publish(ctx, raw, merged); err != nil {
		return fmt.Errorf("failed to publish to unprocessed queue: %w", err)
	}

	telemetry.EventsUnprocessedCounter.Add(ctx, 1)

	util.Log(ctx).WithFields(map[string]any{
		"original_queue": originalQueue,
		"reason":         failureReason,
	}).Warn("message routed to unprocessed queue")

	return nil
}
