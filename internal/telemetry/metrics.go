// Package telemetry provides OpenTelemetry metrics and tracing for the stream service.
package telemetry

import "github.com/pitabwire/frame/telemetry"

// Ingestion metrics track the queue consumption pipeline.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	EventsIngestedCounter = telemetry.DimensionlessMeasure(
		"",
		"stream.events.ingested",
		"Total queue messages received by the ingestion pipeline",
	)

	EventsInvalidCounter = telemetry.DimensionlessMeasure(
		"",
		"stream.events.invalid",
		"Total messages failing envelope or schema validation",
	)

	EventsUnprocessedCounter = telemetry.DimensionlessMeasure(
		"",
		"stream.events.unprocessed",
		"Total messages routed to the unprocessed side channel",
	)

	EventsDispatchedCounter = telemetry.DimensionlessMeasure(
		"",
		"stream.events.dispatched",
		"Total events handed to the connection gateway",
	)
)

// Fan-out metrics track delivery toward live connections.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	BroadcastDeliveredCounter = telemetry.DimensionlessMeasure(
		"",
		"stream.broadcast.delivered",
		"Total per-connection deliveries performed by broadcast",
	)

	EmitDroppedCounter = telemetry.DimensionlessMeasure(
		"",
		"stream.emit.dropped",
		"Total targeted emits dropped because the connection was not live",
	)
)

// Admission metrics track the throttle layer.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	ThrottleRejectedCounter = telemetry.DimensionlessMeasure(
		"",
		"stream.throttle.rejected",
		"Total calls rejected by the admission controller",
	)

	ThrottleBlockedCounter = telemetry.DimensionlessMeasure(
		"",
		"stream.throttle.blocked",
		"Total calls rejected because the caller was already blocked",
	)
)

// Connection metrics track gateway lifecycle events.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	ConnectionsActiveGauge = telemetry.DimensionlessMeasure(
		"",
		"stream.connections.active",
		"Current number of active connections",
	)

	ConnectionsTotalCounter = telemetry.DimensionlessMeasure(
		"",
		"stream.connections.total",
		"Total connection attempts",
	)

	ConnectionsFailedCounter = telemetry.DimensionlessMeasure(
		"",
		"stream.connections.failed",
		"Failed connection attempts",
	)

	ConnectionsDisconnectedCounter = telemetry.DimensionlessMeasure(
		"",
		"stream.connections.disconnected",
		"Total disconnections",
	)

	ConnectionsCleanedCounter = telemetry.DimensionlessMeasure(
		"",
		"stream.connections.cleaned",
		"Stale connections cleaned",
	)

	ConnectionDurationHistogram = telemetry.DimensionlessMeasure(
		"",
		"stream.connection.duration",
		"Connection duration in milliseconds",
	)
)
