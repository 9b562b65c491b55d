// Package business implements the connection gateway: the sharded pool of
// live client connections, the per-connection lifecycle, and event fan-out.
//
// Each connection spawns two goroutines, one reading client frames and one
// draining the dispatch buffer toward the client. Errors propagate through a
// pooled buffered channel; graceful shutdown closes shutdownCh and waits for
// the background tasks with a bounded timeout.
//
// The shared presence store, not the pool, is the authoritative view of
// subscriptions across gateway instances. The pool only answers "is this
// subscription connected to THIS instance".
package business

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antinvestor/service-stream/apps/gateway/service/events"
	"github.com/antinvestor/service-stream/apps/gateway/service/presence"
	"github.com/antinvestor/service-stream/apps/gateway/service/throttle"
	"github.com/antinvestor/service-stream/internal"
	"github.com/antinvestor/service-stream/internal/telemetry"
	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/util"
)

const (
	errorChannelBufferSize = 2 // Buffer for inbound/outbound workers

	staleCheckInterval    = 30 * time.Second
	metricsReportInterval = 10 * time.Second
	healthCheckInterval   = 60 * time.Second
	shutdownWaitTimeout   = 30 * time.Second
	presenceWriteTimeout  = 3 * time.Second
	drainPollInterval     = 100 * time.Millisecond

	// A connection is stale after this many missed heartbeat intervals.
	staleThresholdMultiplier = 3
	utilizationThreshold     = 80
	utilizationScaleFactor   = 100
)

//nolint:gochecknoglobals // Pooled channels are reused across connections
var errorChanPool = sync.Pool{
	New: func() any {
		return make(chan error, errorChannelBufferSize)
	},
}

// Sentinel errors, checked with errors.Is.
var (
	ErrConnectionPoolFull  = errors.New("connection pool full")
	ErrShuttingDown        = errors.New("gateway is shutting down")
	ErrInvalidInput        = errors.New("subscription id is required")
	ErrStreamReceiveFailed = errors.New("stream receive failed")

	// errClientDisconnect ends a connection cleanly when the client sends a
	// disconnect frame.
	errClientDisconnect = errors.New("client requested disconnect")
)

// gateway is the default Gateway implementation.
type gateway struct {
	connPool *connectionPool

	store    presence.Store
	limiter  *throttle.Limiter
	announce queue.Publisher // new-connection announcements, nil when disabled

	gatewayID string

	presenceTTL          time.Duration
	heartbeatIntervalSec int

	// Shutdown coordination
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup

	// Metrics tracking (atomic access for lock-free reads)
	activeConns       int32
	totalConns        uint64
	failedConns       uint64
	replacedConns     uint64
	disconnectedConns uint64
}

// NewGateway creates a gateway and starts its background maintenance tasks.
// announce may be nil to disable new-connection announcements.
func NewGateway(
	ctx context.Context,
	store presence.Store,
	limiter *throttle.Limiter,
	announce queue.Publisher,
	maxConnections int,
	presenceTTLSec int,
	heartbeatIntervalSec int,
) Gateway {
	gatewayID := fmt.Sprintf("gateway-%d", time.Now().UnixNano())

	const minPoolSize = 1000
	poolSize := maxConnections
	if poolSize < minPoolSize {
		poolSize = minPoolSize
	}

	g := &gateway{
		connPool: newConnectionPool(int32(poolSize)), //nolint:gosec // bounded by config validation

		store:    store,
		limiter:  limiter,
		announce: announce,

		gatewayID: gatewayID,

		presenceTTL:          time.Duration(presenceTTLSec) * time.Second,
		heartbeatIntervalSec: heartbeatIntervalSec,

		shutdownCh: make(chan struct{}),
	}

	g.startBackgroundTasks(ctx)

	return g
}

func (g *gateway) startBackgroundTasks(ctx context.Context) {
	g.wg.Add(1)
	go g.cleanupStaleConnections(ctx)

	g.wg.Add(1)
	go g.reportMetrics(ctx)

	g.wg.Add(1)
	go g.monitorHealth(ctx)
}

// HandleConnection runs the full lifecycle of one client connection and
// blocks until it ends: register in pool and presence store, ack the client,
// pump frames both ways, then clean up.
//
//nolint:funlen // connection lifecycle coordinates workers and cleanup
func (g *gateway) HandleConnection(
	ctx context.Context,
	subscriptionID string,
	clientID string,
	stream ClientStream,
) error {
	if subscriptionID == "" {
		atomic.AddUint64(&g.failedConns, 1)
		telemetry.ConnectionsFailedCounter.Add(ctx, 1)
		return ErrInvalidInput
	}

	select {
	case <-g.shutdownCh:
		return ErrShuttingDown
	default:
	}

	atomic.AddUint64(&g.totalConns, 1)
	atomic.AddInt32(&g.activeConns, 1)
	defer atomic.AddInt32(&g.activeConns, -1)

	telemetry.ConnectionsTotalCounter.Add(ctx, 1)
	telemetry.ConnectionsActiveGauge.Add(ctx, 1)
	defer telemetry.ConnectionsActiveGauge.Add(ctx, -1)

	startTime := time.Now()
	defer func() {
		telemetry.ConnectionDurationHistogram.Add(ctx, time.Since(startTime).Milliseconds())
	}()

	now := time.Now()
	metadata := &Metadata{
		SubscriptionID: subscriptionID,
		ClientID:       clientID,
		LastActive:     now.Unix(),
		LastHeartbeat:  now.Unix(),
		Connected:      now.Unix(),
		GatewayID:      g.gatewayID,
	}

	// A reconnecting subscription replaces its previous connection.
	if old := g.connPool.remove(metadata.Key()); old != nil {
		old.Close()
		atomic.AddUint64(&g.replacedConns, 1)
		util.Log(ctx).WithFields(map[string]any{
			"subscription_id": subscriptionID,
			"client_id":       clientID,
		}).Info("replacing existing connection")
	}

	conn := NewConnection(stream, metadata)

	if err := g.connPool.add(conn); err != nil {
		atomic.AddUint64(&g.failedConns, 1)
		telemetry.ConnectionsFailedCounter.Add(ctx, 1)
		return err
	}

	g.savePresence(ctx, conn)

	util.Log(ctx).WithFields(map[string]any{
		"subscription_id": subscriptionID,
		"client_id":       clientID,
		"gateway_id":      g.gatewayID,
		"pool_size":       g.connPool.size(),
	}).Debug("client connected to gateway")

	g.announceConnection(ctx, metadata)

	defer func() {
		// Only tear down state that still belongs to this connection; a
		// replacement may already own the pool slot and presence record.
		if cur, ok := g.connPool.get(metadata.Key()); ok && cur == conn {
			g.connPool.remove(metadata.Key())
			g.deletePresence(ctx, subscriptionID)
		}

		atomic.AddUint64(&g.disconnectedConns, 1)
		telemetry.ConnectionsDisconnectedCounter.Add(ctx, 1)

		util.Log(ctx).WithFields(map[string]any{
			"subscription_id": subscriptionID,
			"client_id":       clientID,
			"duration":        time.Since(now).String(),
		}).Debug("client disconnected from gateway")

		conn.Close()
	}()

	// Ack the connection before any other frame.
	if !conn.Dispatch(g.connectAck(subscriptionID)) {
		return ErrConnectionPoolFull
	}

	errChanInterface := errorChanPool.Get()
	errChan, ok := errChanInterface.(chan error)
	if !ok {
		errChan = make(chan error, errorChannelBufferSize)
	}
	defer func() {
		for len(errChan) > 0 {
			<-errChan
		}
		errorChanPool.Put(errChan)
	}()

	doneCh := make(chan struct{})
	var workerWg sync.WaitGroup

	workerWg.Add(1)
	go func() {
		defer workerWg.Done()
		g.runInboundWorker(ctx, conn, stream, errChan, doneCh)
	}()

	workerWg.Add(1)
	go func() {
		defer workerWg.Done()
		g.runOutboundWorker(ctx, conn, errChan, doneCh)
	}()

	var endErr error
	select {
	case err := <-errChan:
		endErr = err
	case <-ctx.Done():
		endErr = ctx.Err()
	case <-g.shutdownCh:
		endErr = ErrShuttingDown
	}

	// Closing the connection unblocks both workers: the stream read returns
	// an error and ConsumeDispatch returns nil.
	close(doneCh)
	conn.Close()
	workerWg.Wait()

	if errors.Is(endErr, errClientDisconnect) {
		return nil
	}
	return endErr
}

// runInboundWorker reads client frames until the connection ends. Stream
// errors are fatal; frame handling errors are logged and the connection
// survives them.
func (g *gateway) runInboundWorker(
	ctx context.Context,
	conn Connection,
	stream ClientStream,
	errChan chan error,
	doneCh chan struct{},
) {
	for {
		select {
		case <-doneCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		frame, err := stream.Receive()
		if err != nil {
			select {
			case errChan <- fmt.Errorf("%w: %w", ErrStreamReceiveFailed, err):
			default:
			}
			return
		}

		err = g.handleInboundFrame(ctx, conn, frame)
		if errors.Is(err, errClientDisconnect) {
			select {
			case errChan <- err:
			default:
			}
			return
		}
		if err != nil {
			util.Log(ctx).WithError(err).
				WithField("event", frame.Event).
				Warn("inbound frame handling error")
		}
	}
}

// runOutboundWorker drains the dispatch buffer toward the client. A send
// failure is fatal for the connection.
func (g *gateway) runOutboundWorker(
	ctx context.Context,
	conn Connection,
	errChan chan error,
	doneCh chan struct{},
) {
	for {
		select {
		case <-doneCh:
			return
		case <-ctx.Done():
			return
		default:
			frame := conn.ConsumeDispatch(ctx)
			if frame == nil {
				continue
			}

			if err := conn.Stream().Send(frame); err != nil {
				util.Log(ctx).WithError(err).
					WithField("error_type", "outbound.send.error").
					Error("outbound send failed")
				select {
				case errChan <- err:
				default:
				}
				return
			}
		}
	}
}

func (g *gateway) connectAck(subscriptionID string) *events.ServerFrame {
	payload, _ := json.Marshal(map[string]any{
		"status":          "connected",
		"subscription_id": subscriptionID,
		"gateway_id":      g.gatewayID,
	})
	return events.NewServerFrame(events.FrameConnect, payload)
}

// announceConnection publishes a NEW_CONNECTION envelope so opted-in
// listeners on any gateway instance hear about it. Failures are logged, not
// fatal: the connection itself is already established.
func (g *gateway) announceConnection(ctx context.Context, metadata *Metadata) {
	if g.announce == nil {
		return
	}

	payload, err := json.Marshal(events.NewConnectionPayload{
		SubscriptionID: metadata.SubscriptionID,
		ClientID:       metadata.ClientID,
		GatewayID:      metadata.GatewayID,
	})
	if err != nil {
		return
	}

	env := &events.Envelope{
		ID:            util.IDString(),
		Schema:        events.SchemaNewConnection,
		SchemaVersion: 1,
		Payload:       payload,
		Source:        g.gatewayID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	// The origin header lets consumers exclude this subscription when they
	// fan the announcement back out.
	headers := map[string]string{
		internal.HeaderSubscriptionID: metadata.SubscriptionID,
		internal.HeaderClientID:       metadata.ClientID,
	}

	if err = g.announce.Publish(ctx, env, headers); err != nil {
		util.Log(ctx).WithError(err).
			WithField("subscription_id", metadata.SubscriptionID).
			Warn("failed to announce new connection")
	}
}

func (g *gateway) GetConnection(_ context.Context, subscriptionID string) (Connection, bool) {
	return g.connPool.get(subscriptionID)
}

// Broadcast fans the frame out to every local connection except the
// originator. Per-connection failures are dropped and counted, never
// propagated to siblings.
func (g *gateway) Broadcast(ctx context.Context, originID string, frame *events.ServerFrame) int {
	delivered := 0

	g.connPool.forEach(func(conn Connection) {
		if conn.Metadata().Key() == originID {
			return
		}

		if conn.Dispatch(frame) {
			delivered++
			return
		}

		util.Log(ctx).WithFields(map[string]any{
			"subscription_id": conn.Metadata().SubscriptionID,
			"frame_id":        frame.ID,
		}).Debug("dispatch channel full, dropping broadcast frame")
	})

	if delivered > 0 {
		telemetry.BroadcastDeliveredCounter.Add(ctx, int64(delivered))
	}
	return delivered
}

// BroadcastTopic delivers only to connections whose listen flags opt into
// the topic.
func (g *gateway) BroadcastTopic(ctx context.Context, originID, topic string, frame *events.ServerFrame) int {
	delivered := 0

	g.connPool.forEach(func(conn Connection) {
		if conn.Metadata().Key() == originID {
			return
		}

		conn.Lock()
		wants := conn.Metadata().ListenFlags[topic]
		conn.Unlock()
		if !wants {
			return
		}

		if conn.Dispatch(frame) {
			delivered++
		}
	})

	if delivered > 0 {
		telemetry.BroadcastDeliveredCounter.Add(ctx, int64(delivered))
	}
	return delivered
}

// EmitTo delivers the frame to one subscription at most once. A missing
// target or saturated buffer drops the frame silently.
func (g *gateway) EmitTo(ctx context.Context, targetID string, frame *events.ServerFrame) bool {
	conn, ok := g.connPool.get(targetID)
	if !ok {
		telemetry.EmitDroppedCounter.Add(ctx, 1)
		util.Log(ctx).WithFields(map[string]any{
			"target_subscription_id": targetID,
			"frame_id":               frame.ID,
		}).Debug("unicast target not connected, dropping frame")
		return false
	}

	if !conn.Dispatch(frame) {
		telemetry.EmitDroppedCounter.Add(ctx, 1)
		return false
	}
	return true
}

// Disconnect removes and closes one connection. Returns false when the
// subscription is not connected to this instance.
func (g *gateway) Disconnect(ctx context.Context, subscriptionID string) bool {
	conn := g.connPool.remove(subscriptionID)
	if conn == nil {
		return false
	}

	conn.Close()
	g.deletePresence(ctx, subscriptionID)

	atomic.AddUint64(&g.disconnectedConns, 1)
	telemetry.ConnectionsDisconnectedCounter.Add(ctx, 1)
	return true
}

// DisconnectAll force-closes every local connection. Used on confirmed
// integration failure so clients reconnect against healthy instances.
func (g *gateway) DisconnectAll(ctx context.Context) int {
	var keys []string
	g.connPool.forEach(func(conn Connection) {
		keys = append(keys, conn.Metadata().Key())
	})

	count := 0
	for _, key := range keys {
		if g.Disconnect(ctx, key) {
			count++
		}
	}

	if count > 0 {
		util.Log(ctx).WithFields(map[string]any{
			"count":      count,
			"gateway_id": g.gatewayID,
		}).Warn("disconnected all connections")
	}
	return count
}

func (g *gateway) ActiveConnections() int32 {
	return atomic.LoadInt32(&g.activeConns)
}

// PoolUtilization reports pool fill as a ratio, 0.0 to 1.0.
func (g *gateway) PoolUtilization() float64 {
	return float64(g.connPool.size()) / float64(g.connPool.maxSize)
}

// DrainConnections waits for active connections to finish or the context to
// end.
func (g *gateway) DrainConnections(ctx context.Context) {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		if g.connPool.size() == 0 {
			return
		}

		select {
		case <-ctx.Done():
			util.Log(ctx).WithField("remaining", g.connPool.size()).
				Warn("drain timed out with connections still active")
			return
		case <-ticker.C:
		}
	}
}

// Shutdown stops background tasks. Active connections terminate through
// their own contexts; callers wanting a hard stop pair this with
// DisconnectAll. Idempotent.
func (g *gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		util.Log(ctx).Info("shutting down gateway")
		close(g.shutdownCh)

		done := make(chan struct{})
		go func() {
			g.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			util.Log(ctx).Info("gateway shutdown complete")
		case <-time.After(shutdownWaitTimeout):
			util.Log(ctx).Warn("gateway shutdown timed out")
		}
	})

	return nil
}

// Presence helpers. Writes run on a detached bounded context so a dying
// request context cannot strand the shared registry.

func (g *gateway) savePresence(ctx context.Context, conn Connection) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceWriteTimeout)
	defer cancel()

	conn.Lock()
	rec := conn.Metadata().PresenceRecord()
	conn.Unlock()

	if err := g.store.Save(writeCtx, rec.SubscriptionID, rec, g.presenceTTL); err != nil {
		util.Log(ctx).WithError(err).
			WithField("subscription_id", rec.SubscriptionID).
			Warn("failed to save presence record")
	}
}

func (g *gateway) deletePresence(ctx context.Context, subscriptionID string) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceWriteTimeout)
	defer cancel()

	if _, err := g.store.Delete(writeCtx, subscriptionID); err != nil {
		util.Log(ctx).WithError(err).
			WithField("subscription_id", subscriptionID).
			Warn("failed to delete presence record")
	}
}

// Background tasks.

func (g *gateway) cleanupStaleConnections(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(staleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.shutdownCh:
			return
		case <-ticker.C:
			g.performCleanup(ctx)
		}
	}
}

// performCleanup removes connections whose heartbeat is older than the stale
// threshold.
func (g *gateway) performCleanup(ctx context.Context) {
	now := time.Now().Unix()
	staleThreshold := int64(g.heartbeatIntervalSec * staleThresholdMultiplier)

	staleCount := 0
	g.connPool.forEach(func(conn Connection) {
		conn.Lock()
		lastHeartbeat := conn.Metadata().LastHeartbeat
		subscriptionID := conn.Metadata().SubscriptionID
		conn.Unlock()

		if now-lastHeartbeat <= staleThreshold {
			return
		}

		util.Log(ctx).WithFields(map[string]any{
			"subscription_id": subscriptionID,
			"last_heartbeat":  lastHeartbeat,
			"age_seconds":     now - lastHeartbeat,
		}).Warn("removing stale connection")

		if g.Disconnect(ctx, subscriptionID) {
			staleCount++
		}
	})

	if staleCount > 0 {
		telemetry.ConnectionsCleanedCounter.Add(ctx, int64(staleCount))

		util.Log(ctx).WithFields(map[string]any{
			"count":      staleCount,
			"gateway_id": g.gatewayID,
		}).Info("cleaned stale connections")
	}
}

func (g *gateway) reportMetrics(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(metricsReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.shutdownCh:
			return
		case <-ticker.C:
			g.publishMetrics(ctx)
		}
	}
}

func (g *gateway) publishMetrics(ctx context.Context) {
	util.Log(ctx).WithFields(map[string]any{
		"metric_type":              "connection_stats",
		"gateway_id":               g.gatewayID,
		"connections_active":       atomic.LoadInt32(&g.activeConns),
		"connections_total":        atomic.LoadUint64(&g.totalConns),
		"connections_failed":       atomic.LoadUint64(&g.failedConns),
		"connections_replaced":     atomic.LoadUint64(&g.replacedConns),
		"connections_disconnected": atomic.LoadUint64(&g.disconnectedConns),
		"pool_size":                g.connPool.size(),
		"pool_utilization":         g.PoolUtilization() * utilizationScaleFactor,
	}).Debug("connection metrics")
}

func (g *gateway) monitorHealth(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.shutdownCh:
			return
		case <-ticker.C:
			g.performHealthCheck(ctx)
		}
	}
}

func (g *gateway) performHealthCheck(ctx context.Context) {
	utilization := g.PoolUtilization() * utilizationScaleFactor

	if utilization > utilizationThreshold {
		util.Log(ctx).WithFields(map[string]any{
			"pool_size":    g.connPool.size(),
			"max_size":     g.connPool.maxSize,
			"utilization":  utilization,
			"active_conns": atomic.LoadInt32(&g.activeConns),
		}).Warn("connection pool utilization high")
	}

	util.Log(ctx).WithFields(map[string]any{
		"active_conns":       atomic.LoadInt32(&g.activeConns),
		"pool_size":          g.connPool.size(),
		"pool_utilization":   fmt.Sprintf("%.2f%%", utilization),
		"total_conns":        atomic.LoadUint64(&g.totalConns),
		"failed_conns":       atomic.LoadUint64(&g.failedConns),
		"replaced_conns":     atomic.LoadUint64(&g.replacedConns),
		"disconnected_conns": atomic.LoadUint64(&g.disconnectedConns),
	}).Debug("gateway health check")
}
