package main

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	gtwconfig "github.com/antinvestor/service-stream/apps/gateway/config"
	"github.com/antinvestor/service-stream/apps/gateway/service/business"
	"github.com/antinvestor/service-stream/apps/gateway/service/handlers"
	"github.com/antinvestor/service-stream/apps/gateway/service/presence"
	"github.com/antinvestor/service-stream/apps/gateway/service/queues"
	"github.com/antinvestor/service-stream/apps/gateway/service/throttle"
	"github.com/antinvestor/service-stream/internal/health"
	"github.com/cenkalti/backoff/v4"
	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/util"
	"github.com/redis/go-redis/v9"
)

const (
	gracefulShutdownTimeout = 30 * time.Second
	healthCheckTimeout      = 2 * time.Second
	dependencyProbeRetries  = 5

	poolDegradedRatio  = 0.8
	poolUnhealthyRatio = 0.95
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadWithOIDC[gtwconfig.StreamConfig](ctx)
	if err != nil {
		util.Log(ctx).With("err", err).Error("could not process configs")
		return
	}

	// Fail fast on invalid config
	if err = cfg.Validate(); err != nil {
		util.Log(ctx).With("err", err).Error("invalid configuration")
		return
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "service_stream_gateway"
	}

	// Catch shard mismatches with the event producers at startup
	if err = cfg.ValidateSharding(); err != nil {
		util.Log(ctx).WithError(err).Fatal("invalid shard configuration")
	}

	store, counterStore, redisClient := setupStores(ctx, cfg)

	limiter := throttle.NewLimiter(counterStore, admissionTiers(cfg),
		throttle.WithSkipFunc(handlers.HealthRouteSkip))

	ctx, svc := frame.NewServiceWithContext(ctx, frame.WithConfig(&cfg))
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	qManager := svc.QueueManager()

	announcePublisher, err := setupAnnouncePublisher(ctx, qManager, cfg)
	if err != nil {
		log.WithError(err).Fatal("could not setup new-connection publisher")
	}

	gateway := business.NewGateway(
		ctx,
		store,
		limiter,
		announcePublisher,
		cfg.MaxConnections,
		cfg.PresenceTTLSec,
		cfg.HeartbeatIntervalSec,
	)
	// Graceful shutdown: drain connections and stop background tasks.
	// Defers run LIFO: the gateway shuts down before svc.Stop.
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer drainCancel()
		gateway.DrainConnections(drainCtx)
		if shutdownErr := gateway.Shutdown(drainCtx); shutdownErr != nil {
			util.Log(drainCtx).WithError(shutdownErr).Error("gateway shutdown error")
		}
	}()

	ingestHandler := queues.NewIngestQueueHandler(&cfg, qManager, gateway,
		onIntegrationFailure(ctx, store, gateway))

	serviceOptions := []frame.Option{
		frame.WithRegisterPublisher(cfg.QueueUnprocessedName, cfg.QueueUnprocessedURI),
		frame.WithRegisterSubscriber(
			cfg.ShardedIngestQueueName(), cfg.ShardedIngestQueueURI(), ingestHandler),
	}

	// Announcements flow through their own queue so every gateway instance,
	// this one included, consumes and fans them out to opted-in listeners.
	if cfg.AnnounceNewConnections {
		serviceOptions = append(serviceOptions, frame.WithRegisterSubscriber(
			cfg.QueueNewConnectionsName, cfg.QueueNewConnectionsURI, ingestHandler))
	}

	healthHandler := setupHealth(store, gateway, redisClient)

	streamServer := handlers.NewStreamServer(gateway, store, limiter)
	serviceOptions = append(serviceOptions, frame.WithHTTPHandler(streamServer.Handler(healthHandler)))

	svc.Init(ctx, serviceOptions...)

	if err = svc.Run(ctx, ""); err != nil {
		log.WithError(err).Fatal("could not run server")
	}
}

// setupStores wires the presence registry and admission counters to the
// shared cache, or to in-process stores for mem:// deployments. The redis
// client is returned for health probing and is nil for in-memory setups.
func setupStores(
	ctx context.Context,
	cfg gtwconfig.StreamConfig,
) (presence.Store, throttle.CounterStore, redis.UniversalClient) {
	if strings.HasPrefix(cfg.CacheURI, "redis://") || strings.HasPrefix(cfg.CacheURI, "rediss://") {
		opts, err := redis.ParseURL(cfg.CacheURI)
		if err != nil {
			util.Log(ctx).WithError(err).Fatal("could not parse cache URI")
		}

		client := redis.NewClient(opts)
		return presence.NewRedisStore(client), throttle.NewRedisCounterStore(client), client
	}

	return presence.NewMemoryStore(), throttle.NewMemoryCounterStore(), nil
}

// setupAnnouncePublisher registers the new-connection publisher when
// announcements are enabled. Returns nil when they are not.
func setupAnnouncePublisher(
	ctx context.Context,
	qManager queue.Manager,
	cfg gtwconfig.StreamConfig,
) (queue.Publisher, error) {
	if !cfg.AnnounceNewConnections {
		return nil, nil
	}

	if err := qManager.AddPublisher(ctx, cfg.QueueNewConnectionsName, cfg.QueueNewConnectionsURI); err != nil {
		return nil, err
	}
	return qManager.GetPublisher(cfg.QueueNewConnectionsName)
}

// admissionTiers builds the sliding-window tiers from config. Every tier
// must pass for a call to be admitted.
func admissionTiers(cfg gtwconfig.StreamConfig) []throttle.Tier {
	return []throttle.Tier{
		{
			Name:   "short",
			Limit:  cfg.ThrottleShortLimit,
			Window: time.Duration(cfg.ThrottleShortWindowSec) * time.Second,
		},
		{
			Name:   "medium",
			Limit:  cfg.ThrottleMediumLimit,
			Window: time.Duration(cfg.ThrottleMediumWindowSec) * time.Second,
		},
		{
			Name:   "long",
			Limit:  cfg.ThrottleLongLimit,
			Window: time.Duration(cfg.ThrottleLongWindowSec) * time.Second,
		},
	}
}

// onIntegrationFailure returns the escalation hook for the ingest pipeline.
// When the pipeline's breaker opens, the hook confirms the shared cache
// outage with backed-off probes before forcing clients to reconnect
// elsewhere; a reachable cache means the failure lies elsewhere and
// connections stay up.
func onIntegrationFailure(
	ctx context.Context,
	store presence.Store,
	gateway business.Gateway,
) func() {
	var probing atomic.Bool

	return func() {
		if !probing.CompareAndSwap(false, true) {
			return
		}

		go func() {
			defer probing.Store(false)

			policy := backoff.WithContext(
				backoff.WithMaxRetries(backoff.NewExponentialBackOff(), dependencyProbeRetries), ctx)

			err := backoff.Retry(func() error {
				return store.Ping(ctx)
			}, policy)
			if err == nil {
				util.Log(ctx).Info("shared cache reachable, keeping connections")
				return
			}

			util.Log(ctx).WithError(err).Error("shared cache unreachable, disconnecting clients")
			gateway.DisconnectAll(ctx)
		}()
	}
}

// setupHealth wires the readiness checkers: shared cache reachability and
// connection pool saturation.
func setupHealth(
	store presence.Store,
	gateway business.Gateway,
	redisClient redis.UniversalClient,
) *health.Handler {
	h := health.NewHandler()

	if redisClient != nil {
		h.AddChecker(health.NewRedisChecker(redisClient, healthCheckTimeout))
	} else {
		h.AddChecker(health.NewPingChecker("presence-store", store.Ping, healthCheckTimeout))
	}

	h.AddChecker(health.NewUtilizationChecker("connection-pool",
		gateway.PoolUtilization, poolDegradedRatio, poolUnhealthyRatio))

	return h
}
