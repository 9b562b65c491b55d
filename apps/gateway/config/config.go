package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pitabwire/frame/config"
)

type StreamConfig struct {
	config.ConfigurationDefault

	// Connection management
	MaxConnections       int `envDefault:"10000" env:"MAX_CONNECTIONS"`
	ConnectionTimeoutSec int `envDefault:"300"   env:"CONNECTION_TIMEOUT_SEC"`
	HeartbeatIntervalSec int `envDefault:"30"    env:"HEARTBEAT_INTERVAL_SEC"`

	// Presence records expire unless a heartbeat refreshes them first.
	PresenceTTLSec int `envDefault:"300" env:"PRESENCE_TTL_SEC"`

	// When enabled, every new connection is published so opted-in listeners
	// on any gateway instance hear about it.
	AnnounceNewConnections bool `envDefault:"false" env:"ANNOUNCE_NEW_CONNECTIONS"`

	// Cache configuration (Redis or similar). Presence records and admission
	// counters live here so multiple gateway instances stay coordinated.
	CacheName            string `envDefault:"streamCache"            env:"CACHE_NAME"`
	CacheURI             string `envDefault:"redis://localhost:6379" env:"CACHE_URI"`
	CacheCredentialsFile string `envDefault:""                       env:"CACHE_CREDENTIALS_FILE"`

	// Queue the ingestion pipeline consumes event envelopes from
	QueueEventIngestName string `envDefault:"stream.event.ingest"       env:"QUEUE_EVENT_INGEST_NAME"`
	QueueEventIngestURI  string `envDefault:"mem://stream.event.ingest" env:"QUEUE_EVENT_INGEST_URI"`

	// Side channel for messages that failed validation
	QueueUnprocessedName string `envDefault:"stream.event.unprocessed"       env:"QUEUE_UNPROCESSED_NAME"`
	QueueUnprocessedURI  string `envDefault:"mem://stream.event.unprocessed" env:"QUEUE_UNPROCESSED_URI"`

	// New-connection announcements
	QueueNewConnectionsName string `envDefault:"stream.new.connections"       env:"QUEUE_NEW_CONNECTIONS_NAME"`
	QueueNewConnectionsURI  string `envDefault:"mem://stream.new.connections" env:"QUEUE_NEW_CONNECTIONS_URI"`

	// Ingestion pipeline bounds
	MessageHandlingTimeoutSec int `envDefault:"15" env:"MESSAGE_HANDLING_TIMEOUT_SEC"`
	MaxConsecutiveErrors      int `envDefault:"20" env:"MAX_CONSECUTIVE_ERRORS"`

	// Admission tiers: every tier must pass for a call to be admitted.
	ThrottleShortLimit      int64 `envDefault:"10"  env:"THROTTLE_SHORT_LIMIT"`
	ThrottleShortWindowSec  int   `envDefault:"1"   env:"THROTTLE_SHORT_WINDOW_SEC"`
	ThrottleMediumLimit     int64 `envDefault:"50"  env:"THROTTLE_MEDIUM_LIMIT"`
	ThrottleMediumWindowSec int   `envDefault:"10"  env:"THROTTLE_MEDIUM_WINDOW_SEC"`
	ThrottleLongLimit       int64 `envDefault:"200" env:"THROTTLE_LONG_LIMIT"`
	ThrottleLongWindowSec   int   `envDefault:"60"  env:"THROTTLE_LONG_WINDOW_SEC"`

	// Shard configuration - must be coordinated with the event producers'
	// shard count. ShardID identifies this gateway instance's shard
	// (0-indexed); TotalShards must match the producer side exactly.
	ShardID     int `envDefault:"0" env:"SHARD_ID"`
	TotalShards int `envDefault:"1" env:"TOTAL_SHARDS"`
}

// Validate checks that the configuration is valid.
// Returns an error if any validation fails.
func (c *StreamConfig) Validate() error {
	var errs []error

	// Validate connection management settings
	if c.MaxConnections < 1 {
		errs = append(errs, errors.New("MaxConnections must be >= 1"))
	}

	if c.ConnectionTimeoutSec <= 0 {
		errs = append(errs, errors.New("ConnectionTimeoutSec must be > 0"))
	}

	if c.HeartbeatIntervalSec <= 0 {
		errs = append(errs, errors.New("HeartbeatIntervalSec must be > 0"))
	}

	if c.ConnectionTimeoutSec <= c.HeartbeatIntervalSec {
		errs = append(errs, fmt.Errorf("ConnectionTimeoutSec (%d) must be > HeartbeatIntervalSec (%d)",
			c.ConnectionTimeoutSec, c.HeartbeatIntervalSec))
	}

	if c.PresenceTTLSec <= c.HeartbeatIntervalSec {
		errs = append(errs, fmt.Errorf("PresenceTTLSec (%d) must be > HeartbeatIntervalSec (%d)",
			c.PresenceTTLSec, c.HeartbeatIntervalSec))
	}

	// Validate pipeline bounds
	if c.MessageHandlingTimeoutSec <= 0 {
		errs = append(errs, errors.New("MessageHandlingTimeoutSec must be > 0"))
	}

	if c.MaxConsecutiveErrors <= 0 {
		errs = append(errs, errors.New("MaxConsecutiveErrors must be > 0"))
	}

	// Validate admission tiers
	if c.ThrottleShortLimit <= 0 || c.ThrottleMediumLimit <= 0 || c.ThrottleLongLimit <= 0 {
		errs = append(errs, errors.New("throttle tier limits must be > 0"))
	}

	if c.ThrottleShortWindowSec <= 0 || c.ThrottleMediumWindowSec <= 0 || c.ThrottleLongWindowSec <= 0 {
		errs = append(errs, errors.New("throttle tier windows must be > 0"))
	}

	// Validate shard configuration
	if c.ShardID < 0 {
		errs = append(errs, errors.New("ShardID must be >= 0"))
	}

	if c.TotalShards <= 0 {
		errs = append(errs, errors.New("TotalShards must be > 0"))
	}

	if c.TotalShards > 0 && c.ShardID >= c.TotalShards {
		errs = append(errs, fmt.Errorf("ShardID (%d) must be < TotalShards (%d)",
			c.ShardID, c.TotalShards))
	}

	// Validate cache configuration
	if err := validateCacheURI(c.CacheURI, "CacheURI"); err != nil {
		errs = append(errs, err)
	}

	// Validate queue URIs
	if err := validateQueueURI(c.QueueEventIngestURI, "QueueEventIngestURI"); err != nil {
		errs = append(errs, err)
	}
	if err := validateQueueURI(c.QueueUnprocessedURI, "QueueUnprocessedURI"); err != nil {
		errs = append(errs, err)
	}
	if err := validateQueueURI(c.QueueNewConnectionsURI, "QueueNewConnectionsURI"); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ValidateSharding checks the shard coordination settings on their own, for
// callers that only need the shard placement to be sane.
func (c *StreamConfig) ValidateSharding() error {
	if c.ShardID < 0 {
		return errors.New("SHARD_ID must be >= 0")
	}

	if c.TotalShards <= 0 {
		return errors.New("TOTAL_SHARDS must be > 0")
	}

	if c.ShardID >= c.TotalShards {
		return fmt.Errorf("SHARD_ID (%d) must be < TOTAL_SHARDS (%d)", c.ShardID, c.TotalShards)
	}

	return nil
}

// ShardedIngestQueueName returns the ingest queue name for this shard.
// Single-shard deployments keep the base name.
func (c *StreamConfig) ShardedIngestQueueName() string {
	if c.TotalShards <= 1 {
		return c.QueueEventIngestName
	}
	return fmt.Sprintf("%s.shard%d", c.QueueEventIngestName, c.ShardID)
}

// ShardedIngestQueueURI returns the ingest queue URI for this shard.
func (c *StreamConfig) ShardedIngestQueueURI() string {
	if c.TotalShards <= 1 {
		return c.QueueEventIngestURI
	}
	return fmt.Sprintf("%s.shard%d", c.QueueEventIngestURI, c.ShardID)
}

// validateCacheURI checks that a cache URI has a valid scheme.
func validateCacheURI(uri, name string) error {
	if uri == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	validSchemes := []string{"redis://", "rediss://", "mem://", "memory://"}
	for _, scheme := range validSchemes {
		if strings.HasPrefix(uri, scheme) {
			return nil
		}
	}

	return fmt.Errorf("%s has invalid scheme (must be one of: %s): %s", name, strings.Join(validSchemes, ", "), uri)
}

// validateQueueURI checks that a queue URI has a valid scheme.
func validateQueueURI(uri, name string) error {
	if uri == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	validSchemes := []string{"mem://", "redis://", "amqp://", "nats://", "kafka://"}
	for _, scheme := range validSchemes {
		if strings.HasPrefix(uri, scheme) {
			return nil
		}
	}

	return fmt.Errorf("%s has invalid scheme (must be one of: %s): %s", name, strings.Join(validSchemes, ", "), uri)
}
