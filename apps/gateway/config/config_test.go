package config_test

import (
	"testing"

	"github.com/antinvestor/service-stream/apps/gateway/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamConfig_Validate(t *testing.T) {
	t.Run("valid configuration", func(t *testing.T) {
		cfg := validStreamConfig()
		require.NoError(t, cfg.Validate())
	})

	t.Run("MaxConnections must be >= 1", func(t *testing.T) {
		cfg := validStreamConfig()
		cfg.MaxConnections = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "MaxConnections")
	})

	t.Run("ConnectionTimeoutSec must be > 0", func(t *testing.T) {
		cfg := validStreamConfig()
		cfg.ConnectionTimeoutSec = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ConnectionTimeoutSec")
	})

	t.Run("HeartbeatIntervalSec must be > 0", func(t *testing.T) {
		cfg := validStreamConfig()
		cfg.HeartbeatIntervalSec = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HeartbeatIntervalSec")
	})

	t.Run("ConnectionTimeoutSec must be > HeartbeatIntervalSec", func(t *testing.T) {
		cfg := validStreamConfig()
		cfg.ConnectionTimeoutSec = 30
		cfg.HeartbeatIntervalSec = 30
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ConnectionTimeoutSec")
		assert.Contains(t, err.Error(), "HeartbeatIntervalSec")

		// Also test when timeout < heartbeat
		cfg.ConnectionTimeoutSec = 20
		cfg.HeartbeatIntervalSec = 30
		require.Error(t, cfg.Validate())
	})

	t.Run("PresenceTTLSec must be > HeartbeatIntervalSec", func(t *testing.T) {
		cfg := validStreamConfig()
		cfg.PresenceTTLSec = 30
		cfg.HeartbeatIntervalSec = 30
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "PresenceTTLSec")
	})

	t.Run("MessageHandlingTimeoutSec must be > 0", func(t *testing.T) {
		cfg := validStreamConfig()
		cfg.MessageHandlingTimeoutSec = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "MessageHandlingTimeoutSec")
	})

	t.Run("MaxConsecutiveErrors must be > 0", func(t *testing.T) {
		cfg := validStreamConfig()
		cfg.MaxConsecutiveErrors = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "MaxConsecutiveErrors")
	})

	t.Run("throttle tier limits must be > 0", func(t *testing.T) {
		cfg := validStreamConfig()
		cfg.ThrottleMediumLimit = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "throttle tier limits")
	})

	t.Run("throttle tier windows must be > 0", func(t *testing.T) {
		cfg := validStreamConfig()
		cfg.ThrottleLongWindowSec = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "throttle tier windows")
	})

	t.Run("ShardID must be >= 0", func(t *testing.T) {
		cfg := validStreamConfig()
		cfg.ShardID = -1
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ShardID")
	})

	t.Run("CacheURI cannot be empty", func(t *testing.T) {
		cfg := validStreamConfig()
		cfg.CacheURI = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CacheURI")
	})

	t.Run("CacheURI must have valid scheme", func(t *testing.T) {
		cfg := validStreamConfig()
		cfg.CacheURI = "invalid://localhost:6379"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CacheURI")
		assert.Contains(t, err.Error(), "invalid scheme")
	})

	t.Run("valid cache URI schemes", func(t *testing.T) {
		validSchemes := []string{
			"redis://localhost:6379",
			"rediss://cache.example.com:6380",
			"mem://cache",
		}

		for _, uri := range validSchemes {
			cfg := validStreamConfig()
			cfg.CacheURI = uri
			require.NoError(t, cfg.Validate(), "should accept valid cache URI: %s", uri)
		}
	})

	t.Run("QueueEventIngestURI must be valid", func(t *testing.T) {
		cfg := validStreamConfig()
		cfg.QueueEventIngestURI = "invalid://queue"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "QueueEventIngestURI")
	})

	t.Run("QueueUnprocessedURI must be valid", func(t *testing.T) {
		cfg := validStreamConfig()
		cfg.QueueUnprocessedURI = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "QueueUnprocessedURI")
	})

	t.Run("multiple validation errors", func(t *testing.T) {
		cfg := validStreamConfig()
		cfg.MaxConnections = 0
		cfg.MessageHandlingTimeoutSec = 0
		cfg.CacheURI = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "MaxConnections")
		assert.Contains(t, err.Error(), "MessageHandlingTimeoutSec")
		assert.Contains(t, err.Error(), "CacheURI")
	})
}

func TestStreamConfig_ShardedIngestQueueName(t *testing.T) {
	cfg := validStreamConfig()

	// Single shard keeps the base name
	cfg.TotalShards = 1
	assert.Equal(t, "stream.event.ingest", cfg.ShardedIngestQueueName())

	cfg.TotalShards = 4
	cfg.ShardID = 2
	assert.Equal(t, "stream.event.ingest.shard2", cfg.ShardedIngestQueueName())
	assert.Equal(t, "mem://stream.event.ingest.shard2", cfg.ShardedIngestQueueURI())
}

func validStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		MaxConnections:            10000,
		ConnectionTimeoutSec:      300,
		HeartbeatIntervalSec:      30,
		PresenceTTLSec:            300,
		CacheName:                 "streamCache",
		CacheURI:                  "redis://localhost:6379",
		QueueEventIngestName:      "stream.event.ingest",
		QueueEventIngestURI:       "mem://stream.event.ingest",
		QueueUnprocessedName:      "stream.event.unprocessed",
		QueueUnprocessedURI:       "mem://stream.event.unprocessed",
		QueueNewConnectionsName:   "stream.new.connections",
		QueueNewConnectionsURI:    "mem://stream.new.connections",
		MessageHandlingTimeoutSec: 15,
		MaxConsecutiveErrors:      20,
		ThrottleShortLimit:        10,
		ThrottleShortWindowSec:    1,
		ThrottleMediumLimit:       50,
		ThrottleMediumWindowSec:   10,
		ThrottleLongLimit:         200,
		ThrottleLongWindowSec:     60,
		ShardID:                   0,
		TotalShards:               1,
	}
}
