package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamConfig_ValidateSharding_Valid(t *testing.T) {
	cfg := StreamConfig{
		ShardID:     0,
		TotalShards: 4,
	}

	require.NoError(t, cfg.ValidateSharding())
}

func TestStreamConfig_ValidateSharding_LastShard(t *testing.T) {
	cfg := StreamConfig{
		ShardID:     3,
		TotalShards: 4,
	}

	require.NoError(t, cfg.ValidateSharding())
}

func TestStreamConfig_ValidateSharding_SingleShard(t *testing.T) {
	cfg := StreamConfig{
		ShardID:     0,
		TotalShards: 1,
	}

	require.NoError(t, cfg.ValidateSharding())
}

func TestStreamConfig_ValidateSharding_ShardIDExceedsTotalShards(t *testing.T) {
	cfg := StreamConfig{
		ShardID:     4,
		TotalShards: 4,
	}

	err := cfg.ValidateSharding()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHARD_ID (4) must be < TOTAL_SHARDS (4)")
}

func TestStreamConfig_ValidateSharding_NegativeShardID(t *testing.T) {
	cfg := StreamConfig{
		ShardID:     -1,
		TotalShards: 4,
	}

	err := cfg.ValidateSharding()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHARD_ID must be >= 0")
}

func TestStreamConfig_ValidateSharding_ZeroTotalShards(t *testing.T) {
	cfg := StreamConfig{
		ShardID:     0,
		TotalShards: 0,
	}

	err := cfg.ValidateSharding()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOTAL_SHARDS must be > 0")
}

func TestStreamConfig_ValidateSharding_LargeScale(t *testing.T) {
	cfg := StreamConfig{
		ShardID:     63,
		TotalShards: 64,
	}

	require.NoError(t, cfg.ValidateSharding())
}
