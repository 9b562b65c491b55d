package business //nolint:testpackage // Tests exercise unexported pool internals

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTestConnection(subscriptionID string) Connection {
	return NewConnection(nil, &Metadata{
		SubscriptionID: subscriptionID,
		ClientID:       "client-" + subscriptionID,
	})
}

func TestConnectionPool_NewPool(t *testing.T) {
	pool := newConnectionPool(100)
	require.NotNil(t, pool)
	assert.Equal(t, int32(0), pool.size())
	assert.Equal(t, int32(100), pool.maxSize)

	// All shards should be initialized
	for i := range poolShardCount {
		assert.NotNil(t, pool.shards[i])
		assert.NotNil(t, pool.shards[i].connections)
	}
}

func TestConnectionPool_Add(t *testing.T) {
	pool := newConnectionPool(100)

	require.NoError(t, pool.add(makeTestConnection("sub1")))
	assert.Equal(t, int32(1), pool.size())
}

func TestConnectionPool_AddMultiple(t *testing.T) {
	pool := newConnectionPool(100)

	for i := range 10 {
		require.NoError(t, pool.add(makeTestConnection(fmt.Sprintf("sub%d", i))))
	}

	assert.Equal(t, int32(10), pool.size())
}

func TestConnectionPool_AddDuplicate(t *testing.T) {
	pool := newConnectionPool(100)

	require.NoError(t, pool.add(makeTestConnection("sub1")))
	require.NoError(t, pool.add(makeTestConnection("sub1")))

	// Duplicate should not increase size
	assert.Equal(t, int32(1), pool.size())
}

func TestConnectionPool_AddFull(t *testing.T) {
	pool := newConnectionPool(3)

	for i := range 3 {
		require.NoError(t, pool.add(makeTestConnection(fmt.Sprintf("sub%d", i))))
	}

	// Pool is full
	err := pool.add(makeTestConnection("sub_extra"))
	assert.ErrorIs(t, err, ErrConnectionPoolFull)
	assert.Equal(t, int32(3), pool.size())
}

func TestConnectionPool_Get(t *testing.T) {
	pool := newConnectionPool(100)

	conn := makeTestConnection("sub1")
	require.NoError(t, pool.add(conn))

	retrieved, ok := pool.get("sub1")
	assert.True(t, ok)
	require.NotNil(t, retrieved)
	assert.Equal(t, "sub1", retrieved.Metadata().SubscriptionID)
}

func TestConnectionPool_GetNonExistent(t *testing.T) {
	pool := newConnectionPool(100)

	retrieved, ok := pool.get("nonexistent")
	assert.False(t, ok)
	assert.Nil(t, retrieved)
}

func TestConnectionPool_Remove(t *testing.T) {
	pool := newConnectionPool(100)

	conn := makeTestConnection("sub1")
	require.NoError(t, pool.add(conn))
	assert.Equal(t, int32(1), pool.size())

	removed := pool.remove("sub1")
	assert.NotNil(t, removed)
	assert.Equal(t, int32(0), pool.size())

	_, ok := pool.get("sub1")
	assert.False(t, ok)
}

func TestConnectionPool_RemoveNonExistent(t *testing.T) {
	pool := newConnectionPool(100)

	removed := pool.remove("nonexistent")
	assert.Nil(t, removed)
	assert.Equal(t, int32(0), pool.size())
}

func TestConnectionPool_RemoveFreesCapacity(t *testing.T) {
	pool := newConnectionPool(2)

	require.NoError(t, pool.add(makeTestConnection("sub1")))
	require.NoError(t, pool.add(makeTestConnection("sub2")))

	// Pool is full
	conn3 := makeTestConnection("sub3")
	assert.ErrorIs(t, pool.add(conn3), ErrConnectionPoolFull)

	pool.remove("sub1")

	require.NoError(t, pool.add(conn3))
	assert.Equal(t, int32(2), pool.size())
}

func TestConnectionPool_ForEach(t *testing.T) {
	pool := newConnectionPool(100)

	expectedKeys := make(map[string]bool)
	for i := range 5 {
		conn := makeTestConnection(fmt.Sprintf("sub%d", i))
		require.NoError(t, pool.add(conn))
		expectedKeys[conn.Metadata().Key()] = true
	}

	visitedKeys := make(map[string]bool)
	pool.forEach(func(c Connection) {
		visitedKeys[c.Metadata().Key()] = true
	})

	assert.Equal(t, expectedKeys, visitedKeys)
}

func TestConnectionPool_ForEachEmpty(t *testing.T) {
	pool := newConnectionPool(100)

	count := 0
	pool.forEach(func(_ Connection) {
		count++
	})

	assert.Equal(t, 0, count)
}

func TestConnectionPool_ShardDistribution(t *testing.T) {
	pool := newConnectionPool(10000)

	for i := range 1000 {
		require.NoError(t, pool.add(makeTestConnection(fmt.Sprintf("sub%d", i))))
	}

	shardsUsed := 0
	for i := range poolShardCount {
		pool.shards[i].mu.RLock()
		if len(pool.shards[i].connections) > 0 {
			shardsUsed++
		}
		pool.shards[i].mu.RUnlock()
	}

	// With 1000 connections across 32 shards, we expect most shards in use
	assert.GreaterOrEqual(t, shardsUsed, 20,
		"expected connections to be distributed across most shards, got %d of %d", shardsUsed, poolShardCount)
}

func TestConnectionPool_SameKeyAlwaysSameShard(t *testing.T) {
	pool := newConnectionPool(100)

	key := "sub123"
	shard1 := pool.getShard(key)
	shard2 := pool.getShard(key)

	assert.Same(t, shard1, shard2)
}

func TestConnectionPool_ConcurrentAddRemove(t *testing.T) {
	pool := newConnectionPool(10000)

	var wg sync.WaitGroup
	numGoroutines := 100
	numOpsPerGoroutine := 50

	wg.Add(numGoroutines)
	for g := range numGoroutines {
		go func(gID int) {
			defer wg.Done()
			for i := range numOpsPerGoroutine {
				_ = pool.add(makeTestConnection(fmt.Sprintf("sub_%d_%d", gID, i)))
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, int32(numGoroutines*numOpsPerGoroutine), pool.size())

	wg.Add(numGoroutines)
	for g := range numGoroutines {
		go func(gID int) {
			defer wg.Done()
			for i := range numOpsPerGoroutine {
				pool.remove(fmt.Sprintf("sub_%d_%d", gID, i))
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, int32(0), pool.size())
}

func TestConnectionPool_ConcurrentForEach(t *testing.T) {
	pool := newConnectionPool(1000)

	for i := range 100 {
		require.NoError(t, pool.add(makeTestConnection(fmt.Sprintf("sub%d", i))))
	}

	var wg sync.WaitGroup

	wg.Add(10)
	for range 10 {
		go func() {
			defer wg.Done()
			count := 0
			pool.forEach(func(_ Connection) {
				count++
			})
			assert.Equal(t, 100, count)
		}()
	}

	wg.Wait()
}

func BenchmarkConnectionPool_Add(b *testing.B) {
	pool := newConnectionPool(int32(b.N + 1))
	conns := make([]Connection, b.N)
	for i := range b.N {
		conns[i] = makeTestConnection(fmt.Sprintf("sub%d", i))
	}

	b.ResetTimer()
	for i := range b.N {
		_ = pool.add(conns[i])
	}
}

func BenchmarkConnectionPool_Get(b *testing.B) {
	pool := newConnectionPool(int32(b.N + 1))
	keys := make([]string, b.N)
	for i := range b.N {
		conn := makeTestConnection(fmt.Sprintf("sub%d", i))
		keys[i] = conn.Metadata().Key()
		_ = pool.add(conn)
	}

	b.ResetTimer()
	for i := range b.N {
		pool.get(keys[i%len(keys)])
	}
}
