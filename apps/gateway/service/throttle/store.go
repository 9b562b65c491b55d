package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const blockKeySuffix = ":block"

// CounterStore holds sliding-window hit counters and block markers in the
// shared cache. Increment is atomic across process instances; hits reset
// only when the window expires. A block marker persists until its own TTL
// elapses, independent of window resets.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (hits int64, expiresIn time.Duration, err error)
	Block(ctx context.Context, key string, ttl time.Duration) error
	Blocked(ctx context.Context, key string) (blocked bool, remaining time.Duration, err error)
}

type redisCounterStore struct {
	client redis.UniversalClient
}

// NewRedisCounterStore creates a CounterStore backed by a Redis-compatible cache.
func NewRedisCounterStore(client redis.UniversalClient) CounterStore {
	return &redisCounterStore{client: client}
}

// Increment bumps the counter and returns the total hits in the current
// window plus the time until the window resets. The expiry is attached on
// the increment that creates the key, so the window slides from first hit.
func (s *redisCounterStore) Increment(
	ctx context.Context,
	key string,
	window time.Duration,
) (int64, time.Duration, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to increment throttle counter: %w", err)
	}

	hits := incr.Val()
	expiresIn := ttl.Val()

	// PTTL < 0 means no expiry yet: this increment opened the window.
	if expiresIn < 0 {
		if err := s.client.PExpire(ctx, key, window).Err(); err != nil {
			return hits, window, fmt.Errorf("failed to set throttle window: %w", err)
		}
		expiresIn = window
	}

	return hits, expiresIn, nil
}

// Block marks the key as rejected for ttl. SetNX keeps the original expiry
// when the caller trips the limit repeatedly.
func (s *redisCounterStore) Block(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.SetNX(ctx, key+blockKeySuffix, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to set throttle block: %w", err)
	}
	return nil
}

func (s *redisCounterStore) Blocked(ctx context.Context, key string) (bool, time.Duration, error) {
	remaining, err := s.client.PTTL(ctx, key+blockKeySuffix).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, 0, fmt.Errorf("failed to check throttle block: %w", err)
	}

	// -2 key does not exist, -1 no expiry (treated as not blocked).
	if remaining <= 0 {
		return false, 0, nil
	}
	return true, remaining, nil
}
