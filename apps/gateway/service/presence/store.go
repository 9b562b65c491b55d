package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/pitabwire/util"
	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces subscription records in the shared cache.
const KeyPrefix = "stream:subscription:"

const scanBatchSize = 100

// Store is the presence registry contract.
//
// Save upserts a record, merging the provided fields over any existing ones,
// and resets the TTL. Get returns (nil, nil) when the id is not currently
// subscribed; callers treat that as absence, not an error. List produces a
// lazy sequence for administrative listing only, never on the broadcast hot
// path.
type Store interface {
	Save(ctx context.Context, id string, rec *Record, ttl time.Duration) error
	Get(ctx context.Context, id string) (*Record, error)
	Delete(ctx context.Context, id string) (int64, error)
	List(ctx context.Context, prefix string) iter.Seq2[string, *Record]
	Ping(ctx context.Context) error
}

type redisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a Store backed by a Redis-compatible cache.
func NewRedisStore(client redis.UniversalClient) Store {
	return &redisStore{client: client}
}

func (s *redisStore) key(id string) string {
	return KeyPrefix + id
}

// Save merges rec over the existing record and resets the TTL. A record
// vanishing between the read and the write is a race, not an error: the
// provided fields win.
func (s *redisStore) Save(ctx context.Context, id string, rec *Record, ttl time.Duration) error {
	existing, err := s.Get(ctx, id)
	if err != nil {
		util.Log(ctx).WithError(err).WithField("subscription_id", id).
			Warn("could not read existing presence record, saving fresh")
		existing = nil
	}

	merged := existing
	if merged == nil || merged.Legacy != "" {
		merged = &Record{SubscriptionID: id}
	}
	merged.Merge(rec)
	if merged.CreatedAt == 0 {
		merged.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to serialise presence record: %w", err)
	}

	if err = s.client.Set(ctx, s.key(id), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save presence record: %w", err)
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, id string) (*Record, error) {
	val, err := s.client.Get(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence record: %w", err)
	}

	return decodeRecord(id, []byte(val)), nil
}

func (s *redisStore) Delete(ctx context.Context, id string) (int64, error) {
	count, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete presence record: %w", err)
	}
	return count, nil
}

// List scans for records whose subscription id starts with prefix. The
// sequence is lazy and restartable; iteration stops early when the consumer
// does.
func (s *redisStore) List(ctx context.Context, prefix string) iter.Seq2[string, *Record] {
	match := KeyPrefix + prefix + "*"

	return func(yield func(string, *Record) bool) {
		var cursor uint64
		for {
			keys, next, err := s.client.Scan(ctx, cursor, match, scanBatchSize).Result()
			if err != nil {
				util.Log(ctx).WithError(err).WithField("match", match).
					Error("presence scan failed")
				return
			}

			for _, key := range keys {
				id := key[len(KeyPrefix):]

				val, getErr := s.client.Get(ctx, key).Result()
				if errors.Is(getErr, redis.Nil) {
					continue // expired between scan and get
				}
				if getErr != nil {
					util.Log(ctx).WithError(getErr).WithField("subscription_id", id).
						Warn("skipping unreadable presence record")
					continue
				}

				if !yield(id, decodeRecord(id, []byte(val))) {
					return
				}
			}

			cursor = next
			if cursor == 0 {
				return
			}
		}
	}
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// decodeRecord parses a stored value. Non-JSON legacy values fall back to a
// record carrying the raw string rather than an error.
func decodeRecord(id string, raw []byte) *Record {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return &Record{SubscriptionID: id, Legacy: string(raw)}
	}
	if rec.SubscriptionID == "" {
		rec.SubscriptionID = id
	}
	return &rec
}
