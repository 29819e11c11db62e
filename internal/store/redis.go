package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/dedup"
)

// redisClaimScript performs the conditional write atomically in Redis.
// KEYS[1] = claim key (e.g. "dupcheck:123456")
// ARGV[1] = arrivedAt (unix ms)
// ARGV[2] = window start (unix ms)
// ARGV[3] = expiry (ms)
// Returns 1 when written, 0 when a live claim exists.
var redisClaimScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current and tonumber(current) >= tonumber(ARGV[2]) then
    return 0
end

redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return 1
`)

const redisKeyPrefix = "dupcheck:"

// RedisStore keeps dedup claims in Redis. Claims expire natively after the
// retention period, or window plus grace when that is longer.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// Compile-time check that RedisStore implements the dedup store interfaces.
var (
	_ dedup.Store     = (*RedisStore)(nil)
	_ dedup.Inspector = (*RedisStore)(nil)
	_ dedup.Pinger    = (*RedisStore)(nil)
)

// NewRedisStore creates a new store backed by Redis. Claims are kept for at
// least retention; zero keeps them for window plus grace only.
func NewRedisStore(addr string, password string, db int, retention time.Duration) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb, retention: retention}
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, retention: retention}
}

// PutIfStale executes the Lua script to check and claim the key.
func (s *RedisStore) PutIfStale(ctx context.Context, rec dedup.Record, cond dedup.Condition) error {
	// Expiry runs on the Redis clock, so it must outlast every claim time the
	// service accepts, the same cutoff the janitor uses for other stores.
	expiry := cond.WindowEnd.Sub(cond.WindowStart)
	if s.retention > expiry {
		expiry = s.retention
	}
	ttl := expiry.Milliseconds()
	if ttl < 1 {
		ttl = 1
	}

	res, err := redisClaimScript.Run(ctx, s.client,
		[]string{redisKeyPrefix + string(rec.Key)},
		rec.ArrivedAt.UnixMilli(), cond.WindowStart.UnixMilli(), ttl,
	).Int64()
	if err != nil {
		return fmt.Errorf("redis claim: %w", err)
	}

	if res == 0 {
		return dedup.ErrConditionFailed
	}
	return nil
}

// Lookup implements dedup.Inspector.
func (s *RedisStore) Lookup(ctx context.Context, key dedup.Key) (dedup.Record, bool, error) {
	val, err := s.client.Get(ctx, redisKeyPrefix+string(key)).Result()
	if errors.Is(err, redis.Nil) {
		return dedup.Record{}, false, nil
	}
	if err != nil {
		return dedup.Record{}, false, fmt.Errorf("redis lookup: %w", err)
	}

	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return dedup.Record{}, false, fmt.Errorf("redis lookup: invalid arrivedAt %q: %w", val, err)
	}
	return dedup.Record{Key: key, ArrivedAt: time.UnixMilli(ms).UTC()}, true, nil
}

// Ping implements dedup.Pinger.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
