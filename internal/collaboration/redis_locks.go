package collaboration

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultLockPrefix = "scheduler:lock:"

// acquireScript grants the lock when it is free or already owned by ARGV[1] and refreshes its
// expiry. It returns {granted, owner, acquiredAtMillis, pttl}.
var acquireScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
if owner == false then
  redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'acquired', ARGV[2])
  owner = ARGV[1]
end
local granted = 0
if owner == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  granted = 1
end
return {granted, owner, redis.call('HGET', KEYS[1], 'acquired'), redis.call('PTTL', KEYS[1])}
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLockStore shares locks between nodes. Expiry is enforced by Redis key TTLs, so a lock
// disappears even when no node is alive to sweep it.
type RedisLockStore struct {
	client *redis.Client
	prefix string
}

// NewRedisLockStore constructs a store. An empty prefix uses "scheduler:lock:".
func NewRedisLockStore(client *redis.Client, prefix string) *RedisLockStore {
	if prefix == "" {
		prefix = defaultLockPrefix
	}
	return &RedisLockStore{client: client, prefix: prefix}
}

func (r *RedisLockStore) Acquire(ctx context.Context, eventID, ownerID string, now time.Time, ttl time.Duration) (Lock, bool, error) {
	raw, err := acquireScript.Run(ctx, r.client, []string{r.prefix + eventID},
		ownerID, now.UnixMilli(), ttl.Milliseconds()).Slice()
	if err != nil {
		return Lock{}, false, fmt.Errorf("collaboration: acquire %s: %w", eventID, err)
	}
	if len(raw) != 4 {
		return Lock{}, false, fmt.Errorf("collaboration: acquire %s: unexpected reply %v", eventID, raw)
	}
	granted, _ := raw[0].(int64)
	owner, _ := raw[1].(string)
	lock, err := decodeLock(eventID, owner, raw[2], raw[3], now)
	if err != nil {
		return Lock{}, false, err
	}
	return lock, granted == 1, nil
}

func (r *RedisLockStore) Release(ctx context.Context, eventID, ownerID string) (bool, error) {
	deleted, err := releaseScript.Run(ctx, r.client, []string{r.prefix + eventID}, ownerID).Int64()
	if err != nil {
		return false, fmt.Errorf("collaboration: release %s: %w", eventID, err)
	}
	return deleted == 1, nil
}

func (r *RedisLockStore) Get(ctx context.Context, eventID string, now time.Time) (Lock, bool, error) {
	key := r.prefix + eventID
	pipe := r.client.TxPipeline()
	fields := pipe.HMGet(ctx, key, "owner", "acquired")
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Lock{}, false, fmt.Errorf("collaboration: get %s: %w", eventID, err)
	}
	values := fields.Val()
	if len(values) != 2 || values[0] == nil {
		return Lock{}, false, nil
	}
	owner, _ := values[0].(string)
	lock, err := decodeLock(eventID, owner, values[1], ttl.Val().Milliseconds(), now)
	if err != nil {
		return Lock{}, false, err
	}
	return lock, true, nil
}

func decodeLock(eventID, owner string, acquiredRaw, ttlRaw any, now time.Time) (Lock, error) {
	acquiredMillis, err := toInt64(acquiredRaw)
	if err != nil {
		return Lock{}, fmt.Errorf("collaboration: lock %s acquired: %w", eventID, err)
	}
	ttlMillis, err := toInt64(ttlRaw)
	if err != nil {
		return Lock{}, fmt.Errorf("collaboration: lock %s ttl: %w", eventID, err)
	}
	return Lock{
		EventID:    eventID,
		OwnerID:    owner,
		AcquiredAt: time.UnixMilli(acquiredMillis).UTC(),
		ExpiresAt:  now.Add(time.Duration(ttlMillis) * time.Millisecond),
	}, nil
}

func toInt64(v any) (int64, error) {
	switch value := v.(type) {
	case int64:
		return value, nil
	case string:
		return strconv.ParseInt(value, 10, 64)
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("unexpected type %T", v)
}
