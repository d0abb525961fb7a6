package store

import (
	"context"
	"errors"
	"time"

	"github.com/itskum47/FwForge/control_plane/observability"
	"github.com/redis/go-redis/v9"
)

// RedisStore provides the cross-replica coordination primitives:
// leases for leader election, per-build locks and a small TTL cache used
// for idempotent API responses. Durable build state lives in Store.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	defer observeLatency(time.Now())
	return s.client.Ping(ctx).Err()
}

func observeLatency(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

const renewScript = `
	local val = redis.call("get", KEYS[1])
	if not val then
		return -1
	end
	if val == ARGV[1] then
		return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
	end
	return -2
`

const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`

// AcquireLock attempts to acquire a distributed lock with SET NX PX.
func (s *RedisStore) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	defer observeLatency(time.Now())
	return s.client.SetNX(ctx, key, ownerID, ttl).Result()
}

// RenewLock extends the TTL if the lock is still held by ownerID.
func (s *RedisStore) RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	defer observeLatency(time.Now())

	res, err := s.client.Eval(ctx, renewScript, []string{key}, ownerID, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	val, ok := res.(int64)
	if !ok {
		return false, errors.New("unexpected return type from renew script")
	}
	// -1 missing, -2 owner mismatch, 0 expired in between
	return val == 1, nil
}

// ReleaseLock releases the lock only if held by ownerID.
func (s *RedisStore) ReleaseLock(ctx context.Context, key string, ownerID string) error {
	defer observeLatency(time.Now())
	return s.client.Eval(ctx, releaseScript, []string{key}, ownerID).Err()
}

// GetLockOwner returns the current owner, or empty if free.
func (s *RedisStore) GetLockOwner(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (s *RedisStore) AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.AcquireLock(ctx, key, value, ttl)
}

func (s *RedisStore) RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.RenewLock(ctx, key, value, ttl)
}

func (s *RedisStore) ReleaseLease(ctx context.Context, key string, value string) error {
	return s.ReleaseLock(ctx, key, value)
}

func (s *RedisStore) IsLeaseOwner(ctx context.Context, key string, value string) (bool, error) {
	val, err := s.GetLockOwner(ctx, key)
	if err != nil {
		return false, err
	}
	return val == value, nil
}

// IncrementEpoch bumps the fencing counter kept next to the lease key.
func (s *RedisStore) IncrementEpoch(ctx context.Context, key string) (int64, error) {
	defer observeLatency(time.Now())
	return s.client.Incr(ctx, EpochKey(key)).Result()
}

// ScanLocks returns keys matching the pattern.
func (s *RedisStore) ScanLocks(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// --- TTL cache ---

// Get returns "" and no error when the key is absent.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	defer observeLatency(time.Now())
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	defer observeLatency(time.Now())
	return s.client.Set(ctx, key, value, ttl).Err()
}
