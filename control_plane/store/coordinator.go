package store

import (
	"context"
	"time"
)

// Coordinator defines distributed coordination between control plane
// replicas: leader leases and per-build locks.
type Coordinator interface {
	// AcquireLock returns true if the lock was taken, false if another owner holds it.
	AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string, ownerID string) error
	GetLockOwner(ctx context.Context, key string) (string, error)

	// Lease semantics for leader election. value carries LockMetadata JSON.
	AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key string, value string) error
	IsLeaseOwner(ctx context.Context, key string, value string) (bool, error)

	// IncrementEpoch returns a new fencing token for the resource.
	IncrementEpoch(ctx context.Context, key string) (int64, error)

	// ScanLocks lists keys matching pattern, e.g. BuildLockPattern().
	ScanLocks(ctx context.Context, pattern string) ([]string, error)
}

var _ Coordinator = (*RedisStore)(nil)
