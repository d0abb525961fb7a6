package store

import (
	"fmt"
)

const keyPrefix = "fwforge"

// LeaderKey is the lease key contested by control plane replicas.
// Format: fwforge:leader:{role}
func LeaderKey(role string) string {
	return fmt.Sprintf("%s:leader:%s", keyPrefix, role)
}

// BuildLockKey is the per-build mutation lock.
// Format: fwforge:lock:build:{buildID}
func BuildLockKey(buildID string) string {
	return fmt.Sprintf("%s:lock:build:%s", keyPrefix, buildID)
}

// BuildLockPattern matches every per-build lock, for diagnostics.
func BuildLockPattern() string {
	return keyPrefix + ":lock:build:*"
}

// IdempotencyKey namespaces cached API responses.
// Format: fwforge:idempotency:{key}
func IdempotencyKey(key string) string {
	return fmt.Sprintf("%s:idempotency:%s", keyPrefix, key)
}

// EpochKey is the fencing counter stored next to a lease key.
func EpochKey(key string) string {
	return key + ":epoch"
}
