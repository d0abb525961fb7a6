package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/FwForge/control_plane/logging"
	"github.com/itskum47/FwForge/control_plane/store"
)

// Locker serializes mutations of one build aggregate.
type Locker interface {
	// Lock blocks until the build's lock is held or ctx is done.
	Lock(ctx context.Context, buildID string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker with one mutex per build.
// Entries are reference counted and dropped once nobody holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{} // capacity 1, a token in the channel means held
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, buildID string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[buildID]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[buildID] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(buildID, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(buildID, e)
		})
	}, nil
}

func (k *KeyedMutex) release(buildID string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, buildID)
	}
}

// Len returns the number of builds with a held or awaited lock.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// RedisLocker takes the in-process lock first and then the build's lock in
// the coordinator, so replicas sharing a Redis serialize too.
type RedisLocker struct {
	local  *KeyedMutex
	coord  store.Coordinator
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

func NewRedisLocker(coord store.Coordinator, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		local:  NewKeyedMutex(),
		coord:  coord,
		ttl:    ttl,
		retry:  25 * time.Millisecond,
		logger: logging.OrDefault(logger),
	}
}

func (r *RedisLocker) Lock(ctx context.Context, buildID string) (func(), error) {
	unlockLocal, err := r.local.Lock(ctx, buildID)
	if err != nil {
		return nil, err
	}

	key := store.BuildLockKey(buildID)
	owner := uuid.NewString()
	backoff := r.retry
	for {
		ok, err := r.coord.AcquireLock(ctx, key, owner, r.ttl)
		if err != nil {
			unlockLocal()
			return nil, fmt.Errorf("acquire build lock %s: %w", buildID, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}

	return func() {
		// Release on a fresh context: the caller's may already be cancelled.
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.coord.ReleaseLock(relCtx, key, owner); err != nil {
			r.logger.Warn("release build lock failed", "build_id", buildID, "error", err)
		}
		unlockLocal()
	}, nil
}
