// Package idempotency caches API responses by Idempotency-Key so a retried
// request gets the original answer instead of a second side effect.
package idempotency

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/itskum47/FwForge/control_plane/logging"
	"github.com/itskum47/FwForge/control_plane/store"
)

// DefaultTTL is how long a cached response is replayed.
const DefaultTTL = time.Hour

type Response struct {
	StatusCode int                 `json:"statusCode"`
	Body       []byte              `json:"body"`
	Headers    map[string][]string `json:"headers,omitempty"`
}

// KV is the subset of store.RedisStore used as a shared backend.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// Store keeps responses in Redis when a KV is configured, else in process memory.
type Store struct {
	kv     KV
	ttl    time.Duration
	logger *slog.Logger

	cache sync.Map
}

type entry struct {
	resp      Response
	timestamp time.Time
}

// NewStore creates a Store. kv may be nil for a single-replica deployment.
func NewStore(kv KV, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{kv: kv, ttl: ttl, logger: logging.OrDefault(logger)}
}

func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	if s.kv != nil {
		raw, err := s.kv.Get(ctx, store.IdempotencyKey(key))
		if err != nil {
			s.logger.Warn("idempotency lookup failed", "key", key, "error", err)
			return Response{}, false
		}
		if raw == "" {
			return Response{}, false
		}
		var resp Response
		if err := json.Unmarshal([]byte(raw), &resp); err != nil {
			s.logger.Warn("idempotency record corrupt", "key", key, "error", err)
			return Response{}, false
		}
		return resp, true
	}

	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if time.Since(e.timestamp) > s.ttl {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.resp, true
}

func (s *Store) Set(ctx context.Context, key string, resp Response) {
	if s.kv != nil {
		data, err := json.Marshal(resp)
		if err != nil {
			return
		}
		if err := s.kv.Set(ctx, store.IdempotencyKey(key), string(data), s.ttl); err != nil {
			s.logger.Warn("idempotency store failed", "key", key, "error", err)
		}
		return
	}
	s.cache.Store(key, entry{resp: resp, timestamp: time.Now()})
}
