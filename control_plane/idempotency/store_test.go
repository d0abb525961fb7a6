package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapKV struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newMapKV() *mapKV {
	return &mapKV{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *mapKV) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *mapKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func TestMemoryBackend(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil, 20*time.Millisecond, nil)

	_, ok := s.Get(ctx, "k")
	assert.False(t, ok)

	s.Set(ctx, "k", Response{StatusCode: 201, Body: []byte(`{"queueId":"q1"}`)})
	got, ok := s.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, 201, got.StatusCode)

	time.Sleep(30 * time.Millisecond)
	_, ok = s.Get(ctx, "k")
	assert.False(t, ok, "expired entries are dropped")
}

func TestKVBackendNamespacesKeys(t *testing.T) {
	ctx := context.Background()
	kv := newMapKV()
	s := NewStore(kv, time.Minute, nil)

	s.Set(ctx, "abc", Response{StatusCode: 201, Body: []byte("x"), Headers: map[string][]string{"Content-Type": {"application/json"}}})
	assert.Contains(t, kv.data, "fwforge:idempotency:abc")
	assert.Equal(t, time.Minute, kv.ttls["fwforge:idempotency:abc"])

	got, ok := s.Get(ctx, "abc")
	require.True(t, ok)
	assert.Equal(t, []byte("x"), got.Body)
	assert.Equal(t, "application/json", got.Headers["Content-Type"][0])
}
