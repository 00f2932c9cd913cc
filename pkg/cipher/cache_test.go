package cipher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCipher struct {
	keysetID string
	closed   atomic.Bool
}

func (f *fakeCipher) EncryptBatch(_ context.Context, plaintexts []*Plaintext, _ []*Column) ([]*Ciphertext, error) {
	return make([]*Ciphertext, len(plaintexts)), nil
}

func (f *fakeCipher) DecryptBatch(_ context.Context, ciphertexts []*Ciphertext) ([]*Plaintext, error) {
	return make([]*Plaintext, len(ciphertexts)), nil
}

func (f *fakeCipher) Close() error {
	f.closed.Store(true)
	return nil
}

func newTestCache(t *testing.T, factory Factory, onEvict func(EvictionEvent)) *Cache {
	t.Helper()
	c, err := New(factory, Config{MaxCost: 100, TTL: time.Minute, OnEvict: onEvict}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestCacheColdKeyInitializesOnce(t *testing.T) {
	var inits atomic.Int64
	cache := newTestCache(t, func(_ context.Context, keysetID string) (ScopedCipher, error) {
		inits.Add(1)
		time.Sleep(50 * time.Millisecond)
		return &fakeCipher{keysetID: keysetID}, nil
	}, nil)

	const callers = 10
	var wg sync.WaitGroup
	results := make([]ScopedCipher, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sc, err := cache.Get(context.Background(), "tenant-a")
			assert.NoError(t, err)
			results[i] = sc
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), inits.Load(), "concurrent cold-key lookups must coalesce to one init")
	for _, sc := range results {
		assert.Same(t, results[0], sc)
	}
}

func TestCacheDistinctKeysetsGetDistinctHandles(t *testing.T) {
	cache := newTestCache(t, func(_ context.Context, keysetID string) (ScopedCipher, error) {
		return &fakeCipher{keysetID: keysetID}, nil
	}, nil)

	a, err := cache.Get(context.Background(), "tenant-a")
	require.NoError(t, err)
	b, err := cache.Get(context.Background(), "tenant-b")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

func TestCacheFactoryErrorIsNotCached(t *testing.T) {
	var inits atomic.Int64
	cache := newTestCache(t, func(_ context.Context, _ string) (ScopedCipher, error) {
		if inits.Add(1) == 1 {
			return nil, ErrUnknownKeysetIdentifier
		}
		return &fakeCipher{}, nil
	}, nil)

	_, err := cache.Get(context.Background(), "tenant-a")
	require.Error(t, err)
	_, err = cache.Get(context.Background(), "tenant-a")
	require.NoError(t, err, "a failed init must not poison the key")
	assert.Equal(t, int64(2), inits.Load())
}

func TestCacheManualEvictEmitsEventAndClosesHandle(t *testing.T) {
	var events []EvictionEvent
	var mu sync.Mutex
	cache := newTestCache(t, func(_ context.Context, keysetID string) (ScopedCipher, error) {
		return &fakeCipher{keysetID: keysetID}, nil
	}, func(ev EvictionEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	sc, err := cache.Get(context.Background(), "tenant-a")
	require.NoError(t, err)
	cache.Evict("tenant-a")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, "manual", events[0].Cause)
	assert.Equal(t, "tenant-a", events[0].KeysetID)
	assert.True(t, sc.(*fakeCipher).closed.Load())
}
