package cipher

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Factory initializes a ScopedCipher for the given canonical keyset id,
// calling out to the (collaborator) KMS. Initialization latency
// exceeding 1s is logged by the Cache.
type Factory func(ctx context.Context, keysetID string) (ScopedCipher, error)

// EvictionEvent is emitted whenever the cache drops an entry, carrying
// the cause for observability. KeysetID is populated for a manual
// Evict; ristretto's own
// OnEvict callback (the "size" cause) only reports a hashed key, which
// is surfaced via KeyHash instead.
type EvictionEvent struct {
	KeysetID string
	KeyHash  uint64
	Cause    string // "size" for every eviction ristretto reports, TTL expiry included; "manual" for Evict. TTL expiry is not reported separately.
}

// Cache is the scoped-cipher cache: bounded by count and TTL, keyed by
// the canonicalized keyset identifier, with at-most-one concurrent
// initialization per key. Built on ristretto for bounded+TTL storage
// and golang.org/x/sync/singleflight for miss coalescing; neither
// library alone covers both requirements.
type Cache struct {
	store    *ristretto.Cache[string, ScopedCipher]
	group    singleflight.Group
	factory  Factory
	ttl      time.Duration
	log      *zap.Logger
	onEvict  func(EvictionEvent)
}

// Config controls the cache's bounds.
type Config struct {
	MaxCost  int64
	TTL      time.Duration
	OnEvict  func(EvictionEvent)
}

func New(factory Factory, cfg Config, log *zap.Logger) (*Cache, error) {
	c := &Cache{factory: factory, ttl: cfg.TTL, log: log, onEvict: cfg.OnEvict}
	store, err := ristretto.NewCache(&ristretto.Config[string, ScopedCipher]{
		NumCounters: cfg.MaxCost * 10,
		MaxCost:     cfg.MaxCost,
		BufferItems: 64,
		OnEvict: func(item *ristretto.Item[ScopedCipher]) {
			c.emitEviction(item.Key, "size")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cipher cache: %w", err)
	}
	c.store = store
	return c, nil
}

func (c *Cache) emitEviction(keyHash uint64, cause string) {
	c.log.Warn("cipher cache eviction", zap.Uint64("key_hash", keyHash), zap.String("cause", cause))
	if c.onEvict != nil {
		c.onEvict(EvictionEvent{KeyHash: keyHash, Cause: cause})
	}
}

// Get returns the cached ScopedCipher for keysetID, initializing it via
// the factory on a cache miss. Concurrent misses for the same keysetID
// are coalesced into a single factory call.
func (c *Cache) Get(ctx context.Context, keysetID string) (ScopedCipher, error) {
	if v, ok := c.store.Get(keysetID); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(keysetID, func() (any, error) {
		if v, ok := c.store.Get(keysetID); ok {
			return v, nil
		}
		start := time.Now()
		sc, err := c.factory(ctx, keysetID)
		if err != nil {
			return nil, err
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			c.log.Warn("cipher cache init exceeded 1s",
				zap.String("keyset_id", keysetID), zap.Duration("elapsed", elapsed))
		}
		c.store.SetWithTTL(keysetID, sc, 1, c.ttl)
		c.store.Wait()
		return sc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(ScopedCipher), nil
}

// Evict manually removes keysetID from the cache (e.g. on a
// KEYSET_ID rotation command), emitting an eviction event with cause
// "manual".
func (c *Cache) Evict(keysetID string) {
	if sc, ok := c.store.Get(keysetID); ok {
		_ = sc.Close()
	}
	c.store.Del(keysetID)
	if c.onEvict != nil {
		c.onEvict(EvictionEvent{KeysetID: keysetID, Cause: "manual"})
	}
}

// Close releases the cache's internal goroutines.
func (c *Cache) Close() {
	c.store.Close()
}
