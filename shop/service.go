package shop

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/voucherhub/voucherhub/cache"
	"github.com/voucherhub/voucherhub/logger"
)

const (
	// CacheKeyPrefix is the entity cache namespace for shops.
	CacheKeyPrefix = "cache:shop:"
	// HotCacheKeyPrefix is the namespace for pre-warmed logical-expiration
	// entries. They carry an envelope encoding incompatible with the plain
	// entity entries, so the two strategies must never share a key.
	HotCacheKeyPrefix = "cache:shop:hot:"
	// typeListKey caches the full shop-type list as a Redis list.
	typeListKey = "cache:shop:type"

	// DefaultTTL is the store TTL for catalog entries.
	DefaultTTL = 30 * time.Minute
	// DefaultHotTTL is the logical TTL for pre-warmed hot shops.
	DefaultHotTTL = 30 * time.Minute
)

// Service resolves shops through the cache-aside layer.
type Service struct {
	cache  *cache.Client
	rdb    *redis.Client
	store  *Store
	log    logger.Logger
	ttl    time.Duration
	hotTTL time.Duration
}

func NewService(c *cache.Client, rdb *redis.Client, store *Store, log logger.Logger) *Service {
	return &Service{
		cache:  c,
		rdb:    rdb,
		store:  store,
		log:    log.With(map[string]interface{}{"component": "shop"}),
		ttl:    DefaultTTL,
		hotTTL: DefaultHotTTL,
	}
}

// GetByID resolves a shop with the penetration-guarded pass-through
// strategy: repeated lookups of unknown IDs are absorbed by a tombstone.
func (s *Service) GetByID(ctx context.Context, id int64) (*Shop, bool, error) {
	return cache.GetWithPassThrough[int64, *Shop](ctx, s.cache, CacheKeyPrefix, id, s.store, s.ttl)
}

// GetHotByID resolves a pre-warmed hot shop with the logical-expiration
// strategy: callers never block on a rebuild and may receive a stale
// entry while one is in flight. Returns not-found for shops that were
// never warmed up.
func (s *Service) GetHotByID(ctx context.Context, id int64) (*Shop, bool, error) {
	return cache.GetWithLogicalExpire[int64, *Shop](ctx, s.cache, HotCacheKeyPrefix, id, s.store, s.hotTTL)
}

// WarmUp seeds the logical-expiration entry for a hot shop ahead of the
// traffic spike.
func (s *Service) WarmUp(ctx context.Context, id int64, ttl time.Duration) error {
	shop, found, err := s.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		s.log.Warn("cannot warm up unknown shop %d", id)
		return nil
	}
	return s.cache.SetLogical(ctx, hotCacheKey(id), shop, ttl)
}

// Update writes the shop to the database and invalidates both cache
// entries, in that order, so a racing reader can at worst re-cache the
// new row.
func (s *Service) Update(ctx context.Context, shop *Shop) error {
	if err := s.store.Update(ctx, shop); err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey(shop.ID), hotCacheKey(shop.ID))
}

// ListTypes returns all shop types, cached as a Redis list of msgpack
// elements.
func (s *Service) ListTypes(ctx context.Context) ([]ShopType, error) {
	raw, err := s.rdb.LRange(ctx, typeListKey, 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(raw) > 0 {
		types := make([]ShopType, 0, len(raw))
		for _, item := range raw {
			var st ShopType
			if err := msgpack.Unmarshal([]byte(item), &st); err != nil {
				return nil, err
			}
			types = append(types, st)
		}
		return types, nil
	}

	types, err := s.store.ListTypes(ctx)
	if err != nil {
		return nil, err
	}
	if len(types) == 0 {
		return types, nil
	}

	items := make([]interface{}, 0, len(types))
	for _, st := range types {
		data, err := msgpack.Marshal(st)
		if err != nil {
			return nil, err
		}
		items = append(items, data)
	}
	if err := s.rdb.RPush(ctx, typeListKey, items...).Err(); err != nil {
		s.log.Warn("failed to cache type list: %s", err)
	}
	return types, nil
}

func cacheKey(id int64) string {
	return cache.Key(CacheKeyPrefix, id)
}

func hotCacheKey(id int64) string {
	return cache.Key(HotCacheKeyPrefix, id)
}
