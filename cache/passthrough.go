package cache

import (
	"context"
	"time"
)

// GetWithPassThrough resolves prefix+id with a penetration guard. A
// tombstone hit short-circuits to not-found without touching the loader.
// On a clean miss the loader runs: absence writes a tombstone with the
// configured negative TTL; a value is cached with ttl and returned.
func GetWithPassThrough[ID any, T any](ctx context.Context, c *Client, prefix string, id ID, loader Loader[ID, T], ttl time.Duration) (T, bool, error) {
	var zero T
	key := Key(prefix, id)

	data, found, err := c.get(ctx, key)
	if err != nil {
		return zero, false, err
	}
	if found {
		if len(data) == 0 {
			// Tombstone: absence was cached earlier.
			return zero, false, nil
		}
		val, err := decode[T](data)
		if err != nil {
			return zero, false, err
		}
		return val, true, nil
	}

	val, ok, err := loader.Load(ctx, id)
	if err != nil {
		return zero, false, err
	}
	if !ok {
		c.setTombstone(ctx, key)
		return zero, false, nil
	}

	// Swallow the Set error: the caller already has their value.
	if err := c.Set(ctx, key, val, ttl); err != nil {
		c.log.Warn("failed to populate %s: %s", key, err)
	}
	return val, true, nil
}
