package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/voucherhub/voucherhub/lock"
)

// ErrLockContended is returned by GetWithMutex when the rebuild lock
// could not be acquired within the configured number of attempts.
var ErrLockContended = errors.New("cache: rebuild lock contended")

// GetWithMutex resolves prefix+id with a blocking breakdown guard: on a
// miss exactly one caller rebuilds the entry under a distributed lock
// while the others back off and retry the whole lookup. Retries are
// bounded; pathological contention surfaces as ErrLockContended instead
// of unbounded recursion. The tombstone policy matches GetWithPassThrough.
func GetWithMutex[ID any, T any](ctx context.Context, c *Client, prefix string, id ID, loader Loader[ID, T], ttl time.Duration) (T, bool, error) {
	var zero T
	key := Key(prefix, id)

	for attempt := 0; attempt < c.cfg.mutexRetries; attempt++ {
		val, found, done, err := mutexLookup(ctx, c, key, id, loader, ttl)
		if done {
			return val, found, err
		}
		// Lock held elsewhere: back off and retry the whole lookup, which
		// usually hits the freshly rebuilt entry.
		select {
		case <-ctx.Done():
			return zero, false, ctx.Err()
		case <-time.After(c.cfg.mutexBackoff):
		}
	}
	return zero, false, ErrLockContended
}

// mutexLookup performs one attempt. done=false means the lock was
// contended and the caller should retry.
func mutexLookup[ID any, T any](ctx context.Context, c *Client, key string, id ID, loader Loader[ID, T], ttl time.Duration) (T, bool, bool, error) {
	var zero T

	if val, found, hit, err := cachedValue[T](ctx, c, key); hit || err != nil {
		return val, found, true, err
	}

	l := lock.New(c.rdb, "lock:"+key, c.cfg.lockTTL)
	acquired, err := l.TryAcquire(ctx)
	if err != nil {
		return zero, false, true, err
	}
	if !acquired {
		return zero, false, false, nil
	}
	defer c.releaseRebuildLock(l)

	// Double-check: the previous holder may have just rebuilt the entry.
	if val, found, hit, err := cachedValue[T](ctx, c, key); hit || err != nil {
		return val, found, true, err
	}

	val, ok, err := loader.Load(ctx, id)
	if err != nil {
		return zero, false, true, err
	}
	if !ok {
		c.setTombstone(ctx, key)
		return zero, false, true, nil
	}
	if err := c.Set(ctx, key, val, ttl); err != nil {
		c.log.Warn("failed to populate %s: %s", key, err)
	}
	return val, true, true, nil
}

// cachedValue reads key and reports hit=true when the cache answered,
// whether with a value or a tombstone.
func cachedValue[T any](ctx context.Context, c *Client, key string) (T, bool, bool, error) {
	var zero T
	data, found, err := c.get(ctx, key)
	if err != nil {
		return zero, false, false, err
	}
	if !found {
		return zero, false, false, nil
	}
	if len(data) == 0 {
		return zero, false, true, nil
	}
	val, err := decode[T](data)
	if err != nil {
		return zero, false, false, err
	}
	return val, true, true, nil
}
