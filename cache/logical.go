package cache

import (
	"context"
	"time"

	"github.com/voucherhub/voucherhub/lock"
)

// GetWithLogicalExpire resolves prefix+id using logical expiration, the
// breakdown guard for hot keys: the caller never blocks and never eats a
// backing-store hit. Entries must be pre-warmed (see Client.SetLogical):
// an absent key returns not-found immediately; this strategy does not
// guard against penetration.
//
// A stale entry triggers at most one asynchronous rebuild per expiry
// cycle, gated by a per-key lock. Every caller, including the one that
// schedules the rebuild, returns the stale payload immediately.
func GetWithLogicalExpire[ID any, T any](ctx context.Context, c *Client, prefix string, id ID, loader Loader[ID, T], ttl time.Duration) (T, bool, error) {
	var zero T
	key := Key(prefix, id)

	entry, found, err := c.getLogical(ctx, key)
	if err != nil {
		return zero, false, err
	}
	if !found {
		return zero, false, nil
	}
	val, err := decode[T](entry.Payload)
	if err != nil {
		return zero, false, err
	}
	if entry.fresh(time.Now()) {
		return val, true, nil
	}

	// Stale. Try to become the rebuilder; losing the race means someone
	// else is already on it and stale-but-available wins.
	l := lock.New(c.rdb, "lock:"+key, c.cfg.lockTTL)
	acquired, err := l.TryAcquire(ctx)
	if err != nil {
		c.log.Warn("rebuild lock acquire failed for %s: %s", key, err)
		return val, true, nil
	}
	if !acquired {
		return val, true, nil
	}

	// Double-check: another rebuilder may have finished between our read
	// and the acquire.
	if entry, found, err := c.getLogical(ctx, key); err == nil && found && entry.fresh(time.Now()) {
		if fresh, err := decode[T](entry.Payload); err == nil {
			c.releaseRebuildLock(l)
			return fresh, true, nil
		}
	}

	// The rebuild runs on the client's lifetime context so a finished
	// request cannot cancel it mid-write.
	if !c.rebuilds.TryGo(func() error {
		defer c.releaseRebuildLock(l)
		fresh, ok, err := loader.Load(c.ctx, id)
		if err != nil {
			c.log.Error("rebuild loader failed for %s: %s", key, err)
			return nil
		}
		if !ok {
			// The backing row vanished; leave the stale entry in place
			// rather than caching absence without a TTL.
			c.log.Warn("rebuild loader reported absence for %s", key)
			return nil
		}
		if err := c.SetLogical(c.ctx, key, fresh, ttl); err != nil {
			c.log.Error("rebuild write failed for %s: %s", key, err)
		}
		return nil
	}) {
		// Pool saturated: give the lock back so a later caller can retry.
		c.releaseRebuildLock(l)
		c.log.Warn("rebuild pool saturated, skipping rebuild for %s", key)
	}

	return val, true, nil
}

func (c *Client) getLogical(ctx context.Context, key string) (logicalEntry, bool, error) {
	data, found, err := c.get(ctx, key)
	if err != nil || !found {
		return logicalEntry{}, false, err
	}
	entry, err := decode[logicalEntry](data)
	if err != nil {
		return logicalEntry{}, false, err
	}
	return entry, true, nil
}

func (c *Client) releaseRebuildLock(l *lock.Lock) {
	if err := l.Release(c.ctx); err != nil {
		c.log.Warn("failed to release rebuild lock %s: %s", l.Key(), err)
	}
}
