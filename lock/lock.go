// Package lock provides a key-scoped mutual exclusion primitive backed by
// Redis SET NX with a TTL. Every acquisition carries a unique token so a
// Release only deletes the key when this acquisition still holds it; a
// plain DEL could otherwise free a lock that a later holder re-acquired
// after our TTL expired.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
end
return 0
`)

// Lock is a single-acquisition handle. It is not reusable across
// acquisitions; construct a new Lock per attempt so each carries a
// fresh token.
type Lock struct {
	rdb   *redis.Client
	key   string
	ttl   time.Duration
	token string
}

// New returns a lock handle for key with the given TTL. The TTL bounds
// worst-case staleness if the holder crashes without releasing.
func New(rdb *redis.Client, key string, ttl time.Duration) *Lock {
	return &Lock{
		rdb:   rdb,
		key:   key,
		ttl:   ttl,
		token: uuid.NewString(),
	}
}

// Key returns the store key guarding this lock.
func (l *Lock) Key() string {
	return l.key
}

// TryAcquire attempts to take the lock without blocking. It returns true
// when this handle now holds the lock.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	return l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
}

// Release frees the lock if this handle still holds it. Releasing a lock
// whose TTL already expired (and which another holder re-acquired) is a
// no-op rather than a theft.
func (l *Lock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
}
