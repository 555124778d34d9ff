// Package cache implements a cache-aside layer over Redis with guards for
// the two classic failure modes: penetration (lookups for keys with no
// backing data) and breakdown (a rebuild stampede on one hot, expired
// key).
//
// Three lookup strategies are provided:
//
//   - GetWithPassThrough caches loader absence as a short-lived tombstone
//     so repeated misses never reach the loader.
//   - GetWithLogicalExpire stores entries without a store TTL and marks
//     staleness with an in-payload timestamp; expired entries are rebuilt
//     asynchronously while callers keep receiving the stale value.
//   - GetWithMutex serializes rebuilds behind a distributed lock with a
//     bounded retry loop.
//
// Values are serialized with msgpack. A tombstone is an empty payload;
// real values always encode to at least one byte, so the two cannot be
// confused.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"github.com/voucherhub/voucherhub/logger"
)

const (
	// DefaultNegativeTTL bounds how long a tombstone suppresses the loader.
	DefaultNegativeTTL = 2 * time.Minute
	// DefaultLockTTL bounds rebuild-lock staleness if a holder crashes.
	DefaultLockTTL = 10 * time.Second
	// DefaultRebuildWorkers is the size of the async rebuild pool.
	DefaultRebuildWorkers = 10
	// DefaultMutexRetries bounds the mutex strategy's retry loop.
	DefaultMutexRetries = 10
	// DefaultMutexBackoff is the sleep between mutex retry attempts.
	DefaultMutexBackoff = 50 * time.Millisecond
)

// Loader resolves an identity to a value from the backing store. Absence
// is reported as found=false, never as an error.
type Loader[ID any, T any] interface {
	Load(ctx context.Context, id ID) (T, bool, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc[ID any, T any] func(ctx context.Context, id ID) (T, bool, error)

func (f LoaderFunc[ID, T]) Load(ctx context.Context, id ID) (T, bool, error) {
	return f(ctx, id)
}

type config struct {
	negativeTTL    time.Duration
	lockTTL        time.Duration
	rebuildWorkers int
	mutexRetries   int
	mutexBackoff   time.Duration
}

// Option configures a Client.
type Option func(*config)

// WithNegativeTTL sets the tombstone TTL used for penetration guarding.
func WithNegativeTTL(d time.Duration) Option {
	return func(c *config) { c.negativeTTL = d }
}

// WithLockTTL sets the TTL on rebuild locks.
func WithLockTTL(d time.Duration) Option {
	return func(c *config) { c.lockTTL = d }
}

// WithRebuildWorkers bounds the async rebuild pool.
func WithRebuildWorkers(n int) Option {
	return func(c *config) { c.rebuildWorkers = n }
}

// WithMutexRetries bounds the mutex strategy's retry attempts before it
// gives up with ErrLockContended.
func WithMutexRetries(n int) Option {
	return func(c *config) { c.mutexRetries = n }
}

// WithMutexBackoff sets the sleep between mutex retry attempts.
func WithMutexBackoff(d time.Duration) Option {
	return func(c *config) { c.mutexBackoff = d }
}

func defaultConfig() config {
	return config{
		negativeTTL:    DefaultNegativeTTL,
		lockTTL:        DefaultLockTTL,
		rebuildWorkers: DefaultRebuildWorkers,
		mutexRetries:   DefaultMutexRetries,
		mutexBackoff:   DefaultMutexBackoff,
	}
}

// Client wraps a Redis client with the cache-aside strategies and the
// bounded rebuild pool used by the logical-expiration strategy.
type Client struct {
	rdb      *redis.Client
	log      logger.Logger
	ctx      context.Context
	cfg      config
	rebuilds errgroup.Group
}

// NewClient returns a cache client. ctx is the lifetime context for
// asynchronous rebuild work; it should outlive individual requests.
// The caller owns the redis.Client lifecycle.
func NewClient(ctx context.Context, rdb *redis.Client, log logger.Logger, opts ...Option) *Client {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	c := &Client{
		rdb: rdb,
		log: log.With(map[string]interface{}{"component": "cache"}),
		ctx: ctx,
		cfg: cfg,
	}
	c.rebuilds.SetLimit(cfg.rebuildWorkers)
	return c
}

// Close drains the rebuild pool, waiting for in-flight rebuilds.
func (c *Client) Close() error {
	return c.rebuilds.Wait()
}

// Key renders an identity into the key namespace of a prefix.
func Key[ID any](prefix string, id ID) string {
	return prefix + fmt.Sprintf("%v", id)
}

// get returns the raw payload for key. found=true with an empty payload
// means a tombstone.
func (c *Client) get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Set stores a msgpack-serialized value with a store-level TTL.
func (c *Client) Set(ctx context.Context, key string, val any, ttl time.Duration) error {
	data, err := msgpack.Marshal(val)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, data, ttl).Err()
}

// SetLogical stores a value wrapped in a logical-expiration envelope with
// NO store-level TTL: the store never evicts it, and staleness is judged
// purely by comparing the embedded expireAt to the clock at read time.
func (c *Client) SetLogical(ctx context.Context, key string, val any, ttl time.Duration) error {
	payload, err := msgpack.Marshal(val)
	if err != nil {
		return err
	}
	data, err := msgpack.Marshal(logicalEntry{
		ExpireAt: time.Now().Add(ttl),
		Payload:  payload,
	})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, data, 0).Err()
}

// Delete removes one or more keys from the cache.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *Client) setTombstone(ctx context.Context, key string) {
	if err := c.rdb.Set(ctx, key, []byte{}, c.cfg.negativeTTL).Err(); err != nil {
		c.log.Warn("failed to write tombstone for %s: %s", key, err)
	}
}

// logicalEntry wraps a payload with an explicit expiry timestamp.
type logicalEntry struct {
	ExpireAt time.Time `msgpack:"expireAt"`
	Payload  []byte    `msgpack:"payload"`
}

func (e logicalEntry) fresh(now time.Time) bool {
	return e.ExpireAt.After(now)
}

func decode[T any](data []byte) (T, error) {
	var v T
	if err := msgpack.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, fmt.Errorf("cache: failed to unmarshal value: %w", err)
	}
	return v, nil
}
