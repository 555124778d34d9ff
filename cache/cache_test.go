package cache

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/voucherhub/voucherhub/logger"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newTestClient(t *testing.T, rdb *redis.Client, opts ...Option) *Client {
	t.Helper()
	c := NewClient(context.Background(), rdb, logger.NewTestLogger(), opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

type testShop struct {
	ID   int64  `msgpack:"id"`
	Name string `msgpack:"name"`
}

// countingLoader counts Load invocations and serves a fixed answer.
type countingLoader struct {
	mu    sync.Mutex
	calls int
	val   testShop
	ok    bool
}

func (l *countingLoader) Load(ctx context.Context, id int64) (testShop, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.val, l.ok, nil
}

func (l *countingLoader) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}
