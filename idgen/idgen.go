// Package idgen produces monotonically trending 64-bit identifiers: a
// coarse timestamp in the high bits and a per-day sequence (shared across
// process instances via a Redis counter) in the low bits.
package idgen

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

const (
	// epoch is 2024-01-01T00:00:00Z, the zero point of the timestamp
	// component.
	epoch = 1704067200
	// sequenceBits is the width of the per-day counter. Uniqueness holds
	// as long as fewer than 2^32 IDs are issued per prefix per day.
	sequenceBits = 32
)

// Worker generates IDs for a set of key prefixes. Safe for concurrent use
// from any number of goroutines and process instances.
type Worker struct {
	rdb *redis.Client
	now func() time.Time
}

func NewWorker(rdb *redis.Client) *Worker {
	return &Worker{rdb: rdb, now: time.Now}
}

// NextID returns the next identifier for prefix. The value is
// (unixSeconds-epoch)<<32 | counter, where the counter is a Redis INCR on
// a key scoped to the prefix and the current calendar day.
func (w *Worker) NextID(ctx context.Context, prefix string) (int64, error) {
	now := w.now().UTC()
	timestamp := now.Unix() - epoch

	day := now.Format("2006:01:02")
	seq, err := w.rdb.Incr(ctx, "icr:"+prefix+":"+day).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "idgen: incrementing sequence for %s", prefix)
	}

	return timestamp<<sequenceBits | seq, nil
}
