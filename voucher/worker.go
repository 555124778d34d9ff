package voucher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/voucherhub/voucherhub/lock"
	"github.com/voucherhub/voucherhub/logger"
)

const (
	// DefaultGroup and DefaultConsumer identify the single logical
	// consumer of the order stream.
	DefaultGroup    = "g1"
	DefaultConsumer = "c1"
	// DefaultBlock bounds the main read so the loop stays responsive to
	// shutdown.
	DefaultBlock = 2 * time.Second
	// DefaultOrderLockTTL bounds the per-user finalize lock.
	DefaultOrderLockTTL = 10 * time.Second

	// recoveryPause is the backoff after a transient recovery-scan error.
	recoveryPause = 50 * time.Millisecond
)

type workerConfig struct {
	stream       string
	group        string
	consumer     string
	block        time.Duration
	orderLockTTL time.Duration
}

// WorkerOption configures a Worker.
type WorkerOption func(*workerConfig)

// WithStream overrides the stream key read by the worker.
func WithStream(stream string) WorkerOption {
	return func(c *workerConfig) { c.stream = stream }
}

// WithGroup overrides the consumer group name.
func WithGroup(group string) WorkerOption {
	return func(c *workerConfig) { c.group = group }
}

// WithConsumer overrides the consumer identity within the group.
func WithConsumer(consumer string) WorkerOption {
	return func(c *workerConfig) { c.consumer = consumer }
}

// WithBlock overrides the bounded wait of the main stream read.
func WithBlock(d time.Duration) WorkerOption {
	return func(c *workerConfig) { c.block = d }
}

// WithOrderLockTTL overrides the TTL of the per-user finalize lock.
func WithOrderLockTTL(d time.Duration) WorkerOption {
	return func(c *workerConfig) { c.orderLockTTL = d }
}

// Worker is the single background consumer of the order stream. It runs a
// two-state loop: the consume state block-reads new entries; any failure
// flips it into a recovery state that drains the group's pending-entries
// list (delivered but never acknowledged, e.g. after a crash) before
// returning to normal consumption. Together with the idempotent finalizer
// this gives at-least-once processing.
type Worker struct {
	rdb    *redis.Client
	fin    *Finalizer
	log    logger.Logger
	cfg    workerConfig
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(rdb *redis.Client, fin *Finalizer, log logger.Logger, opts ...WorkerOption) *Worker {
	cfg := workerConfig{
		stream:       OrderStream,
		group:        DefaultGroup,
		consumer:     DefaultConsumer,
		block:        DefaultBlock,
		orderLockTTL: DefaultOrderLockTTL,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Worker{
		rdb: rdb,
		fin: fin,
		log: log.With(map[string]interface{}{"component": "order-worker"}),
		cfg: cfg,
	}
}

// Start creates the consumer group if needed and launches the loop. The
// group starts at ID 0 so entries enqueued before the first worker run
// are still claimed.
func (w *Worker) Start(ctx context.Context) error {
	err := w.rdb.XGroupCreateMkStream(ctx, w.cfg.stream, w.cfg.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return errors.Wrap(err, "worker: creating consumer group")
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(runCtx)
	return nil
}

// Stop cancels the loop and waits for it to drain.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func isBusyGroup(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	// A previous process may have died between deliver and ack; drain the
	// pending list before taking new work.
	w.recoverPending(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.cfg.group,
			Consumer: w.cfg.consumer,
			Streams:  []string{w.cfg.stream, ">"},
			Count:    1,
			Block:    w.cfg.block,
		}).Result()
		if err == redis.Nil {
			// Nothing arrived within the wait budget.
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("reading order stream: %s", err)
			w.recoverPending(ctx)
			continue
		}

		if err := w.consume(ctx, streams); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("handling order: %s", err)
			w.recoverPending(ctx)
		}
	}
}

// recoverPending re-reads the group's pending-entries list from the
// beginning, acknowledging and finalizing each entry, until the list is
// empty. A transient error pauses briefly and retries the same scan.
func (w *Worker) recoverPending(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.cfg.group,
			Consumer: w.cfg.consumer,
			Streams:  []string{w.cfg.stream, "0"},
			Count:    1,
		}).Result()
		if err == redis.Nil {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("reading pending entries: %s", err)
			w.pause(ctx)
			continue
		}
		if emptyRead(streams) {
			// Pending list drained.
			return
		}

		if err := w.consume(ctx, streams); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("recovering pending order: %s", err)
			w.pause(ctx)
		}
	}
}

func (w *Worker) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(recoveryPause):
	}
}

func emptyRead(streams []redis.XStream) bool {
	for _, stream := range streams {
		if len(stream.Messages) > 0 {
			return false
		}
	}
	return true
}

// consume acknowledges and finalizes every entry in the read result.
// The ack precedes finalization; a crash in between is covered by the
// finalizer's idempotency plus the admission-side dedup set.
func (w *Worker) consume(ctx context.Context, streams []redis.XStream) error {
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			order, err := orderFromMessage(msg)
			if err != nil {
				// Poison entry: ack it out of the pending list or the
				// recovery scan will replay it forever.
				w.log.Error("dropping malformed entry %s: %s", msg.ID, err)
				if err := w.rdb.XAck(ctx, w.cfg.stream, w.cfg.group, msg.ID).Err(); err != nil {
					return errors.Wrapf(err, "worker: acking malformed entry %s", msg.ID)
				}
				continue
			}
			if err := w.rdb.XAck(ctx, w.cfg.stream, w.cfg.group, msg.ID).Err(); err != nil {
				return errors.Wrapf(err, "worker: acking entry %s", msg.ID)
			}
			if err := w.handleOrder(ctx, order); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleOrder finalizes an order under a per-user lock so two worker
// instances cannot finalize for the same user concurrently.
func (w *Worker) handleOrder(ctx context.Context, order *Order) error {
	l := lock.New(w.rdb, fmt.Sprintf("lock:order:%d", order.UserID), w.cfg.orderLockTTL)
	acquired, err := l.TryAcquire(ctx)
	if err != nil {
		return errors.Wrap(err, "worker: acquiring order lock")
	}
	if !acquired {
		// Another consumer is finalizing for this user; the dedup check
		// will discard whichever copy loses.
		w.log.Warn("order %d skipped: user %d is locked by another consumer", order.ID, order.UserID)
		return nil
	}
	defer func() {
		if err := l.Release(ctx); err != nil {
			w.log.Warn("failed to release order lock for user %d: %s", order.UserID, err)
		}
	}()

	return w.fin.Finalize(ctx, order)
}

// orderFromMessage reconstructs an Order from a stream entry's flat
// field set.
func orderFromMessage(msg redis.XMessage) (*Order, error) {
	id, err := messageInt(msg, "id")
	if err != nil {
		return nil, err
	}
	userID, err := messageInt(msg, "userId")
	if err != nil {
		return nil, err
	}
	voucherID, err := messageInt(msg, "voucherId")
	if err != nil {
		return nil, err
	}
	return &Order{ID: id, UserID: userID, VoucherID: voucherID}, nil
}

func messageInt(msg redis.XMessage, field string) (int64, error) {
	raw, ok := msg.Values[field]
	if !ok {
		return 0, errors.Newf("worker: entry %s missing field %q", msg.ID, field)
	}
	str, ok := raw.(string)
	if !ok {
		return 0, errors.Newf("worker: entry %s field %q is not a string", msg.ID, field)
	}
	val, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "worker: entry %s field %q", msg.ID, field)
	}
	return val, nil
}
