package voucher

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/voucherhub/voucherhub/idgen"
	"github.com/voucherhub/voucherhub/logger"
)

const (
	// stockKeyPrefix holds the remaining Redis-side stock per voucher.
	stockKeyPrefix = "seckill:stock:"
	// orderSetKeyPrefix is the per-voucher dedup set of admitted users.
	// Best-effort fast rejection only: the finalizer's durable check is
	// authoritative (the set can be stale after a cache flush).
	orderSetKeyPrefix = "seckill:order:"
	// OrderStream is the durable queue carrying admitted orders.
	OrderStream = "stream.orders"
)

// Admission outcomes surfaced to the caller as typed errors.
var (
	ErrSoldOut        = errors.New("voucher: sold out")
	ErrAlreadyOrdered = errors.New("voucher: user already ordered")
)

// admissionScript performs the inventory check, the duplicate-order check,
// the stock decrement, and the queue push as one indivisible unit. Running
// it server-side is what prevents oversell and duplicate admission under
// concurrent requests: the individual steps must not be separable into
// round-trips.
//
// Returns 0 admitted, 1 sold out, 2 duplicate order. The stock, dedup-set
// and stream keys are passed as KEYS so the Go constants stay the single
// spelling of each name.
var admissionScript = redis.NewScript(`
local stock = tonumber(redis.call('get', KEYS[1]))
if (stock == nil or stock <= 0) then
    return 1
end
if (redis.call('sismember', KEYS[2], ARGV[1]) == 1) then
    return 2
end
redis.call('incrby', KEYS[1], -1)
redis.call('sadd', KEYS[2], ARGV[1])
redis.call('xadd', KEYS[3], '*', 'id', ARGV[2], 'userId', ARGV[1], 'voucherId', ARGV[3])
return 0
`)

func stockKey(voucherID int64) string {
	return stockKeyPrefix + strconv.FormatInt(voucherID, 10)
}

func orderSetKey(voucherID int64) string {
	return orderSetKeyPrefix + strconv.FormatInt(voucherID, 10)
}

// Service is the request-facing admission surface.
type Service struct {
	rdb   *redis.Client
	ids   *idgen.Worker
	store *Store
	log   logger.Logger
}

func NewService(rdb *redis.Client, ids *idgen.Worker, store *Store, log logger.Logger) *Service {
	return &Service{
		rdb:   rdb,
		ids:   ids,
		store: store,
		log:   log.With(map[string]interface{}{"component": "voucher"}),
	}
}

// AddVoucher persists a voucher and seeds its Redis-side stock counter so
// the admission script can decrement it.
func (s *Service) AddVoucher(ctx context.Context, v *Voucher) error {
	if err := s.store.CreateVoucher(ctx, v); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, stockKey(v.ID), v.Stock, 0).Err(); err != nil {
		return errors.Wrapf(err, "voucher: seeding stock for %d", v.ID)
	}
	return nil
}

// Purchase admits a purchase attempt. On success it returns the order ID
// immediately; the order itself is finalized asynchronously by the Worker,
// so the ID is promised before it is durably persisted. Sold-out and
// duplicate attempts return ErrSoldOut and ErrAlreadyOrdered.
func (s *Service) Purchase(ctx context.Context, voucherID, userID int64) (int64, error) {
	orderID, err := s.ids.NextID(ctx, "order")
	if err != nil {
		return 0, err
	}

	res, err := admissionScript.Run(ctx, s.rdb,
		[]string{stockKey(voucherID), orderSetKey(voucherID), OrderStream},
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(orderID, 10),
		strconv.FormatInt(voucherID, 10),
	).Int()
	if err != nil {
		return 0, errors.Wrapf(err, "voucher: running admission script for voucher %d", voucherID)
	}

	switch res {
	case 0:
		s.log.Debug("admitted order %d for user %d on voucher %d", orderID, userID, voucherID)
		return orderID, nil
	case 1:
		return 0, ErrSoldOut
	case 2:
		return 0, ErrAlreadyOrdered
	default:
		return 0, errors.Newf("voucher: unexpected admission result %d", res)
	}
}
