// Package voucher implements the flash-sale order-admission pipeline:
// an atomic Redis-side admission script, a durable stream queue with a
// consumer group, a background order worker with pending-entry recovery,
// and a transactional order finalizer.
package voucher

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/uptrace/bun"
)

// Voucher is a flash-sale voucher with a strict inventory limit. Stock is
// only ever decremented: optimistically in SQL by the finalizer and
// atomically in Redis by the admission script.
type Voucher struct {
	bun.BaseModel `bun:"table:vouchers,alias:v"`

	ID        int64     `bun:"id,pk"`
	Title     string    `bun:"title"`
	Stock     int64     `bun:"stock,notnull"`
	BeginTime time.Time `bun:"begin_time"`
	EndTime   time.Time `bun:"end_time"`
}

// Order is an admitted purchase. At most one row per (UserID, VoucherID)
// pair ever exists; the finalizer enforces this authoritatively.
type Order struct {
	bun.BaseModel `bun:"table:voucher_orders,alias:vo"`

	ID        int64 `bun:"id,pk"`
	UserID    int64 `bun:"user_id,notnull"`
	VoucherID int64 `bun:"voucher_id,notnull"`
}

// Store is the durable voucher/order repository.
type Store struct {
	db *bun.DB
}

func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

// Init creates the schema if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	for _, model := range []any{(*Voucher)(nil), (*Order)(nil)} {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return errors.Wrap(err, "voucher: creating schema")
		}
	}
	return nil
}

func (s *Store) CreateVoucher(ctx context.Context, v *Voucher) error {
	_, err := s.db.NewInsert().Model(v).Exec(ctx)
	return errors.Wrapf(err, "voucher: inserting voucher %d", v.ID)
}

// Load resolves a voucher by ID, reporting absence as found=false. The
// signature satisfies the cache loader contract.
func (s *Store) Load(ctx context.Context, id int64) (*Voucher, bool, error) {
	v := new(Voucher)
	err := s.db.NewSelect().Model(v).Where("v.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "voucher: loading voucher %d", id)
	}
	return v, true, nil
}

// CountOrders returns how many orders a user holds for a voucher.
func (s *Store) CountOrders(ctx context.Context, userID, voucherID int64) (int, error) {
	count, err := s.db.NewSelect().
		Model((*Order)(nil)).
		Where("vo.user_id = ? AND vo.voucher_id = ?", userID, voucherID).
		Count(ctx)
	return count, errors.Wrapf(err, "voucher: counting orders for user %d", userID)
}

// GetOrder resolves an order by ID, reporting absence as found=false.
func (s *Store) GetOrder(ctx context.Context, id int64) (*Order, bool, error) {
	o := new(Order)
	err := s.db.NewSelect().Model(o).Where("vo.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "voucher: loading order %d", id)
	}
	return o, true, nil
}
