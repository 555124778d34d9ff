package voucher

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/uptrace/bun"

	"github.com/voucherhub/voucherhub/logger"
)

// Finalizer performs the authoritative, transactional persistence of an
// admitted order. It is idempotent: replaying the same order (e.g. from a
// pending-entry recovery scan) is a logged no-op.
type Finalizer struct {
	db  *bun.DB
	log logger.Logger
}

func NewFinalizer(db *bun.DB, log logger.Logger) *Finalizer {
	return &Finalizer{
		db:  db,
		log: log.With(map[string]interface{}{"component": "finalizer"}),
	}
}

// Finalize persists order in one transaction: re-check (user, voucher)
// uniqueness, optimistically decrement stock, insert the row.
//
// A prior order means the admission-side dedup already answered the user;
// the replay is discarded without error. A failed optimistic decrement
// despite prior admission indicates a logic or data bug, not contention:
// it is logged at error level, the one place a bug manifests as silent
// order loss, and the order is dropped rather than retried.
func (f *Finalizer) Finalize(ctx context.Context, order *Order) error {
	return f.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		count, err := tx.NewSelect().
			Model((*Order)(nil)).
			Where("vo.user_id = ? AND vo.voucher_id = ?", order.UserID, order.VoucherID).
			Count(ctx)
		if err != nil {
			return errors.Wrap(err, "finalizer: checking for prior order")
		}
		if count > 0 {
			f.log.Warn("order %d discarded: user %d already holds voucher %d", order.ID, order.UserID, order.VoucherID)
			return nil
		}

		res, err := tx.NewUpdate().
			Model((*Voucher)(nil)).
			Set("stock = stock - 1").
			Where("id = ? AND stock > 0", order.VoucherID).
			Exec(ctx)
		if err != nil {
			return errors.Wrap(err, "finalizer: decrementing stock")
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "finalizer: reading rows affected")
		}
		if rows == 0 {
			// The admission script already reserved this unit, so an empty
			// match here means the Redis and SQL stock diverged.
			f.log.Error("order %d dropped: stock decrement matched no rows for voucher %d", order.ID, order.VoucherID)
			return nil
		}

		if _, err := tx.NewInsert().Model(order).Exec(ctx); err != nil {
			return errors.Wrapf(err, "finalizer: inserting order %d", order.ID)
		}
		f.log.Info("order %d finalized for user %d on voucher %d", order.ID, order.UserID, order.VoucherID)
		return nil
	})
}
