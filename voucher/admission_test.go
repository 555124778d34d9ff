package voucher

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voucherhub/voucherhub/idgen"
	"github.com/voucherhub/voucherhub/logger"
)

func newTestService(t *testing.T) (*Service, *Store) {
	t.Helper()
	_, rdb := newTestRedis(t)
	_, store := newTestStore(t)
	svc := NewService(rdb, idgen.NewWorker(rdb), store, logger.NewTestLogger())
	return svc, store
}

func testVoucher(id, stock int64) *Voucher {
	now := time.Now()
	return &Voucher{
		ID:        id,
		Title:     "100 off",
		Stock:     stock,
		BeginTime: now.Add(-time.Hour),
		EndTime:   now.Add(time.Hour),
	}
}

func TestAddVoucherSeedsStock(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.AddVoucher(ctx, testVoucher(10, 5)))

	stock, err := svc.rdb.Get(ctx, stockKeyPrefix+"10").Int64()
	require.NoError(t, err)
	assert.EqualValues(t, 5, stock)
}

func TestPurchaseAdmitsUntilSoldOut(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.AddVoucher(ctx, testVoucher(10, 2)))

	id1, err := svc.Purchase(ctx, 10, 1)
	require.NoError(t, err)
	assert.NotZero(t, id1)

	id2, err := svc.Purchase(ctx, 10, 2)
	require.NoError(t, err)
	assert.NotZero(t, id2)
	assert.NotEqual(t, id1, id2)

	_, err = svc.Purchase(ctx, 10, 3)
	assert.ErrorIs(t, err, ErrSoldOut)
}

func TestPurchaseDuplicateUser(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.AddVoucher(ctx, testVoucher(10, 5)))

	_, err := svc.Purchase(ctx, 10, 1)
	require.NoError(t, err)

	_, err = svc.Purchase(ctx, 10, 1)
	assert.ErrorIs(t, err, ErrAlreadyOrdered)

	// The duplicate attempt must not burn a unit.
	stock, err := svc.rdb.Get(ctx, stockKeyPrefix+"10").Int64()
	require.NoError(t, err)
	assert.EqualValues(t, 4, stock)
}

func TestPurchaseUnknownVoucherIsSoldOut(t *testing.T) {
	svc, _ := newTestService(t)

	// No seeded stock key: the script treats it as exhausted.
	_, err := svc.Purchase(context.Background(), 999, 1)
	assert.ErrorIs(t, err, ErrSoldOut)
}

func TestPurchaseConcurrentRespectsStock(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	const stock = 10
	const buyers = 50
	require.NoError(t, svc.AddVoucher(ctx, testVoucher(10, stock)))

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	soldOut := 0

	for user := int64(1); user <= buyers; user++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			_, err := svc.Purchase(ctx, 10, userID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, ErrSoldOut):
				soldOut++
			default:
				t.Errorf("unexpected purchase error: %v", err)
			}
		}(user)
	}
	wg.Wait()

	assert.Equal(t, stock, admitted, "at most S admissions for stock S")
	assert.Equal(t, buyers-stock, soldOut)

	remaining, err := svc.rdb.Get(ctx, stockKeyPrefix+"10").Int64()
	require.NoError(t, err)
	assert.EqualValues(t, 0, remaining)

	// Every admitted order is on the queue exactly once.
	length, err := svc.rdb.XLen(ctx, OrderStream).Result()
	require.NoError(t, err)
	assert.EqualValues(t, stock, length)
}

func TestPurchaseTouchesDeclaredKeys(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.AddVoucher(ctx, testVoucher(10, 5)))

	_, err := svc.Purchase(ctx, 10, 42)
	require.NoError(t, err)

	// The script's writes land on the keys the Go constants spell: the
	// stock counter, the per-voucher dedup set, and the order stream.
	stock, err := svc.rdb.Get(ctx, stockKeyPrefix+"10").Int64()
	require.NoError(t, err)
	assert.EqualValues(t, 4, stock)

	member, err := svc.rdb.SIsMember(ctx, orderSetKeyPrefix+"10", "42").Result()
	require.NoError(t, err)
	assert.True(t, member)

	length, err := svc.rdb.XLen(ctx, OrderStream).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, length)
}

func TestPurchaseQueuesOrderFields(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.AddVoucher(ctx, testVoucher(10, 1)))

	orderID, err := svc.Purchase(ctx, 10, 42)
	require.NoError(t, err)

	msgs, err := svc.rdb.XRange(ctx, OrderStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, strconv.FormatInt(orderID, 10), msgs[0].Values["id"])
	assert.Equal(t, "42", msgs[0].Values["userId"])
	assert.Equal(t, "10", msgs[0].Values["voucherId"])
}
