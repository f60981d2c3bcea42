package copytrade

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestCreateAllocation(t *testing.T) {
	book := NewAllocationBook(30 * time.Second)

	t.Run("CreateNew", func(t *testing.T) {
		alloc, err := book.CreateAllocation("f1", "BTC-USDT", d("0.5"), d("10000"))
		require.NoError(t, err)
		assert.True(t, alloc.Active)
		assert.True(t, alloc.BaseAmount.Equal(d("0.5")))
		assert.True(t, alloc.QuoteAmount.Equal(d("10000")))
		assert.True(t, alloc.QuoteUsedAmount.IsZero())
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		_, err := book.CreateAllocation("f1", "BTC-USDT", d("1"), d("1"))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")
	})

	t.Run("NegativeAmount", func(t *testing.T) {
		_, err := book.CreateAllocation("f2", "BTC-USDT", d("-1"), d("0"))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})
}

func TestReserveCommitRelease(t *testing.T) {
	book := NewAllocationBook(30 * time.Second)
	_, err := book.CreateAllocation("f1", "BTC-USDT", d("1"), d("1000"))
	require.NoError(t, err)

	t.Run("ReserveWithinAvailable", func(t *testing.T) {
		res, err := book.Reserve("f1", "BTC-USDT", "USDT", d("600"))
		require.NoError(t, err)
		assert.True(t, book.Available("f1", "BTC-USDT", "USDT").Equal(d("400")))

		require.NoError(t, book.Release(res.ID))
		assert.True(t, book.Available("f1", "BTC-USDT", "USDT").Equal(d("1000")))
	})

	t.Run("ReserveBeyondAvailable", func(t *testing.T) {
		_, err := book.Reserve("f1", "BTC-USDT", "USDT", d("1001"))
		assert.ErrorIs(t, err, ErrInsufficientAllocation)
	})

	t.Run("CommitPartial", func(t *testing.T) {
		res, err := book.Reserve("f1", "BTC-USDT", "USDT", d("500"))
		require.NoError(t, err)

		require.NoError(t, book.Commit(res.ID, d("300")))

		alloc, err := book.Get("f1", "BTC-USDT")
		require.NoError(t, err)
		assert.True(t, alloc.QuoteUsedAmount.Equal(d("300")))
		assert.True(t, alloc.QuoteReserved.IsZero())
		assert.True(t, book.Available("f1", "BTC-USDT", "USDT").Equal(d("700")))
	})

	t.Run("CommitMoreThanReserved", func(t *testing.T) {
		res, err := book.Reserve("f1", "BTC-USDT", "USDT", d("100"))
		require.NoError(t, err)

		err = book.Commit(res.ID, d("150"))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "exceeds reserved")

		// The reservation survives a bad commit.
		require.NoError(t, book.Release(res.ID))
	})

	t.Run("ReleaseUnknown", func(t *testing.T) {
		assert.ErrorIs(t, book.Release(99999), ErrNotFound)
	})

	t.Run("WrongCurrency", func(t *testing.T) {
		_, err := book.Reserve("f1", "BTC-USDT", "ETH", d("1"))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})
}

func TestAllocationInvariant(t *testing.T) {
	// 0 <= used <= amount must hold after any sequence of operations.
	book := NewAllocationBook(30 * time.Second)
	_, err := book.CreateAllocation("f1", "ETH-USDT", d("10"), d("5000"))
	require.NoError(t, err)

	check := func() {
		alloc, err := book.Get("f1", "ETH-USDT")
		require.NoError(t, err)
		assert.False(t, alloc.QuoteUsedAmount.IsNegative())
		assert.True(t, alloc.QuoteUsedAmount.LessThanOrEqual(alloc.QuoteAmount))
		assert.False(t, alloc.BaseUsedAmount.IsNegative())
		assert.True(t, alloc.BaseUsedAmount.LessThanOrEqual(alloc.BaseAmount))
	}

	res, err := book.Reserve("f1", "ETH-USDT", "USDT", d("5000"))
	require.NoError(t, err)
	check()

	require.NoError(t, book.Commit(res.ID, d("5000")))
	check()

	require.NoError(t, book.Settle("f1", "ETH-USDT", "USDT", d("5000"), d("-250")))
	check()

	alloc, err := book.Get("f1", "ETH-USDT")
	require.NoError(t, err)
	assert.True(t, alloc.QuoteAmount.Equal(d("4750")))
	assert.True(t, alloc.QuoteUsedAmount.IsZero())
}

func TestConcurrentReserveNoOvercommit(t *testing.T) {
	// N concurrent reserves whose total exceeds capacity: exactly the
	// subset fitting within remaining capacity succeeds.
	book := NewAllocationBook(30 * time.Second)
	_, err := book.CreateAllocation("f1", "BTC-USDT", d("0"), d("1000"))
	require.NoError(t, err)

	const n = 50
	each := d("100") // 50 * 100 = 5000 requested vs 1000 capacity

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	failed := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := book.Reserve("f1", "BTC-USDT", "USDT", each)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else {
				assert.ErrorIs(t, err, ErrInsufficientAllocation)
				failed++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, n-10, failed)
	assert.True(t, book.Available("f1", "BTC-USDT", "USDT").IsZero())
	assert.Equal(t, 10, book.OutstandingReservations())
}

func TestReservationTimeout(t *testing.T) {
	book := NewAllocationBook(50 * time.Millisecond)
	_, err := book.CreateAllocation("f1", "BTC-USDT", d("0"), d("1000"))
	require.NoError(t, err)

	var expiredMu sync.Mutex
	var expired []*Reservation
	book.OnExpired(func(r *Reservation) {
		expiredMu.Lock()
		expired = append(expired, r)
		expiredMu.Unlock()
	})

	res, err := book.Reserve("f1", "BTC-USDT", "USDT", d("400"))
	require.NoError(t, err)
	assert.True(t, book.Available("f1", "BTC-USDT", "USDT").Equal(d("600")))

	book.sweepExpired(time.Now().Add(time.Second))

	assert.True(t, book.Available("f1", "BTC-USDT", "USDT").Equal(d("1000")))
	assert.Equal(t, 0, book.OutstandingReservations())
	expiredMu.Lock()
	require.Len(t, expired, 1)
	assert.Equal(t, res.ID, expired[0].ID)
	expiredMu.Unlock()

	// A committed reservation is gone and cannot expire twice.
	assert.ErrorIs(t, book.Commit(res.ID, d("400")), ErrNotFound)
}

func TestTouchExtendsDeadline(t *testing.T) {
	book := NewAllocationBook(time.Minute)
	_, err := book.CreateAllocation("f1", "BTC-USDT", d("0"), d("1000"))
	require.NoError(t, err)

	res, err := book.Reserve("f1", "BTC-USDT", "USDT", d("100"))
	require.NoError(t, err)

	book.Touch(res.ID)
	book.sweepExpired(time.Now().Add(30 * time.Second))
	assert.Equal(t, 1, book.OutstandingReservations())
}

func TestDeactivateBlocksNewReservations(t *testing.T) {
	book := NewAllocationBook(30 * time.Second)
	_, err := book.CreateAllocation("f1", "BTC-USDT", d("0"), d("1000"))
	require.NoError(t, err)

	res, err := book.Reserve("f1", "BTC-USDT", "USDT", d("100"))
	require.NoError(t, err)

	require.NoError(t, book.SetActive("f1", "BTC-USDT", false))

	_, err = book.Reserve("f1", "BTC-USDT", "USDT", d("100"))
	assert.ErrorIs(t, err, ErrAllocationInactive)

	// In-flight reservations still complete normally.
	require.NoError(t, book.Commit(res.ID, d("100")))
	alloc, err := book.Get("f1", "BTC-USDT")
	require.NoError(t, err)
	assert.True(t, alloc.QuoteUsedAmount.Equal(d("100")))
}

func TestAdjust(t *testing.T) {
	book := NewAllocationBook(30 * time.Second)
	_, err := book.CreateAllocation("f1", "BTC-USDT", d("0"), d("1000"))
	require.NoError(t, err)

	res, err := book.Reserve("f1", "BTC-USDT", "USDT", d("400"))
	require.NoError(t, err)
	require.NoError(t, book.Commit(res.ID, d("400")))

	t.Run("GrowPool", func(t *testing.T) {
		require.NoError(t, book.Adjust("f1", "BTC-USDT", "USDT", d("2000")))
		assert.True(t, book.Available("f1", "BTC-USDT", "USDT").Equal(d("1600")))
	})

	t.Run("ShrinkBelowUsed", func(t *testing.T) {
		err := book.Adjust("f1", "BTC-USDT", "USDT", d("300"))
		assert.ErrorIs(t, err, ErrInsufficientAllocation)
	})
}
