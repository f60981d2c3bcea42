package copytrade

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func btcMarket() *LeaderMarket {
	return &LeaderMarket{
		Symbol:   "BTC-USDT",
		MinBase:  d("0.001"),
		MinQuote: d("10"),
		Active:   true,
	}
}

func TestComputeCopySizeProportional(t *testing.T) {
	// Leader trades 10 BTC out of a 1,000,000 USDT pool; a follower with a
	// 10,000 USDT allocation copies 1% of the leader's size.
	follower := &Follower{ID: "f1", CopyMode: Proportional}

	res := ComputeCopySize(SizeRequest{
		LeaderAmount:    d("10"),
		LeaderPrice:     d("50000"),
		LeaderPoolSize:  d("1000000"),
		Side:            Buy,
		Market:          btcMarket(),
		Follower:        follower,
		AvailableQuote:  d("10000"),
		AllocationTotal: d("10000"),
	}, d("0.01"))

	assert.False(t, res.Skip)
	assert.True(t, res.Amount.Equal(d("0.1")), "got %s", res.Amount)
	assert.False(t, res.Clamped)
}

func TestComputeCopySizeProportionalFallback(t *testing.T) {
	// Unknown leader pool falls back to the configured default ratio.
	follower := &Follower{ID: "f1", CopyMode: Proportional}

	res := ComputeCopySize(SizeRequest{
		LeaderAmount:    d("10"),
		LeaderPrice:     d("100"),
		LeaderPoolSize:  decimal.Zero,
		Side:            Buy,
		Market:          btcMarket(),
		Follower:        follower,
		AvailableQuote:  d("10000"),
		AllocationTotal: d("10000"),
	}, d("0.02"))

	assert.False(t, res.Skip)
	assert.True(t, res.Amount.Equal(d("0.2")), "got %s", res.Amount)
}

func TestComputeCopySizeFixedAmountClamps(t *testing.T) {
	// FIXED_AMOUNT 5,000 USDT with only 2,000 USDT unreserved clamps to the
	// 2,000 USDT equivalent.
	follower := &Follower{ID: "f2", CopyMode: FixedAmount, FixedAmount: d("5000")}

	res := ComputeCopySize(SizeRequest{
		LeaderAmount:   d("1"),
		LeaderPrice:    d("50000"),
		Side:           Buy,
		Market:         btcMarket(),
		Follower:       follower,
		AvailableQuote: d("2000"),
	}, d("0.01"))

	assert.False(t, res.Skip)
	assert.True(t, res.Clamped)
	assert.True(t, res.Amount.Equal(d("0.04")), "got %s", res.Amount) // 2000/50000
}

func TestComputeCopySizeFixedRatio(t *testing.T) {
	follower := &Follower{ID: "f3", CopyMode: FixedRatio, FixedRatio: d("0.5")}

	res := ComputeCopySize(SizeRequest{
		LeaderAmount:   d("2"),
		LeaderPrice:    d("100"),
		Side:           Sell,
		Market:         &LeaderMarket{Symbol: "ETH-USDT", Active: true},
		Follower:       follower,
		AvailableBase:  d("10"),
		AvailableQuote: d("0"),
	}, d("0.01"))

	assert.False(t, res.Skip)
	assert.True(t, res.Amount.Equal(d("1")), "got %s", res.Amount)
}

func TestComputeCopySizeSellClampsToBase(t *testing.T) {
	follower := &Follower{ID: "f3", CopyMode: FixedRatio, FixedRatio: d("1")}

	res := ComputeCopySize(SizeRequest{
		LeaderAmount:  d("5"),
		LeaderPrice:   d("100"),
		Side:          Sell,
		Market:        &LeaderMarket{Symbol: "ETH-USDT", Active: true},
		Follower:      follower,
		AvailableBase: d("2"),
	}, d("0.01"))

	assert.False(t, res.Skip)
	assert.True(t, res.Clamped)
	assert.True(t, res.Amount.Equal(d("2")))
}

func TestComputeCopySizeSkips(t *testing.T) {
	follower := &Follower{ID: "f1", CopyMode: Proportional}

	t.Run("BelowMinBase", func(t *testing.T) {
		res := ComputeCopySize(SizeRequest{
			LeaderAmount:    d("0.01"),
			LeaderPrice:     d("50000"),
			LeaderPoolSize:  d("1000000"),
			Side:            Buy,
			Market:          btcMarket(),
			Follower:        follower,
			AvailableQuote:  d("10000"),
			AllocationTotal: d("10000"),
		}, d("0.01"))
		assert.True(t, res.Skip)
		assert.Contains(t, res.Reason, "minimum base")
	})

	t.Run("BelowMinQuote", func(t *testing.T) {
		market := &LeaderMarket{Symbol: "BTC-USDT", MinQuote: d("1000"), Active: true}
		res := ComputeCopySize(SizeRequest{
			LeaderAmount:    d("1"),
			LeaderPrice:     d("100"),
			LeaderPoolSize:  d("1000"),
			Side:            Buy,
			Market:          market,
			Follower:        follower,
			AvailableQuote:  d("10"),
			AllocationTotal: d("10"),
		}, d("0.01"))
		assert.True(t, res.Skip)
		assert.Contains(t, res.Reason, "minimum quote")
	})

	t.Run("InactiveMarket", func(t *testing.T) {
		market := btcMarket()
		market.Active = false
		res := ComputeCopySize(SizeRequest{
			LeaderAmount: d("1"),
			LeaderPrice:  d("100"),
			Side:         Buy,
			Market:       market,
			Follower:     follower,
		}, d("0.01"))
		assert.True(t, res.Skip)
	})

	t.Run("NoAllocation", func(t *testing.T) {
		res := ComputeCopySize(SizeRequest{
			LeaderAmount:   d("1"),
			LeaderPrice:    d("100"),
			LeaderPoolSize: d("100"),
			Side:           Buy,
			Market:         btcMarket(),
			Follower:       follower,
			AvailableQuote: decimal.Zero,
		}, d("0.01"))
		assert.True(t, res.Skip)
	})

	t.Run("FixedAmountUnset", func(t *testing.T) {
		res := ComputeCopySize(SizeRequest{
			LeaderAmount:   d("1"),
			LeaderPrice:    d("100"),
			Side:           Buy,
			Market:         btcMarket(),
			Follower:       &Follower{ID: "fx", CopyMode: FixedAmount},
			AvailableQuote: d("100"),
		}, d("0.01"))
		assert.True(t, res.Skip)
	})
}

func TestComputeCopySizeDeterministic(t *testing.T) {
	follower := &Follower{ID: "f1", CopyMode: Proportional}
	req := SizeRequest{
		LeaderAmount:    d("3.14159"),
		LeaderPrice:     d("42000"),
		LeaderPoolSize:  d("777777"),
		Side:            Buy,
		Market:          btcMarket(),
		Follower:        follower,
		AvailableQuote:  d("123456.78"),
		AllocationTotal: d("55555"),
	}

	first := ComputeCopySize(req, d("0.01"))
	for i := 0; i < 10; i++ {
		again := ComputeCopySize(req, d("0.01"))
		assert.True(t, first.Amount.Equal(again.Amount))
		assert.Equal(t, first.Skip, again.Skip)
		assert.Equal(t, first.Clamped, again.Clamped)
	}
}
