package copytrade

import (
	"github.com/shopspring/decimal"
)

// SizeRequest carries everything the sizer needs to derive a follower's
// candidate trade amount. All inputs are snapshots; the sizer itself is a
// pure function with no side effects.
type SizeRequest struct {
	LeaderAmount    decimal.Decimal // base units
	LeaderPrice     decimal.Decimal
	LeaderPoolSize  decimal.Decimal // quote terms, zero when unknown
	Side            Side
	Market          *LeaderMarket
	Follower        *Follower
	AvailableBase   decimal.Decimal // unreserved base allocation
	AvailableQuote  decimal.Decimal // unreserved quote allocation
	AllocationTotal decimal.Decimal // follower's full quote pool, PROPORTIONAL numerator
}

// SizeResult is the sizer's decision for one follower
type SizeResult struct {
	Amount  decimal.Decimal // base units; zero when skipped
	Clamped bool
	Skip    bool
	Reason  string
}

// ComputeCopySize converts a leader trade into a per-follower candidate
// amount according to the follower's copy mode, clamped to the capital the
// trade would actually consume (quote for buys, base for sells). Amounts
// below the market minimums return a skip rather than a zero-size trade.
func ComputeCopySize(req SizeRequest, defaultRatio decimal.Decimal) SizeResult {
	if req.Follower == nil {
		return SizeResult{Skip: true, Reason: "no follower"}
	}
	if req.Market != nil && !req.Market.Active {
		return SizeResult{Skip: true, Reason: "market inactive"}
	}
	if !req.LeaderAmount.IsPositive() || !req.LeaderPrice.IsPositive() {
		return SizeResult{Skip: true, Reason: "leader trade has no size or price"}
	}

	var amount decimal.Decimal
	switch req.Follower.CopyMode {
	case Proportional:
		ratio := defaultRatio
		if req.LeaderPoolSize.IsPositive() {
			ratio = req.AllocationTotal.Div(req.LeaderPoolSize)
		}
		amount = req.LeaderAmount.Mul(ratio)

	case FixedAmount:
		if !req.Follower.FixedAmount.IsPositive() {
			return SizeResult{Skip: true, Reason: "fixed amount not configured"}
		}
		amount = req.Follower.FixedAmount.Div(req.LeaderPrice)

	case FixedRatio:
		if !req.Follower.FixedRatio.IsPositive() {
			return SizeResult{Skip: true, Reason: "fixed ratio not configured"}
		}
		amount = req.LeaderAmount.Mul(req.Follower.FixedRatio)

	default:
		return SizeResult{Skip: true, Reason: "unknown copy mode"}
	}

	// Clamp to the capital this trade consumes.
	var affordable decimal.Decimal
	if req.Side == Buy {
		affordable = req.AvailableQuote.Div(req.LeaderPrice)
	} else {
		affordable = req.AvailableBase
	}

	clamped := false
	if amount.GreaterThan(affordable) {
		amount = affordable
		clamped = true
	}

	if !amount.IsPositive() {
		return SizeResult{Skip: true, Reason: "no available allocation"}
	}
	if req.Market != nil {
		if req.Market.MinBase.IsPositive() && amount.LessThan(req.Market.MinBase) {
			return SizeResult{Skip: true, Reason: "below minimum base size"}
		}
		if req.Market.MinQuote.IsPositive() && amount.Mul(req.LeaderPrice).LessThan(req.Market.MinQuote) {
			return SizeResult{Skip: true, Reason: "below minimum quote size"}
		}
	}

	return SizeResult{Amount: amount, Clamped: clamped}
}
