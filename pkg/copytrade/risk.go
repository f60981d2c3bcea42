package copytrade

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ExposureProvider reports a follower's open position in a symbol
type ExposureProvider interface {
	// OpenPosition returns the open base size, volume-weighted entry price
	// and side for (followerID, symbol); ok is false when flat.
	OpenPosition(followerID, symbol string) (size, entryPrice decimal.Decimal, side Side, ok bool)
}

// MarkPricer supplies a current mark price for a symbol
type MarkPricer interface {
	MarkPrice(symbol string) (decimal.Decimal, bool)
}

// CandidateTrade is a proposed derived trade under risk evaluation
type CandidateTrade struct {
	Symbol string
	Side   Side
	Amount decimal.Decimal // base units
	Price  decimal.Decimal
}

// RiskDecision is the guard's verdict on a candidate trade
type RiskDecision struct {
	Approved bool
	Amount   decimal.Decimal // possibly clamped
	Clamped  bool
	Reason   string
}

// RiskGuard evaluates a follower's configured limits against a proposed
// trade and current exposure. It can approve, clamp, or reject; it never
// mutates anything.
type RiskGuard struct {
	ledger   *TransactionLedger
	exposure ExposureProvider
	marks    MarkPricer
}

// NewRiskGuard creates a risk guard reading exposure and realized PnL from
// the given collaborators
func NewRiskGuard(ledger *TransactionLedger, exposure ExposureProvider, marks MarkPricer) *RiskGuard {
	return &RiskGuard{ledger: ledger, exposure: exposure, marks: marks}
}

// Evaluate runs the checks in order: follower status, max position size
// (clamped rather than rejected, to preserve partial participation), daily
// loss limit, and stop-loss/take-profit breach on an existing position.
func (g *RiskGuard) Evaluate(follower *Follower, candidate CandidateTrade) RiskDecision {
	if follower.Status != FollowerActive {
		return RiskDecision{Reason: fmt.Sprintf("follower is %s", follower.Status)}
	}
	if !candidate.Amount.IsPositive() || !candidate.Price.IsPositive() {
		return RiskDecision{Reason: "candidate has no size or price"}
	}

	amount := candidate.Amount
	clamped := false

	// Max position size is a quote-notional cap on the projected position.
	if follower.MaxPositionSize.IsPositive() {
		current := decimal.Zero
		if size, entry, side, ok := g.exposure.OpenPosition(follower.ID, candidate.Symbol); ok && side == candidate.Side {
			current = size.Mul(entry)
		}
		headroom := follower.MaxPositionSize.Sub(current)
		if !headroom.IsPositive() {
			return RiskDecision{Reason: "max position size reached"}
		}
		notional := amount.Mul(candidate.Price)
		if notional.GreaterThan(headroom) {
			amount = headroom.Div(candidate.Price)
			clamped = true
		}
	}

	if follower.MaxDailyLoss.IsPositive() {
		loss := g.dailyLoss(follower, time.Now().UTC())
		if loss.GreaterThanOrEqual(follower.MaxDailyLoss) {
			return RiskDecision{Reason: fmt.Sprintf("daily loss %s reached limit %s", loss, follower.MaxDailyLoss)}
		}
	}

	if reason := g.thresholdBreached(follower, candidate); reason != "" {
		return RiskDecision{Reason: reason}
	}

	if !amount.IsPositive() {
		return RiskDecision{Reason: "clamped to zero"}
	}
	return RiskDecision{Approved: true, Amount: amount, Clamped: clamped}
}

// dailyLoss recomputes the follower's realized plus unrealized loss for the
// current UTC day from the transaction ledger and open exposure. Positive
// result means a net loss.
func (g *RiskGuard) dailyLoss(follower *Follower, now time.Time) decimal.Decimal {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	realized := decimal.Zero
	for _, txn := range g.ledger.UserEntriesBetween(follower.UserID, dayStart, dayStart.Add(24*time.Hour)) {
		switch txn.Type {
		case TxnTradeProfit, TxnTradeLoss, TxnFee, TxnProfitShare:
			realized = realized.Add(txn.Amount)
		}
	}

	loss := realized.Neg()
	loss = loss.Add(g.unrealizedLoss(follower))
	return loss
}

// unrealizedLoss marks the follower's open positions against current prices.
// Symbols without a mark price contribute nothing.
func (g *RiskGuard) unrealizedLoss(follower *Follower) decimal.Decimal {
	total := decimal.Zero
	if g.marks == nil {
		return total
	}
	for _, symbol := range g.followerSymbols(follower) {
		size, entry, side, ok := g.exposure.OpenPosition(follower.ID, symbol)
		if !ok {
			continue
		}
		mark, ok := g.marks.MarkPrice(symbol)
		if !ok {
			continue
		}
		pnl := mark.Sub(entry).Mul(size)
		if side == Sell {
			pnl = pnl.Neg()
		}
		if pnl.IsNegative() {
			total = total.Add(pnl.Neg())
		}
	}
	return total
}

// thresholdBreached rejects new same-direction trades when the follower's
// existing position already breached its stop-loss or take-profit level.
// The position should be closed through the close path, not enlarged.
func (g *RiskGuard) thresholdBreached(follower *Follower, candidate CandidateTrade) string {
	if g.marks == nil {
		return ""
	}
	size, entry, side, ok := g.exposure.OpenPosition(follower.ID, candidate.Symbol)
	if !ok || size.IsZero() || side != candidate.Side {
		return ""
	}
	mark, ok := g.marks.MarkPrice(candidate.Symbol)
	if !ok || !entry.IsPositive() {
		return ""
	}

	movePct := mark.Sub(entry).Div(entry).Mul(decimal.NewFromInt(100))
	if side == Sell {
		movePct = movePct.Neg()
	}

	if follower.StopLossPercent.IsPositive() && movePct.LessThanOrEqual(follower.StopLossPercent.Neg()) {
		return "stop-loss threshold breached on existing position"
	}
	if follower.TakeProfitPercent.IsPositive() && movePct.GreaterThanOrEqual(follower.TakeProfitPercent) {
		return "take-profit threshold breached on existing position"
	}
	return ""
}

// followerSymbols lists the symbols the follower can hold positions in.
// Derived from open exposure via the provider when it supports enumeration,
// otherwise from the candidate path only.
func (g *RiskGuard) followerSymbols(follower *Follower) []string {
	if lister, ok := g.exposure.(interface{ OpenSymbols(followerID string) []string }); ok {
		return lister.OpenSymbols(follower.ID)
	}
	return nil
}
