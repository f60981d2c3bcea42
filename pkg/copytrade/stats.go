package copytrade

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// StatsSink receives recomputed snapshots for durable storage
type StatsSink interface {
	PutStats(*LeaderStats) error
}

// StatsAggregator rolls completed trades and ledger entries up into daily
// leader performance snapshots. Recomputation is a pure function of ledger
// state: re-running for the same (leader, date) yields identical output.
type StatsAggregator struct {
	engine *Engine
	audit  *AuditLog
	sink   StatsSink
}

// NewStatsAggregator creates an aggregator over the engine's trade and
// ledger history
func NewStatsAggregator(engine *Engine, audit *AuditLog) *StatsAggregator {
	return &StatsAggregator{engine: engine, audit: audit}
}

// SetSink attaches a durable store for snapshots
func (s *StatsAggregator) SetSink(sink StatsSink) {
	s.sink = sink
}

// Recalculate recomputes the snapshot for (leaderID, date) and records the
// administrative action. date is YYYY-MM-DD, UTC.
func (s *StatsAggregator) Recalculate(leaderID, date, actor string) (*LeaderStats, error) {
	day, err := time.ParseInLocation("2006-01-02", date, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("%w: bad date %q", ErrInvalidConfiguration, date)
	}

	leader, err := s.engine.registry.GetLeader(leaderID)
	if err != nil {
		return nil, err
	}

	stats := s.compute(leader, day)
	if s.sink != nil {
		_ = s.sink.PutStats(stats)
	}

	s.audit.Record(AuditRecalculate, EntityLeader, leaderID, actor, RecalculateDetails{Date: date})
	return stats, nil
}

// compute derives the snapshot purely from Trade and Transaction rows
func (s *StatsAggregator) compute(leader *Leader, day time.Time) *LeaderStats {
	dayEnd := day.Add(24 * time.Hour)

	stats := &LeaderStats{
		LeaderID: leader.ID,
		Date:     day.Format("2006-01-02"),
	}

	trades := s.engine.LeaderTrades(leader.ID)
	sort.Slice(trades, func(i, j int) bool { return trades[i].ID < trades[j].ID })

	for _, t := range trades {
		if !t.IsLeaderTrade || t.Status != TradeClosed {
			continue
		}
		if t.ClosedAt.Before(day) || !t.ClosedAt.Before(dayEnd) {
			continue
		}
		stats.Trades++
		if t.RealizedProfit.IsPositive() {
			stats.WinningTrades++
		} else if t.RealizedProfit.IsNegative() {
			stats.LosingTrades++
		}
		stats.Volume = stats.Volume.Add(t.ExecutedAmount.Mul(t.ExecutedPrice))
		stats.Profit = stats.Profit.Add(t.RealizedProfit)
		stats.Fees = stats.Fees.Add(t.Fee)
	}

	// Profit share earned from followers counts toward the day's profit.
	for _, txn := range s.engine.ledger.UserEntriesBetween(leader.UserID, day, dayEnd) {
		if txn.Type == TxnProfitShare && txn.Amount.IsPositive() {
			stats.Profit = stats.Profit.Add(txn.Amount)
		}
	}

	// Equity trace: replay the leader's whole chain, summing balances across
	// currencies, and sample it through the day.
	equity := decimal.Zero
	balances := make(map[string]decimal.Decimal)
	sampled := false
	for _, txn := range s.engine.ledger.UserEntries(leader.UserID) {
		if !txn.CreatedAt.Before(dayEnd) {
			break
		}
		balances[txn.Currency] = txn.BalanceAfter
		equity = sum(balances)
		if txn.CreatedAt.Before(day) {
			continue
		}
		if !sampled {
			stats.StartEquity = equity.Sub(txn.Amount)
			stats.HighEquity = stats.StartEquity
			stats.LowEquity = stats.StartEquity
			sampled = true
		}
		if equity.GreaterThan(stats.HighEquity) {
			stats.HighEquity = equity
		}
		if equity.LessThan(stats.LowEquity) {
			stats.LowEquity = equity
		}
		stats.EndEquity = equity
	}
	if !sampled {
		// No ledger activity in the window: flat equity all day.
		stats.StartEquity = equity
		stats.EndEquity = equity
		stats.HighEquity = equity
		stats.LowEquity = equity
	}

	return stats
}

// Canonical serializes a snapshot deterministically, so identical ledger
// state always produces byte-identical output
func (s *LeaderStats) Canonical() []byte {
	return []byte(fmt.Sprintf(
		"leader=%s date=%s trades=%d wins=%d losses=%d volume=%s profit=%s fees=%s startEquity=%s endEquity=%s highEquity=%s lowEquity=%s",
		s.LeaderID, s.Date, s.Trades, s.WinningTrades, s.LosingTrades,
		s.Volume, s.Profit, s.Fees,
		s.StartEquity, s.EndEquity, s.HighEquity, s.LowEquity,
	))
}

// sum totals a balance map
func sum(balances map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, b := range balances {
		total = total.Add(b)
	}
	return total
}
