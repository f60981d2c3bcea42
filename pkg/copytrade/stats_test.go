package copytrade

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statsCapture struct {
	snapshots []*LeaderStats
}

func (c *statsCapture) PutStats(s *LeaderStats) error {
	c.snapshots = append(c.snapshots, s)
	return nil
}

// runClosedCycle drives one full leader trade through replication, fill and
// close so the day has realized history to aggregate.
func runClosedCycle(t *testing.T, f *engineFixture, closePrice string) *Trade {
	t.Helper()

	report, err := f.engine.OnLeaderTrade(context.Background(), LeaderTradeEvent{
		LeaderID: "l1", Symbol: "BTC-USDT", Side: Buy, Type: Market,
		Amount: d("10"), Price: d("50000"),
	})
	require.NoError(t, err)
	require.Equal(t, 1, report.Replicated)

	child := f.engine.FollowerTrades(report.LeaderTrade.ID)[0]
	require.NoError(t, f.engine.OnFill(child.ID, FillEvent{
		ExecutedAmount: d("0.1"), ExecutedPrice: d("50000"), Final: true,
	}))
	require.NoError(t, f.engine.OnFill(report.LeaderTrade.ID, FillEvent{
		ExecutedAmount: d("10"), ExecutedPrice: d("50000"), Final: true,
	}))
	require.NoError(t, f.engine.CloseLeaderTrade(report.LeaderTrade.ID, d(closePrice)))
	return report.LeaderTrade
}

func TestRecalculateDailyStats(t *testing.T) {
	f := newEngineFixture(t)
	f.addFollower(t, "u1", "10000", nil)
	runClosedCycle(t, f, "55000")

	agg := NewStatsAggregator(f.engine, f.audit)
	sink := &statsCapture{}
	agg.SetSink(sink)

	today := time.Now().UTC().Format("2006-01-02")
	stats, err := agg.Recalculate("l1", today, "admin")
	require.NoError(t, err)

	assert.Equal(t, "l1", stats.LeaderID)
	assert.Equal(t, today, stats.Date)
	assert.Equal(t, 1, stats.Trades)
	assert.Equal(t, 1, stats.WinningTrades)
	assert.Zero(t, stats.LosingTrades)
	assert.True(t, stats.Volume.Equal(d("500000")), "got %s", stats.Volume)
	// 50000 realized on the leader's own trade plus 50 profit share earned.
	assert.True(t, stats.Profit.Equal(d("50050")), "got %s", stats.Profit)
	assert.True(t, stats.Fees.IsZero())

	// The leader's only ledger entry today is the +50 profit share.
	assert.True(t, stats.StartEquity.IsZero())
	assert.True(t, stats.EndEquity.Equal(d("50")))
	assert.True(t, stats.HighEquity.Equal(d("50")))
	assert.True(t, stats.LowEquity.IsZero())

	require.Len(t, sink.snapshots, 1)
	assert.Equal(t, stats, sink.snapshots[0])

	// The administrative action is audited.
	entries := f.audit.EntriesFor(EntityLeader, "l1")
	last := entries[len(entries)-1]
	assert.Equal(t, AuditRecalculate, last.Action)
	assert.Equal(t, RecalculateDetails{Date: today}, last.Details)
}

func TestRecalculateIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	f.addFollower(t, "u1", "10000", nil)
	runClosedCycle(t, f, "55000")
	runClosedCycle(t, f, "47000")

	agg := NewStatsAggregator(f.engine, f.audit)
	today := time.Now().UTC().Format("2006-01-02")

	first, err := agg.Recalculate("l1", today, "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, first.Trades)
	assert.Equal(t, 1, first.WinningTrades)
	assert.Equal(t, 1, first.LosingTrades)

	// Re-running against unchanged ledger state is byte-identical.
	for i := 0; i < 3; i++ {
		again, err := agg.Recalculate("l1", today, "admin")
		require.NoError(t, err)
		assert.Equal(t, first.Canonical(), again.Canonical())
	}
}

func TestRecalculateEmptyDay(t *testing.T) {
	f := newEngineFixture(t)
	agg := NewStatsAggregator(f.engine, f.audit)

	stats, err := agg.Recalculate("l1", "2026-01-15", "admin")
	require.NoError(t, err)
	assert.Zero(t, stats.Trades)
	assert.True(t, stats.Profit.IsZero())
	assert.True(t, stats.Volume.IsZero())
	assert.True(t, stats.StartEquity.Equal(stats.EndEquity))
}

func TestRecalculateValidation(t *testing.T) {
	f := newEngineFixture(t)
	agg := NewStatsAggregator(f.engine, f.audit)

	_, err := agg.Recalculate("l1", "15/01/2026", "admin")
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = agg.Recalculate("nope", "2026-01-15", "admin")
	assert.ErrorIs(t, err, ErrNotFound)
}
