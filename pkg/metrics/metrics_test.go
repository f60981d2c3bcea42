package metrics

import (
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	level, err := log.ToLevel("debug")
	require.NoError(t, err)
	m, err := New("copytrade_test", log.NewTestLogger(level))
	require.NoError(t, err)
	return m
}

func TestRecordFanout(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordLeaderTrade()
	m.RecordFanout(3, 1, 1, 25*time.Millisecond)
	m.RecordFanout(2, 0, 0, 5*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.leaderTrades))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.tradesReplicated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tradesRejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tradesFailed))
}

func TestRecordLedgerEntries(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordLedgerEntry("ALLOCATION")
	m.RecordLedgerEntry("ALLOCATION")
	m.RecordLedgerEntry("FEE")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ledgerEntries.WithLabelValues("ALLOCATION")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ledgerEntries.WithLabelValues("FEE")))
}

func TestGaugesAndCloses(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordClose()
	m.RecordClose()
	m.SetOpenReservations(4)
	m.SetHaltedAccounts(2)
	m.RecordEvent("published")
	m.RecordEvent("received")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tradesClosed))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.openReservations))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.haltedAccounts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsPublished))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsReceived))
}
