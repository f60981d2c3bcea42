package copytrade

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerAppendChains(t *testing.T) {
	ledger := NewTransactionLedger()

	t1, err := ledger.Append("u1", "USDT", TxnAllocation, d("1000"), TransactionRef{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), t1.Seq)
	assert.True(t, t1.BalanceBefore.IsZero())
	assert.True(t, t1.BalanceAfter.Equal(d("1000")))

	t2, err := ledger.Append("u1", "USDT", TxnFee, d("-2.5"), TransactionRef{TradeID: 7})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), t2.Seq)
	assert.True(t, t2.BalanceBefore.Equal(d("1000")))
	assert.True(t, t2.BalanceAfter.Equal(d("997.5")))
	assert.Equal(t, uint64(7), t2.TradeID)

	assert.True(t, ledger.Balance("u1", "USDT").Equal(d("997.5")))

	// Separate currencies chain independently.
	t3, err := ledger.Append("u1", "BTC", TxnTradeProfit, d("0.1"), TransactionRef{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), t3.Seq)
	assert.True(t, t3.BalanceBefore.IsZero())
}

func TestLedgerVerifyChain(t *testing.T) {
	ledger := NewTransactionLedger()

	types := []struct {
		typ    TransactionType
		amount string
	}{
		{TxnAllocation, "5000"},
		{TxnAllocation, "-1200"},
		{TxnFee, "-1.2"},
		{TxnDeallocation, "1150"},
		{TxnTradeLoss, "-50"},
		{TxnRefund, "1.2"},
	}
	for _, tc := range types {
		_, err := ledger.Append("u1", "USDT", tc.typ, d(tc.amount), TransactionRef{})
		require.NoError(t, err)
	}

	require.NoError(t, ledger.VerifyChain("u1", "USDT"))
	assert.False(t, ledger.Halted("u1", "USDT"))

	// Tamper with an entry mid-chain; verification must halt the account.
	entries := ledger.Entries("u1", "USDT")
	entries[2].BalanceAfter = entries[2].BalanceAfter.Add(d("0.01"))

	err := ledger.VerifyChain("u1", "USDT")
	assert.ErrorIs(t, err, ErrLedgerInconsistency)
	assert.True(t, ledger.Halted("u1", "USDT"))
}

func TestLedgerHaltBlocksAppends(t *testing.T) {
	ledger := NewTransactionLedger()
	_, err := ledger.Append("u1", "USDT", TxnAllocation, d("100"), TransactionRef{})
	require.NoError(t, err)

	ledger.Halt("u1", "USDT")

	_, err = ledger.Append("u1", "USDT", TxnFee, d("-1"), TransactionRef{})
	assert.ErrorIs(t, err, ErrAccountHalted)

	// Other accounts are unaffected.
	_, err = ledger.Append("u2", "USDT", TxnAllocation, d("50"), TransactionRef{})
	assert.NoError(t, err)

	ledger.ClearHalt("u1", "USDT")
	_, err = ledger.Append("u1", "USDT", TxnFee, d("-1"), TransactionRef{})
	assert.NoError(t, err)
}

func TestLedgerEntriesBetween(t *testing.T) {
	ledger := NewTransactionLedger()

	before := time.Now().UTC().Add(-time.Minute)
	_, err := ledger.Append("u1", "USDT", TxnAllocation, d("100"), TransactionRef{})
	require.NoError(t, err)
	_, err = ledger.Append("u1", "BTC", TxnTradeProfit, d("0.5"), TransactionRef{})
	require.NoError(t, err)
	after := time.Now().UTC().Add(time.Minute)

	assert.Len(t, ledger.EntriesBetween("u1", "USDT", before, after), 1)
	assert.Empty(t, ledger.EntriesBetween("u1", "USDT", after, after.Add(time.Hour)))
	assert.Len(t, ledger.UserEntriesBetween("u1", before, after), 2)
	assert.Len(t, ledger.UserEntries("u1"), 2)
	assert.Len(t, ledger.AllEntries(), 2)
}

type captureSink struct {
	txns []*Transaction
}

func (c *captureSink) AppendTransaction(txn *Transaction) error {
	c.txns = append(c.txns, txn)
	return nil
}

func TestLedgerSinkWriteThrough(t *testing.T) {
	ledger := NewTransactionLedger()
	sink := &captureSink{}
	ledger.SetSink(sink)

	_, err := ledger.Append("u1", "USDT", TxnAllocation, d("100"), TransactionRef{})
	require.NoError(t, err)
	_, err = ledger.Append("u1", "USDT", TxnFee, d("-1"), TransactionRef{})
	require.NoError(t, err)

	require.Len(t, sink.txns, 2)
	assert.Equal(t, TxnFee, sink.txns[1].Type)
}

func TestLedgerReplayMatchesBalanceProperty(t *testing.T) {
	// Random-ish walk of appends: replaying the chain always reproduces the
	// live balance.
	ledger := NewTransactionLedger()
	amounts := []string{"100", "-30", "70.5", "-0.33", "12", "-151", "3.14", "-1"}
	running := decimal.Zero
	for i, a := range amounts {
		txn, err := ledger.Append("u1", "USDT", TxnAllocation, d(a), TransactionRef{})
		require.NoError(t, err)
		running = running.Add(d(a))
		assert.True(t, txn.BalanceAfter.Equal(running), "entry %d", i)
		require.NoError(t, ledger.VerifyChain("u1", "USDT"))
	}
	assert.True(t, ledger.Balance("u1", "USDT").Equal(running))
}
