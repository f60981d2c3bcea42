package copytrade

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionSink receives every appended transaction for durable storage
type TransactionSink interface {
	AppendTransaction(*Transaction) error
}

type accountKey struct {
	userID   string
	currency string
}

// TransactionLedger is the append-only record of every balance-affecting
// event. Each entry carries the balance before and after, chained from the
// immediately preceding entry for the same (userID, currency), so the whole
// chain is verifiable by replay.
type TransactionLedger struct {
	mu       sync.RWMutex
	entries  []*Transaction
	accounts map[accountKey][]*Transaction
	balances map[accountKey]decimal.Decimal
	halted   map[accountKey]bool
	nextID   uint64
	sink     TransactionSink
}

// NewTransactionLedger creates an empty ledger
func NewTransactionLedger() *TransactionLedger {
	return &TransactionLedger{
		accounts: make(map[accountKey][]*Transaction),
		balances: make(map[accountKey]decimal.Decimal),
		halted:   make(map[accountKey]bool),
	}
}

// SetSink attaches a durable store; appends are written through best-effort
func (l *TransactionLedger) SetSink(sink TransactionSink) {
	l.mu.Lock()
	l.sink = sink
	l.mu.Unlock()
}

// TransactionRef carries the optional references an entry records
type TransactionRef struct {
	TradeID    uint64
	LeaderID   string
	FollowerID string
}

// Append records a signed balance change for (userID, currency) and returns
// the immutable entry. Appends against a halted account fail.
func (l *TransactionLedger) Append(userID, currency string, typ TransactionType, amount decimal.Decimal, ref TransactionRef) (*Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := accountKey{userID, currency}
	if l.halted[key] {
		return nil, fmt.Errorf("%s/%s: %w", userID, currency, ErrAccountHalted)
	}

	before := l.balances[key]
	after := before.Add(amount)

	l.nextID++
	txn := &Transaction{
		ID:            l.nextID,
		Seq:           uint64(len(l.accounts[key]) + 1),
		UserID:        userID,
		Currency:      currency,
		Type:          typ,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		TradeID:       ref.TradeID,
		LeaderID:      ref.LeaderID,
		FollowerID:    ref.FollowerID,
		CreatedAt:     time.Now().UTC(),
	}

	l.entries = append(l.entries, txn)
	l.accounts[key] = append(l.accounts[key], txn)
	l.balances[key] = after

	if l.sink != nil {
		// Durable write is best-effort; the in-memory chain stays the
		// source of truth for hot reads.
		_ = l.sink.AppendTransaction(txn)
	}

	return txn, nil
}

// Balance returns the current balance for (userID, currency)
func (l *TransactionLedger) Balance(userID, currency string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[accountKey{userID, currency}]
}

// Entries returns all entries for (userID, currency) in creation order
func (l *TransactionLedger) Entries(userID, currency string) []*Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()

	chain := l.accounts[accountKey{userID, currency}]
	out := make([]*Transaction, len(chain))
	copy(out, chain)
	return out
}

// EntriesBetween returns entries for (userID, currency) created in [from, to)
func (l *TransactionLedger) EntriesBetween(userID, currency string, from, to time.Time) []*Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Transaction
	for _, txn := range l.accounts[accountKey{userID, currency}] {
		if txn.CreatedAt.Before(from) || !txn.CreatedAt.Before(to) {
			continue
		}
		out = append(out, txn)
	}
	return out
}

// UserEntriesBetween returns a user's entries across all currencies created
// in [from, to)
func (l *TransactionLedger) UserEntriesBetween(userID string, from, to time.Time) []*Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Transaction
	for _, txn := range l.entries {
		if txn.UserID != userID {
			continue
		}
		if txn.CreatedAt.Before(from) || !txn.CreatedAt.Before(to) {
			continue
		}
		out = append(out, txn)
	}
	return out
}

// UserEntries returns every entry for a user across currencies in creation
// order
func (l *TransactionLedger) UserEntries(userID string) []*Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Transaction
	for _, txn := range l.entries {
		if txn.UserID == userID {
			out = append(out, txn)
		}
	}
	return out
}

// AllEntries returns every ledger entry in creation order
func (l *TransactionLedger) AllEntries() []*Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Transaction, len(l.entries))
	copy(out, l.entries)
	return out
}

// VerifyChain replays the (userID, currency) chain from genesis. On the
// first break it halts the account and returns ErrLedgerInconsistency:
// capital accounting for that account may be corrupt and needs an operator.
func (l *TransactionLedger) VerifyChain(userID, currency string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := accountKey{userID, currency}
	running := decimal.Zero
	for i, txn := range l.accounts[key] {
		if !txn.BalanceBefore.Equal(running) {
			l.halted[key] = true
			return fmt.Errorf("%w: %s/%s entry %d balanceBefore %s, replay %s",
				ErrLedgerInconsistency, userID, currency, i+1, txn.BalanceBefore, running)
		}
		running = running.Add(txn.Amount)
		if !txn.BalanceAfter.Equal(running) {
			l.halted[key] = true
			return fmt.Errorf("%w: %s/%s entry %d balanceAfter %s, replay %s",
				ErrLedgerInconsistency, userID, currency, i+1, txn.BalanceAfter, running)
		}
	}

	if !l.balances[key].Equal(running) {
		l.halted[key] = true
		return fmt.Errorf("%w: %s/%s balance %s, replay %s",
			ErrLedgerInconsistency, userID, currency, l.balances[key], running)
	}
	return nil
}

// Halted reports whether (userID, currency) is halted
func (l *TransactionLedger) Halted(userID, currency string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.halted[accountKey{userID, currency}]
}

// HaltedAccounts returns the number of accounts currently halted
func (l *TransactionLedger) HaltedAccounts() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.halted)
}

// Halt stops further appends for (userID, currency)
func (l *TransactionLedger) Halt(userID, currency string) {
	l.mu.Lock()
	l.halted[accountKey{userID, currency}] = true
	l.mu.Unlock()
}

// ClearHalt re-enables an account after operator reconciliation
func (l *TransactionLedger) ClearHalt(userID, currency string) {
	l.mu.Lock()
	delete(l.halted, accountKey{userID, currency})
	l.mu.Unlock()
}
