// Package store persists ledger, audit and stats records in a key-value
// database
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/copytrade/pkg/copytrade"
)

// Store writes engine records through to a database.Database. It implements
// the engine's TransactionSink, AuditSink and StatsSink interfaces; the
// in-memory structures stay the source of truth for hot reads.
type Store struct {
	db     database.Database
	logger log.Logger
}

// New creates a store over the given database
func New(db database.Database, logger log.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// transactionRecord is the wire form of a ledger entry
type transactionRecord struct {
	ID            uint64 `json:"id"`
	Seq           uint64 `json:"seq"`
	UserID        string `json:"userId"`
	Currency      string `json:"currency"`
	Type          string `json:"type"`
	Amount        string `json:"amount"`
	BalanceBefore string `json:"balanceBefore"`
	BalanceAfter  string `json:"balanceAfter"`
	TradeID       uint64 `json:"tradeId,omitempty"`
	LeaderID      string `json:"leaderId,omitempty"`
	FollowerID    string `json:"followerId,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
}

// AppendTransaction implements copytrade.TransactionSink
func (s *Store) AppendTransaction(txn *copytrade.Transaction) error {
	key := txnKey(txn.UserID, txn.Currency, txn.Seq)

	value, err := json.Marshal(transactionRecord{
		ID:            txn.ID,
		Seq:           txn.Seq,
		UserID:        txn.UserID,
		Currency:      txn.Currency,
		Type:          txn.Type.String(),
		Amount:        txn.Amount.String(),
		BalanceBefore: txn.BalanceBefore.String(),
		BalanceAfter:  txn.BalanceAfter.String(),
		TradeID:       txn.TradeID,
		LeaderID:      txn.LeaderID,
		FollowerID:    txn.FollowerID,
		CreatedAt:     txn.CreatedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}

	if err := s.db.Put(key, value); err != nil {
		s.logger.Error("Failed to store transaction", "key", string(key), "error", err)
		return err
	}
	return nil
}

// auditRecord is the wire form of an audit entry
type auditRecord struct {
	ID        uint64      `json:"id"`
	Action    string      `json:"action"`
	Entity    string      `json:"entity"`
	EntityID  string      `json:"entityId"`
	Actor     string      `json:"actor"`
	Details   interface{} `json:"details,omitempty"`
	CreatedAt int64       `json:"createdAt"`
}

// AppendAudit implements copytrade.AuditSink
func (s *Store) AppendAudit(entry *copytrade.AuditEntry) error {
	key := auditKey(entry.ID)

	value, err := json.Marshal(auditRecord{
		ID:        entry.ID,
		Action:    string(entry.Action),
		Entity:    string(entry.Entity),
		EntityID:  entry.EntityID,
		Actor:     entry.Actor,
		Details:   entry.Details,
		CreatedAt: entry.CreatedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	if err := s.db.Put(key, value); err != nil {
		s.logger.Error("Failed to store audit entry", "key", string(key), "error", err)
		return err
	}
	return nil
}

// PutStats implements copytrade.StatsSink. The canonical serialization is
// stored as-is so recomputations can be compared byte for byte.
func (s *Store) PutStats(stats *copytrade.LeaderStats) error {
	key := statsKey(stats.LeaderID, stats.Date)

	if err := s.db.Put(key, stats.Canonical()); err != nil {
		s.logger.Error("Failed to store stats", "key", string(key), "error", err)
		return err
	}
	return nil
}

// GetStats reads a stored snapshot's canonical bytes
func (s *Store) GetStats(leaderID, date string) ([]byte, error) {
	value, err := s.db.Get(statsKey(leaderID, date))
	if err != nil {
		return nil, err
	}
	return value, nil
}

// GetTransaction reads one stored ledger entry
func (s *Store) GetTransaction(userID, currency string, seq uint64) (*copytrade.Transaction, error) {
	value, err := s.db.Get(txnKey(userID, currency, seq))
	if err != nil {
		return nil, err
	}

	var rec transactionRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	return rec.toTransaction()
}

// ReplayTransactions walks an account chain from genesis in sequence order,
// invoking fn for each stored entry until the chain ends
func (s *Store) ReplayTransactions(userID, currency string, fn func(*copytrade.Transaction) error) error {
	for seq := uint64(1); ; seq++ {
		value, err := s.db.Get(txnKey(userID, currency, seq))
		if err == database.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		var rec transactionRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("unmarshal transaction seq %d: %w", seq, err)
		}
		txn, err := rec.toTransaction()
		if err != nil {
			return err
		}
		if err := fn(txn); err != nil {
			return err
		}
	}
}

func (r transactionRecord) toTransaction() (*copytrade.Transaction, error) {
	amount, err := parseDecimal(r.Amount)
	if err != nil {
		return nil, err
	}
	before, err := parseDecimal(r.BalanceBefore)
	if err != nil {
		return nil, err
	}
	after, err := parseDecimal(r.BalanceAfter)
	if err != nil {
		return nil, err
	}

	return &copytrade.Transaction{
		ID:            r.ID,
		Seq:           r.Seq,
		UserID:        r.UserID,
		Currency:      r.Currency,
		Type:          parseTxnType(r.Type),
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		TradeID:       r.TradeID,
		LeaderID:      r.LeaderID,
		FollowerID:    r.FollowerID,
		CreatedAt:     time.Unix(0, r.CreatedAt).UTC(),
	}, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func parseTxnType(s string) copytrade.TransactionType {
	switch s {
	case "ALLOCATION":
		return copytrade.TxnAllocation
	case "DEALLOCATION":
		return copytrade.TxnDeallocation
	case "PROFIT_SHARE":
		return copytrade.TxnProfitShare
	case "TRADE_PROFIT":
		return copytrade.TxnTradeProfit
	case "TRADE_LOSS":
		return copytrade.TxnTradeLoss
	case "FEE":
		return copytrade.TxnFee
	case "REFUND":
		return copytrade.TxnRefund
	}
	return copytrade.TxnAllocation
}

func txnKey(userID, currency string, seq uint64) []byte {
	return []byte(fmt.Sprintf("txn:%s:%s:%020d", userID, currency, seq))
}

func auditKey(id uint64) []byte {
	return []byte(fmt.Sprintf("audit:%020d", id))
}

func statsKey(leaderID, date string) []byte {
	return []byte(fmt.Sprintf("stats:%s:%s", leaderID, date))
}
