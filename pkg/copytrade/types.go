package copytrade

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents order side (buy/sell)
type Side int

const (
	Buy Side = iota
	Sell
)

// String returns the side as a string
func (s Side) String() string {
	if s == Buy {
		return "BUY"
	}
	return "SELL"
}

// ParseSide parses a wire-format side string
func ParseSide(s string) (Side, error) {
	switch s {
	case "BUY", "buy":
		return Buy, nil
	case "SELL", "sell":
		return Sell, nil
	}
	return Buy, fmt.Errorf("unknown side %q", s)
}

// OrderType represents the type of order
type OrderType int

const (
	Market OrderType = iota
	Limit
)

// ParseOrderType parses a wire-format order type; empty defaults to MARKET
func ParseOrderType(s string) (OrderType, error) {
	switch s {
	case "MARKET", "market", "":
		return Market, nil
	case "LIMIT", "limit":
		return Limit, nil
	}
	return Market, fmt.Errorf("unknown order type %q", s)
}

// CopyMode represents the policy for sizing a follower's derived trade
type CopyMode int

const (
	Proportional CopyMode = iota
	FixedAmount
	FixedRatio
)

// String returns the copy mode as a string
func (m CopyMode) String() string {
	switch m {
	case Proportional:
		return "PROPORTIONAL"
	case FixedAmount:
		return "FIXED_AMOUNT"
	case FixedRatio:
		return "FIXED_RATIO"
	}
	return "UNKNOWN"
}

// ParseCopyMode parses a wire-format copy mode; empty defaults to PROPORTIONAL
func ParseCopyMode(s string) (CopyMode, error) {
	switch s {
	case "PROPORTIONAL", "proportional", "":
		return Proportional, nil
	case "FIXED_AMOUNT", "fixed_amount":
		return FixedAmount, nil
	case "FIXED_RATIO", "fixed_ratio":
		return FixedRatio, nil
	}
	return Proportional, fmt.Errorf("unknown copy mode %q", s)
}

// LeaderStatus represents the lifecycle state of a leader
type LeaderStatus int

const (
	LeaderPending LeaderStatus = iota
	LeaderActive
	LeaderSuspended
	LeaderRejected
	LeaderInactive
)

// String returns the leader status as a string
func (s LeaderStatus) String() string {
	switch s {
	case LeaderPending:
		return "PENDING"
	case LeaderActive:
		return "ACTIVE"
	case LeaderSuspended:
		return "SUSPENDED"
	case LeaderRejected:
		return "REJECTED"
	case LeaderInactive:
		return "INACTIVE"
	}
	return "UNKNOWN"
}

// FollowerStatus represents the lifecycle state of a follower subscription
type FollowerStatus int

const (
	FollowerActive FollowerStatus = iota
	FollowerPaused
	FollowerStopped
)

// String returns the follower status as a string
func (s FollowerStatus) String() string {
	switch s {
	case FollowerActive:
		return "ACTIVE"
	case FollowerPaused:
		return "PAUSED"
	case FollowerStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// TradeStatus represents the state of a trade in the replication state machine
type TradeStatus int

const (
	TradePending TradeStatus = iota
	TradePendingReplication
	TradeReplicated
	TradeReplicationFailed
	TradeOpen
	TradePartiallyFilled
	TradeClosed
	TradeFailed
	TradeCancelled
)

// String returns the trade status as a string
func (s TradeStatus) String() string {
	switch s {
	case TradePending:
		return "PENDING"
	case TradePendingReplication:
		return "PENDING_REPLICATION"
	case TradeReplicated:
		return "REPLICATED"
	case TradeReplicationFailed:
		return "REPLICATION_FAILED"
	case TradeOpen:
		return "OPEN"
	case TradePartiallyFilled:
		return "PARTIALLY_FILLED"
	case TradeClosed:
		return "CLOSED"
	case TradeFailed:
		return "FAILED"
	case TradeCancelled:
		return "CANCELLED"
	}
	return "UNKNOWN"
}

// Terminal reports whether the status is terminal
func (s TradeStatus) Terminal() bool {
	switch s {
	case TradeClosed, TradeFailed, TradeCancelled, TradeReplicationFailed:
		return true
	}
	return false
}

// TransactionType represents the kind of balance-affecting event
type TransactionType int

const (
	TxnAllocation TransactionType = iota
	TxnDeallocation
	TxnProfitShare
	TxnTradeProfit
	TxnTradeLoss
	TxnFee
	TxnRefund
)

// String returns the transaction type as a string
func (t TransactionType) String() string {
	switch t {
	case TxnAllocation:
		return "ALLOCATION"
	case TxnDeallocation:
		return "DEALLOCATION"
	case TxnProfitShare:
		return "PROFIT_SHARE"
	case TxnTradeProfit:
		return "TRADE_PROFIT"
	case TxnTradeLoss:
		return "TRADE_LOSS"
	case TxnFee:
		return "FEE"
	case TxnRefund:
		return "REFUND"
	}
	return "UNKNOWN"
}

// Leader represents a trader offering copy access
type Leader struct {
	ID                 string
	UserID             string
	DisplayName        string
	TradingStyle       string
	RiskLevel          int
	ProfitSharePercent decimal.Decimal // e.g. 20 for 20%
	MinFollowAmount    decimal.Decimal
	MaxFollowers       int
	Status             LeaderStatus
	Visible            bool
	Markets            map[string]*LeaderMarket // symbol -> market config
	PoolSize           decimal.Decimal          // leader's effective pool in quote terms
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// LeaderMarket gates which symbols are copyable for a leader
type LeaderMarket struct {
	Symbol   string
	MinBase  decimal.Decimal
	MinQuote decimal.Decimal
	Active   bool
}

// Follower represents a subscription of one user to one leader
type Follower struct {
	ID                string
	UserID            string
	LeaderID          string
	CopyMode          CopyMode
	FixedAmount       decimal.Decimal // quote-denominated, FIXED_AMOUNT mode
	FixedRatio        decimal.Decimal // FIXED_RATIO mode
	MaxDailyLoss      decimal.Decimal // quote currency, zero disables
	MaxPositionSize   decimal.Decimal // quote notional, zero disables
	StopLossPercent   decimal.Decimal // zero disables
	TakeProfitPercent decimal.Decimal // zero disables
	Status            FollowerStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// FollowerAllocation is the capital pool a follower committed to one symbol
type FollowerAllocation struct {
	FollowerID       string
	Symbol           string
	BaseAmount       decimal.Decimal
	BaseUsedAmount   decimal.Decimal
	BaseReserved     decimal.Decimal
	QuoteAmount      decimal.Decimal
	QuoteUsedAmount  decimal.Decimal
	QuoteReserved    decimal.Decimal
	Active           bool
	UpdatedAt        time.Time
}

// Trade represents a single order, either the leader's original or a derived copy
type Trade struct {
	ID             uint64
	LeaderID       string
	FollowerID     string // empty for leader trades
	UserID         string
	Symbol         string
	Side           Side
	Type           OrderType
	Amount         decimal.Decimal // requested, base units
	Price          decimal.Decimal // requested
	ExecutedAmount decimal.Decimal
	ExecutedPrice  decimal.Decimal
	Cost           decimal.Decimal // committed quote (buy) or base (sell) capital
	Fee            decimal.Decimal
	Slippage       decimal.Decimal
	LatencyMs      int64
	RealizedProfit decimal.Decimal
	Status         TradeStatus
	IsLeaderTrade  bool
	LeaderOrderID  uint64 // links a follower trade back to the leader trade
	ReservationID  uint64
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ClosedAt       time.Time
}

// Transaction is an immutable ledger entry for a balance-affecting event
type Transaction struct {
	ID            uint64
	Seq           uint64 // per (userID, currency) chain sequence
	UserID        string
	Currency      string
	Type          TransactionType
	Amount        decimal.Decimal // signed
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	TradeID       uint64
	LeaderID      string
	FollowerID    string
	CreatedAt     time.Time
}

// LeaderStats is the daily rollup of a leader's completed trades
type LeaderStats struct {
	LeaderID      string
	Date          string // YYYY-MM-DD, UTC
	Trades        int
	WinningTrades int
	LosingTrades  int
	Volume        decimal.Decimal
	Profit        decimal.Decimal
	Fees          decimal.Decimal
	StartEquity   decimal.Decimal
	EndEquity     decimal.Decimal
	HighEquity    decimal.Decimal
	LowEquity     decimal.Decimal
}

// SplitSymbol splits a market symbol like "BTC-USDT" into base and quote assets
func SplitSymbol(symbol string) (base, quote string) {
	parts := strings.SplitN(symbol, "-", 2)
	if len(parts) != 2 {
		return symbol, ""
	}
	return parts[0], parts[1]
}

// Config is the engine configuration snapshot. A replication run captures the
// snapshot it started with so its behavior is reproducible from its inputs.
type Config struct {
	ReservationTimeout time.Duration
	ExchangeTimeout    time.Duration
	DefaultCopyRatio   decimal.Decimal // PROPORTIONAL fallback when leader pool unknown
	PlatformFeePercent decimal.Decimal
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		ReservationTimeout: 30 * time.Second,
		ExchangeTimeout:    5 * time.Second,
		DefaultCopyRatio:   decimal.NewFromFloat(0.01),
		PlatformFeePercent: decimal.Zero,
	}
}
