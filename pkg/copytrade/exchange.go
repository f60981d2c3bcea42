package copytrade

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// OrderRequest is an order submitted to the external exchange collaborator
type OrderRequest struct {
	TradeID uint64
	UserID  string
	Symbol  string
	Side    Side
	Type    OrderType
	Amount  decimal.Decimal
	Price   decimal.Decimal
}

// OrderAck is the exchange's synchronous response to a submission
type OrderAck struct {
	Accepted bool
	Reason   string
}

// FillEvent reports an execution from the exchange. Final marks the last
// fill for the order (full fill or cancel of the remainder).
type FillEvent struct {
	TradeID        uint64
	ExecutedAmount decimal.Decimal
	ExecutedPrice  decimal.Decimal
	Fee            decimal.Decimal
	Final          bool
}

// ExchangeClient is the order-submission interface of the external
// exchange/matching collaborator. Submission is the only true I/O in the
// replication hot path; timeouts surface as ErrExchangeTimeout.
type ExchangeClient interface {
	Submit(ctx context.Context, req OrderRequest) (OrderAck, error)
}

// Wallet reports a user's spendable balance, used only to validate that an
// allocation does not exceed the wallet at allocation-creation time
type Wallet interface {
	SpendableBalance(userID, currency string) (decimal.Decimal, error)
}

// SimExchange is a deterministic in-process exchange used by tests and the
// dev server. Behavior is scripted per call through hooks; by default every
// order is accepted.
type SimExchange struct {
	mu       sync.RWMutex
	marks    map[string]decimal.Decimal
	SubmitFn func(req OrderRequest) (OrderAck, error)
}

// NewSimExchange creates a simulated exchange that accepts everything
func NewSimExchange() *SimExchange {
	return &SimExchange{marks: make(map[string]decimal.Decimal)}
}

// Submit implements ExchangeClient
func (e *SimExchange) Submit(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return OrderAck{}, ErrExchangeTimeout
	}
	e.mu.RLock()
	fn := e.SubmitFn
	e.mu.RUnlock()
	if fn != nil {
		return fn(req)
	}
	return OrderAck{Accepted: true}, nil
}

// SetSubmitFn scripts the next submissions
func (e *SimExchange) SetSubmitFn(fn func(req OrderRequest) (OrderAck, error)) {
	e.mu.Lock()
	e.SubmitFn = fn
	e.mu.Unlock()
}

// SetMarkPrice sets the mark price for a symbol
func (e *SimExchange) SetMarkPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	e.marks[symbol] = price
	e.mu.Unlock()
}

// MarkPrice implements MarkPricer
func (e *SimExchange) MarkPrice(symbol string) (decimal.Decimal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	price, ok := e.marks[symbol]
	return price, ok
}

// SimWallet is an in-memory wallet collaborator for tests and the dev server
type SimWallet struct {
	mu       sync.RWMutex
	balances map[string]decimal.Decimal // userID|currency
}

// NewSimWallet creates an empty wallet
func NewSimWallet() *SimWallet {
	return &SimWallet{balances: make(map[string]decimal.Decimal)}
}

// SetBalance sets a user's spendable balance for a currency
func (w *SimWallet) SetBalance(userID, currency string, amount decimal.Decimal) {
	w.mu.Lock()
	w.balances[userID+"|"+currency] = amount
	w.mu.Unlock()
}

// SpendableBalance implements Wallet
func (w *SimWallet) SpendableBalance(userID, currency string) (decimal.Decimal, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.balances[userID+"|"+currency], nil
}
