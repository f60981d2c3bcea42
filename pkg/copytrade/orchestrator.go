package copytrade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// Event is a trade lifecycle notification emitted by the engine
type Event struct {
	Type      string
	Trade     Trade
	Timestamp time.Time
}

// LeaderTradeEvent is the entry point payload invoked by the leader's own
// order-execution path
type LeaderTradeEvent struct {
	LeaderID string
	Symbol   string
	Side     Side
	Type     OrderType
	Amount   decimal.Decimal
	Price    decimal.Decimal
}

// ReplicationReport summarizes one fan-out run
type ReplicationReport struct {
	LeaderTrade *Trade
	Replicated  int
	Skipped     int
	Rejected    int
	Failed      int
	Elapsed     time.Duration
}

// Exposure is the answer to a follower exposure query
type Exposure struct {
	Allocation *FollowerAllocation
	OpenSize   decimal.Decimal
	EntryPrice decimal.Decimal
	Side       Side
	Open       bool
}

// Engine drives a leader trade through fan-out, sizing, risk-checking,
// submission and settlement for every eligible follower. Followers are
// processed independently and concurrently; one follower's failure never
// affects another's processing or the leader trade.
type Engine struct {
	cfg      Config
	registry *Registry
	book     *AllocationBook
	ledger   *TransactionLedger
	audit    *AuditLog
	risk     *RiskGuard
	exchange ExchangeClient
	wallet   Wallet
	logger   log.Logger

	trades        map[uint64]*Trade
	byLeaderTrade map[uint64][]uint64
	tradesMu      sync.RWMutex
	nextTradeID   uint64

	events   func(Event)
	reports  func(*ReplicationReport)
	eventsMu sync.RWMutex
}

// NewEngine wires the replication engine. The config is a snapshot; each
// replication run copies the snapshot it starts with.
func NewEngine(cfg Config, registry *Registry, book *AllocationBook, ledger *TransactionLedger,
	audit *AuditLog, exchange ExchangeClient, wallet Wallet, logger log.Logger) *Engine {

	e := &Engine{
		cfg:           cfg,
		registry:      registry,
		book:          book,
		ledger:        ledger,
		audit:         audit,
		exchange:      exchange,
		wallet:        wallet,
		logger:        logger,
		trades:        make(map[uint64]*Trade),
		byLeaderTrade: make(map[uint64][]uint64),
	}

	var marks MarkPricer
	if mp, ok := exchange.(MarkPricer); ok {
		marks = mp
	}
	e.risk = NewRiskGuard(ledger, e, marks)

	book.OnExpired(func(res *Reservation) {
		e.onReservationExpired(res)
	})
	return e
}

// OnEvent registers the lifecycle event callback
func (e *Engine) OnEvent(fn func(Event)) {
	e.eventsMu.Lock()
	e.events = fn
	e.eventsMu.Unlock()
}

// OnReport registers a callback invoked with every fan-out report
func (e *Engine) OnReport(fn func(*ReplicationReport)) {
	e.eventsMu.Lock()
	e.reports = fn
	e.eventsMu.Unlock()
}

func (e *Engine) report(r *ReplicationReport, start time.Time) *ReplicationReport {
	r.Elapsed = time.Since(start)
	e.eventsMu.RLock()
	fn := e.reports
	e.eventsMu.RUnlock()
	if fn != nil {
		fn(r)
	}
	return r
}

func (e *Engine) emit(typ string, trade *Trade) {
	e.eventsMu.RLock()
	fn := e.events
	e.eventsMu.RUnlock()
	if fn != nil {
		fn(Event{Type: typ, Trade: *trade, Timestamp: time.Now()})
	}
}

// OnLeaderTrade records the leader's trade and fans it out to every
// eligible follower concurrently. It returns when every follower's
// replication attempt reached a state machine milestone; individual
// follower failures are recorded, never raised.
func (e *Engine) OnLeaderTrade(ctx context.Context, ev LeaderTradeEvent) (*ReplicationReport, error) {
	leader, err := e.registry.GetLeader(ev.LeaderID)
	if err != nil {
		return nil, err
	}
	if leader.Status != LeaderActive {
		return nil, fmt.Errorf("leader %s is %s", leader.ID, leader.Status)
	}
	if !ev.Amount.IsPositive() || !ev.Price.IsPositive() {
		return nil, fmt.Errorf("%w: leader trade requires positive amount and price", ErrInvalidConfiguration)
	}

	cfg := e.cfg // config snapshot for this run
	start := time.Now()

	leaderTrade := e.newTrade(func(t *Trade) {
		t.LeaderID = leader.ID
		t.UserID = leader.UserID
		t.Symbol = ev.Symbol
		t.Side = ev.Side
		t.Type = ev.Type
		t.Amount = ev.Amount
		t.Price = ev.Price
		t.IsLeaderTrade = true
		if ev.Type == Market {
			t.Status = TradeOpen
		} else {
			t.Status = TradePending
		}
	})
	e.emit("trade.created", leaderTrade)

	market := leader.Markets[ev.Symbol]
	if market == nil || !market.Active {
		e.logger.Warn("leader trade on non-copyable market, no fan-out",
			"leader", leader.ID, "symbol", ev.Symbol)
		return e.report(&ReplicationReport{LeaderTrade: leaderTrade}, start), nil
	}

	followers := e.registry.ActiveFollowers(leader.ID)
	report := &ReplicationReport{LeaderTrade: leaderTrade}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, follower := range followers {
		follower := follower
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := e.replicate(ctx, cfg, leader, market, leaderTrade, follower, ev)
			mu.Lock()
			switch outcome {
			case TradeOpen, TradeReplicated:
				report.Replicated++
			case TradeReplicationFailed:
				report.Rejected++
			case TradeFailed:
				report.Failed++
			default:
				report.Skipped++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	e.logger.Info("leader trade fanned out",
		"leader", leader.ID,
		"trade", leaderTrade.ID,
		"symbol", ev.Symbol,
		"followers", len(followers),
		"replicated", report.Replicated,
		"rejected", report.Rejected,
		"failed", report.Failed)

	return e.report(report, start), nil
}

// replicate runs the full state machine for one follower's derived trade
// and returns the status it ended the fan-out phase in
func (e *Engine) replicate(ctx context.Context, cfg Config, leader *Leader, market *LeaderMarket,
	leaderTrade *Trade, follower *Follower, ev LeaderTradeEvent) TradeStatus {

	alloc, err := e.book.Get(follower.ID, ev.Symbol)
	if err != nil || !alloc.Active {
		return TradePendingReplication // no allocation for this symbol, not eligible
	}

	trade := e.newTrade(func(t *Trade) {
		t.LeaderID = leader.ID
		t.FollowerID = follower.ID
		t.UserID = follower.UserID
		t.Symbol = ev.Symbol
		t.Side = ev.Side
		t.Type = ev.Type
		t.Price = ev.Price
		t.Status = TradePendingReplication
		t.LeaderOrderID = leaderTrade.ID
	})

	base, quote := SplitSymbol(ev.Symbol)

	sized := ComputeCopySize(SizeRequest{
		LeaderAmount:    ev.Amount,
		LeaderPrice:     ev.Price,
		LeaderPoolSize:  leader.PoolSize,
		Side:            ev.Side,
		Market:          market,
		Follower:        follower,
		AvailableBase:   e.book.Available(follower.ID, ev.Symbol, base),
		AvailableQuote:  e.book.Available(follower.ID, ev.Symbol, quote),
		AllocationTotal: alloc.QuoteAmount,
	}, cfg.DefaultCopyRatio)
	if sized.Skip {
		return e.failReplication(trade, leaderTrade, sized.Reason)
	}

	decision := e.risk.Evaluate(follower, CandidateTrade{
		Symbol: ev.Symbol,
		Side:   ev.Side,
		Amount: sized.Amount,
		Price:  ev.Price,
	})
	if !decision.Approved {
		return e.failReplication(trade, leaderTrade, fmt.Sprintf("%s: %s", ErrRiskLimitExceeded, decision.Reason))
	}

	amount := decision.Amount
	currency, reserveAmount := reserveLeg(ev.Side, amount, ev.Price, base, quote)

	if e.ledger.Halted(follower.UserID, currency) {
		return e.failReplication(trade, leaderTrade, ErrAccountHalted.Error())
	}

	res, err := e.book.Reserve(follower.ID, ev.Symbol, currency, reserveAmount)
	if err != nil {
		return e.failReplication(trade, leaderTrade, err.Error())
	}

	e.updateTrade(trade.ID, func(t *Trade) {
		t.Amount = amount
		t.ReservationID = res.ID
		t.Status = TradeReplicated
	})
	trade = e.getTrade(trade.ID)
	e.emit("trade.replicated", trade)

	status := e.submit(ctx, cfg, trade, follower, OrderRequest{
		TradeID: trade.ID,
		UserID:  follower.UserID,
		Symbol:  ev.Symbol,
		Side:    ev.Side,
		Type:    ev.Type,
		Amount:  amount,
		Price:   ev.Price,
	}, res.ID)

	e.audit.Record(AuditCreate, EntityTrade, fmt.Sprintf("%d", trade.ID), "engine", ReplicationDetails{
		LeaderTradeID: leaderTrade.ID,
		TradeID:       trade.ID,
		Symbol:        ev.Symbol,
		Amount:        amount,
		Clamped:       sized.Clamped || decision.Clamped,
		Outcome:       status.String(),
	})
	return status
}

// submit sends the order to the exchange. Timeouts are retried at most once
// after a fresh risk re-evaluation; a second timeout is terminal.
func (e *Engine) submit(ctx context.Context, cfg Config, trade *Trade, follower *Follower, req OrderRequest, resID uint64) TradeStatus {
	start := time.Now()

	ack, err := e.submitOnce(ctx, cfg, req)
	if err != nil && errors.Is(err, ErrExchangeTimeout) {
		decision := e.risk.Evaluate(follower, CandidateTrade{
			Symbol: req.Symbol, Side: req.Side, Amount: req.Amount, Price: req.Price,
		})
		if !decision.Approved {
			return e.failSubmission(trade, resID, fmt.Sprintf("retry vetoed: %s", decision.Reason))
		}
		ack, err = e.submitOnce(ctx, cfg, req)
	}

	latency := time.Since(start).Milliseconds()

	if err != nil {
		return e.failSubmission(trade, resID, fmt.Sprintf("%s: %v", ErrExchangeTimeout, err))
	}
	if !ack.Accepted {
		return e.failSubmission(trade, resID, fmt.Sprintf("%s: %s", ErrExchangeRejected, ack.Reason))
	}

	e.updateTrade(trade.ID, func(t *Trade) {
		t.Status = TradeOpen
		t.LatencyMs = latency
	})
	e.emit("trade.open", e.getTrade(trade.ID))
	return TradeOpen
}

func (e *Engine) submitOnce(ctx context.Context, cfg Config, req OrderRequest) (OrderAck, error) {
	subCtx, cancel := context.WithTimeout(ctx, cfg.ExchangeTimeout)
	defer cancel()

	ack, err := e.exchange.Submit(subCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || subCtx.Err() != nil {
			return OrderAck{}, fmt.Errorf("%w: %v", ErrExchangeTimeout, err)
		}
		return OrderAck{}, err
	}
	return ack, nil
}

// failReplication terminates a derived trade before any capital was touched
func (e *Engine) failReplication(trade, leaderTrade *Trade, reason string) TradeStatus {
	e.updateTrade(trade.ID, func(t *Trade) {
		t.Status = TradeReplicationFailed
		t.ErrorMessage = reason
	})
	trade = e.getTrade(trade.ID)
	e.audit.Record(AuditCreate, EntityTrade, fmt.Sprintf("%d", trade.ID), "engine", ReplicationDetails{
		LeaderTradeID: leaderTrade.ID,
		TradeID:       trade.ID,
		Symbol:        trade.Symbol,
		Outcome:       TradeReplicationFailed.String(),
		Reason:        reason,
	})
	e.emit("trade.replication_failed", trade)
	e.logger.Debug("replication rejected",
		"trade", trade.ID, "follower", trade.FollowerID, "reason", reason)
	return TradeReplicationFailed
}

// failSubmission terminates a derived trade after reservation, releasing it
func (e *Engine) failSubmission(trade *Trade, resID uint64, reason string) TradeStatus {
	if err := e.book.Release(resID); err != nil {
		e.logger.Error("release after failed submission", "trade", trade.ID, "error", err)
	}
	e.updateTrade(trade.ID, func(t *Trade) {
		t.Status = TradeFailed
		t.ErrorMessage = reason
	})
	trade = e.getTrade(trade.ID)
	e.emit("trade.failed", trade)
	e.logger.Warn("submission failed",
		"trade", trade.ID, "follower", trade.FollowerID, "reason", reason)
	return TradeFailed
}

// OnFill applies a fill event from the exchange collaborator. The final
// fill commits the reservation and appends the capital-commitment ledger
// entries.
func (e *Engine) OnFill(tradeID uint64, fill FillEvent) error {
	trade := e.getTrade(tradeID)
	if trade == nil {
		return fmt.Errorf("trade %d: %w", tradeID, ErrNotFound)
	}
	if trade.Status != TradeOpen && trade.Status != TradePartiallyFilled && trade.Status != TradePending {
		return fmt.Errorf("trade %d is %s, cannot fill", tradeID, trade.Status)
	}

	e.updateTrade(tradeID, func(t *Trade) {
		prevNotional := t.ExecutedAmount.Mul(t.ExecutedPrice)
		t.ExecutedAmount = t.ExecutedAmount.Add(fill.ExecutedAmount)
		if t.ExecutedAmount.IsPositive() {
			t.ExecutedPrice = prevNotional.
				Add(fill.ExecutedAmount.Mul(fill.ExecutedPrice)).
				Div(t.ExecutedAmount)
		}
		t.Fee = t.Fee.Add(fill.Fee)
		if t.Price.IsPositive() && t.ExecutedPrice.IsPositive() {
			t.Slippage = t.ExecutedPrice.Sub(t.Price).Div(t.Price)
		}
	})
	trade = e.getTrade(tradeID)

	final := fill.Final || trade.ExecutedAmount.GreaterThanOrEqual(trade.Amount)
	if !final {
		if trade.ReservationID != 0 {
			e.book.Touch(trade.ReservationID)
		}
		e.updateTrade(tradeID, func(t *Trade) { t.Status = TradePartiallyFilled })
		e.emit("trade.partially_filled", e.getTrade(tradeID))
		return nil
	}

	if trade.ExecutedAmount.IsZero() {
		// Final with nothing executed: cancelled upstream.
		if trade.ReservationID != 0 {
			if err := e.book.Release(trade.ReservationID); err != nil {
				e.logger.Error("release on cancel", "trade", tradeID, "error", err)
			}
		}
		e.updateTrade(tradeID, func(t *Trade) { t.Status = TradeCancelled })
		e.emit("trade.cancelled", e.getTrade(tradeID))
		return nil
	}

	base, quote := SplitSymbol(trade.Symbol)
	currency, cost := reserveLeg(trade.Side, trade.ExecutedAmount, trade.ExecutedPrice, base, quote)

	ref := TransactionRef{TradeID: tradeID, LeaderID: trade.LeaderID, FollowerID: trade.FollowerID}
	if trade.ReservationID != 0 {
		if err := e.book.Commit(trade.ReservationID, cost); err != nil {
			e.logger.Error("commit reservation", "trade", tradeID, "error", err)
			return err
		}
		if _, err := e.ledger.Append(trade.UserID, currency, TxnAllocation, cost.Neg(), ref); err != nil {
			return err
		}
	}
	if trade.Fee.IsPositive() {
		if _, err := e.ledger.Append(trade.UserID, quote, TxnFee, trade.Fee.Neg(), ref); err != nil {
			return err
		}
	}

	e.updateTrade(tradeID, func(t *Trade) {
		t.Cost = cost
		t.Status = TradeOpen
	})
	e.emit("trade.open", e.getTrade(tradeID))
	return nil
}

// CloseLeaderTrade closes the leader's trade and every derived follower
// position at closePrice, realizing profit, applying profit share, and
// settling allocations
func (e *Engine) CloseLeaderTrade(leaderTradeID uint64, closePrice decimal.Decimal) error {
	leaderTrade := e.getTrade(leaderTradeID)
	if leaderTrade == nil || !leaderTrade.IsLeaderTrade {
		return fmt.Errorf("leader trade %d: %w", leaderTradeID, ErrNotFound)
	}
	if !closePrice.IsPositive() {
		return fmt.Errorf("%w: close price must be positive", ErrInvalidConfiguration)
	}

	leader, err := e.registry.GetLeader(leaderTrade.LeaderID)
	if err != nil {
		return err
	}

	e.tradesMu.RLock()
	children := append([]uint64(nil), e.byLeaderTrade[leaderTradeID]...)
	e.tradesMu.RUnlock()

	for _, id := range children {
		child := e.getTrade(id)
		if child == nil || (child.Status != TradeOpen && child.Status != TradePartiallyFilled) {
			continue
		}
		if err := e.closeFollowerTrade(child, leader, closePrice); err != nil {
			e.logger.Error("close follower trade", "trade", id, "error", err)
		}
	}

	e.updateTrade(leaderTradeID, func(t *Trade) {
		if t.ExecutedAmount.IsPositive() {
			t.RealizedProfit = realizedPnL(t.Side, t.ExecutedAmount, t.ExecutedPrice, closePrice)
		}
		t.Status = TradeClosed
		t.ClosedAt = time.Now()
	})
	e.emit("trade.closed", e.getTrade(leaderTradeID))
	return nil
}

// closeFollowerTrade realizes one follower position. Profit share is
// computed per close event and only when the trade was profitable.
func (e *Engine) closeFollowerTrade(trade *Trade, leader *Leader, closePrice decimal.Decimal) error {
	base, quote := SplitSymbol(trade.Symbol)

	// A partially filled trade still holds its reservation: commit the
	// executed notional, return the remainder, and ledger the entries the
	// final fill would have written.
	if trade.Status == TradePartiallyFilled && trade.ReservationID != 0 {
		if trade.ExecutedAmount.IsZero() {
			if err := e.book.Release(trade.ReservationID); err != nil {
				e.logger.Error("release on close", "trade", trade.ID, "error", err)
			}
			e.updateTrade(trade.ID, func(t *Trade) { t.Status = TradeCancelled })
			e.emit("trade.cancelled", e.getTrade(trade.ID))
			return nil
		}

		currency, cost := reserveLeg(trade.Side, trade.ExecutedAmount, trade.ExecutedPrice, base, quote)
		if err := e.book.Commit(trade.ReservationID, cost); err != nil {
			return err
		}
		openRef := TransactionRef{TradeID: trade.ID, LeaderID: trade.LeaderID, FollowerID: trade.FollowerID}
		if _, err := e.ledger.Append(trade.UserID, currency, TxnAllocation, cost.Neg(), openRef); err != nil {
			return err
		}
		if trade.Fee.IsPositive() {
			if _, err := e.ledger.Append(trade.UserID, quote, TxnFee, trade.Fee.Neg(), openRef); err != nil {
				return err
			}
		}
		e.updateTrade(trade.ID, func(t *Trade) { t.Cost = cost })
		trade = e.getTrade(trade.ID)
	}

	closeFee := decimal.Zero
	if e.cfg.PlatformFeePercent.IsPositive() {
		closeFee = trade.ExecutedAmount.Mul(closePrice).
			Mul(e.cfg.PlatformFeePercent).Div(decimal.NewFromInt(100))
	}

	gross := realizedPnL(trade.Side, trade.ExecutedAmount, trade.ExecutedPrice, closePrice)
	profit := gross.Sub(closeFee)

	share := decimal.Zero
	if profit.IsPositive() && leader.ProfitSharePercent.IsPositive() {
		share = profit.Mul(leader.ProfitSharePercent).Div(decimal.NewFromInt(100))
	}

	ref := TransactionRef{TradeID: trade.ID, LeaderID: trade.LeaderID, FollowerID: trade.FollowerID}

	// Capital committed at open returns to the free balance.
	if trade.Cost.IsPositive() {
		currency := quote
		if trade.Side == Sell {
			currency = base
		}
		if _, err := e.ledger.Append(trade.UserID, currency, TxnDeallocation, trade.Cost, ref); err != nil {
			return err
		}
	}

	if gross.IsPositive() {
		if _, err := e.ledger.Append(trade.UserID, quote, TxnTradeProfit, gross, ref); err != nil {
			return err
		}
	} else if gross.IsNegative() {
		if _, err := e.ledger.Append(trade.UserID, quote, TxnTradeLoss, gross, ref); err != nil {
			return err
		}
	}
	if closeFee.IsPositive() {
		if _, err := e.ledger.Append(trade.UserID, quote, TxnFee, closeFee.Neg(), ref); err != nil {
			return err
		}
	}
	if share.IsPositive() {
		if _, err := e.ledger.Append(trade.UserID, quote, TxnProfitShare, share.Neg(), ref); err != nil {
			return err
		}
		if _, err := e.ledger.Append(leader.UserID, quote, TxnProfitShare, share, ref); err != nil {
			return err
		}
	}

	net := profit.Sub(share)
	if trade.Side == Buy {
		if err := e.book.Settle(trade.FollowerID, trade.Symbol, quote, trade.Cost, net); err != nil {
			e.logger.Error("settle allocation", "trade", trade.ID, "error", err)
		}
	} else {
		if err := e.book.Settle(trade.FollowerID, trade.Symbol, base, trade.Cost, decimal.Zero); err != nil {
			e.logger.Error("settle allocation", "trade", trade.ID, "error", err)
		}
		if err := e.book.ApplyPnL(trade.FollowerID, trade.Symbol, quote, net); err != nil {
			e.logger.Error("apply pnl", "trade", trade.ID, "error", err)
		}
	}

	e.updateTrade(trade.ID, func(t *Trade) {
		t.RealizedProfit = profit
		t.Status = TradeClosed
		t.ClosedAt = time.Now()
	})
	e.emit("trade.closed", e.getTrade(trade.ID))

	e.audit.Record(AuditUpdate, EntityTrade, fmt.Sprintf("%d", trade.ID), "engine", ReplicationDetails{
		LeaderTradeID: trade.LeaderOrderID,
		TradeID:       trade.ID,
		Symbol:        trade.Symbol,
		Amount:        trade.ExecutedAmount,
		Outcome:       TradeClosed.String(),
	})
	return nil
}

// onReservationExpired records a timed-out reservation as a failed trade
func (e *Engine) onReservationExpired(res *Reservation) {
	e.tradesMu.Lock()
	var expired *Trade
	for _, t := range e.trades {
		if t.ReservationID == res.ID && !t.Status.Terminal() {
			t.Status = TradeFailed
			t.ErrorMessage = fmt.Sprintf("%s: reservation expired", ErrExchangeTimeout)
			t.UpdatedAt = time.Now()
			expired = t
			break
		}
	}
	e.tradesMu.Unlock()

	if expired != nil {
		e.logger.Warn("reservation expired", "trade", expired.ID, "reservation", res.ID)
		e.emit("trade.failed", expired)
	}
}

// Allocate creates or tops up a follower's capital pool for a symbol after
// validating against the wallet collaborator
func (e *Engine) Allocate(followerID, symbol, currency string, amount decimal.Decimal, actor string) error {
	follower, err := e.registry.GetFollower(followerID)
	if err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: allocation amount must be positive", ErrInvalidConfiguration)
	}
	if e.ledger.Halted(follower.UserID, currency) {
		// The pool must not move without a matching ledger entry.
		return fmt.Errorf("%s/%s: %w", follower.UserID, currency, ErrAccountHalted)
	}

	if e.wallet != nil {
		spendable, err := e.wallet.SpendableBalance(follower.UserID, currency)
		if err != nil {
			return fmt.Errorf("wallet balance: %w", err)
		}
		if amount.GreaterThan(spendable) {
			return fmt.Errorf("%w: allocation %s exceeds wallet balance %s",
				ErrInsufficientAllocation, amount, spendable)
		}
	}

	base, quote := SplitSymbol(symbol)
	alloc, err := e.book.Get(followerID, symbol)
	if err != nil {
		// First allocation for this symbol.
		var baseAmt, quoteAmt decimal.Decimal
		switch currency {
		case base:
			baseAmt = amount
		case quote:
			quoteAmt = amount
		default:
			return fmt.Errorf("%w: currency %s not part of %s", ErrInvalidConfiguration, currency, symbol)
		}
		if alloc, err = e.book.CreateAllocation(followerID, symbol, baseAmt, quoteAmt); err != nil {
			return err
		}
	} else {
		var current decimal.Decimal
		switch currency {
		case base:
			current = alloc.BaseAmount
		case quote:
			current = alloc.QuoteAmount
		default:
			return fmt.Errorf("%w: currency %s not part of %s", ErrInvalidConfiguration, currency, symbol)
		}
		if err := e.book.Adjust(followerID, symbol, currency, current.Add(amount)); err != nil {
			return err
		}
		alloc, _ = e.book.Get(followerID, symbol)
	}

	ref := TransactionRef{LeaderID: follower.LeaderID, FollowerID: followerID}
	if _, err := e.ledger.Append(follower.UserID, currency, TxnAllocation, amount, ref); err != nil {
		return err
	}

	total := alloc.QuoteAmount
	if currency == base {
		total = alloc.BaseAmount
	}
	e.audit.Record(AuditAllocate, EntityFollower, followerID, actor, AllocationDetails{
		Symbol:     symbol,
		Currency:   currency,
		Amount:     amount,
		TotalAfter: total,
	})
	return nil
}

// Deallocate returns unused allocation back to the follower's wallet side
func (e *Engine) Deallocate(followerID, symbol, currency string, amount decimal.Decimal, actor string) error {
	follower, err := e.registry.GetFollower(followerID)
	if err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: deallocation amount must be positive", ErrInvalidConfiguration)
	}
	if e.ledger.Halted(follower.UserID, currency) {
		return fmt.Errorf("%s/%s: %w", follower.UserID, currency, ErrAccountHalted)
	}

	alloc, err := e.book.Get(followerID, symbol)
	if err != nil {
		return err
	}

	base, _ := SplitSymbol(symbol)
	current := alloc.QuoteAmount
	if currency == base {
		current = alloc.BaseAmount
	}
	if err := e.book.Adjust(followerID, symbol, currency, current.Sub(amount)); err != nil {
		return err
	}

	ref := TransactionRef{LeaderID: follower.LeaderID, FollowerID: followerID}
	if _, err := e.ledger.Append(follower.UserID, currency, TxnDeallocation, amount.Neg(), ref); err != nil {
		return err
	}

	e.audit.Record(AuditDeallocate, EntityFollower, followerID, actor, AllocationDetails{
		Symbol:     symbol,
		Currency:   currency,
		Amount:     amount,
		TotalAfter: current.Sub(amount),
	})
	return nil
}

// RecordRefund credits an operator-initiated correction to an account
func (e *Engine) RecordRefund(userID, currency string, amount decimal.Decimal, actor, note string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: refund amount must be positive", ErrInvalidConfiguration)
	}
	txn, err := e.ledger.Append(userID, currency, TxnRefund, amount, TransactionRef{})
	if err != nil {
		return err
	}
	e.audit.Record(AuditUpdate, EntityTransaction, fmt.Sprintf("%d", txn.ID), actor,
		LifecycleDetails{Note: note})
	return nil
}

// GetFollowerExposure answers the exposure query for risk and UI consumers
func (e *Engine) GetFollowerExposure(followerID, symbol string) (*Exposure, error) {
	alloc, err := e.book.Get(followerID, symbol)
	if err != nil {
		return nil, err
	}
	size, entry, side, open := e.OpenPosition(followerID, symbol)
	return &Exposure{
		Allocation: alloc,
		OpenSize:   size,
		EntryPrice: entry,
		Side:       side,
		Open:       open,
	}, nil
}

// OpenPosition implements ExposureProvider by scanning open trades
func (e *Engine) OpenPosition(followerID, symbol string) (decimal.Decimal, decimal.Decimal, Side, bool) {
	e.tradesMu.RLock()
	defer e.tradesMu.RUnlock()

	size := decimal.Zero
	notional := decimal.Zero
	var side Side
	found := false
	for _, t := range e.trades {
		if t.FollowerID != followerID || t.Symbol != symbol {
			continue
		}
		if t.Status != TradeOpen && t.Status != TradePartiallyFilled {
			continue
		}
		if !t.ExecutedAmount.IsPositive() {
			continue
		}
		size = size.Add(t.ExecutedAmount)
		notional = notional.Add(t.ExecutedAmount.Mul(t.ExecutedPrice))
		side = t.Side
		found = true
	}
	if !found || size.IsZero() {
		return decimal.Zero, decimal.Zero, Buy, false
	}
	return size, notional.Div(size), side, true
}

// OpenSymbols lists symbols where the follower has open positions
func (e *Engine) OpenSymbols(followerID string) []string {
	e.tradesMu.RLock()
	defer e.tradesMu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, t := range e.trades {
		if t.FollowerID != followerID || seen[t.Symbol] {
			continue
		}
		if t.Status != TradeOpen && t.Status != TradePartiallyFilled {
			continue
		}
		seen[t.Symbol] = true
		out = append(out, t.Symbol)
	}
	return out
}

// GetTrade returns a snapshot of a trade
func (e *Engine) GetTrade(id uint64) (*Trade, error) {
	trade := e.getTrade(id)
	if trade == nil {
		return nil, fmt.Errorf("trade %d: %w", id, ErrNotFound)
	}
	return trade, nil
}

// FollowerTrades returns snapshots of the derived trades for one leader trade
func (e *Engine) FollowerTrades(leaderTradeID uint64) []*Trade {
	e.tradesMu.RLock()
	defer e.tradesMu.RUnlock()

	var out []*Trade
	for _, id := range e.byLeaderTrade[leaderTradeID] {
		if t, ok := e.trades[id]; ok {
			snapshot := *t
			out = append(out, &snapshot)
		}
	}
	return out
}

// LeaderTrades returns snapshots of all trades for a leader, copies included
func (e *Engine) LeaderTrades(leaderID string) []*Trade {
	e.tradesMu.RLock()
	defer e.tradesMu.RUnlock()

	var out []*Trade
	for _, t := range e.trades {
		if t.LeaderID == leaderID {
			snapshot := *t
			out = append(out, &snapshot)
		}
	}
	return out
}

// Ledger exposes the transaction ledger
func (e *Engine) Ledger() *TransactionLedger { return e.ledger }

// Audit exposes the audit log
func (e *Engine) Audit() *AuditLog { return e.audit }

// Book exposes the allocation book
func (e *Engine) Book() *AllocationBook { return e.book }

// newTrade allocates a trade record, applies init and stores it
func (e *Engine) newTrade(init func(*Trade)) *Trade {
	now := time.Now()
	t := &Trade{
		ID:        atomic.AddUint64(&e.nextTradeID, 1),
		CreatedAt: now,
		UpdatedAt: now,
	}
	init(t)

	e.tradesMu.Lock()
	e.trades[t.ID] = t
	if t.LeaderOrderID != 0 {
		e.byLeaderTrade[t.LeaderOrderID] = append(e.byLeaderTrade[t.LeaderOrderID], t.ID)
	}
	e.tradesMu.Unlock()

	snapshot := *t
	return &snapshot
}

// updateTrade mutates a stored trade under the lock
func (e *Engine) updateTrade(id uint64, fn func(*Trade)) {
	e.tradesMu.Lock()
	if t, ok := e.trades[id]; ok {
		fn(t)
		t.UpdatedAt = time.Now()
	}
	e.tradesMu.Unlock()
}

// getTrade returns a snapshot of a stored trade, or nil
func (e *Engine) getTrade(id uint64) *Trade {
	e.tradesMu.RLock()
	defer e.tradesMu.RUnlock()
	if t, ok := e.trades[id]; ok {
		snapshot := *t
		return &snapshot
	}
	return nil
}

// reserveLeg maps a trade to the currency and amount its execution consumes
func reserveLeg(side Side, amount, price decimal.Decimal, base, quote string) (string, decimal.Decimal) {
	if side == Buy {
		return quote, amount.Mul(price)
	}
	return base, amount
}

// realizedPnL computes profit from executed entry vs. close price
func realizedPnL(side Side, amount, entryPrice, closePrice decimal.Decimal) decimal.Decimal {
	diff := closePrice.Sub(entryPrice)
	if side == Sell {
		diff = diff.Neg()
	}
	return diff.Mul(amount)
}
