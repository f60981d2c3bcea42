// Package bus publishes trade lifecycle events over NATS
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/luxfi/copytrade/pkg/copytrade"
)

// Subjects. Lifecycle events append leader ID and event type, so a replicated
// trade for leader l1 goes out as "copytrade.events.l1.trade.replicated".
const (
	subjectPrefix       = "copytrade.events"
	subjectLeaderTrades = "copytrade.leader.trades"
	subjectFills        = "copytrade.fills"
	subjectReplications = "copytrade.replications"
)

// EventPayload is the wire form of a lifecycle event
type EventPayload struct {
	Type           string `json:"type"`
	TradeID        uint64 `json:"tradeId"`
	LeaderID       string `json:"leaderId"`
	FollowerID     string `json:"followerId,omitempty"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Amount         string `json:"amount"`
	Price          string `json:"price"`
	ExecutedAmount string `json:"executedAmount"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// Bus is a NATS-backed publisher for engine events
type Bus struct {
	nc     *nats.Conn
	logger log.Logger
}

// Connect dials NATS with unlimited reconnects
func Connect(url string, logger log.Logger) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	logger.Info("Connected to NATS", "url", url)
	return &Bus{nc: nc, logger: logger}, nil
}

// Close drains and closes the connection
func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

// PublishEvent sends a lifecycle event. Wire it to the engine with
// engine.OnEvent(bus.PublishEvent); publish failures are logged, never
// raised into the replication path.
func (b *Bus) PublishEvent(ev copytrade.Event) {
	payload := EventPayload{
		Type:           ev.Type,
		TradeID:        ev.Trade.ID,
		LeaderID:       ev.Trade.LeaderID,
		FollowerID:     ev.Trade.FollowerID,
		Symbol:         ev.Trade.Symbol,
		Side:           ev.Trade.Side.String(),
		Amount:         ev.Trade.Amount.String(),
		Price:          ev.Trade.Price.String(),
		ExecutedAmount: ev.Trade.ExecutedAmount.String(),
		Status:         ev.Trade.Status.String(),
		Error:          ev.Trade.ErrorMessage,
		Timestamp:      ev.Timestamp.UnixNano(),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("Failed to marshal event", "error", err)
		return
	}

	subject := fmt.Sprintf("%s.%s.%s", subjectPrefix, ev.Trade.LeaderID, ev.Type)
	if err := b.nc.Publish(subject, data); err != nil {
		b.logger.Error("Failed to publish event", "subject", subject, "error", err)
	}
}

// leaderTradePayload is the inbound wire form of a leader trade
type leaderTradePayload struct {
	LeaderID string          `json:"leaderId"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Type     string          `json:"type"`
	Amount   decimal.Decimal `json:"amount"`
	Price    decimal.Decimal `json:"price"`
}

// fillPayload is the inbound wire form of an execution report
type fillPayload struct {
	TradeID        uint64          `json:"tradeId"`
	ExecutedAmount decimal.Decimal `json:"executedAmount"`
	ExecutedPrice  decimal.Decimal `json:"executedPrice"`
	Fee            decimal.Decimal `json:"fee"`
	Final          bool            `json:"final"`
}

// replicationOutcome is published after each fan-out run
type replicationOutcome struct {
	LeaderTradeID uint64 `json:"leaderTradeId"`
	LeaderID      string `json:"leaderId"`
	Replicated    int    `json:"replicated"`
	Skipped       int    `json:"skipped"`
	Rejected      int    `json:"rejected"`
	Failed        int    `json:"failed"`
	Timestamp     int64  `json:"timestamp"`
}

// ConsumeLeaderTrades subscribes to inbound leader trades and fans each one
// out through the engine, publishing the outcome per leader
func (b *Bus) ConsumeLeaderTrades(ctx context.Context, engine *copytrade.Engine) (*nats.Subscription, error) {
	sub, err := b.nc.Subscribe(subjectLeaderTrades, func(msg *nats.Msg) {
		var p leaderTradePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			b.logger.Error("Failed to decode leader trade", "error", err)
			return
		}

		side, err := copytrade.ParseSide(p.Side)
		if err != nil {
			b.logger.Error("Bad leader trade", "leader", p.LeaderID, "error", err)
			return
		}
		orderType, err := copytrade.ParseOrderType(p.Type)
		if err != nil {
			b.logger.Error("Bad leader trade", "leader", p.LeaderID, "error", err)
			return
		}

		report, err := engine.OnLeaderTrade(ctx, copytrade.LeaderTradeEvent{
			LeaderID: p.LeaderID,
			Symbol:   p.Symbol,
			Side:     side,
			Type:     orderType,
			Amount:   p.Amount,
			Price:    p.Price,
		})
		if err != nil {
			b.logger.Warn("Leader trade not replicated", "leader", p.LeaderID, "error", err)
			return
		}

		outcome, err := json.Marshal(replicationOutcome{
			LeaderTradeID: report.LeaderTrade.ID,
			LeaderID:      p.LeaderID,
			Replicated:    report.Replicated,
			Skipped:       report.Skipped,
			Rejected:      report.Rejected,
			Failed:        report.Failed,
			Timestamp:     time.Now().UnixNano(),
		})
		if err != nil {
			b.logger.Error("Failed to marshal outcome", "error", err)
			return
		}

		subject := fmt.Sprintf("%s.%s", subjectReplications, p.LeaderID)
		if err := b.nc.Publish(subject, outcome); err != nil {
			b.logger.Error("Failed to publish outcome", "subject", subject, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subjectLeaderTrades, err)
	}

	b.logger.Info("Consuming leader trades", "subject", subjectLeaderTrades)
	return sub, nil
}

// ConsumeFills subscribes to execution reports and applies them to trades
func (b *Bus) ConsumeFills(engine *copytrade.Engine) (*nats.Subscription, error) {
	sub, err := b.nc.Subscribe(subjectFills, func(msg *nats.Msg) {
		var p fillPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			b.logger.Error("Failed to decode fill", "error", err)
			return
		}

		if err := engine.OnFill(p.TradeID, copytrade.FillEvent{
			TradeID:        p.TradeID,
			ExecutedAmount: p.ExecutedAmount,
			ExecutedPrice:  p.ExecutedPrice,
			Fee:            p.Fee,
			Final:          p.Final,
		}); err != nil {
			b.logger.Warn("Fill not applied", "trade", p.TradeID, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subjectFills, err)
	}

	b.logger.Info("Consuming fills", "subject", subjectFills)
	return sub, nil
}

// SubscribeEvents subscribes to lifecycle events for one leader, or all
// leaders when leaderID is empty
func (b *Bus) SubscribeEvents(leaderID string, fn func(EventPayload)) (*nats.Subscription, error) {
	subject := subjectPrefix + ".>"
	if leaderID != "" {
		subject = fmt.Sprintf("%s.%s.>", subjectPrefix, leaderID)
	}

	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var payload EventPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			b.logger.Error("Failed to decode event", "subject", msg.Subject, "error", err)
			return
		}
		fn(payload)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}
