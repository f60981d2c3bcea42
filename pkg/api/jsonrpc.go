package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/copytrade/pkg/copytrade"
)

// JSONRPCServer handles JSON-RPC 2.0 requests against the replication engine
type JSONRPCServer struct {
	engine   *copytrade.Engine
	registry *copytrade.Registry
	stats    *copytrade.StatsAggregator
	logger   log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(engine *copytrade.Engine, registry *copytrade.Registry,
	stats *copytrade.StatsAggregator, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		engine:   engine,
		registry: registry,
		stats:    stats,
		logger:   logger,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, ParseError, "Parse error")
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, InvalidRequest, "Invalid Request")
		return
	}

	result, err := s.handleMethod(r.Context(), req.Method, req.Params)
	if err != nil {
		if rpcErr, ok := err.(*RPCError); ok {
			s.sendError(w, req.ID, rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(w, req.ID, InternalError, err.Error())
		}
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Leader lifecycle
	case "ct_registerLeader":
		return s.registerLeader(params)
	case "ct_approveLeader":
		return s.leaderTransition(params, s.registry.ApproveLeader)
	case "ct_rejectLeader":
		return s.leaderTransition(params, s.registry.RejectLeader)
	case "ct_suspendLeader":
		return s.leaderTransition(params, s.registry.SuspendLeader)
	case "ct_activateLeader":
		return s.leaderTransition(params, s.registry.ActivateLeader)
	case "ct_setLeaderMarket":
		return s.setLeaderMarket(params)

	// Follower lifecycle
	case "ct_follow":
		return s.follow(params)
	case "ct_pauseFollower":
		return s.followerTransition(params, s.registry.PauseFollower)
	case "ct_resumeFollower":
		return s.followerTransition(params, s.registry.ResumeFollower)
	case "ct_unfollow":
		return s.followerTransition(params, s.registry.Unfollow)
	case "ct_forceStop":
		return s.followerTransition(params, s.registry.ForceStop)

	// Capital allocation
	case "ct_allocate":
		return s.allocate(params)
	case "ct_deallocate":
		return s.deallocate(params)
	case "ct_getExposure":
		return s.getExposure(params)

	// Trading
	case "ct_leaderTrade":
		return s.leaderTrade(ctx, params)
	case "ct_fill":
		return s.fill(params)
	case "ct_closeLeaderTrade":
		return s.closeLeaderTrade(params)
	case "ct_getTrade":
		return s.getTrade(params)
	case "ct_getFollowerTrades":
		return s.getFollowerTrades(params)

	// Ledger
	case "ct_getBalance":
		return s.getBalance(params)
	case "ct_getTransactions":
		return s.getTransactions(params)
	case "ct_verifyChain":
		return s.verifyChain(params)
	case "ct_recordRefund":
		return s.recordRefund(params)

	// Stats
	case "ct_recalculateStats":
		return s.recalculateStats(params)

	// Info methods
	case "ct_getInfo":
		return s.getInfo()
	case "ct_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

func (s *JSONRPCServer) registerLeader(params json.RawMessage) (interface{}, error) {
	var p struct {
		ID                 string          `json:"id"`
		UserID             string          `json:"userId"`
		DisplayName        string          `json:"displayName"`
		ProfitSharePercent decimal.Decimal `json:"profitSharePercent"`
		MaxFollowers       int             `json:"maxFollowers"`
		PoolSize           decimal.Decimal `json:"poolSize"`
		Actor              string          `json:"actor"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	leader, err := s.registry.RegisterLeader(&copytrade.Leader{
		ID:                 p.ID,
		UserID:             p.UserID,
		DisplayName:        p.DisplayName,
		ProfitSharePercent: p.ProfitSharePercent,
		MaxFollowers:       p.MaxFollowers,
		PoolSize:           p.PoolSize,
	}, p.Actor)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	return map[string]interface{}{
		"leaderId": leader.ID,
		"status":   leader.Status.String(),
	}, nil
}

func (s *JSONRPCServer) leaderTransition(params json.RawMessage, fn func(leaderID, actor string) error) (interface{}, error) {
	var p struct {
		LeaderID string `json:"leaderId"`
		Actor    string `json:"actor"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	if err := fn(p.LeaderID, p.Actor); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	leader, err := s.registry.GetLeader(p.LeaderID)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"leaderId": leader.ID,
		"status":   leader.Status.String(),
	}, nil
}

func (s *JSONRPCServer) setLeaderMarket(params json.RawMessage) (interface{}, error) {
	var p struct {
		LeaderID string          `json:"leaderId"`
		Symbol   string          `json:"symbol"`
		MinBase  decimal.Decimal `json:"minBase"`
		MinQuote decimal.Decimal `json:"minQuote"`
		Active   bool            `json:"active"`
		Actor    string          `json:"actor"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	err := s.registry.SetLeaderMarket(p.LeaderID, &copytrade.LeaderMarket{
		Symbol:   p.Symbol,
		MinBase:  p.MinBase,
		MinQuote: p.MinQuote,
		Active:   p.Active,
	}, p.Actor)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	return map[string]interface{}{"symbol": p.Symbol, "active": p.Active}, nil
}

func (s *JSONRPCServer) follow(params json.RawMessage) (interface{}, error) {
	var p struct {
		UserID            string          `json:"userId"`
		LeaderID          string          `json:"leaderId"`
		CopyMode          string          `json:"copyMode"`
		FixedAmount       decimal.Decimal `json:"fixedAmount"`
		FixedRatio        decimal.Decimal `json:"fixedRatio"`
		MaxDailyLoss      decimal.Decimal `json:"maxDailyLoss"`
		MaxPositionSize   decimal.Decimal `json:"maxPositionSize"`
		StopLossPercent   decimal.Decimal `json:"stopLossPercent"`
		TakeProfitPercent decimal.Decimal `json:"takeProfitPercent"`
		Actor             string          `json:"actor"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	mode, err := copytrade.ParseCopyMode(p.CopyMode)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}

	follower, err := s.registry.Follow(&copytrade.Follower{
		UserID:            p.UserID,
		LeaderID:          p.LeaderID,
		CopyMode:          mode,
		FixedAmount:       p.FixedAmount,
		FixedRatio:        p.FixedRatio,
		MaxDailyLoss:      p.MaxDailyLoss,
		MaxPositionSize:   p.MaxPositionSize,
		StopLossPercent:   p.StopLossPercent,
		TakeProfitPercent: p.TakeProfitPercent,
	}, p.Actor)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	return map[string]interface{}{
		"followerId": follower.ID,
		"status":     follower.Status.String(),
	}, nil
}

func (s *JSONRPCServer) followerTransition(params json.RawMessage, fn func(followerID, actor string) error) (interface{}, error) {
	var p struct {
		FollowerID string `json:"followerId"`
		Actor      string `json:"actor"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	if err := fn(p.FollowerID, p.Actor); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	follower, err := s.registry.GetFollower(p.FollowerID)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"followerId": follower.ID,
		"status":     follower.Status.String(),
	}, nil
}

func (s *JSONRPCServer) allocate(params json.RawMessage) (interface{}, error) {
	var p struct {
		FollowerID string          `json:"followerId"`
		Symbol     string          `json:"symbol"`
		Currency   string          `json:"currency"`
		Amount     decimal.Decimal `json:"amount"`
		Actor      string          `json:"actor"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	if err := s.engine.Allocate(p.FollowerID, p.Symbol, p.Currency, p.Amount, p.Actor); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{"status": "allocated"}, nil
}

func (s *JSONRPCServer) deallocate(params json.RawMessage) (interface{}, error) {
	var p struct {
		FollowerID string          `json:"followerId"`
		Symbol     string          `json:"symbol"`
		Currency   string          `json:"currency"`
		Amount     decimal.Decimal `json:"amount"`
		Actor      string          `json:"actor"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	if err := s.engine.Deallocate(p.FollowerID, p.Symbol, p.Currency, p.Amount, p.Actor); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{"status": "deallocated"}, nil
}

func (s *JSONRPCServer) getExposure(params json.RawMessage) (interface{}, error) {
	var p struct {
		FollowerID string `json:"followerId"`
		Symbol     string `json:"symbol"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	exp, err := s.engine.GetFollowerExposure(p.FollowerID, p.Symbol)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	return map[string]interface{}{
		"followerId":  p.FollowerID,
		"symbol":      p.Symbol,
		"baseAmount":  exp.Allocation.BaseAmount.String(),
		"quoteAmount": exp.Allocation.QuoteAmount.String(),
		"baseUsed":    exp.Allocation.BaseUsedAmount.String(),
		"quoteUsed":   exp.Allocation.QuoteUsedAmount.String(),
		"openSize":    exp.OpenSize.String(),
		"entryPrice":  exp.EntryPrice.String(),
		"side":        exp.Side.String(),
		"open":        exp.Open,
	}, nil
}

func (s *JSONRPCServer) leaderTrade(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		LeaderID string          `json:"leaderId"`
		Symbol   string          `json:"symbol"`
		Side     string          `json:"side"`
		Type     string          `json:"type"`
		Amount   decimal.Decimal `json:"amount"`
		Price    decimal.Decimal `json:"price"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	side, err := copytrade.ParseSide(p.Side)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	orderType, err := copytrade.ParseOrderType(p.Type)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}

	report, err := s.engine.OnLeaderTrade(ctx, copytrade.LeaderTradeEvent{
		LeaderID: p.LeaderID,
		Symbol:   p.Symbol,
		Side:     side,
		Type:     orderType,
		Amount:   p.Amount,
		Price:    p.Price,
	})
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	return map[string]interface{}{
		"leaderTradeId": report.LeaderTrade.ID,
		"replicated":    report.Replicated,
		"skipped":       report.Skipped,
		"rejected":      report.Rejected,
		"failed":        report.Failed,
	}, nil
}

func (s *JSONRPCServer) fill(params json.RawMessage) (interface{}, error) {
	var p struct {
		TradeID        uint64          `json:"tradeId"`
		ExecutedAmount decimal.Decimal `json:"executedAmount"`
		ExecutedPrice  decimal.Decimal `json:"executedPrice"`
		Fee            decimal.Decimal `json:"fee"`
		Final          bool            `json:"final"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	err := s.engine.OnFill(p.TradeID, copytrade.FillEvent{
		TradeID:        p.TradeID,
		ExecutedAmount: p.ExecutedAmount,
		ExecutedPrice:  p.ExecutedPrice,
		Fee:            p.Fee,
		Final:          p.Final,
	})
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{"tradeId": p.TradeID, "status": "applied"}, nil
}

func (s *JSONRPCServer) closeLeaderTrade(params json.RawMessage) (interface{}, error) {
	var p struct {
		LeaderTradeID uint64          `json:"leaderTradeId"`
		ClosePrice    decimal.Decimal `json:"closePrice"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	if err := s.engine.CloseLeaderTrade(p.LeaderTradeID, p.ClosePrice); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{"leaderTradeId": p.LeaderTradeID, "status": "closed"}, nil
}

func (s *JSONRPCServer) getTrade(params json.RawMessage) (interface{}, error) {
	var p struct {
		TradeID uint64 `json:"tradeId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	trade, err := s.engine.GetTrade(p.TradeID)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: "Trade not found"}
	}
	return tradeView(trade), nil
}

func (s *JSONRPCServer) getFollowerTrades(params json.RawMessage) (interface{}, error) {
	var p struct {
		LeaderTradeID uint64 `json:"leaderTradeId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	trades := s.engine.FollowerTrades(p.LeaderTradeID)
	out := make([]map[string]interface{}, 0, len(trades))
	for _, t := range trades {
		out = append(out, tradeView(t))
	}
	return out, nil
}

func (s *JSONRPCServer) getBalance(params json.RawMessage) (interface{}, error) {
	var p struct {
		UserID   string `json:"userId"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	return map[string]interface{}{
		"userId":   p.UserID,
		"currency": p.Currency,
		"balance":  s.engine.Ledger().Balance(p.UserID, p.Currency).String(),
		"halted":   s.engine.Ledger().Halted(p.UserID, p.Currency),
	}, nil
}

func (s *JSONRPCServer) getTransactions(params json.RawMessage) (interface{}, error) {
	var p struct {
		UserID   string `json:"userId"`
		Currency string `json:"currency"`
		Limit    int    `json:"limit"`
	}
	p.Limit = 100
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	entries := s.engine.Ledger().Entries(p.UserID, p.Currency)
	if p.Limit > 0 && len(entries) > p.Limit {
		entries = entries[len(entries)-p.Limit:]
	}

	out := make([]map[string]interface{}, 0, len(entries))
	for _, txn := range entries {
		out = append(out, map[string]interface{}{
			"id":            txn.ID,
			"seq":           txn.Seq,
			"type":          txn.Type.String(),
			"amount":        txn.Amount.String(),
			"balanceBefore": txn.BalanceBefore.String(),
			"balanceAfter":  txn.BalanceAfter.String(),
			"tradeId":       txn.TradeID,
			"createdAt":     txn.CreatedAt.Unix(),
		})
	}
	return out, nil
}

func (s *JSONRPCServer) verifyChain(params json.RawMessage) (interface{}, error) {
	var p struct {
		UserID   string `json:"userId"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	if err := s.engine.Ledger().VerifyChain(p.UserID, p.Currency); err != nil {
		return map[string]interface{}{"consistent": false, "error": err.Error()}, nil
	}
	return map[string]interface{}{"consistent": true}, nil
}

func (s *JSONRPCServer) recordRefund(params json.RawMessage) (interface{}, error) {
	var p struct {
		UserID   string          `json:"userId"`
		Currency string          `json:"currency"`
		Amount   decimal.Decimal `json:"amount"`
		Actor    string          `json:"actor"`
		Note     string          `json:"note"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	if err := s.engine.RecordRefund(p.UserID, p.Currency, p.Amount, p.Actor, p.Note); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{"status": "refunded"}, nil
}

func (s *JSONRPCServer) recalculateStats(params json.RawMessage) (interface{}, error) {
	var p struct {
		LeaderID string `json:"leaderId"`
		Date     string `json:"date"`
		Actor    string `json:"actor"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	stats, err := s.stats.Recalculate(p.LeaderID, p.Date, p.Actor)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	return map[string]interface{}{
		"leaderId":    stats.LeaderID,
		"date":        stats.Date,
		"trades":      stats.Trades,
		"wins":        stats.WinningTrades,
		"losses":      stats.LosingTrades,
		"volume":      stats.Volume.String(),
		"profit":      stats.Profit.String(),
		"fees":        stats.Fees.String(),
		"startEquity": stats.StartEquity.String(),
		"endEquity":   stats.EndEquity.String(),
		"highEquity":  stats.HighEquity.String(),
		"lowEquity":   stats.LowEquity.String(),
	}, nil
}

func (s *JSONRPCServer) getInfo() (interface{}, error) {
	return map[string]interface{}{
		"version":   "1.0.0",
		"service":   "copytrade",
		"timestamp": time.Now().Unix(),
	}, nil
}

// tradeView flattens a trade for the wire
func tradeView(t *copytrade.Trade) map[string]interface{} {
	return map[string]interface{}{
		"id":             t.ID,
		"leaderId":       t.LeaderID,
		"followerId":     t.FollowerID,
		"symbol":         t.Symbol,
		"side":           t.Side.String(),
		"amount":         t.Amount.String(),
		"price":          t.Price.String(),
		"executedAmount": t.ExecutedAmount.String(),
		"executedPrice":  t.ExecutedPrice.String(),
		"fee":            t.Fee.String(),
		"realizedProfit": t.RealizedProfit.String(),
		"status":         t.Status.String(),
		"isLeaderTrade":  t.IsLeaderTrade,
		"leaderTradeId":  t.LeaderOrderID,
		"error":          t.ErrorMessage,
	}
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
		ID: id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartJSONRPCServer starts the JSON-RPC server
func StartJSONRPCServer(ctx context.Context, port int, server *JSONRPCServer, logger log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/", server)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("JSON-RPC server started", "port", port)
	return httpServer.ListenAndServe()
}
