package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/copytrade/pkg/copytrade"
)

func newTestServer(t *testing.T) (*JSONRPCServer, *copytrade.Engine, *copytrade.SimWallet) {
	t.Helper()

	level, err := log.ToLevel("debug")
	require.NoError(t, err)
	logger := log.NewTestLogger(level)

	audit := copytrade.NewAuditLog()
	registry := copytrade.NewRegistry(audit)
	book := copytrade.NewAllocationBook(30 * time.Second)
	ledger := copytrade.NewTransactionLedger()
	wallet := copytrade.NewSimWallet()

	engine := copytrade.NewEngine(copytrade.DefaultConfig(), registry, book, ledger,
		audit, copytrade.NewSimExchange(), wallet, logger)
	stats := copytrade.NewStatsAggregator(engine, audit)

	return NewJSONRPCServer(engine, registry, stats, logger), engine, wallet
}

func call(t *testing.T, server *JSONRPCServer, body string) map[string]interface{} {
	t.Helper()

	req := httptest.NewRequest("POST", "/rpc", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "2.0", resp["jsonrpc"])
	return resp
}

func TestJSONRPCServer_Ping(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp := call(t, server, `{"jsonrpc":"2.0","method":"ct_ping","params":{},"id":1}`)
	assert.Equal(t, "pong", resp["result"])
	assert.Equal(t, float64(1), resp["id"])
}

func TestJSONRPCServer_LeaderLifecycle(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp := call(t, server, `{"jsonrpc":"2.0","method":"ct_registerLeader",
		"params":{"id":"l1","userId":"lu1","profitSharePercent":"10","poolSize":"1000000","actor":"admin"},"id":1}`)
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, "l1", result["leaderId"])
	assert.Equal(t, "PENDING", result["status"])

	resp = call(t, server, `{"jsonrpc":"2.0","method":"ct_approveLeader",
		"params":{"leaderId":"l1","actor":"admin"},"id":2}`)
	result = resp["result"].(map[string]interface{})
	assert.Equal(t, "ACTIVE", result["status"])

	// Approving twice is a state machine violation.
	resp = call(t, server, `{"jsonrpc":"2.0","method":"ct_approveLeader",
		"params":{"leaderId":"l1","actor":"admin"},"id":3}`)
	require.NotNil(t, resp["error"])
}

func TestJSONRPCServer_FullReplicationFlow(t *testing.T) {
	server, engine, wallet := newTestServer(t)

	call(t, server, `{"jsonrpc":"2.0","method":"ct_registerLeader",
		"params":{"id":"l1","userId":"lu1","profitSharePercent":"10","poolSize":"1000000","actor":"admin"},"id":1}`)
	call(t, server, `{"jsonrpc":"2.0","method":"ct_approveLeader",
		"params":{"leaderId":"l1","actor":"admin"},"id":2}`)
	call(t, server, `{"jsonrpc":"2.0","method":"ct_setLeaderMarket",
		"params":{"leaderId":"l1","symbol":"BTC-USDT","minBase":"0.001","active":true,"actor":"admin"},"id":3}`)

	resp := call(t, server, `{"jsonrpc":"2.0","method":"ct_follow",
		"params":{"userId":"u1","leaderId":"l1","copyMode":"PROPORTIONAL","actor":"u1"},"id":4}`)
	followerID := resp["result"].(map[string]interface{})["followerId"].(string)
	require.NotEmpty(t, followerID)

	wallet.SetBalance("u1", "USDT", decimal.RequireFromString("10000"))
	resp = call(t, server, `{"jsonrpc":"2.0","method":"ct_allocate",
		"params":{"followerId":"`+followerID+`","symbol":"BTC-USDT","currency":"USDT","amount":"10000","actor":"u1"},"id":5}`)
	require.Nil(t, resp["error"])

	resp = call(t, server, `{"jsonrpc":"2.0","method":"ct_leaderTrade",
		"params":{"leaderId":"l1","symbol":"BTC-USDT","side":"BUY","type":"MARKET","amount":"10","price":"50000"},"id":6}`)
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, float64(1), result["replicated"])
	leaderTradeID := uint64(result["leaderTradeId"].(float64))

	children := engine.FollowerTrades(leaderTradeID)
	require.Len(t, children, 1)

	resp = call(t, server, `{"jsonrpc":"2.0","method":"ct_getFollowerTrades",
		"params":{"leaderTradeId":`+jsonUint(leaderTradeID)+`},"id":7}`)
	trades := resp["result"].([]interface{})
	require.Len(t, trades, 1)
	assert.Equal(t, "0.1", trades[0].(map[string]interface{})["amount"])

	resp = call(t, server, `{"jsonrpc":"2.0","method":"ct_getBalance",
		"params":{"userId":"u1","currency":"USDT"},"id":8}`)
	result = resp["result"].(map[string]interface{})
	assert.Equal(t, "10000", result["balance"])
	assert.Equal(t, false, result["halted"])

	resp = call(t, server, `{"jsonrpc":"2.0","method":"ct_verifyChain",
		"params":{"userId":"u1","currency":"USDT"},"id":9}`)
	assert.Equal(t, true, resp["result"].(map[string]interface{})["consistent"])
}

func TestJSONRPCServer_Errors(t *testing.T) {
	server, _, _ := newTestServer(t)

	t.Run("UnknownMethod", func(t *testing.T) {
		resp := call(t, server, `{"jsonrpc":"2.0","method":"ct_nope","params":{},"id":1}`)
		rpcErr := resp["error"].(map[string]interface{})
		assert.Equal(t, float64(MethodNotFound), rpcErr["code"])
	})

	t.Run("BadVersion", func(t *testing.T) {
		resp := call(t, server, `{"jsonrpc":"1.0","method":"ct_ping","params":{},"id":1}`)
		rpcErr := resp["error"].(map[string]interface{})
		assert.Equal(t, float64(InvalidRequest), rpcErr["code"])
	})

	t.Run("ParseError", func(t *testing.T) {
		resp := call(t, server, `{not json`)
		rpcErr := resp["error"].(map[string]interface{})
		assert.Equal(t, float64(ParseError), rpcErr["code"])
	})

	t.Run("GetUnavailable", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/rpc", nil)
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("BadSide", func(t *testing.T) {
		resp := call(t, server, `{"jsonrpc":"2.0","method":"ct_leaderTrade",
			"params":{"leaderId":"l1","symbol":"BTC-USDT","side":"HOLD","amount":"1","price":"1"},"id":1}`)
		rpcErr := resp["error"].(map[string]interface{})
		assert.Equal(t, float64(InvalidParams), rpcErr["code"])
	})
}

func jsonUint(v uint64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
