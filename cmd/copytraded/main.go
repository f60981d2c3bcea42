package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"

	"github.com/luxfi/copytrade/pkg/api"
	"github.com/luxfi/copytrade/pkg/bus"
	"github.com/luxfi/copytrade/pkg/copytrade"
	"github.com/luxfi/copytrade/pkg/metrics"
	"github.com/luxfi/copytrade/pkg/store"
	"github.com/luxfi/copytrade/pkg/websocket"
)

const (
	defaultDataDir = ".copytraded"
	defaultPort    = 8080
	defaultWSPort  = 8081
)

type Config struct {
	// Paths
	DataDir  string
	LogLevel string

	// Network
	HTTPPort    int
	WSPort      int
	MetricsPort int
	NATSUrl     string

	// Features
	EnableMetrics bool
	EnableNATS    bool

	// Engine tuning
	ReservationTimeout time.Duration
	ExchangeTimeout    time.Duration
}

type Node struct {
	config *Config
	db     database.Database
	logger log.Logger

	engine   *copytrade.Engine
	registry *copytrade.Registry
	ledger   *copytrade.TransactionLedger
	book     *copytrade.AllocationBook
	stats    *copytrade.StatsAggregator
	wsServer *websocket.Server
	eventBus *bus.Bus
	metrics  *metrics.Metrics

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// meteredTxnSink counts every durably written ledger entry by type before
// passing it through to the store
type meteredTxnSink struct {
	next    copytrade.TransactionSink
	metrics *metrics.Metrics
}

func (s *meteredTxnSink) AppendTransaction(txn *copytrade.Transaction) error {
	s.metrics.RecordLedgerEntry(txn.Type.String())
	return s.next.AppendTransaction(txn)
}

func NewNode(config *Config) (*Node, error) {
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing copytraded node")

	// Ensure data directory exists
	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Initialize database using luxfi/database manager
	dbManager := manager.NewManager(dataPath, nil)

	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "copytraded"

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		// Fallback to memory database
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
	} else {
		logger.Info("BadgerDB initialized", "path", filepath.Join(dataPath, "badgerdb"))
	}

	// Assemble the replication engine
	engineCfg := copytrade.DefaultConfig()
	engineCfg.ReservationTimeout = config.ReservationTimeout
	engineCfg.ExchangeTimeout = config.ExchangeTimeout

	audit := copytrade.NewAuditLog()
	registry := copytrade.NewRegistry(audit)
	book := copytrade.NewAllocationBook(engineCfg.ReservationTimeout)
	ledger := copytrade.NewTransactionLedger()
	exchange := copytrade.NewSimExchange()
	wallet := copytrade.NewSimWallet()

	engine := copytrade.NewEngine(engineCfg, registry, book, ledger, audit,
		exchange, wallet, logger)
	stats := copytrade.NewStatsAggregator(engine, audit)

	var m *metrics.Metrics
	if config.EnableMetrics {
		m, err = metrics.New("copytrade", logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	// Wire durable storage under the in-memory structures
	kvStore := store.New(db, logger)
	var txnSink copytrade.TransactionSink = kvStore
	if m != nil {
		txnSink = &meteredTxnSink{next: kvStore, metrics: m}
	}
	ledger.SetSink(txnSink)
	audit.SetSink(kvStore)
	stats.SetSink(kvStore)

	var eventBus *bus.Bus
	if config.EnableNATS {
		eventBus, err = bus.Connect(config.NATSUrl, logger)
		if err != nil {
			logger.Warn("NATS unavailable, events stay local", "error", err)
			eventBus = nil
		}
	}

	wsServer := websocket.NewServer(engine, logger, websocket.DefaultConfig())

	// Fan lifecycle events out to WebSocket clients and NATS
	engine.OnEvent(func(ev copytrade.Event) {
		wsServer.PublishEvent(ev)
		if eventBus != nil {
			eventBus.PublishEvent(ev)
		}
		if m != nil {
			m.RecordEvent("published")
			if ev.Type == "trade.closed" && !ev.Trade.IsLeaderTrade {
				m.RecordClose()
			}
		}
	})

	if m != nil {
		engine.OnReport(func(r *copytrade.ReplicationReport) {
			m.RecordLeaderTrade()
			m.RecordFanout(r.Replicated, r.Rejected, r.Failed, r.Elapsed)
		})
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		config:   config,
		db:       db,
		logger:   logger,
		engine:   engine,
		registry: registry,
		ledger:   ledger,
		book:     book,
		stats:    stats,
		wsServer: wsServer,
		eventBus: eventBus,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (n *Node) Start() error {
	n.logger.Info("Starting copytraded node",
		"dataDir", filepath.Join(os.Getenv("HOME"), n.config.DataDir),
		"httpPort", n.config.HTTPPort,
		"wsPort", n.config.WSPort)

	// Reservation janitor
	n.book.Start(n.ctx)

	// Inbound NATS subjects feed the engine directly
	if n.eventBus != nil {
		if _, err := n.eventBus.ConsumeLeaderTrades(n.ctx, n.engine); err != nil {
			return fmt.Errorf("failed to consume leader trades: %w", err)
		}
		if _, err := n.eventBus.ConsumeFills(n.engine); err != nil {
			return fmt.Errorf("failed to consume fills: %w", err)
		}
	}

	// Metrics server and system collector
	if n.metrics != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.metrics.StartServer(fmt.Sprintf("%d", n.config.MetricsPort)); err != nil {
				n.logger.Error("Metrics server error", "error", err)
			}
		}()
		go n.metrics.CollectSystemMetrics(n.ctx)

		n.wg.Add(1)
		go n.pollGauges()
	}

	// WebSocket server
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.wsServer.Start(n.config.WSPort); err != nil {
			n.logger.Error("WebSocket server error", "error", err)
		}
	}()

	// JSON-RPC server
	n.wg.Add(1)
	go n.runJSONRPCServer()

	// Stats printer
	n.wg.Add(1)
	go n.printStats()

	n.logger.Info("copytraded node started successfully")
	return nil
}

func (n *Node) runJSONRPCServer() {
	defer n.wg.Done()

	server := api.NewJSONRPCServer(n.engine, n.registry, n.stats, n.logger)

	mux := http.NewServeMux()
	mux.Handle("/rpc", server)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":       "healthy",
			"leaders":      len(n.registry.Leaders()),
			"reservations": n.book.OutstandingReservations(),
		})
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", n.config.HTTPPort),
		Handler: mux,
	}

	go func() {
		<-n.ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	n.logger.Info("JSON-RPC server started", "port", n.config.HTTPPort, "endpoint", "/rpc")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("JSON-RPC server error", "error", err)
	}
}

// pollGauges samples engine state for Prometheus on a fixed cadence
func (n *Node) pollGauges() {
	defer n.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.metrics.SetOpenReservations(n.book.OutstandingReservations())
			n.metrics.SetHaltedAccounts(n.ledger.HaltedAccounts())
		}
	}
}

func (n *Node) printStats() {
	defer n.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.logger.Info("Node status",
				"uptime", fmt.Sprintf("%.0fs", time.Since(startTime).Seconds()),
				"leaders", len(n.registry.Leaders()),
				"followers", len(n.registry.Followers()),
				"openReservations", n.book.OutstandingReservations())
		}
	}
}

func (n *Node) Shutdown() {
	n.logger.Info("Shutting down copytraded node...")

	n.cancel()
	n.wsServer.Stop()
	n.wg.Wait()

	if n.eventBus != nil {
		n.eventBus.Close()
	}

	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info("copytraded node shutdown complete")
}

func main() {
	config := &Config{
		DataDir: defaultDataDir,
	}

	flag.StringVar(&config.DataDir, "data-dir", defaultDataDir, "Data directory (relative to $HOME)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")

	flag.IntVar(&config.HTTPPort, "http-port", defaultPort, "HTTP API port")
	flag.IntVar(&config.WSPort, "ws-port", defaultWSPort, "WebSocket port")
	flag.IntVar(&config.MetricsPort, "metrics-port", 9090, "Prometheus metrics port")
	flag.StringVar(&config.NATSUrl, "nats-url", "nats://localhost:4222", "NATS server URL")

	flag.BoolVar(&config.EnableMetrics, "enable-metrics", true, "Enable Prometheus metrics")
	flag.BoolVar(&config.EnableNATS, "enable-nats", false, "Publish events to NATS")

	reservationTimeout := flag.Duration("reservation-timeout", 30*time.Second, "Allocation reservation timeout")
	exchangeTimeout := flag.Duration("exchange-timeout", 5*time.Second, "Exchange submission timeout")

	flag.Parse()

	config.LogLevel = *logLevel
	config.ReservationTimeout = *reservationTimeout
	config.ExchangeTimeout = *exchangeTimeout

	rootLogger := log.Root()
	rootLogger.Info(`
╔══════════════════════════════════════════╗
║        copytraded - Copy Trading         ║
║                                          ║
║     Replication and Ledger Engine        ║
╚══════════════════════════════════════════╝`)

	rootLogger.Info("System information",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"dataDir", filepath.Join(os.Getenv("HOME"), config.DataDir))

	node, err := NewNode(config)
	if err != nil {
		rootLogger.Crit("Failed to create node", "error", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		rootLogger.Crit("Failed to start node", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	rootLogger.Info("Received shutdown signal", "signal", sig)

	node.Shutdown()
}
