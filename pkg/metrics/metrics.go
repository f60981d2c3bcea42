package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes replication engine counters through a dedicated
// Prometheus registry
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Replication metrics
	leaderTrades     prometheus.Counter
	tradesReplicated prometheus.Counter
	tradesRejected   prometheus.Counter
	tradesFailed     prometheus.Counter
	tradesClosed     prometheus.Counter
	fanoutLatency    prometheus.Histogram
	fanoutFollowers  prometheus.Histogram

	// Capital accounting metrics
	openReservations prometheus.Gauge
	ledgerEntries    prometheus.CounterVec
	haltedAccounts   prometheus.Gauge

	// Event bus metrics
	eventsPublished prometheus.Counter
	eventsReceived  prometheus.Counter

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// New creates the metrics set and registers it on a fresh registry
func New(namespace string, logger log.Logger) (*Metrics, error) {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		leaderTrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leader_trades_total",
			Help:      "Total leader trades accepted for fan-out",
		}),

		tradesReplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_replicated_total",
			Help:      "Total derived trades that reached the exchange",
		}),

		tradesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_rejected_total",
			Help:      "Total derived trades rejected before reservation",
		}),

		tradesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_failed_total",
			Help:      "Total derived trades failed after reservation",
		}),

		tradesClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_closed_total",
			Help:      "Total trades closed and settled",
		}),

		fanoutLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_latency_milliseconds",
			Help:      "Leader trade fan-out latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}),

		fanoutFollowers: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_followers",
			Help:      "Number of followers per fan-out run",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		openReservations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_reservations",
			Help:      "Allocation reservations currently outstanding",
		}),

		ledgerEntries: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_entries_total",
			Help:      "Ledger entries appended by transaction type",
		}, []string{"type"}),

		haltedAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "halted_accounts",
			Help:      "Accounts halted pending reconciliation",
		}),

		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total lifecycle events published to the bus",
		}),

		eventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Total lifecycle events received from the bus",
		}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.leaderTrades,
		m.tradesReplicated,
		m.tradesRejected,
		m.tradesFailed,
		m.tradesClosed,
		m.fanoutLatency,
		m.fanoutFollowers,
		m.openReservations,
		m.ledgerEntries,
		m.haltedAccounts,
		m.eventsPublished,
		m.eventsReceived,
		m.memoryUsage,
		m.goroutines,
	)

	return m, nil
}

// StartServer starts the Prometheus metrics endpoint
func (m *Metrics) StartServer(port string) error {
	m.logger.Info("Starting Prometheus metrics server", "port", port)

	http.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	go func() {
		if err := http.ListenAndServe(":"+port, nil); err != nil {
			m.logger.Error("Metrics server failed", "error", err)
		}
	}()

	return nil
}

// Handler returns the metrics HTTP handler for mounting on an existing mux
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordLeaderTrade records a leader trade accepted for fan-out
func (m *Metrics) RecordLeaderTrade() {
	m.leaderTrades.Inc()
}

// RecordFanout records the outcome counts and latency of one fan-out run
func (m *Metrics) RecordFanout(replicated, rejected, failed int, latency time.Duration) {
	m.tradesReplicated.Add(float64(replicated))
	m.tradesRejected.Add(float64(rejected))
	m.tradesFailed.Add(float64(failed))
	m.fanoutLatency.Observe(float64(latency.Milliseconds()))
	m.fanoutFollowers.Observe(float64(replicated + rejected + failed))
}

// RecordClose records a settled trade close
func (m *Metrics) RecordClose() {
	m.tradesClosed.Inc()
}

// SetOpenReservations updates the outstanding reservation gauge
func (m *Metrics) SetOpenReservations(n int) {
	m.openReservations.Set(float64(n))
}

// RecordLedgerEntry counts an appended ledger entry by type
func (m *Metrics) RecordLedgerEntry(txnType string) {
	m.ledgerEntries.WithLabelValues(txnType).Inc()
}

// SetHaltedAccounts updates the halted account gauge
func (m *Metrics) SetHaltedAccounts(n int) {
	m.haltedAccounts.Set(float64(n))
}

// RecordEvent counts a bus event by direction
func (m *Metrics) RecordEvent(direction string) {
	switch direction {
	case "published":
		m.eventsPublished.Inc()
	case "received":
		m.eventsReceived.Inc()
	}
}

// CollectSystemMetrics samples runtime stats until the context ends
func (m *Metrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
