package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the aggregator server.
// Scraped from GET /metrics.
var (
	// Ingestion metrics
	TradesIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aggr_trades_ingested_total",
		Help: "Total trades accepted from upstream feeds",
	}, []string{"exchange"})

	TradesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aggr_trades_dropped_total",
		Help: "Total trades dropped for lacking a registry entry",
	}, []string{"exchange"})

	LiquidationsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aggr_liquidations_ingested_total",
		Help: "Total liquidation events accepted from upstream feeds",
	}, []string{"exchange"})

	FeedsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aggr_feeds_active",
		Help: "Current number of registered (exchange, pair) feeds",
	})

	APIReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aggr_api_reconnects_total",
		Help: "Total upstream API reconnections triggered by the activity monitor",
	}, []string{"exchange"})

	// Persistence metrics
	ChunkSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aggr_chunk_size",
		Help: "Trades currently buffered for the next flush",
	})

	FlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aggr_flush_duration_seconds",
		Help:    "Wall time of a full flush across all storages",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	})

	FlushBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aggr_flush_batch_size",
		Help:    "Trades per flushed batch",
		Buckets: []float64{0, 10, 100, 1000, 10000, 100000},
	})

	StorageSaves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aggr_storage_saves_total",
		Help: "Total successful storage saves",
	}, []string{"storage"})

	StorageSaveFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aggr_storage_save_failures_total",
		Help: "Total failed storage saves",
	}, []string{"storage"})

	// Broadcast metrics
	ClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aggr_clients_active",
		Help: "Current number of connected broadcast clients",
	})

	ClientsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aggr_clients_total",
		Help: "Total broadcast clients accepted",
	})

	ClientsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aggr_clients_rejected_total",
		Help: "Total client connections rejected by reason",
	}, []string{"reason"})

	SlowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aggr_slow_clients_disconnected_total",
		Help: "Total clients disconnected after repeated full send buffers",
	})

	BroadcastFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aggr_broadcast_frames_total",
		Help: "Total [pair, trades] data frames sent to clients",
	})

	BroadcastEnvelopes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aggr_broadcast_envelopes_total",
		Help: "Total JSON lifecycle envelopes sent to clients",
	})

	// HTTP metrics
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aggr_http_requests_total",
		Help: "Total HTTP requests by route and status code",
	}, []string{"route", "status"})

	// System metrics
	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aggr_memory_bytes",
		Help: "Current process memory usage in bytes",
	})

	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aggr_cpu_usage_percent",
		Help: "Current process CPU usage percentage",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aggr_goroutines_active",
		Help: "Current number of active goroutines",
	})
)

func init() {
	prometheus.MustRegister(TradesIngested)
	prometheus.MustRegister(TradesDropped)
	prometheus.MustRegister(LiquidationsIngested)
	prometheus.MustRegister(FeedsActive)
	prometheus.MustRegister(APIReconnects)

	prometheus.MustRegister(ChunkSize)
	prometheus.MustRegister(FlushDuration)
	prometheus.MustRegister(FlushBatchSize)
	prometheus.MustRegister(StorageSaves)
	prometheus.MustRegister(StorageSaveFailures)

	prometheus.MustRegister(ClientsActive)
	prometheus.MustRegister(ClientsTotal)
	prometheus.MustRegister(ClientsRejected)
	prometheus.MustRegister(SlowClientsDisconnected)
	prometheus.MustRegister(BroadcastFrames)
	prometheus.MustRegister(BroadcastEnvelopes)

	prometheus.MustRegister(HTTPRequests)

	prometheus.MustRegister(MemoryUsageBytes)
	prometheus.MustRegister(CPUUsagePercent)
	prometheus.MustRegister(GoroutinesActive)
}

// MetricsHandler returns the Prometheus scrape handler for /metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
