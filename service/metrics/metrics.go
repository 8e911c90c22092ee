package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Ledger RPC Metrics
	rpcCallsTotal     *prometheus.CounterVec
	rpcCallDuration   *prometheus.HistogramVec
	rpcRateLimitWaits *prometheus.CounterVec

	// Engine Metrics
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	chainHeight      *prometheus.GaugeVec
	blocksObserved   *prometheus.CounterVec
	readinessWaits   *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec

	// Submission Metrics
	submissionsTotal *prometheus.CounterVec
	gasEscalations   *prometheus.CounterVec
	gasPriceFetches  *prometheus.CounterVec

	// History Metrics
	indexerCallsTotal    *prometheus.CounterVec
	indexerCallDuration  *prometheus.HistogramVec
	historyRecordsTotal  *prometheus.CounterVec
	historyFetchDuration *prometheus.HistogramVec

	// Workflow Metrics
	syncActivityDuration     *prometheus.HistogramVec
	transactionsWrittenTotal *prometheus.CounterVec
	transactionsSkippedTotal *prometheus.CounterVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections prometheus.Gauge
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Ledger RPC Metrics
		rpcCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_rpc_calls_total",
				Help: "Total number of ledger RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		rpcCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_rpc_call_duration_seconds",
				Help:    "Duration of ledger RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		rpcRateLimitWaits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_rpc_rate_limit_waits_total",
				Help: "Total number of ledger RPC calls delayed by the local rate limiter",
			},
			[]string{"endpoint"},
		),

		// Engine Metrics
		dispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_dispatch_total",
				Help: "Total number of requests dispatched through the middleware chain by answering unit",
			},
			[]string{"method", "unit", "status"},
		),
		dispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_dispatch_duration_seconds",
				Help:    "Duration of middleware chain dispatch in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"method"},
		),
		chainHeight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engine_chain_height",
				Help: "Latest block height observed by the engine",
			},
			[]string{"network"},
		),
		blocksObserved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_blocks_observed_total",
				Help: "Total number of block-change events observed",
			},
			[]string{"network"},
		),
		readinessWaits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_readiness_waits_total",
				Help: "Total number of calls queued behind the readiness barrier",
			},
			[]string{"network"},
		),
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_cache_lookups_total",
				Help: "Total number of cache lookups by method and result",
			},
			[]string{"method", "result"},
		),

		// Submission Metrics
		submissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactor_submissions_total",
				Help: "Total number of transaction submissions by status",
			},
			[]string{"network", "status"},
		),
		gasEscalations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactor_gas_escalations_total",
				Help: "Total number of gas price escalations after underpriced rejections",
			},
			[]string{"network"},
		),
		gasPriceFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactor_gas_price_fetches_total",
				Help: "Total number of gas price lookups by source (cache or network)",
			},
			[]string{"network", "source"},
		),

		// History Metrics
		indexerCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_calls_total",
				Help: "Total number of indexer range lookups by direction and status",
			},
			[]string{"direction", "status"},
		),
		indexerCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexer_call_duration_seconds",
				Help:    "Duration of indexer range lookups in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"direction"},
		),
		historyRecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "history_records_total",
				Help: "Total number of normalized history records returned",
			},
			[]string{"network"},
		),
		historyFetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "history_fetch_duration_seconds",
				Help:    "Duration of multi-address history aggregation in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"network", "status"},
		),

		// Workflow Metrics
		syncActivityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sync_activity_duration_seconds",
				Help:    "Duration of history sync activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"activity", "address"},
		),
		transactionsWrittenTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_written_total",
				Help: "Total number of history records written to the database",
			},
			[]string{"address"},
		),
		transactionsSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_skipped_total",
				Help: "Total number of history records skipped",
			},
			[]string{"address", "reason"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE block stream connections",
			},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"event_type"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Ledger RPC metric helpers

// RecordRPCCall records a ledger RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.rpcCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.rpcCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitWait records a call that had to wait on the local limiter.
func (m *Metrics) RecordRateLimitWait(endpoint string) {
	m.rpcRateLimitWaits.WithLabelValues(endpoint).Inc()
}

// Engine metric helpers

// RecordDispatch records a request that was answered (or failed) by unit.
func (m *Metrics) RecordDispatch(method, unit, status string, duration float64) {
	m.dispatchTotal.WithLabelValues(method, unit, status).Inc()
	m.dispatchDuration.WithLabelValues(method).Observe(duration)
}

// RecordBlock records a block-change event and the new chain height.
func (m *Metrics) RecordBlock(network string, height uint64) {
	m.blocksObserved.WithLabelValues(network).Inc()
	m.chainHeight.WithLabelValues(network).Set(float64(height))
}

// RecordReadinessWait records a call queued behind the readiness barrier.
func (m *Metrics) RecordReadinessWait(network string) {
	m.readinessWaits.WithLabelValues(network).Inc()
}

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(method string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(method, result).Inc()
}

// Submission metric helpers

// RecordSubmission records the terminal status of a Send call.
func (m *Metrics) RecordSubmission(network, status string) {
	m.submissionsTotal.WithLabelValues(network, status).Inc()
}

// RecordGasEscalation records one underpriced retry.
func (m *Metrics) RecordGasEscalation(network string) {
	m.gasEscalations.WithLabelValues(network).Inc()
}

// RecordGasPriceFetch records where a gas price came from ("cache" or "network").
func (m *Metrics) RecordGasPriceFetch(network, source string) {
	m.gasPriceFetches.WithLabelValues(network, source).Inc()
}

// History metric helpers

// RecordIndexerCall records an indexer range lookup.
func (m *Metrics) RecordIndexerCall(direction, status string, duration float64) {
	m.indexerCallsTotal.WithLabelValues(direction, status).Inc()
	m.indexerCallDuration.WithLabelValues(direction).Observe(duration)
}

// RecordHistoryFetch records a multi-address aggregation.
func (m *Metrics) RecordHistoryFetch(network, status string, records int, duration float64) {
	m.historyRecordsTotal.WithLabelValues(network).Add(float64(records))
	m.historyFetchDuration.WithLabelValues(network, status).Observe(duration)
}

// Workflow metric helpers

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity, address string, duration float64) {
	m.syncActivityDuration.WithLabelValues(activity, address).Observe(duration)
}

// RecordTransactionsWritten records history records written to the database.
func (m *Metrics) RecordTransactionsWritten(address string, count int) {
	m.transactionsWrittenTotal.WithLabelValues(address).Add(float64(count))
}

// RecordTransactionsSkipped records history records skipped.
func (m *Metrics) RecordTransactionsSkipped(address, reason string, count int) {
	m.transactionsSkippedTotal.WithLabelValues(address, reason).Add(float64(count))
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(delta float64) {
	m.sseActiveConnections.Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(eventType string) {
	m.sseEventsSent.WithLabelValues(eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
