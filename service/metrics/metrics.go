package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// It is passed explicitly to every component that records metrics; a nil *Metrics
// is never dereferenced by callers, they check before recording.
type Metrics struct {
	// Ledger Metrics
	ledgerOperationsTotal   *prometheus.CounterVec
	ledgerOperationDuration *prometheus.HistogramVec
	ledgerEventsJournaled   *prometheus.CounterVec

	// Solana RPC Metrics
	solanaRPCCallsTotal   *prometheus.CounterVec
	solanaRPCCallDuration *prometheus.HistogramVec
	donationVerifications *prometheus.CounterVec

	// Settlement Metrics
	settlementWorkflowsStarted *prometheus.CounterVec
	settlementOutcomesTotal    *prometheus.CounterVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	authFailuresTotal    *prometheus.CounterVec
	rateLimitedTotal     prometheus.Counter
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
		// Ledger Metrics
		ledgerOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_operations_total",
				Help: "Total number of ledger mutations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		ledgerOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_operation_duration_seconds",
				Help:    "Duration of ledger mutations including journal writes",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation"},
		),
		ledgerEventsJournaled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_events_journaled_total",
				Help: "Total number of ledger events written to the journal by kind",
			},
			[]string{"kind"},
		),

		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method"},
		),
		donationVerifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "donation_verifications_total",
				Help: "Total number of on-chain donation verifications by result",
			},
			[]string{"result"},
		),

		// Settlement Metrics
		settlementWorkflowsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_workflows_started_total",
				Help: "Total number of settlement workflows scheduled",
			},
			[]string{"status"},
		),
		settlementOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_outcomes_total",
				Help: "Total number of settlement attempts by outcome",
			},
			[]string{"outcome"},
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
		authFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_auth_failures_total",
				Help: "Total number of rejected request signatures by reason",
			},
			[]string{"reason"},
		),
		rateLimitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "http_rate_limited_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
		),
		sseActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"kind"},
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

// Ledger metric helpers. All Record methods are no-ops on a nil *Metrics.

// RecordLedgerOperation records one mutation attempt and its outcome label.
func (m *Metrics) RecordLedgerOperation(operation, outcome string, duration float64) {
	if m == nil {
		return
	}
	m.ledgerOperationsTotal.WithLabelValues(operation, outcome).Inc()
	m.ledgerOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordEventJournaled records an event appended to the journal.
func (m *Metrics) RecordEventJournaled(kind string) {
	if m == nil {
		return
	}
	m.ledgerEventsJournaled.WithLabelValues(kind).Inc()
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status string, duration float64) {
	if m == nil {
		return
	}
	m.solanaRPCCallsTotal.WithLabelValues(method, status).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method).Observe(duration)
}

// RecordDonationVerification records the result of checking a donation on chain.
func (m *Metrics) RecordDonationVerification(result string) {
	if m == nil {
		return
	}
	m.donationVerifications.WithLabelValues(result).Inc()
}

// Settlement metric helpers

// RecordSettlementScheduled records a settlement workflow start attempt.
func (m *Metrics) RecordSettlementScheduled(status string) {
	if m == nil {
		return
	}
	m.settlementWorkflowsStarted.WithLabelValues(status).Inc()
}

// RecordSettlementOutcome records how a settlement attempt ended.
func (m *Metrics) RecordSettlementOutcome(outcome string) {
	if m == nil {
		return
	}
	m.settlementOutcomesTotal.WithLabelValues(outcome).Inc()
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	if m == nil {
		return
	}
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
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordAuthFailure records a rejected request signature.
func (m *Metrics) RecordAuthFailure(reason string) {
	if m == nil {
		return
	}
	m.authFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordRateLimited records a request rejected by the rate limiter.
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimitedTotal.Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(delta float64) {
	if m == nil {
		return
	}
	m.sseActiveConnections.Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(kind string) {
	if m == nil {
		return
	}
	m.sseEventsSent.WithLabelValues(kind).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

func statusCodeToString(code int) string {
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
