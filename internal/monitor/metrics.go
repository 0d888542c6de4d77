package monitor

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Consumer outcomes
const (
	ResultProcessed    = "processed"
	ResultSkipped      = "skipped"
	ResultRetried      = "retried"
	ResultDeadLettered = "dead_lettered"
	ResultFailed       = "failed"
)

// MetricsCollector holds the saga metrics on a private registry. All methods are no-ops
// on a nil collector so components can run without metrics.
type MetricsCollector struct {
	registry *prometheus.Registry

	// saga
	eventsConsumed    *prometheus.CounterVec
	eventDuration     *prometheus.HistogramVec
	eventsPublished   *prometheus.CounterVec
	deadLetters       *prometheus.CounterVec
	orderTransitions  *prometheus.CounterVec
	reservations      *prometheus.CounterVec
	payments          *prometheus.CounterVec
	refunds           *prometheus.CounterVec
	outboxRelayed     *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	sweptReservations prometheus.Counter

	// http
	httpRequestTotal    *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates a collector with namespace prefixed metric names
func NewMetricsCollector(namespace string) *MetricsCollector {
	mc := &MetricsCollector{registry: prometheus.NewRegistry()}
	mc.initMetrics(namespace)
	return mc
}

func (mc *MetricsCollector) initMetrics(ns string) {
	mc.eventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "events_consumed_total",
			Help:      "Events handled by saga consumers, by outcome",
		},
		[]string{"service", "topic", "result"},
	)
	mc.eventDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "event_handle_duration_seconds",
			Help:      "Time spent handling one event including retries",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "topic"},
	)
	mc.eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "events_published_total",
			Help:      "Events handed to the broker",
		},
		[]string{"topic", "status"},
	)
	mc.deadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "dead_letters_total",
			Help:      "Messages routed to the dead-letter topic",
		},
		[]string{"service", "topic"},
	)
	mc.orderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "order_transitions_total",
			Help:      "Applied order status transitions",
		},
		[]string{"from", "to"},
	)
	mc.reservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "stock_reservations_total",
			Help:      "Reservation engine outcomes",
		},
		[]string{"result"},
	)
	mc.payments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "payments_total",
			Help:      "Payment attempts by outcome",
		},
		[]string{"status"},
	)
	mc.refunds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "refunds_total",
			Help:      "Refund attempts by outcome",
		},
		[]string{"status"},
	)
	mc.outboxRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "outbox_relayed_total",
			Help:      "Outbox rows relayed to the broker",
		},
		[]string{"status"},
	)
	mc.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "circuit_breaker_state",
			Help:      "0 closed, 1 open, 2 half-open",
		},
		[]string{"name"},
	)
	mc.sweptReservations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "expired_reservations_released_total",
			Help:      "Reservations released by the expiry sweep",
		},
	)
	mc.httpRequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	mc.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	mc.registry.MustRegister(
		mc.eventsConsumed,
		mc.eventDuration,
		mc.eventsPublished,
		mc.deadLetters,
		mc.orderTransitions,
		mc.reservations,
		mc.payments,
		mc.refunds,
		mc.outboxRelayed,
		mc.breakerState,
		mc.sweptReservations,
		mc.httpRequestTotal,
		mc.httpRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// RegisterDB exports connection pool statistics of db
func (mc *MetricsCollector) RegisterDB(db *sql.DB, name string) {
	if mc == nil || db == nil {
		return
	}
	mc.registry.MustRegister(collectors.NewDBStatsCollector(db, name))
}

// RecordEvent records the outcome of one consumed event
func (mc *MetricsCollector) RecordEvent(service, topic, result string, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.eventsConsumed.WithLabelValues(service, topic, result).Inc()
	mc.eventDuration.WithLabelValues(service, topic).Observe(duration.Seconds())
}

// RecordPublish records a broker publish
func (mc *MetricsCollector) RecordPublish(topic string, err error) {
	if mc == nil {
		return
	}
	mc.eventsPublished.WithLabelValues(topic, statusOf(err)).Inc()
}

// RecordDeadLetter counts a dead-lettered message
func (mc *MetricsCollector) RecordDeadLetter(service, topic string) {
	if mc == nil {
		return
	}
	mc.deadLetters.WithLabelValues(service, topic).Inc()
}

// RecordTransition counts an applied order transition
func (mc *MetricsCollector) RecordTransition(from, to string) {
	if mc == nil {
		return
	}
	mc.orderTransitions.WithLabelValues(from, to).Inc()
}

// RecordReservation counts a reservation engine outcome
func (mc *MetricsCollector) RecordReservation(result string, n int) {
	if mc == nil || n <= 0 {
		return
	}
	mc.reservations.WithLabelValues(result).Add(float64(n))
}

// RecordExpiredReleased counts reservations released by the sweep
func (mc *MetricsCollector) RecordExpiredReleased(n int) {
	if mc == nil || n <= 0 {
		return
	}
	mc.sweptReservations.Add(float64(n))
}

// RecordPayment counts a payment outcome
func (mc *MetricsCollector) RecordPayment(status string) {
	if mc == nil {
		return
	}
	mc.payments.WithLabelValues(status).Inc()
}

// RecordRefund counts a refund outcome
func (mc *MetricsCollector) RecordRefund(status string) {
	if mc == nil {
		return
	}
	mc.refunds.WithLabelValues(status).Inc()
}

// RecordOutbox counts relayed outbox rows
func (mc *MetricsCollector) RecordOutbox(err error) {
	if mc == nil {
		return
	}
	mc.outboxRelayed.WithLabelValues(statusOf(err)).Inc()
}

// SetBreakerState exports a breaker state as a number
func (mc *MetricsCollector) SetBreakerState(name string, state int) {
	if mc == nil {
		return
	}
	mc.breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordHTTPRequest records one HTTP request
func (mc *MetricsCollector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.httpRequestTotal.WithLabelValues(method, path, status).Inc()
	mc.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format
func (mc *MetricsCollector) Handler() http.Handler {
	if mc == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{Registry: mc.registry})
}

// GetRegistry returns the private registry
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	return mc.registry
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
