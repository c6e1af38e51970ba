package runtime

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of a Bus. Collectors count whether
// or not they are registered; Register exposes them.
type Metrics struct {
	mu sync.Mutex

	sent            *prometheus.CounterVec
	published       *prometheus.CounterVec
	consumed        *prometheus.CounterVec
	consumeFailed   *prometheus.CounterVec
	consumeDuration *prometheus.HistogramVec
	duplicates      *prometheus.CounterVec
	requestTimeouts *prometheus.CounterVec
	pendingRequests prometheus.Gauge

	outboxDispatched   *prometheus.CounterVec
	outboxFailed       *prometheus.CounterVec
	outboxDeadLettered *prometheus.CounterVec

	scheduledDelivered    *prometheus.CounterVec
	scheduledFailed       *prometheus.CounterVec
	scheduledDeadLettered *prometheus.CounterVec

	sagaHandled          *prometheus.CounterVec
	sagaCompletedIgnored *prometheus.CounterVec
	sagaConflicts        *prometheus.CounterVec
	sagaFlushFailed      *prometheus.CounterVec

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	registered bool
}

// newCounterVec creates a counter vec in the transit namespace.
func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "transit",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors. A nil registerer means
// prometheus.DefaultRegisterer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := registerer.(prometheus.Gatherer); ok {
		gatherer = g
	}

	return &Metrics{
		registerer: registerer,
		gatherer:   gatherer,

		sent:          newCounterVec("bus", "sent_total", "Messages sent point-to-point", "message_type"),
		published:     newCounterVec("bus", "published_total", "Messages published by type", "message_type"),
		consumed:      newCounterVec("consumer", "handled_total", "Messages handled successfully", "endpoint", "message_type"),
		consumeFailed: newCounterVec("consumer", "failed_total", "Messages whose handler returned an error", "endpoint", "message_type"),
		consumeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "transit",
			Subsystem: "consumer",
			Name:      "duration_seconds",
			Help:      "Time spent handling a delivery",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		duplicates:      newCounterVec("inbox", "duplicates_total", "Deliveries skipped because the inbox had already processed them", "consumer_key"),
		requestTimeouts: newCounterVec("request", "timeouts_total", "Requests that received no reply in time", "message_type"),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "transit",
			Subsystem: "request",
			Name:      "pending",
			Help:      "Requests waiting for a reply",
		}),

		outboxDispatched:   newCounterVec("outbox", "dispatched_total", "Outbox rows delivered", "message_type"),
		outboxFailed:       newCounterVec("outbox", "failed_total", "Outbox delivery attempts that failed", "message_type"),
		outboxDeadLettered: newCounterVec("outbox", "dead_lettered_total", "Outbox rows abandoned after too many failures", "message_type"),

		scheduledDelivered:    newCounterVec("scheduler", "delivered_total", "Scheduled messages delivered", "message_type"),
		scheduledFailed:       newCounterVec("scheduler", "failed_total", "Scheduled delivery attempts that failed", "message_type"),
		scheduledDeadLettered: newCounterVec("scheduler", "dead_lettered_total", "Scheduled messages abandoned after too many failures", "message_type"),

		sagaHandled:          newCounterVec("saga", "handled_total", "Messages applied to saga state", "saga_type", "message_type"),
		sagaCompletedIgnored: newCounterVec("saga", "completed_ignored_total", "Messages ignored because their saga had completed", "saga_type", "message_type"),
		sagaConflicts:        newCounterVec("saga", "conflicts_total", "Optimistic version conflicts while saving saga state", "saga_type"),
		sagaFlushFailed:      newCounterVec("saga", "flush_failed_total", "Saga messages neither delivered nor staged after the state was saved", "saga_type", "message_type"),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.sent, m.published,
		m.consumed, m.consumeFailed, m.consumeDuration,
		m.duplicates, m.requestTimeouts, m.pendingRequests,
		m.outboxDispatched, m.outboxFailed, m.outboxDeadLettered,
		m.scheduledDelivered, m.scheduledFailed, m.scheduledDeadLettered,
		m.sagaHandled, m.sagaCompletedIgnored, m.sagaConflicts, m.sagaFlushFailed,
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	for _, c := range m.collectors() {
		if err := m.registerer.Register(c); err != nil {
			// Check if it's already registered (not an error)
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// Handler serves the registered collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
