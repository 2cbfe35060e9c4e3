// Package metrics exposes Prometheus instruments for the session engines.
//
// All methods are safe on a nil *Metrics, so engines call them unconditionally.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as the reason label of messages_dropped_total.
const (
	ReasonNoHandler    = "no_handler"
	ReasonBadChannel   = "bad_channel"
	ReasonMalformed    = "malformed"
	ReasonRateLimited  = "rate_limited"
	ReasonQueueFull    = "queue_full"
	ReasonHandlerPanic = "handler_panic"
)

// Config configures the metric set.
type Config struct {
	// Namespace is the metrics namespace (default: "lnet").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Namespace: "lnet",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the instruments shared by every engine. Transport is a label,
// so one Metrics may serve several servers.
type Metrics struct {
	activeConnections *prometheus.GaugeVec
	connectionsTotal  *prometheus.CounterVec
	disconnections    *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	bytesSent         *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
}

// New registers the instruments with cfg.Registry. Registering twice on the
// same registry panics, as with any promauto collector.
func New(cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "lnet"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(cfg.Registry)

	return &Metrics{
		activeConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "active_connections",
			Help:        "Number of live connections",
			ConstLabels: cfg.ConstLabels,
		}, []string{"transport"}),

		connectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "connections_total",
			Help:        "Total number of accepted connections",
			ConstLabels: cfg.ConstLabels,
		}, []string{"transport"}),

		disconnections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "disconnections_total",
			Help:        "Total number of closed connections by cause",
			ConstLabels: cfg.ConstLabels,
		}, []string{"transport", "cause"}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "messages_received_total",
			Help:        "Total number of inbound messages by type",
			ConstLabels: cfg.ConstLabels,
		}, []string{"transport", "type"}),

		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "messages_sent_total",
			Help:        "Total number of messages written",
			ConstLabels: cfg.ConstLabels,
		}, []string{"transport"}),

		bytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "bytes_sent_total",
			Help:        "Total number of encoded bytes written",
			ConstLabels: cfg.ConstLabels,
		}, []string{"transport"}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "messages_dropped_total",
			Help:        "Total number of inbound or outbound messages discarded",
			ConstLabels: cfg.ConstLabels,
		}, []string{"transport", "reason"}),
	}
}

// Connected records an accepted connection.
func (m *Metrics) Connected(transport string) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(transport).Inc()
	m.activeConnections.WithLabelValues(transport).Inc()
}

// Disconnected records a closed connection. cause is "clean" or "error".
func (m *Metrics) Disconnected(transport string, err error) {
	if m == nil {
		return
	}
	cause := "clean"
	if err != nil {
		cause = "error"
	}
	m.disconnections.WithLabelValues(transport, cause).Inc()
	m.activeConnections.WithLabelValues(transport).Dec()
}

// Received records one inbound message.
func (m *Metrics) Received(transport string, typ uint32) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(transport, strconv.FormatUint(uint64(typ), 10)).Inc()
}

// Sent records one written message of n encoded bytes.
func (m *Metrics) Sent(transport string, n int) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(transport).Inc()
	m.bytesSent.WithLabelValues(transport).Add(float64(n))
}

// Dropped records a discarded message.
func (m *Metrics) Dropped(transport, reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(transport, reason).Inc()
}
