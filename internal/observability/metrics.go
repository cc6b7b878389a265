package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	recordsRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fcgid",
			Subsystem: "wire",
			Name:      "records_read_total",
			Help:      "FastCGI records decoded from peers.",
		},
		[]string{"kind"},
	)
	recordsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fcgid",
			Subsystem: "wire",
			Name:      "records_written_total",
			Help:      "FastCGI records written to peers.",
		},
		[]string{"kind"},
	)
	requestsBegun = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fcgid",
			Subsystem: "engine",
			Name:      "requests_begun_total",
			Help:      "Requests accepted via BeginRequest.",
		},
	)
	requestsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fcgid",
			Subsystem: "engine",
			Name:      "requests_completed_total",
			Help:      "Requests finished, by result.",
		},
		[]string{"result"},
	)
	protocolViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fcgid",
			Subsystem: "engine",
			Name:      "protocol_violations_total",
			Help:      "Structurally valid records refused for arriving in an invalid state.",
		},
	)
	activeConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fcgid",
			Subsystem: "server",
			Name:      "active_connections",
			Help:      "Transport connections currently served.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			recordsRead,
			recordsWritten,
			requestsBegun,
			requestsCompleted,
			protocolViolations,
			activeConns,
			adminRequests,
		)
	})
}

func RecordRead(kind string) {
	RegisterMetrics()
	recordsRead.WithLabelValues(kind).Inc()
}

func RecordWritten(kind string) {
	RegisterMetrics()
	recordsWritten.WithLabelValues(kind).Inc()
}

func RequestBegun() {
	RegisterMetrics()
	requestsBegun.Inc()
}

func RequestCompleted(result string) {
	RegisterMetrics()
	requestsCompleted.WithLabelValues(result).Inc()
}

func ProtocolViolation() {
	RegisterMetrics()
	protocolViolations.Inc()
}

func ConnOpened() {
	RegisterMetrics()
	activeConns.Inc()
}

func ConnClosed() {
	RegisterMetrics()
	activeConns.Dec()
}
