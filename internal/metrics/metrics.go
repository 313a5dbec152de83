package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "treenet"
)

var (
	// PacketsTotal counts packets moved over peer edges
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Total number of packets sent or received on peer edges",
		},
		[]string{"direction"}, // send/recv
	)

	// BytesTotal counts framed bytes moved over peer edges
	BytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total number of framed bytes sent or received on peer edges",
		},
		[]string{"direction"},
	)

	// FilterDuration measures filter invocation latency
	FilterDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "filter_duration_seconds",
			Help:      "Filter invocation latency in seconds",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"filter"},
	)

	// Peers tracks connected peers
	Peers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Number of connected peers",
		},
		[]string{"role"}, // parent/child
	)

	// Streams tracks open streams
	Streams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams",
			Help:      "Number of open streams",
		},
	)

	// RecoveriesTotal counts parent-failure recoveries
	RecoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Total number of parent-failure recoveries",
		},
		[]string{"result"}, // success/failure
	)

	// EventsTotal counts network events
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of network events",
		},
		[]string{"type"},
	)

	// AckWaitsTotal counts acknowledgement waits by outcome
	AckWaitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_waits_total",
			Help:      "Total number of acknowledgement waits",
		},
		[]string{"result"}, // complete/aborted/timeout
	)

	// MemoryUsage tracks memory usage
	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_bytes",
			Help:      "Memory usage in bytes",
		},
		[]string{"type"},
	)

	// Info exposes build info
	Info = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "treenet node info",
		},
		[]string{"version", "go_version", "role", "session"},
	)

	// Uptime tracks uptime
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Node uptime in seconds",
		},
	)
)

// InitInfo initializes info metric
func InitInfo(version, goVersion, role, session string) {
	Info.WithLabelValues(version, goVersion, role, session).Set(1)
}
