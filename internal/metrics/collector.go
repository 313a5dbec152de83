package metrics

import (
	"runtime"
	"time"
)

// Collector collects periodic metrics
type Collector struct {
	startTime time.Time
}

// NewCollector creates a collector
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
	}
}

// Collect collects periodic metrics
func (c *Collector) Collect() {
	c.collectMemory()
	c.collectUptime()
}

func (c *Collector) collectMemory() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	MemoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
}

func (c *Collector) collectUptime() {
	Uptime.Set(time.Since(c.startTime).Seconds())
}

// RecordSend records a batch written to a peer
func RecordSend(packets, bytes int) {
	PacketsTotal.WithLabelValues("send").Add(float64(packets))
	BytesTotal.WithLabelValues("send").Add(float64(bytes))
}

// RecordRecv records a batch read from a peer
func RecordRecv(packets, bytes int) {
	PacketsTotal.WithLabelValues("recv").Add(float64(packets))
	BytesTotal.WithLabelValues("recv").Add(float64(bytes))
}

// RecordFilter records one filter invocation
func RecordFilter(name string, d time.Duration) {
	FilterDuration.WithLabelValues(name).Observe(d.Seconds())
}

// RecordPeer records a peer count change
func RecordPeer(role string, delta int) {
	Peers.WithLabelValues(role).Add(float64(delta))
}

// RecordStream records an open stream count change
func RecordStream(delta int) {
	Streams.Add(float64(delta))
}

// RecordRecovery records a recovery outcome
func RecordRecovery(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	RecoveriesTotal.WithLabelValues(result).Inc()
}

// RecordEvent records a network event
func RecordEvent(typ string) {
	EventsTotal.WithLabelValues(typ).Inc()
}

// RecordAckWait records how an ack wait ended
func RecordAckWait(result string) {
	AckWaitsTotal.WithLabelValues(result).Inc()
}
