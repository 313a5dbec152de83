package metrics

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter exposes metrics via HTTP
type Exporter struct {
	addr      string
	collector *Collector
	mux       *http.ServeMux
	server    *http.Server

	stopOnce sync.Once
	stop     chan struct{}
}

// NewExporter creates a metrics exporter
func NewExporter(addr string) *Exporter {
	collector := NewCollector()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Exporter{
		addr:      addr,
		collector: collector,
		mux:       mux,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		stop: make(chan struct{}),
	}
}

// Handle mounts an extra handler on the exporter's mux
func (e *Exporter) Handle(pattern string, h http.Handler) {
	e.mux.Handle(pattern, h)
}

// Handler returns the exporter's mux
func (e *Exporter) Handler() http.Handler { return e.mux }

// Start starts the exporter
func (e *Exporter) Start() error {
	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return err
	}
	return e.Serve(ln)
}

// Serve serves on ln until Stop
func (e *Exporter) Serve(ln net.Listener) error {
	// Start collector loop
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		e.collector.Collect()
		for {
			select {
			case <-ticker.C:
				e.collector.Collect()
			case <-e.stop:
				return
			}
		}
	}()

	err := e.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the exporter
func (e *Exporter) Stop() error {
	e.stopOnce.Do(func() { close(e.stop) })
	return e.server.Close()
}
