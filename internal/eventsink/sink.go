// Package eventsink forwards network events to NATS.
package eventsink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/10yihang/treenet/internal/event"
)

const (
	sinkBuffer     = 256
	maxReconnects  = -1
	reconnectWait  = 2 * time.Second
	connectTimeout = 5 * time.Second
	drainTimeout   = 5 * time.Second
)

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials url with reconnection forever and connection-state logging.
func Connect(url, name string, log *slog.Logger) (*nats.Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "eventsink"))
	opts := []nats.Option{
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.Timeout(connectTimeout),
		nats.DrainTimeout(drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Debug("nats connection closed")
		}),
	}
	if name != "" {
		opts = append(opts, nats.Name(name))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("eventsink: connect %s: %w", url, err)
	}
	return nc, nil
}

// Sink publishes every event of a log as JSON on "<prefix>.<type>".
type Sink struct {
	pub    Publisher
	prefix string
	log    *slog.Logger

	cancel func()
	done   chan struct{}

	mu        sync.Mutex
	published uint64
	failed    uint64
}

// Start subscribes to events and publishes until Stop.
func Start(events *event.Log, pub Publisher, prefix string, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	ch, cancel := events.Subscribe(sinkBuffer)
	s := &Sink{
		pub:    pub,
		prefix: prefix,
		log:    log.With(slog.String("component", "eventsink")),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ch)
	return s
}

// Subject returns the subject events of typ are published on.
func (s *Sink) Subject(typ event.Type) string {
	return s.prefix + "." + typ.String()
}

func (s *Sink) run(ch <-chan event.Event) {
	defer close(s.done)
	for ev := range ch {
		s.publish(ev)
	}
}

func (s *Sink) publish(ev event.Event) {
	data, err := json.Marshal(ev)
	if err == nil {
		err = s.pub.Publish(s.Subject(ev.Type), data)
	}

	s.mu.Lock()
	if err != nil {
		s.failed++
	} else {
		s.published++
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("event publish failed", "type", ev.Name, "id", ev.ID, "error", err)
	}
}

// Stats reports how many events were published and how many failed.
func (s *Sink) Stats() (published, failed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published, s.failed
}

// Stop cancels the subscription and waits for queued events to be sent.
func (s *Sink) Stop() {
	s.cancel()
	<-s.done
}
