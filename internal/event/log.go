package event

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/10yihang/treenet/internal/packet"
)

// Type classifies network events.
type Type int32

const (
	TypeTopologyChange Type = iota
	TypePeerFailure
	TypeRecovery
	TypeFilterLoadFailure
	TypeStreamClosed
	TypeFilterLoaded
)

var typeNames = [...]string{
	"topology_change",
	"peer_failure",
	"recovery",
	"filter_load_failure",
	"stream_closed",
	"filter_loaded",
}

func (t Type) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown"
}

// Event is one entry of the network event log.
type Event struct {
	ID     uuid.UUID   `json:"id"`
	Type   Type        `json:"-"`
	Name   string      `json:"type"`
	Rank   packet.Rank `json:"rank"`
	Host   string      `json:"host"`
	Detail string      `json:"detail"`
	Time   time.Time   `json:"time"`
}

// Log is a bounded, ordered event history with fan-out to subscribers.
// Slow subscribers miss events rather than stall the network.
type Log struct {
	mu     sync.RWMutex
	size   int
	events []Event
	subs   map[int]chan Event
	next   int
	now    func() time.Time
}

func NewLog(size int) *Log {
	if size <= 0 {
		size = 1024
	}
	return &Log{
		size: size,
		subs: make(map[int]chan Event),
		now:  time.Now,
	}
}

// Append records an event and publishes it.
func (l *Log) Append(typ Type, rank packet.Rank, host, detail string) Event {
	ev := Event{
		ID:     uuid.New(),
		Type:   typ,
		Name:   typ.String(),
		Rank:   rank,
		Host:   host,
		Detail: detail,
		Time:   l.now(),
	}

	l.mu.Lock()
	l.events = append(l.events, ev)
	if over := len(l.events) - l.size; over > 0 {
		l.events = append(l.events[:0:0], l.events[over:]...)
	}
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	l.mu.Unlock()
	return ev
}

// Recent returns up to n of the newest events, oldest first. n <= 0 returns
// everything retained.
func (l *Log) Recent(n int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := 0
	if n > 0 && n < len(l.events) {
		start = len(l.events) - n
	}
	return append([]Event(nil), l.events[start:]...)
}

// Filter returns the retained events of type typ, oldest first.
func (l *Log) Filter(typ Type) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Subscribe returns a channel receiving every event appended from now on
// and a function that cancels the subscription and closes the channel.
func (l *Log) Subscribe(buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)
	l.mu.Lock()
	id := l.next
	l.next++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}
