package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/10yihang/treenet/internal/event"
)

const (
	feedBuffer   = 64
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
)

// EventFeed streams network events to websocket clients, one JSON object
// per text message.
//
// Query parameters: type limits the feed to one event type name, backlog
// sends up to that many retained events before the live ones.
type EventFeed struct {
	events   *event.Log
	log      *slog.Logger
	upgrader websocket.Upgrader

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewEventFeed(events *event.Log, log *slog.Logger) *EventFeed {
	if log == nil {
		log = slog.Default()
	}
	return &EventFeed{
		events: events,
		log:    log.With(slog.String("component", "event-feed")),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		done: make(chan struct{}),
	}
}

func (f *EventFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	typ := q.Get("type")
	backlog := 0
	if s := q.Get("backlog"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "invalid backlog", http.StatusBadRequest)
			return
		}
		backlog = n
	}

	// Subscribed before the handshake completes so that a client sees
	// every event appended after it connected.
	ch, cancel := f.events.Subscribe(feedBuffer)
	defer cancel()

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	f.wg.Add(1)
	defer f.wg.Done()
	defer conn.Close()

	gone := make(chan struct{})
	go f.readLoop(conn, gone)

	send := func(ev event.Event) bool {
		if typ != "" && ev.Name != typ {
			return true
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return true
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.TextMessage, data) == nil
	}

	if backlog > 0 {
		for _, ev := range f.events.Recent(backlog) {
			if !send(ev) {
				return
			}
		}
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok || !send(ev) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-f.done:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
	}
}

// readLoop drains control frames and reports when the client goes away.
func (f *EventFeed) readLoop(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close ends every open feed and waits for them to finish.
func (f *EventFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
	f.wg.Wait()
}
