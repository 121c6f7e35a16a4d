// Package websocket streams committed lifecycle events to WebSocket clients.
//
// Clients open a WebSocket connection to:
//
//	GET /events[?ns=<namespace>][&queue=<name>][&kind=<event kind>]
//
// Every committed transition is pushed as one JSON text frame:
//
//	{"kind":"message_acknowledged","queue":{"ns":"...","name":"..."},"messageId":"<ULID>","workerId":"...","at":...}
//
// The feed is best effort: a client that cannot keep up loses events rather
// than slowing down the transitions that produce them.
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/epochmq/internal/types"
)

const (
	// clientBuffer is the number of events queued per client before drops.
	clientBuffer = 256
	writeWait    = 5 * time.Second
	pingPeriod   = 30 * time.Second
)

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin upgrade requests. Requests without an
	// Origin header (native clients, curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// filter selects the events a client receives. Empty fields match anything.
type filter struct {
	ns    string
	queue string
	kind  types.EventKind
}

func (f filter) match(ev types.Event) bool {
	if f.ns != "" && ev.Queue.Namespace != f.ns {
		return false
	}
	if f.queue != "" && ev.Queue.Name != f.queue {
		return false
	}
	return f.kind == "" || ev.Kind == f.kind
}

type client struct {
	f    filter
	send chan types.Event
}

// Feed fans committed events out to connected clients. It implements
// storage.Listener and http.Handler.
type Feed struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewFeed returns an empty Feed. Register it with storage.Store.AddListener.
func NewFeed(logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{logger: logger, clients: make(map[*client]struct{})}
}

// OnEvent implements storage.Listener. It never blocks.
func (f *Feed) OnEvent(ev types.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for c := range f.clients {
		if !c.f.match(ev) {
			continue
		}
		select {
		case c.send <- ev:
		default:
			f.logger.Debug("websocket: dropping event for slow client",
				"kind", string(ev.Kind), "queue", ev.Queue.String())
		}
	}
}

// Clients returns the number of connected clients.
func (f *Feed) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// Close disconnects every client and refuses new ones.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for c := range f.clients {
		delete(f.clients, c)
		close(c.send)
	}
}

func (f *Feed) add(c *client) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.clients[c] = struct{}{}
	return true
}

func (f *Feed) remove(c *client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.send)
	}
}

// ServeHTTP upgrades the connection and streams matching events until the
// client disconnects or the feed is closed.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c := &client{
		f:    filter{ns: q.Get("ns"), queue: q.Get("queue"), kind: types.EventKind(q.Get("kind"))},
		send: make(chan types.Event, clientBuffer),
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("websocket: upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	if !f.add(c) {
		_ = conn.WriteControl(gorillaws.CloseMessage,
			gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		return
	}
	defer f.remove(c)

	// The read side only detects disconnects; clients send nothing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case ev, ok := <-c.send:
			if !ok {
				_ = conn.WriteControl(gorillaws.CloseMessage,
					gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(gorillaws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
