package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/trailmark/trailmark/internal/audit"
)

// Feed pushes commit events to websocket clients. It is a notify sink, so
// events arrive from the dispatcher goroutine and never from the commit
// path itself.
//
// A single hub goroutine owns the connection set. Registration,
// unregistration and broadcast all go through channels.
type Feed struct {
	connections map[*feedConn]bool

	broadcastCh  chan []byte
	registerCh   chan *feedConn
	unregisterCh chan *feedConn

	// onClients is told the client count after every change. Optional.
	onClients func(int)

	done      chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}
}

type feedConn struct {
	conn *websocket.Conn
	send chan []byte
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feedMessage is the frame sent for each commit.
type feedMessage struct {
	Type  string            `json:"type"`
	Event audit.CommitEvent `json:"event"`
}

// NewFeed starts the hub goroutine.
func NewFeed(onClients func(int)) *Feed {
	f := &Feed{
		connections:  make(map[*feedConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *feedConn),
		unregisterCh: make(chan *feedConn),
		onClients:    onClients,
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *Feed) run() {
	defer close(f.stopped)
	for {
		select {
		case c := <-f.registerCh:
			f.connections[c] = true
			slog.Debug("feed client connected", "total", len(f.connections))
			f.reportClients()

		case c := <-f.unregisterCh:
			if _, ok := f.connections[c]; ok {
				delete(f.connections, c)
				close(c.send)
				slog.Debug("feed client disconnected", "total", len(f.connections))
				f.reportClients()
			}

		case msg := <-f.broadcastCh:
			dropped := false
			for c := range f.connections {
				select {
				case c.send <- msg:
				default:
					// Slow client; drop it rather than stall everyone else.
					delete(f.connections, c)
					close(c.send)
					dropped = true
				}
			}
			if dropped {
				f.reportClients()
			}

		case <-f.done:
			for c := range f.connections {
				delete(f.connections, c)
				close(c.send)
			}
			f.reportClients()
			return
		}
	}
}

func (f *Feed) reportClients() {
	if f.onClients != nil {
		f.onClients(len(f.connections))
	}
}

func (f *Feed) Name() string { return "feed" }

// Publish queues ev for every connected client. A full broadcast queue
// drops the event; the feed is best effort.
func (f *Feed) Publish(_ context.Context, ev audit.CommitEvent) error {
	msg, err := json.Marshal(feedMessage{Type: "commit", Event: ev})
	if err != nil {
		return fmt.Errorf("feed: encoding event: %w", err)
	}
	select {
	case <-f.done:
		return nil
	default:
	}
	select {
	case f.broadcastCh <- msg:
	default:
		slog.Warn("feed broadcast queue full, dropping event", "channel", ev.Channel, "resource", ev.ResourceID)
	}
	return nil
}

// Close disconnects every client and stops the hub.
func (f *Feed) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	<-f.stopped
	return nil
}

// ServeHTTP upgrades the request and registers the client.
// GET /feed/ws
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &feedConn{conn: conn, send: make(chan []byte, 64)}
	select {
	case f.registerCh <- c:
	case <-f.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(f)
}

func (c *feedConn) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	// Hub closed the channel: tell the client before hanging up.
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readPump only detects disconnection. Clients never send anything useful.
func (c *feedConn) readPump(f *Feed) {
	defer func() {
		select {
		case f.unregisterCh <- c:
		case <-f.done:
		}
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
