package stats

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/floegence/mtrelay/ingress"
)

// RejectedFeed fans out ingress.RejectedEvent values to connected admin
// websocket clients, the live-tail debug surface alongside /stats and
// /metrics (§12). It is deliberately not a client-facing transport:
// clients still speak raw framed TCP per §4.10; this is an operator tool
// bound to loopback only, same as the rest of the stats HTTP surface.
type RejectedFeed struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

// NewRejectedFeed constructs an empty feed.
func NewRejectedFeed() *RejectedFeed {
	return &RejectedFeed{
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

// Publish encodes event and pushes it to every connected client,
// dropping it for any client whose outbound buffer is full rather than
// blocking the caller (this runs on ingress's own goroutine).
func (f *RejectedFeed) Publish(event ingress.RejectedEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.clients {
		select {
		case ch <- body:
		default:
		}
	}
}

// Handler upgrades GET requests to a websocket and streams every
// subsequent Publish call as one JSON text message per event.
func (f *RejectedFeed) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ch := make(chan []byte, 32)
		f.mu.Lock()
		f.clients[conn] = ch
		f.mu.Unlock()

		defer func() {
			f.mu.Lock()
			delete(f.clients, conn)
			f.mu.Unlock()
			conn.Close()
		}()

		for body := range ch {
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return
			}
		}
	})
}
