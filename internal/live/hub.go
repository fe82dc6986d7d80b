// Package live pushes new-message events to connected WebSocket clients,
// fanned out per user. Delivery is best-effort: a slow or dead client is
// dropped rather than blocking the publisher.
package live

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ignite/mailhub/internal/store"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// sendBuffer bounds the per-client queue; a full buffer marks the
	// client as too slow.
	sendBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients connect from the frontend origin; auth happens via
	// the token, not the origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is the frame sent to clients.
type Event struct {
	Type  string              `json:"type"`
	Data  []*store.MailRecord `json:"data"`
	Count int                 `json:"count"`
}

type client struct {
	// id ties log lines about one connection together.
	id     string
	userID int64
	conn   *websocket.Conn
	send   chan Event
}

// Hub tracks connected clients keyed by user id.
type Hub struct {
	mu      sync.Mutex
	clients map[int64]map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[int64]map[*client]struct{})}
}

// ClientCount reports how many connections a user has.
func (h *Hub) ClientCount(userID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[userID])
}

// Publish sends a new_mails event to every connection of the user. Clients
// whose queue is full are disconnected.
func (h *Hub) Publish(userID int64, records []*store.MailRecord) {
	if len(records) == 0 {
		return
	}
	ev := Event{Type: "new_mails", Data: records, Count: len(records)}

	// Queueing happens under the lock so a concurrent remove cannot close
	// a channel mid-send.
	h.mu.Lock()
	var slow []*client
	for c := range h.clients[userID] {
		select {
		case c.send <- ev:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		log.Printf("[Live] dropping slow client %s (user %d)", c.id, userID)
		h.remove(c)
	}
}

// ServeWS upgrades the request and registers the connection under the user.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID int64) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Live] upgrade failed: %v", err)
		return
	}
	c := &client{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan Event, sendBuffer),
	}
	log.Printf("[Live] client %s connected (user %d)", c.id, userID)

	h.mu.Lock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*client]struct{})
	}
	h.clients[userID][c] = struct{}{}
	h.mu.Unlock()

	go c.writeLoop(h)
	go c.readLoop(h)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	set := h.clients[c.userID]
	if set != nil {
		if _, ok := set[c]; ok {
			delete(set, c)
			close(c.send)
			if len(set) == 0 {
				delete(h.clients, c.userID)
			}
		}
	}
	h.mu.Unlock()
	c.conn.Close()
}

// readLoop drains inbound frames so pongs and close frames are processed.
func (c *client) readLoop(h *Hub) {
	defer h.remove(c)
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writeLoop(h *Hub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}
