// Package feed streams ledger and governance events to websocket clients.
package feed

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ssd-technologies/agora/internal/logging"
	"github.com/ssd-technologies/agora/internal/ratelimit"
)

// Topics a client can subscribe to. A client with no subscription, or one
// that subscribes to an empty list, gets all.
const (
	TopicMessages   = "messages"
	TopicGovernance = "governance"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxInbound = 4096
)

// Event is one frame sent to clients.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// inbound is a client request frame.
type inbound struct {
	Type    string          `json:"type"` // "subscribe", "ping"
	Payload json.RawMessage `json:"payload"`
}

type subscribePayload struct {
	Topics []string `json:"topics"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan Event
	done chan struct{}

	mu     sync.Mutex
	topics []string
}

func (c *client) wants(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.topics) == 0 || slices.Contains(c.topics, topic)
}

// enqueue queues ev without blocking and reports whether it fit.
func (c *client) enqueue(ev Event) bool {
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

// Hub fans events out to connected clients. Slow clients miss events
// rather than stall publishers.
type Hub struct {
	log       *zap.Logger
	onClients func(delta int)

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewHub creates a Hub. onClients, if set, is told about every connect (+1)
// and disconnect (-1).
func NewHub(logger *zap.Logger, onClients func(delta int)) *Hub {
	if onClients == nil {
		onClients = func(int) {}
	}
	return &Hub{
		log:       logging.OrNop(logger).Named("feed"),
		onClients: onClients,
		clients:   make(map[*client]struct{}),
	}
}

// Publish sends payload to every client subscribed to topic.
func (h *Hub) Publish(topic string, payload any) {
	ev := Event{Type: topic, Payload: payload}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(topic) {
			continue
		}
		if !c.enqueue(ev) {
			h.log.Debug("dropping event for slow client", zap.String("topic", topic), zap.String("remote", c.conn.RemoteAddr().String()))
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and waits for their goroutines to exit.
// Later connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		c.conn.Close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.wg.Add(1)
	h.onClients(1)
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	h.onClients(-1)
	h.wg.Done()
}

// ServeHTTP upgrades the connection and streams events until the client
// goes away or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		conn: conn,
		send: make(chan Event, sendBuffer),
		done: make(chan struct{}),
	}
	if !h.register(c) {
		conn.Close()
		return
	}
	defer h.unregister(c)

	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		h.writeLoop(c)
	}()

	h.readLoop(c)
	close(c.done)
	writer.Wait()
	conn.Close()
}

func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(maxInbound)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := ratelimit.New(60, time.Minute)
	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		if !limiter.Allow() {
			c.enqueue(errorEvent("rate limit exceeded"))
			continue
		}

		switch msg.Type {
		case "subscribe":
			var p subscribePayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				c.enqueue(errorEvent("invalid subscribe payload"))
				continue
			}
			topics := slices.DeleteFunc(slices.Clone(p.Topics), func(t string) bool {
				return t != TopicMessages && t != TopicGovernance
			})
			if len(p.Topics) > 0 && len(topics) == 0 {
				// Keep the current subscription.
				c.enqueue(errorEvent("unknown topics: " + strings.Join(p.Topics, ", ")))
				continue
			}
			c.mu.Lock()
			c.topics = topics
			c.mu.Unlock()
			c.enqueue(Event{Type: "subscribed", Payload: map[string][]string{"topics": topics}})
		case "ping":
			c.enqueue(Event{Type: "pong", Payload: map[string]string{"status": "ok"}})
		default:
			c.enqueue(errorEvent("unknown message type: " + msg.Type))
		}
	}
}

// writeLoop is the only goroutine that writes to the connection.
func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				h.log.Debug("websocket write error", zap.Error(err))
				c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func errorEvent(message string) Event {
	return Event{Type: "error", Payload: map[string]string{"error": message}}
}
