package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/FwForge/control_plane/logging"
	"github.com/itskum47/FwForge/control_plane/observability"
	"github.com/itskum47/FwForge/control_plane/streaming"
)

const (
	maxWSConnections = 200
	clientBuffer     = 64
	writeWait        = 5 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 30 * time.Second
)

// EventHub fans build events out to WebSocket clients. It implements
// streaming.Publisher. A client that cannot keep up is disconnected
// rather than slowing down publishers.
type EventHub struct {
	clients    map[*streamClient]struct{}
	register   chan *streamClient
	unregister chan *streamClient
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

// streamClient is one connection. Only its writePump writes to conn.
type streamClient struct {
	conn    *websocket.Conn
	send    chan []byte
	buildID string
	topics  map[string]bool
}

func NewEventHub(logger *slog.Logger) *EventHub {
	return &EventHub{
		clients:    make(map[*streamClient]struct{}),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		done:       make(chan struct{}),
		logger:     logging.OrDefault(logger).With("component", "event_hub"),
	}
}

// newStreamClient applies the ?buildId= and ?topic= filters.
func newStreamClient(conn *websocket.Conn, q url.Values) *streamClient {
	c := &streamClient{
		conn:    conn,
		send:    make(chan []byte, clientBuffer),
		buildID: q.Get("buildId"),
	}
	for _, raw := range q["topic"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				if c.topics == nil {
					c.topics = make(map[string]bool)
				}
				c.topics[t] = true
			}
		}
	}
	return c
}

func (c *streamClient) wants(topic, buildID string) bool {
	if c.topics != nil && !c.topics[topic] {
		return false
	}
	return c.buildID == "" || c.buildID == buildID
}

// Run owns registration until ctx is cancelled.
func (h *EventHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case c := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				close(c.send)
				h.logger.Warn("stream client rejected", "max", maxWSConnections)
				continue
			}
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			observability.StreamClients.Set(float64(n))
			h.logger.Debug("stream client registered", "clients", n)

		case c := <-h.unregister:
			h.remove(c)
		}
	}
}

func (h *EventHub) remove(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	observability.StreamClients.Set(float64(n))
}

func (h *EventHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger.Info("closing event stream", "clients", len(h.clients))
	for c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[*streamClient]struct{})
	observability.StreamClients.Set(0)
}

// Register hands a client to the hub. It returns false once the hub stopped.
func (h *EventHub) Register(c *streamClient) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *EventHub) Unregister(c *streamClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish encodes the event once and queues it on every interested client.
func (h *EventHub) Publish(ctx context.Context, topic string, payload any) error {
	event, err := streaming.NewEvent(topic, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	var ref struct {
		BuildID string `json:"buildId"`
	}
	_ = json.Unmarshal(event.Payload, &ref)

	var slow []*streamClient
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(topic, ref.BuildID) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow stream client")
		h.remove(c)
	}
	return nil
}

func (h *EventHub) Close() error {
	return nil
}

// writePump sends queued events and pings until the hub closes send.
func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames and detects disconnects via pong deadlines.
func (c *streamClient) readPump(logger *slog.Logger) {
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("stream read error", "error", err)
			}
			return
		}
	}
}
