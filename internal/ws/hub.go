package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	// Per-client outbound queue; a slow reader loses oldest messages
	// first rather than stalling broadcasts.
	clientQueueSize = 16

	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPruneTimeout      = 90 * time.Second

	writeTimeout = 5 * time.Second
)

type client struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	lastSeen time.Time
}

func (c *client) touch(t time.Time) {
	c.mu.Lock()
	c.lastSeen = t
	c.mu.Unlock()
}

func (c *client) seen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Hub fans snapshots out to every connected dashboard. Broadcast never
// blocks on a slow client.
type Hub struct {
	// Hello, when set, produces extra envelopes sent right after the
	// connected handshake, typically the current snapshot.
	Hello func() []Envelope

	heartbeatInterval time.Duration
	pruneTimeout      time.Duration
	verbose           bool
	now               func() time.Time

	mu      sync.Mutex
	clients map[uuid.UUID]*client
}

func NewHub(verbose bool) *Hub {
	return &Hub{
		heartbeatInterval: DefaultHeartbeatInterval,
		pruneTimeout:      DefaultPruneTimeout,
		verbose:           verbose,
		now:               time.Now,
		clients:           map[uuid.UUID]*client{},
	}
}

// Run drives heartbeats and idle-client pruning until ctx is done, then
// closes every connection.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			env, err := NewEnvelope(TypeHeartbeat, nil)
			if err == nil {
				h.Broadcast(env)
			}
			h.pruneIdle()
		}
	}
}

// HandleWS upgrades the request and serves the connection until the client
// goes away.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local daemon, origin is the bundled UI
	})
	if err != nil {
		h.warnf("ws_accept_failed", "error=%v", err)
		return
	}

	c := &client{
		id:       uuid.New(),
		conn:     conn,
		send:     make(chan []byte, clientQueueSize),
		done:     make(chan struct{}),
		lastSeen: h.now(),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()
	h.infof("ws_connected", "client=%s remote=%s clients=%d", c.id, r.RemoteAddr, count)

	if env, err := NewEnvelope(TypeConnected, map[string]string{
		"client_id":   c.id.String(),
		"server_time": h.now().UTC().Format(time.RFC3339Nano),
	}); err == nil {
		h.enqueue(c, env)
	}
	if h.Hello != nil {
		for _, env := range h.Hello() {
			h.enqueue(c, env)
		}
	}

	go h.writeLoop(c)
	h.readLoop(r.Context(), c)
}

// Broadcast queues an envelope for every connected client, dropping the
// oldest queued message for clients whose queue is full.
func (h *Hub) Broadcast(env Envelope) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		h.enqueue(c, env)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) enqueue(c *client, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.warnf("ws_marshal_failed", "type=%s error=%v", env.Type, err)
		return
	}
	for {
		select {
		case c.send <- data:
			return
		default:
		}
		// Queue full: shed the oldest message and retry.
		select {
		case <-c.send:
		default:
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.remove(c, "write_failed")
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	defer h.remove(c, "read_closed")
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		c.touch(h.now())

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			if strings.TrimSpace(string(data)) == TypePing {
				env.Type = TypePing
			} else {
				// Only the offending client hears about its bad frame.
				if reply, err := NewEnvelope(TypeError, map[string]string{
					"code":    "bad_frame",
					"message": "frames must be JSON envelopes",
				}); err == nil {
					h.enqueue(c, reply)
				}
				continue
			}
		}
		if env.Type == TypePing {
			if pong, err := NewEnvelope(TypePong, nil); err == nil {
				h.enqueue(c, pong)
			}
		}
	}
}

func (h *Hub) pruneIdle() {
	cutoff := h.now().Add(-h.pruneTimeout)
	h.mu.Lock()
	var idle []*client
	for _, c := range h.clients {
		if c.seen().Before(cutoff) {
			idle = append(idle, c)
		}
	}
	h.mu.Unlock()

	for _, c := range idle {
		h.remove(c, "idle")
	}
}

func (h *Hub) remove(c *client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	if ok {
		delete(h.clients, c.id)
	}
	count := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.once.Do(func() { close(c.done) })
	c.conn.Close(websocket.StatusNormalClosure, "")
	h.infof("ws_disconnected", "client=%s reason=%s clients=%d", c.id, reason, count)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = map[uuid.UUID]*client{}
	h.mu.Unlock()

	for _, c := range clients {
		c.once.Do(func() { close(c.done) })
		c.conn.Close(websocket.StatusGoingAway, "shutting down")
	}
}

func (h *Hub) infof(event, format string, args ...any) {
	if h == nil || !h.verbose {
		return
	}
	log.Printf("ws level=info event=%s "+format, append([]any{event}, args...)...)
}

func (h *Hub) warnf(event, format string, args ...any) {
	if h == nil || !h.verbose {
		return
	}
	log.Printf("ws level=warn event=%s "+format, append([]any{event}, args...)...)
}
