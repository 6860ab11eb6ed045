package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func newHubServer(t *testing.T, hub *Hub) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func TestHandleWS_SendsConnectedHandshake(t *testing.T) {
	hub := NewHub(false)
	conn := dial(t, newHubServer(t, hub))

	env := readEnvelope(t, conn)
	if env.Type != TypeConnected {
		t.Fatalf("first message type = %q, want %q", env.Type, TypeConnected)
	}
	var payload struct {
		ClientID   string `json:"client_id"`
		ServerTime string `json:"server_time"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil || payload.ClientID == "" {
		t.Fatalf("connected payload missing client id: %s", env.Data)
	}
	if _, err := time.Parse(time.RFC3339Nano, payload.ServerTime); err != nil {
		t.Fatalf("connected payload server_time = %q: %v", payload.ServerTime, err)
	}
	if env.Timestamp.IsZero() {
		t.Fatal("envelope timestamp not set")
	}
}

func TestHandleWS_HelloDeliveredAfterConnected(t *testing.T) {
	hub := NewHub(false)
	hub.Hello = func() []Envelope {
		env, _ := NewEnvelope(TypeStatsUpdate, map[string]float64{"total_cost_usd": 1.5})
		return []Envelope{env}
	}
	conn := dial(t, newHubServer(t, hub))

	if env := readEnvelope(t, conn); env.Type != TypeConnected {
		t.Fatalf("first message = %q", env.Type)
	}
	env := readEnvelope(t, conn)
	if env.Type != TypeStatsUpdate {
		t.Fatalf("second message = %q, want %q", env.Type, TypeStatsUpdate)
	}
}

func TestBroadcast_ReachesAllClients(t *testing.T) {
	hub := NewHub(false)
	url := newHubServer(t, hub)
	first := dial(t, url)
	second := dial(t, url)
	readEnvelope(t, first)
	readEnvelope(t, second)

	env, err := NewEnvelope(TypeStatsUpdate, map[string]int{"message_count": 3})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	hub.Broadcast(env)

	for _, conn := range []*websocket.Conn{first, second} {
		got := readEnvelope(t, conn)
		if got.Type != TypeStatsUpdate {
			t.Fatalf("broadcast type = %q", got.Type)
		}
	}
}

func TestReadLoop_AnswersPingWithPong(t *testing.T) {
	hub := NewHub(false)
	conn := dial(t, newHubServer(t, hub))
	readEnvelope(t, conn)

	ping, _ := NewEnvelope(TypePing, nil)
	data, _ := json.Marshal(ping)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	if env := readEnvelope(t, conn); env.Type != TypePong {
		t.Fatalf("reply type = %q, want %q", env.Type, TypePong)
	}
}

func TestReadLoop_RejectsMalformedFrame(t *testing.T) {
	hub := NewHub(false)
	conn := dial(t, newHubServer(t, hub))
	readEnvelope(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write bad frame: %v", err)
	}

	env := readEnvelope(t, conn)
	if env.Type != TypeError {
		t.Fatalf("reply type = %q, want %q", env.Type, TypeError)
	}
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil || payload.Code != "bad_frame" {
		t.Fatalf("error payload = %s", env.Data)
	}
}

func TestEnqueue_DropsOldestWhenQueueFull(t *testing.T) {
	hub := NewHub(false)
	c := &client{send: make(chan []byte, clientQueueSize), done: make(chan struct{})}

	for i := 0; i < clientQueueSize+5; i++ {
		env, _ := NewEnvelope(TypeStatsUpdate, map[string]int{"seq": i})
		hub.enqueue(c, env)
	}

	if got := len(c.send); got != clientQueueSize {
		t.Fatalf("queue length = %d, want %d", got, clientQueueSize)
	}

	// The head of the queue must be the oldest survivor, not seq 0.
	var env Envelope
	if err := json.Unmarshal(<-c.send, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var payload struct {
		Seq int `json:"seq"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Seq != 5 {
		t.Fatalf("queue head seq = %d, want 5 (oldest dropped first)", payload.Seq)
	}
}

func TestPruneIdle_DropsStaleClients(t *testing.T) {
	hub := NewHub(false)
	url := newHubServer(t, hub)
	conn := dial(t, url)
	readEnvelope(t, conn)

	if hub.ClientCount() != 1 {
		t.Fatalf("clients = %d, want 1", hub.ClientCount())
	}

	// Move the clock past the prune window without any client traffic.
	hub.now = func() time.Time { return time.Now().Add(2 * DefaultPruneTimeout) }
	hub.pruneIdle()

	if hub.ClientCount() != 0 {
		t.Fatalf("clients after prune = %d, want 0", hub.ClientCount())
	}
}
