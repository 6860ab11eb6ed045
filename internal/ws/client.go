package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
)

const (
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 30 * time.Second

	clientPingInterval = 25 * time.Second
)

// Client maintains a connection to the daemon's stream endpoint, redialing
// with exponential backoff when it drops. The backoff resets after every
// successful connect.
type Client struct {
	URL         string
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// OnMessage is called for every envelope received. Required.
	OnMessage func(Envelope)
	// OnDisconnect, when set, is called with the wait before each redial.
	OnDisconnect func(err error, next time.Duration)
}

// Run connects and consumes messages until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	base := c.BackoffBase
	if base <= 0 {
		base = DefaultBackoffBase
	}
	limit := c.BackoffCap
	if limit <= 0 {
		limit = DefaultBackoffCap
	}

	attempt := 0
	for {
		connected, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			// A successful session resets the schedule.
			attempt = 0
		}

		wait := Backoff(attempt, base, limit)
		attempt++
		if c.OnDisconnect != nil {
			c.OnDisconnect(err, wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) (bool, error) {
	conn, _, err := websocket.Dial(ctx, c.URL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.pingLoop(pingCtx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == TypeHeartbeat {
			c.writeEnvelope(ctx, conn, TypePong)
		}
		if c.OnMessage != nil {
			c.OnMessage(env)
		}
	}
}

// pingLoop keeps the server's idle pruning at bay even when heartbeats
// go missing.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(clientPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.writeEnvelope(ctx, conn, TypePing) {
				return
			}
		}
	}
}

func (c *Client) writeEnvelope(ctx context.Context, conn *websocket.Conn, msgType string) bool {
	env, err := NewEnvelope(msgType, nil)
	if err != nil {
		return true
	}
	data, err := json.Marshal(env)
	if err != nil {
		return true
	}
	return conn.Write(ctx, websocket.MessageText, data) == nil
}
