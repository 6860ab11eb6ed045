package ws

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClient_ReceivesConnectedEnvelope(t *testing.T) {
	hub := NewHub(false)
	url := newHubServer(t, hub)

	got := make(chan Envelope, 8)
	client := &Client{
		URL:       url,
		OnMessage: func(env Envelope) { got <- env },
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(ctx)
	}()

	select {
	case env := <-got:
		if env.Type != TypeConnected {
			t.Fatalf("first message = %q, want %q", env.Type, TypeConnected)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no message from live server")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop on context cancel")
	}
}

func TestClient_RetriesWithBackoffAgainstDeadEndpoint(t *testing.T) {
	retried := make(chan struct{}, 8)
	client := &Client{
		URL:         "ws://127.0.0.1:1/ws", // nothing listens here
		BackoffBase: 10 * time.Millisecond,
		BackoffCap:  50 * time.Millisecond,
		OnMessage:   func(Envelope) {},
		OnDisconnect: func(error, time.Duration) {
			select {
			case retried <- struct{}{}:
			default:
			}
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(ctx)
	}()

	// Two consecutive failures prove the loop keeps retrying instead of
	// giving up after the first dial error.
	for i := 0; i < 2; i++ {
		select {
		case <-retried:
		case <-time.After(5 * time.Second):
			t.Fatal("no reconnect attempt against dead endpoint")
		}
	}

	cancel()
	<-done
}

func TestClient_BackoffResetsAfterSuccessfulSession(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	hub := NewHub(false)
	waits := make(chan time.Duration, 8)
	connected := make(chan struct{}, 1)
	client := &Client{
		URL:         "ws://" + addr + "/ws",
		BackoffBase: 10 * time.Millisecond,
		BackoffCap:  80 * time.Millisecond,
		OnMessage: func(env Envelope) {
			if env.Type == TypeConnected {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		},
		OnDisconnect: func(_ error, next time.Duration) {
			select {
			case waits <- next:
			default:
			}
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(ctx)
	}()

	// Let the schedule grow past base while nothing is listening.
	for i := 0; i < 3; i++ {
		select {
		case <-waits:
		case <-time.After(5 * time.Second):
			t.Fatal("no dial attempt against closed port")
		}
	}

	srv := httptest.NewUnstartedServer(http.HandlerFunc(hub.HandleWS))
	srv.Listener.Close()
	srvLn, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("relisten on %s: %v", addr, err)
	}
	srv.Listener = srvLn
	srv.Start()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected once the server came up")
	}
	// Every failure wait is enqueued before the dial that produced the
	// connected message, so draining here leaves only the post-session one.
	for drained := false; !drained; {
		select {
		case <-waits:
		default:
			drained = true
		}
	}

	// httptest forgets hijacked connections (see StateHijacked in
	// net/http/httptest), so CloseClientConnections cannot reach the
	// websocket; drop it through the hub instead.
	hub.closeAll()
	srv.Close()

	select {
	case wait := <-waits:
		if wait != 10*time.Millisecond {
			t.Fatalf("wait after live session = %v, want base 10ms", wait)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnect after server close")
	}

	cancel()
	<-done
}
