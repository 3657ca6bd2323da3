package reader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marketpulse/logger"
)

// wsTestServer serves websocket connections with the given per-connection
// handler and returns the ws:// URL.
func wsTestServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSessionRejectionCeiling(t *testing.T) {
	var connections int64
	url := wsTestServer(t, func(conn *websocket.Conn) {
		atomic.AddInt64(&connections, 1)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"denied"}`)); err != nil {
			return
		}
		// Keep the connection open until the client gives up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	session := NewSession(SessionConfig{
		Exchange:         "testex",
		URL:              url,
		HandshakeTimeout: 2 * time.Second,
		ReconnectDelay:   5 * time.Millisecond,
		RetryCeiling:     2,
		OnFrame: func(raw []byte) error {
			return fmt.Errorf("%w: %s", ErrSubscribeRejected, string(raw))
		},
	}, logger.GetLogger().WithComponent("test"))

	done := make(chan error, 1)
	go func() { done <- session.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrSubscribeRejected) {
			t.Fatalf("expected ErrSubscribeRejected at the ceiling, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not give up at the retry ceiling")
	}

	if got := atomic.LoadInt64(&connections); got != 2 {
		t.Errorf("expected exactly 2 attempts before giving up, got %d", got)
	}
}

func TestSessionSubscribeFailureCountsTowardCeiling(t *testing.T) {
	url := wsTestServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	session := NewSession(SessionConfig{
		Exchange:         "testex",
		URL:              url,
		HandshakeTimeout: 2 * time.Second,
		ReconnectDelay:   5 * time.Millisecond,
		RetryCeiling:     1,
		Subscribe: func(conn *Conn) error {
			return errors.New("bad subscription payload")
		},
		OnFrame: func(raw []byte) error { return nil },
	}, logger.GetLogger().WithComponent("test"))

	done := make(chan error, 1)
	go func() { done <- session.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrSubscribeRejected) {
			t.Fatalf("expected ErrSubscribeRejected, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not give up at the retry ceiling")
	}
}

func TestSessionTransportErrorsReconnectForever(t *testing.T) {
	var connections int64
	enough := make(chan struct{})
	url := wsTestServer(t, func(conn *websocket.Conn) {
		n := atomic.AddInt64(&connections, 1)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"seq":1}`))
		if n == 3 {
			select {
			case <-enough:
			default:
				close(enough)
			}
		}
		// Dropping the connection here is a transport error for the client.
	})

	var frames int64
	session := NewSession(SessionConfig{
		Exchange:         "testex",
		URL:              url,
		HandshakeTimeout: 2 * time.Second,
		ReconnectDelay:   5 * time.Millisecond,
		RetryCeiling:     2,
		OnFrame: func(raw []byte) error {
			atomic.AddInt64(&frames, 1)
			return nil
		},
	}, logger.GetLogger().WithComponent("test"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()

	select {
	case <-enough:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected repeated reconnects, saw %d connections", atomic.LoadInt64(&connections))
	}
	cancel()

	select {
	case err := <-done:
		// More drops than the rejection ceiling, yet no fatal error:
		// transport failures never count toward it.
		if err != nil {
			t.Fatalf("transport errors must not be fatal, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}

	if got := atomic.LoadInt64(&connections); got < 3 {
		t.Errorf("expected at least 3 connections, got %d", got)
	}
	if atomic.LoadInt64(&frames) == 0 {
		t.Error("expected streamed frames before each drop")
	}
}
