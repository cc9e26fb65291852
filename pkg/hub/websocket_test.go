package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/0xmhha/usage-sentinel/pkg/logger"
	"github.com/0xmhha/usage-sentinel/pkg/metrics"
)

func TestWebsocketRoundTrip(t *testing.T) {
	t.Parallel()

	h := New(Config{}, metrics.New(), logger.Noop())
	srv := httptest.NewServer(Handler(h, logger.Noop()))
	defer srv.Close()
	defer h.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The handshake arrives first.
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	var handshake Message
	if err := json.Unmarshal(data, &handshake); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if handshake.Type != TypeConnected {
		t.Fatalf("first message type = %q, want %q", handshake.Type, TypeConnected)
	}

	// Subscribe over the wire, then receive a scoped broadcast.
	sub := `{"type":"subscribe","scope":"session","id":"s1"}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(sub)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		h.Broadcast(Message{Type: TypeSessionUpdate, SessionID: "s1"})

		readCtx, readCancel := context.WithTimeout(ctx, 200*time.Millisecond)
		_, data, err = conn.Read(readCtx)
		readCancel()
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no broadcast received: %v", err)
		}
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if msg.Type != TypeSessionUpdate || msg.SessionID != "s1" {
		t.Errorf("received %+v, want session update for s1", msg)
	}
}

func TestWebsocketDisconnectUnregisters(t *testing.T) {
	t.Parallel()

	h := New(Config{}, metrics.New(), logger.Noop())
	srv := httptest.NewServer(Handler(h, logger.Noop()))
	defer srv.Close()
	defer h.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	waitFor(t, func() bool { return h.ObserverCount() == 1 })

	conn.Close(websocket.StatusNormalClosure, "")

	waitFor(t, func() bool { return h.ObserverCount() == 0 })
}
