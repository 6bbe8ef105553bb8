package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testClientConfig(url string) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.URL = url
	cfg.BufferSize = 100
	return cfg
}

func TestClient_Connect(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		// Just keep the connection open
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
		}
	})
	defer server.Close()

	cl := newClient(testClientConfig(wsURL(server)), nil)

	if err := cl.connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if !cl.isConnected() {
		t.Error("expected isConnected to return true")
	}

	if err := cl.close(websocket.CloseNormalClosure, "test done"); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if cl.isConnected() {
		t.Error("expected isConnected to return false after close")
	}
}

func TestClient_ConnectRefused(t *testing.T) {
	cfg := testClientConfig("ws://127.0.0.1:1/ws")
	cfg.ConnectTimeout = 500 * time.Millisecond

	cl := newClient(cfg, nil)
	if err := cl.connect(context.Background()); err == nil {
		t.Fatal("expected connect to a closed port to fail")
	}
}

func TestClient_Send(t *testing.T) {
	var received []byte
	var mu sync.Mutex

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			received = msg
			mu.Unlock()
		}
	})
	defer server.Close()

	cl := newClient(testClientConfig(wsURL(server)), nil)
	if err := cl.connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer cl.close(websocket.CloseNormalClosure, "test done")

	testMsg := []byte(`{"type":"heartbeat","timestamp":1}`)
	if err := cl.send(testMsg); err != nil {
		t.Errorf("send failed: %v", err)
	}

	// Wait for message to be received
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if string(received) != string(testMsg) {
		t.Errorf("received %q, want %q", received, testMsg)
	}
}

func TestClient_SendNotConnected(t *testing.T) {
	cl := newClient(testClientConfig("ws://localhost:0/ws"), nil)
	if err := cl.send([]byte("x")); err != ErrNotConnected {
		t.Errorf("send = %v, want ErrNotConnected", err)
	}
}

func TestClient_Messages(t *testing.T) {
	frames := []string{
		`{"type":"info","info":"one","timestamp":1}`,
		`{"type":"info","info":"two","timestamp":2}`,
		`{"type":"info","info":"three","timestamp":3}`,
	}

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Keep open until the client leaves.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	cl := newClient(testClientConfig(wsURL(server)), nil)
	if err := cl.connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer cl.close(websocket.CloseNormalClosure, "test done")

	for i, want := range frames {
		select {
		case msg := <-cl.messages:
			if string(msg.Data) != want {
				t.Errorf("message %d = %q, want %q", i, msg.Data, want)
			}
			if msg.ReceivedAt.IsZero() {
				t.Errorf("message %d has zero ReceivedAt", i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestClient_ServerCloseReportsError(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		// Drop the connection immediately without a close handshake.
		conn.Close()
	})
	defer server.Close()

	cl := newClient(testClientConfig(wsURL(server)), nil)
	if err := cl.connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	select {
	case err := <-cl.errors:
		if err == nil {
			t.Error("expected non-nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for read error")
	}

	// The messages channel closes when the read loop exits.
	select {
	case _, ok := <-cl.messages:
		if ok {
			t.Error("expected messages channel to be closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for messages channel to close")
	}
}

func TestClient_LocalCloseIsNotAnError(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	cl := newClient(testClientConfig(wsURL(server)), nil)
	if err := cl.connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	cl.close(websocket.CloseNormalClosure, "test done")
	time.Sleep(50 * time.Millisecond)

	select {
	case err := <-cl.errors:
		t.Errorf("unexpected error after local close: %v", err)
	default:
	}
}
