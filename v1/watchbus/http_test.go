package watchbus

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func waitWatchers(t *testing.T, bus *InMemoryWatchBus, n int) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if bus.w.len() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d watchers, got %d", n, bus.w.len())
}

func TestSSEHandlerStream(t *testing.T) {
	bus := NewInMemory()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?key=foo")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	waitWatchers(t, bus, 1)

	ctx := context.Background()
	_ = bus.Publish(ctx, Change{Key: "bar", Value: []byte("ignored"), Origin: "x"})
	_ = bus.Publish(ctx, Change{Key: "foo", Value: []byte(`"hello"`), Origin: "x"})

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(line) != `data: "hello"` {
		t.Fatalf("unexpected line %q", line)
	}
}

func TestSSEHandlerMissingKey(t *testing.T) {
	srv := httptest.NewServer(SSEHandler(NewInMemory()))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSSEHandlerContextCancel(t *testing.T) {
	bus := NewInMemory()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?key=foo", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	waitWatchers(t, bus, 1)
	cancel()
	resp.Body.Close()
	waitWatchers(t, bus, 0)
}

func TestWebSocketHandlerStream(t *testing.T) {
	bus := NewInMemory()
	srv := httptest.NewServer(WebSocketHandler(bus))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?key=foo&origin=me"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitWatchers(t, bus, 1)

	ctx := context.Background()
	_ = bus.Publish(ctx, Change{Key: "foo", Value: []byte("mine"), Origin: "me"})
	_ = bus.Publish(ctx, Change{Key: "foo", Value: []byte("theirs"), Origin: "you"})

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != "theirs" {
		t.Fatalf("unexpected %s", msg)
	}
}

func TestWebSocketHandlerMissingKey(t *testing.T) {
	srv := httptest.NewServer(WebSocketHandler(NewInMemory()))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", resp)
	}
}
