package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradeterm/feedbridge/internal/model"
)

// mockFeedServer creates a test WebSocket server standing in for the
// broker feed.
func mockFeedServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// ackingFeed reads the handshake, verifies it, answers OK and then runs
// the given continuation.
func ackingFeed(t *testing.T, after func(*websocket.Conn)) func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req connectRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			t.Errorf("bad handshake frame: %v", err)
			return
		}
		if req.Type != "c" || req.Source != "API" {
			t.Errorf("handshake = %+v", req)
		}
		if req.UID == "" || req.UID != req.AccountID || req.SessionToken == "" {
			t.Errorf("handshake identity = %+v", req)
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"t":"ck","s":"OK"}`))
		if after != nil {
			after(conn)
		}
	}
}

func testLinkConfig(url string) LinkConfig {
	return LinkConfig{
		URL:          url,
		AckTimeout:   time.Second,
		WriteTimeout: time.Second,
		BufferSize:   16,
	}
}

func TestLink_ConnectAndReceive(t *testing.T) {
	server := mockFeedServer(t, ackingFeed(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"t":"tf","tk":"22","lp":"99.5"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	link := NewLink(testLinkConfig(wsURL(server)), nil)
	if err := link.Connect(context.Background(), "FZ12004", "tok-abc"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !link.IsConnected() {
		t.Error("expected IsConnected after handshake ack")
	}

	select {
	case frame := <-link.Frames():
		tick, ok := ParseTick(frame.Data)
		if !ok || tick.Token != "22" {
			t.Errorf("frame = %s", frame.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tick frame")
	}

	if err := link.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if link.IsConnected() {
		t.Error("expected disconnected after Close")
	}
	if err := link.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}

func TestLink_ConnectIdempotent(t *testing.T) {
	server := mockFeedServer(t, ackingFeed(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	link := NewLink(testLinkConfig(wsURL(server)), nil)
	defer link.Close()

	ctx := context.Background()
	if err := link.Connect(ctx, "FZ12004", "tok-abc"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := link.Connect(ctx, "FZ12004", "tok-abc"); err != nil {
		t.Errorf("second Connect while connected = %v, want nil", err)
	}
}

func TestLink_ConcurrentConnectSingleConnection(t *testing.T) {
	var accepted atomic.Int32
	server := mockFeedServer(t, func(conn *websocket.Conn) {
		accepted.Add(1)
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		// Hold the ack long enough for both callers to overlap.
		time.Sleep(50 * time.Millisecond)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"t":"ck","s":"OK"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	link := NewLink(testLinkConfig(wsURL(server)), nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = link.Connect(context.Background(), "FZ12004", "tok-abc")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Connect %d = %v, want nil", i, err)
		}
	}
	if n := accepted.Load(); n != 1 {
		t.Errorf("server accepted %d connections, want 1", n)
	}
	if !link.IsConnected() {
		t.Error("expected IsConnected after both calls returned")
	}

	closed := make(chan error, 1)
	go func() { closed <- link.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return; a read loop was left behind")
	}
}

func TestLink_HandshakeRejected(t *testing.T) {
	server := mockFeedServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"t":"ck","s":"NOT_OK"}`))
	})
	defer server.Close()

	link := NewLink(testLinkConfig(wsURL(server)), nil)
	err := link.Connect(context.Background(), "FZ12004", "bad-token")
	if !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("Connect = %v, want ErrHandshakeRejected", err)
	}
	if link.IsConnected() {
		t.Error("rejected handshake must leave the link disconnected")
	}
}

func TestLink_HandshakeTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	server := mockFeedServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage() // swallow the handshake, never answer
		<-block
	})
	defer server.Close()

	cfg := testLinkConfig(wsURL(server))
	cfg.AckTimeout = 100 * time.Millisecond
	link := NewLink(cfg, nil)

	start := time.Now()
	err := link.Connect(context.Background(), "FZ12004", "tok-abc")
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("Connect = %v, want ErrHandshakeTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v, want ~100ms", elapsed)
	}
	if link.IsConnected() {
		t.Error("timed-out handshake must leave the link disconnected")
	}
}

func TestLink_SendSubscription(t *testing.T) {
	frames := make(chan []byte, 4)
	server := mockFeedServer(t, ackingFeed(t, func(conn *websocket.Conn) {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- raw
		}
	}))
	defer server.Close()

	link := NewLink(testLinkConfig(wsURL(server)), nil)
	defer link.Close()
	if err := link.Connect(context.Background(), "FZ12004", "tok-abc"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	members := []model.Instrument{
		{Exchange: "NSE", Token: "22", TradingSymbol: "TCS-EQ"},
		{Exchange: "NSE", Token: "1594", TradingSymbol: "INFY-EQ"},
	}
	if err := link.SendSubscription(model.FeedDetailed, members); err != nil {
		t.Fatalf("SendSubscription failed: %v", err)
	}

	select {
	case raw := <-frames:
		var req subscribeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if req.Type != "d" || req.Keys != "NSE|22#NSE|1594" {
			t.Errorf("frame = %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription frame")
	}

	// Empty membership is silently skipped.
	if err := link.SendSubscription(model.FeedTouchline, nil); err != nil {
		t.Errorf("empty SendSubscription = %v, want nil", err)
	}
}

func TestLink_SendWhileDisconnected(t *testing.T) {
	link := NewLink(testLinkConfig("ws://127.0.0.1:1"), nil)
	err := link.SendSubscription(model.FeedTouchline, []model.Instrument{
		{Exchange: "NSE", Token: "22", TradingSymbol: "TCS-EQ"},
	})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendSubscription = %v, want ErrNotConnected", err)
	}
}

func TestLink_ErrorOnConnectionLoss(t *testing.T) {
	server := mockFeedServer(t, ackingFeed(t, nil)) // handler returns, closing the conn
	defer server.Close()

	link := NewLink(testLinkConfig(wsURL(server)), nil)
	defer link.Close()
	if err := link.Connect(context.Background(), "FZ12004", "tok-abc"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case <-link.Errors():
	case <-time.After(2 * time.Second):
		t.Fatal("expected an error after the server dropped the connection")
	}
	if link.IsConnected() {
		t.Error("link should report disconnected after the read loop exits")
	}
}

func TestBackoff(t *testing.T) {
	b := NewBackoff(time.Second, 8*time.Second)

	for i := 0; i < 6; i++ {
		d := b.Next()
		if d <= 0 || d > 8*time.Second {
			t.Fatalf("delay %v out of range", d)
		}
	}
	if b.Attempts() != 6 {
		t.Errorf("Attempts = %d, want 6", b.Attempts())
	}

	b.Reset()
	if b.Attempts() != 0 {
		t.Error("Reset should clear the attempt counter")
	}
	if d := b.Next(); d < 500*time.Millisecond || d > time.Second {
		t.Errorf("first delay after reset = %v, want within [0.5s, 1s]", d)
	}
}
