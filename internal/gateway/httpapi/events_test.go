package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/ngome/internal/gateway"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// waitForSubscriber polls until the hub has registered a subscriber. The
// dial returns when the handshake completes, slightly before the handler
// goroutine adds the channel.
func waitForSubscriber(t *testing.T, hub *EventHub) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventHubDeliversEvents(t *testing.T) {
	hub := NewEventHub(testLogger())
	srv := httptest.NewServer(http.HandlerFunc(hub.Subscribe))
	defer srv.Close()
	defer hub.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{
		Subprotocols: []string{eventSubprotocol},
	})
	if err != nil {
		t.Fatalf("dialing hub: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	waitForSubscriber(t, hub)

	hub.Publish(gateway.ExecutionEvent{
		ID:      "exec-1",
		Source:  "http",
		Mode:    "sandboxed",
		Verdict: "accepted",
		Success: true,
	})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("reading event: %v", err)
	}

	var ev gateway.ExecutionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	if ev.ID != "exec-1" {
		t.Errorf("event ID = %q, want exec-1", ev.ID)
	}
	if ev.Verdict != "accepted" || !ev.Success {
		t.Errorf("event verdict/success = %q/%v, want accepted/true", ev.Verdict, ev.Success)
	}
}

func TestEventHubCloseAllDisconnects(t *testing.T) {
	hub := NewEventHub(testLogger())
	srv := httptest.NewServer(http.HandlerFunc(hub.Subscribe))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dialing hub: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	waitForSubscriber(t, hub)

	hub.CloseAll()

	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("read succeeded after hub shutdown")
	}

	// Publishing after shutdown must not panic.
	hub.Publish(gateway.ExecutionEvent{ID: "late"})

	// New subscriptions are turned away.
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("plain GET after shutdown: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("subscribe after shutdown = %d, want 503", resp.StatusCode)
	}
}

func TestEventsEndpointAuth(t *testing.T) {
	hub := NewEventHub(testLogger())
	defer hub.CloseAll()
	g := &Gateway{
		config: Config{APIKeys: []string{"sekret"}},
		hub:    hub,
		logger: testLogger(),
	}
	srv := httptest.NewServer(http.HandlerFunc(g.handleEvents))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("missing token", func(t *testing.T) {
		if _, _, err := websocket.Dial(ctx, wsURL(srv), nil); err == nil {
			t.Error("dial without token succeeded")
		}
	})

	t.Run("wrong token", func(t *testing.T) {
		if _, _, err := websocket.Dial(ctx, wsURL(srv)+"?token=guess", nil); err == nil {
			t.Error("dial with wrong token succeeded")
		}
	})

	t.Run("token query parameter", func(t *testing.T) {
		conn, _, err := websocket.Dial(ctx, wsURL(srv)+"?token=sekret", nil)
		if err != nil {
			t.Fatalf("dial with token: %v", err)
		}
		conn.Close(websocket.StatusNormalClosure, "done")
	})

	t.Run("bearer header", func(t *testing.T) {
		conn, _, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{
			HTTPHeader: http.Header{"Authorization": []string{"Bearer sekret"}},
		})
		if err != nil {
			t.Fatalf("dial with bearer header: %v", err)
		}
		conn.Close(websocket.StatusNormalClosure, "done")
	})
}

func TestEventsEndpointOpenWhenNoKeys(t *testing.T) {
	hub := NewEventHub(testLogger())
	defer hub.CloseAll()
	g := &Gateway{config: Config{}, hub: hub, logger: testLogger()}
	srv := httptest.NewServer(http.HandlerFunc(g.handleEvents))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial without auth on open gateway: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "done")
}
