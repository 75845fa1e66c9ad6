package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/ngome/internal/gateway"
)

const (
	eventSubprotocol = "ngome-events-v1"

	// subscriberBuffer is the per-subscriber event backlog. A subscriber
	// that falls further behind loses events rather than stalling the
	// dispatcher.
	subscriberBuffer = 16

	eventWriteTimeout = 5 * time.Second
)

// EventHub fans execution events out to connected WebSocket clients.
// Dashboards subscribe at /ws/events and receive one JSON frame per
// completed execution.
type EventHub struct {
	logger *slog.Logger
	done   chan struct{}

	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

// NewEventHub creates an empty hub.
func NewEventHub(logger *slog.Logger) *EventHub {
	return &EventHub{
		logger: logger,
		done:   make(chan struct{}),
		subs:   make(map[chan []byte]struct{}),
	}
}

var _ gateway.EventPublisher = (*EventHub)(nil)

// Publish sends the event to every subscriber. It never blocks: a full
// subscriber buffer drops the event for that subscriber only.
func (h *EventHub) Publish(ev gateway.ExecutionEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshaling execution event", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- data:
		default:
		}
	}
}

// Subscribe upgrades the request to a WebSocket and streams events until
// the client disconnects or the hub shuts down. Authentication is the
// caller's job; the hub accepts any request it is handed.
func (h *EventHub) Subscribe(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{eventSubprotocol},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	ch := make(chan []byte, subscriberBuffer)
	h.add(ch)
	defer h.remove(ch)

	client := clientAddr(r)
	h.logger.Info("event subscriber connected", slog.String("client", client))

	// The feed is one-way; CloseRead surfaces client disconnects as
	// context cancellation.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-h.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return

		case <-ctx.Done():
			h.logger.Info("event subscriber disconnected", slog.String("client", client))
			conn.Close(websocket.StatusNormalClosure, "connection closed")
			return

		case data := <-ch:
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					h.logger.Warn("event write failed",
						slog.String("client", client),
						slog.String("error", err.Error()),
					)
				}
				return
			}
		}
	}
}

// CloseAll signals every subscriber loop to shut down. Subscriber
// channels are never closed, so a concurrent Publish stays safe.
func (h *EventHub) CloseAll() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// Subscribers reports the current subscriber count.
func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *EventHub) add(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[ch] = struct{}{}
}

func (h *EventHub) remove(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, ch)
}
