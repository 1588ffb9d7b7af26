package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventClientBuffer = 64
	eventWriteTimeout = 10 * time.Second
	eventPingInterval = 30 * time.Second
)

// Event types published on the /events stream
const (
	EventContractCreated = "contract.created"
	EventContractUpdated = "contract.updated"
	EventRedemption      = "redemption"
	EventSession         = "session"
)

type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// EventHub fans events out to websocket subscribers. Slow subscribers whose
// buffer fills up are disconnected rather than blocking publishers.
type EventHub struct {
	mu       sync.Mutex
	clients  map[chan []byte]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewEventHub(logger *slog.Logger) *EventHub {
	return &EventHub{
		clients: make(map[chan []byte]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "events"),
	}
}

func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *EventHub) Publish(ctx context.Context, typ string, data any) {
	msg, err := json.Marshal(Event{Type: typ, Time: time.Now().UTC(), Data: data})
	if err != nil {
		h.logger.Error("failed to encode event", "type", typ, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
			h.logger.Warn("dropping slow event subscriber")
			delete(h.clients, ch)
			close(ch)
		}
	}
	EventClientsGauge.Record(ctx, int64(len(h.clients)))
}

func (h *EventHub) subscribe() chan []byte {
	ch := make(chan []byte, eventClientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

// ServeHTTP handles GET /events, upgrading to a websocket and streaming
// events until the client goes away.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := h.subscribe()
	defer h.unsubscribe(ch)
	h.logger.Info("event subscriber connected", "remote", r.RemoteAddr)

	// Reads are only used to notice the peer closing the connection.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "SlowConsumer"),
					time.Now().Add(eventWriteTimeout))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteTimeout)); err != nil {
				return
			}
		}
	}
}
