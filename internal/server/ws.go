package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ayusman/tryon/internal/events"
	"github.com/ayusman/tryon/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// EventsHandler streams session events to WebSocket clients. Events are sent
// as JSON text messages, or as msgpack binary messages with ?format=msgpack.
type EventsHandler struct {
	bus    *events.Bus
	logger *slog.Logger
}

// NewEventsHandler creates a new EventsHandler over bus.
func NewEventsHandler(bus *events.Bus, logger *slog.Logger) *EventsHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &EventsHandler{bus: bus, logger: logger}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	binary := r.URL.Query().Get("format") == "msgpack"

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade error", "error", err)
		return
	}
	defer conn.Close()

	ch, unsubscribe := h.bus.Subscribe(events.DefaultBuffer)
	defer unsubscribe()

	// Reads only detect close and keep pongs flowing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			msgType, data, err := encodeEvent(e, binary)
			if err != nil {
				h.logger.Warn("failed to encode event", "type", e.Type, "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}
}

func encodeEvent(e events.Event, binary bool) (int, []byte, error) {
	if binary {
		data, err := msgpack.Marshal(e)
		return websocket.BinaryMessage, data, err
	}
	data, err := json.Marshal(e)
	return websocket.TextMessage, data, err
}
