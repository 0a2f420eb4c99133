package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/shaunagostinho/obdlog/internal/acquire"
	"github.com/shaunagostinho/obdlog/internal/monitor"
)

// Frame is the structure sent to WebSocket clients.
type Frame struct {
	Sample *acquire.Sample `json:"sample,omitempty" msgpack:"sample,omitempty"`
	Event  *monitor.Event  `json:"event,omitempty" msgpack:"event,omitempty"`
	Status *monitor.Status `json:"status,omitempty" msgpack:"status,omitempty"`
	Stamp  int64           `json:"stamp" msgpack:"stamp"` // Unix ms
}

type wsClient struct {
	conn   *websocket.Conn
	binary bool // msgpack frames instead of JSON
	send   chan []byte
}

// Hub broadcasts samples and controller events to live view clients.
// It is an acquire.Sink; a slow client drops frames rather than stalling
// the acquisition loop.
type Hub struct {
	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex
	upgrader  websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Accept broadcasts a sample.
func (h *Hub) Accept(s acquire.Sample) error {
	h.broadcast(Frame{Sample: &s, Stamp: time.Now().UnixMilli()})
	return nil
}

// Publish broadcasts a controller event.
func (h *Hub) Publish(ev monitor.Event) {
	h.broadcast(Frame{Event: &ev, Stamp: time.Now().UnixMilli()})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(frame Frame) {
	var jsonData, packData []byte
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for client := range h.clients {
		data, err := encodeFrame(frame, client.binary, &jsonData, &packData)
		if err != nil {
			log.Warn().Str("component", "ws").Err(err).Msg("encode frame")
			return
		}
		select {
		case client.send <- data:
		default:
			// client too slow, drop frame
		}
	}
}

// encodeFrame encodes once per format and reuses the bytes.
func encodeFrame(frame Frame, binary bool, jsonData, packData *[]byte) ([]byte, error) {
	var err error
	if binary {
		if *packData == nil {
			*packData, err = msgpack.Marshal(frame)
		}
		return *packData, err
	}
	if *jsonData == nil {
		*jsonData, err = json.Marshal(frame)
	}
	return *jsonData, err
}

// handleWS upgrades the request; ?format=msgpack selects binary frames.
// The first frame carries the current status.
func (h *Hub) handleWS(status func() monitor.Status) echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			log.Warn().Str("component", "ws").Err(err).Msg("upgrade failed")
			return nil
		}

		client := &wsClient{
			conn:   conn,
			binary: c.QueryParam("format") == "msgpack",
			send:   make(chan []byte, 64),
		}

		st := status()
		var jsonData, packData []byte
		if data, err := encodeFrame(Frame{Status: &st, Stamp: time.Now().UnixMilli()}, client.binary, &jsonData, &packData); err == nil {
			client.send <- data
		}

		h.clientsMu.Lock()
		h.clients[client] = struct{}{}
		n := len(h.clients)
		h.clientsMu.Unlock()
		log.Info().Str("component", "ws").Int("clients", n).Msg("client connected")

		msgType := websocket.TextMessage
		if client.binary {
			msgType = websocket.BinaryMessage
		}

		// Writer goroutine
		go func() {
			defer conn.Close()
			for msg := range client.send {
				if err := conn.WriteMessage(msgType, msg); err != nil {
					break
				}
			}
		}()

		// Reader goroutine, only to notice the client leaving
		go func() {
			defer func() {
				h.clientsMu.Lock()
				delete(h.clients, client)
				n := len(h.clients)
				h.clientsMu.Unlock()
				close(client.send)
				log.Info().Str("component", "ws").Int("clients", n).Msg("client disconnected")
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					break
				}
			}
		}()
		return nil
	}
}
