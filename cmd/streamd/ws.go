package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orbitdx/skystream/pkg/logger"
	"github.com/orbitdx/skystream/pkg/metrics"
	"github.com/orbitdx/skystream/pkg/models"
	"github.com/orbitdx/skystream/pkg/stream"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientBufSize  = 256
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The broadcast is read-only public data; origin checks belong to the
	// fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrame is the JSON frame pushed to browser clients.
type wsFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub fans events out to connected WebSocket clients. Data updates arrive
// via the bus (covering this instance and its siblings alike); stream
// errors and metrics snapshots arrive from the local subscription.
type Hub struct {
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	clients    map[*wsClient]bool
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func newHub() *Hub {
	return &Hub{
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 64),
		clients:    make(map[*wsClient]bool),
	}
}

// run is the hub's event loop.
func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			metrics.WSClients.Inc()
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				metrics.WSClients.Dec()
			}
		case frame := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- frame:
				default:
					metrics.WSDropped.Inc()
				}
			}
		}
	}
}

// pumpLocal forwards local stream errors and metrics snapshots. Data
// updates are skipped here: the bus delivers them (including our own) and
// pumpBus handles that path, so clients see each update exactly once.
func (h *Hub) pumpLocal(ctx context.Context, svc *stream.Service) {
	events, cancel := svc.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, isUpdate := ev.(models.DataUpdate); isUpdate {
				continue
			}
			h.push(ev.Kind(), ev)
		}
	}
}

// pumpBus forwards data updates published on the bus by any instance.
func (h *Hub) pumpBus(ctx context.Context, bus stream.Bus, sources []string) {
	channels := make([]string, 0, len(sources))
	for _, s := range sources {
		channels = append(channels, stream.UpdateChannel(s))
	}
	msgs, closeSub, err := bus.Subscribe(ctx, channels...)
	if err != nil {
		logger.Log.Error("ws bus subscription failed", zap.Error(err))
		return
	}
	go func() {
		<-ctx.Done()
		closeSub()
	}()

	for msg := range msgs {
		ev, err := models.DecodeUpdate(msg.Payload)
		if err != nil {
			logger.Log.Warn("bad update envelope on bus", zap.Error(err))
			continue
		}
		h.push(ev.Kind(), ev)
	}
}

func (h *Hub) push(kind string, data interface{}) {
	frame, err := json.Marshal(wsFrame{Type: kind, Data: data})
	if err != nil {
		logger.Log.Error("encode ws frame", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- frame:
	default:
		metrics.WSDropped.Inc()
	}
}

// serveWS upgrades one HTTP connection into a broadcast subscriber.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{hub: s.hub, conn: conn, send: make(chan []byte, clientBufSize)}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump discards client messages; the socket is broadcast-only. It exists
// to notice closes and answer pings.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
