package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-campus/internal/metrics"
	"github.com/technosupport/ts-campus/internal/reconciler"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StateSource is what the hub renders into each push.
type StateSource interface {
	ViewSource
	Chart(k int) reconciler.ChartSeries
}

// StateMessage is what the hub pushes to dashboard viewers. Chart uses the
// configured top-camera count.
type StateMessage struct {
	Type  string                 `json:"type"`
	Data  reconciler.View        `json:"data"`
	Chart reconciler.ChartSeries `json:"chart"`
}

type hubClient struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans the reconciled view out to connected WebSocket viewers.
// Notify is non-blocking and coalesces bursts into one push.
type Hub struct {
	state StateSource

	clients    map[*hubClient]bool
	register   chan *hubClient
	unregister chan *hubClient
	dirty      chan struct{}
	// closed when Run returns
	done chan struct{}
}

func NewHub(state StateSource) *Hub {
	return &Hub{
		state:      state,
		clients:    make(map[*hubClient]bool),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		dirty:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Notify marks the view as changed. Safe to call from any goroutine.
func (h *Hub) Notify() {
	select {
	case h.dirty <- struct{}{}:
	default:
	}
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for c := range h.clients {
			close(c.send)
			delete(h.clients, c)
		}
		metrics.WSClientsActive.Set(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c] = true
			metrics.WSClientsActive.Set(float64(len(h.clients)))
			log.WithField("client", c.id).Info("Dashboard viewer connected")
			// Fresh viewers get the current state straight away.
			if msg, ok := h.encode(); ok {
				c.send <- msg
			}

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				metrics.WSClientsActive.Set(float64(len(h.clients)))
				log.WithField("client", c.id).Info("Dashboard viewer disconnected")
			}

		case <-h.dirty:
			if len(h.clients) == 0 {
				continue
			}
			msg, ok := h.encode()
			if !ok {
				continue
			}
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// slow consumer
					delete(h.clients, c)
					close(c.send)
					metrics.WSClientsActive.Set(float64(len(h.clients)))
					log.WithField("client", c.id).Warn("Dropping slow dashboard viewer")
				}
			}
		}
	}
}

func (h *Hub) encode() ([]byte, bool) {
	data, err := json.Marshal(StateMessage{
		Type:  "state",
		Data:  h.state.View(),
		Chart: h.state.Chart(0),
	})
	if err != nil {
		log.WithError(err).Error("Failed to encode dashboard state")
		return nil, false
	}
	return data, true
}

// ServeWS upgrades the request and attaches the viewer to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("WS upgrade failed")
		return
	}

	c := &hubClient{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump only drains control frames; viewers never send commands.
func (c *hubClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithField("client", c.id).WithError(err).Warn("WS read error")
			}
			return
		}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
