package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	gw "github.com/gorilla/websocket"

	"github.com/salambundo/gasorder/internal/status"
)

type Conn = gw.Conn

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = gw.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Lookup returns the current status of orderID for the caller of r, or an
// error if the caller may not watch it.
type Lookup func(r *http.Request, orderID string) (status.Display, error)

type Handler struct {
	hub     *Hub
	lookup  Lookup
	onError func(w http.ResponseWriter, err error)
	logger  *slog.Logger
}

func NewHandler(hub *Hub, lookup Lookup, onError func(w http.ResponseWriter, err error), logger *slog.Logger) *Handler {
	return &Handler{hub: hub, lookup: lookup, onError: onError, logger: logger}
}

// ServeWS checks access before upgrading, so a refused client gets a plain
// HTTP error instead of a socket that closes at once.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")
	current, err := h.lookup(r, orderID)
	if err != nil {
		h.onError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade", "err", err)
		return
	}

	client := &Client{
		hub:     h.hub,
		conn:    conn,
		send:    make(chan []byte, 16),
		orderID: orderID,
	}
	if b, err := json.Marshal(Update{OrderID: orderID, Status: current, At: time.Now().UTC()}); err == nil {
		client.send <- b
	}
	if !h.hub.join(client) {
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(gw.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(gw.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gw.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
