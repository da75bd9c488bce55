package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/salambundo/gasorder/internal/events"
	"github.com/salambundo/gasorder/internal/status"
)

// Update is what subscribers of an order receive.
type Update struct {
	OrderID  string          `json:"order_id"`
	Status   status.Display  `json:"status"`
	Previous *status.Display `json:"previous,omitempty"`
	EventID  string          `json:"event_id,omitempty"`
	At       time.Time       `json:"at"`
}

type Client struct {
	hub     *Hub
	conn    *Conn
	send    chan []byte
	orderID string
}

// Hub fans status updates out to the clients watching each order. All maps
// are owned by the Run goroutine.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan Update
	count      chan countReq
	done       chan struct{}
	clients    map[string]map[*Client]bool
}

type countReq struct {
	orderID string
	reply   chan int
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Update),
		count:      make(chan countReq),
		done:       make(chan struct{}),
		clients:    make(map[string]map[*Client]bool),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			set, ok := h.clients[c.orderID]
			if !ok {
				set = make(map[*Client]bool)
				h.clients[c.orderID] = set
			}
			set[c] = true
		case c := <-h.unregister:
			h.remove(c)
		case upd := <-h.broadcast:
			msg, err := json.Marshal(upd)
			if err != nil {
				continue
			}
			for c := range h.clients[upd.OrderID] {
				select {
				case c.send <- msg:
				default:
					h.remove(c)
				}
			}
		case req := <-h.count:
			req.reply <- len(h.clients[req.orderID])
		case <-ctx.Done():
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			h.clients = nil
			return
		}
	}
}

func (h *Hub) remove(c *Client) {
	set, ok := h.clients[c.orderID]
	if !ok {
		return
	}
	if _, exists := set[c]; exists {
		delete(set, c)
		close(c.send)
	}
	if len(set) == 0 {
		delete(h.clients, c.orderID)
	}
}

// Broadcast blocks until the hub takes u or has stopped.
func (h *Hub) Broadcast(u Update) {
	select {
	case h.broadcast <- u:
	case <-h.done:
	}
}

// BroadcastEvent is the kafka consumer callback.
func (h *Hub) BroadcastEvent(_ context.Context, ev events.StatusChanged) {
	prev := ev.Old
	h.Broadcast(Update{
		OrderID:  ev.OrderID,
		Status:   ev.New,
		Previous: &prev,
		EventID:  ev.EventID,
		At:       ev.OccurredAt,
	})
}

// Subscribers returns the number of clients watching orderID.
func (h *Hub) Subscribers(orderID string) int {
	req := countReq{orderID: orderID, reply: make(chan int, 1)}
	select {
	case h.count <- req:
		return <-req.reply
	case <-h.done:
		return 0
	}
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// LocalPublisher delivers status events of one topic straight to the hub. It
// stands in for the Kafka round trip when the broker is disabled; other
// topics are dropped.
type LocalPublisher struct {
	hub   *Hub
	topic string
}

func NewLocalPublisher(hub *Hub, topic string) *LocalPublisher {
	return &LocalPublisher{hub: hub, topic: topic}
}

func (p *LocalPublisher) Publish(topic, _ string, value []byte) error {
	if topic != p.topic {
		return nil
	}
	ev, err := events.Decode(value)
	if err != nil {
		return err
	}
	p.hub.BroadcastEvent(context.Background(), ev)
	return nil
}
