// README: Websocket hub for realtime order feeds, fed directly or relayed from Redis pub/sub.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

const (
	channelPattern = "orders:*"
	writeTimeout   = 5 * time.Second
	hubBuffer      = 256
)

type subscription struct {
	conn    *websocket.Conn
	channel string
}

type envelope struct {
	channel string
	payload []byte
}

// Hub keeps the websocket connections subscribed to each realtime channel.
type Hub struct {
	clients    map[string]map[*websocket.Conn]bool
	broadcast  chan envelope
	register   chan subscription
	unregister chan subscription
	done       chan struct{}
	mu         sync.Mutex
	upgrader   websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*websocket.Conn]bool),
		broadcast:  make(chan envelope, hubBuffer),
		register:   make(chan subscription),
		unregister: make(chan subscription),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, conns := range h.clients {
				for conn := range conns {
					conn.Close()
				}
			}
			h.clients = make(map[string]map[*websocket.Conn]bool)
			h.mu.Unlock()
			return

		case sub := <-h.register:
			h.mu.Lock()
			if h.clients[sub.channel] == nil {
				h.clients[sub.channel] = make(map[*websocket.Conn]bool)
			}
			h.clients[sub.channel][sub.conn] = true
			h.mu.Unlock()

		case sub := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[sub.channel][sub.conn]; ok {
				delete(h.clients[sub.channel], sub.conn)
				sub.conn.Close()
			}
			h.mu.Unlock()

		case env := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients[env.channel] {
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, env.payload); err != nil {
					log.Printf("realtime: write to %s failed: %v", env.channel, err)
					conn.Close()
					delete(h.clients[env.channel], conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues a raw payload for a channel. A full queue drops the
// payload; clients resync from the REST endpoints.
func (h *Hub) Publish(channel string, payload []byte) {
	select {
	case h.broadcast <- envelope{channel: channel, payload: payload}:
	default:
		log.Printf("realtime: queue full, dropping message for %s", channel)
	}
}

func (h *Hub) Deliver(_ context.Context, m Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	h.Publish(m.Channel(), payload)
	return nil
}

func (h *Hub) Subscribers(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[channel])
}

// Attach upgrades the request and subscribes the connection to channel
// until the client goes away. The caller has already authorised channel.
func (h *Hub) Attach(w http.ResponseWriter, r *http.Request, channel string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	sub := subscription{conn: conn, channel: channel}
	select {
	case h.register <- sub:
	case <-h.done:
		conn.Close()
		return nil
	}
	go h.drain(sub)
	return nil
}

// drain reads until the connection closes; clients only listen.
func (h *Hub) drain(sub subscription) {
	defer func() {
		select {
		case h.unregister <- sub:
		case <-h.done:
		}
	}()
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Relay forwards Redis pub/sub traffic into the local hub so every API
// instance serves every channel.
type Relay struct {
	redis  *redis.Client
	hub    *Hub
	logger *log.Logger
}

func NewRelay(redis *redis.Client, hub *Hub, logger *log.Logger) *Relay {
	return &Relay{redis: redis, hub: hub, logger: logger}
}

func (r *Relay) Run(ctx context.Context) {
	sub := r.redis.PSubscribe(ctx, channelPattern)
	defer sub.Close()

	r.logger.Printf("realtime relay subscribed to %s", channelPattern)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				r.logger.Printf("realtime relay: subscription closed")
				return
			}
			r.hub.Publish(msg.Channel, []byte(msg.Payload))
		}
	}
}
