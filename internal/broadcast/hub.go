package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 32
	maxInboundSize = 4096
)

type subscriber struct {
	vertical string
	conn     *websocket.Conn
	send     chan []byte
	once     sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.send) })
}

// Hub holds the WebSocket subscribers of each vertical on this instance.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{}
	upgrader    websocket.Upgrader
}

// NewHub accepts upgrades from allowedOrigin, or from any origin when it is
// empty or "*".
func NewHub(allowedOrigin string) *Hub {
	allowedOrigin = strings.TrimSpace(allowedOrigin)
	return &Hub{
		subscribers: map[string]map[*subscriber]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "" || allowedOrigin == "*" {
					return true
				}
				origin := r.Header.Get("Origin")
				return origin == "" || origin == allowedOrigin
			},
		},
	}
}

// ServeWS upgrades the request and streams the vertical's events until the
// peer goes away. Messages from the peer are discarded.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, vertical string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	sub := &subscriber{
		vertical: vertical,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
	}
	h.register(sub)
	log.Printf("broadcast: subscriber joined vertical=%s subscribers=%d", vertical, h.ClientCount(vertical))

	go h.writePump(sub)
	h.readPump(sub)
	return nil
}

// Publish delivers to local subscribers only.
func (h *Hub) Publish(_ context.Context, event Event) error {
	return h.Deliver(event)
}

// Deliver fans event out to the vertical's subscribers. A subscriber whose
// buffer is full is dropped instead of blocking the others.
func (h *Hub) Deliver(event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	h.mu.RLock()
	var slow []*subscriber
	for sub := range h.subscribers[event.Vertical] {
		select {
		case sub.send <- payload:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		log.Printf("broadcast: dropping slow subscriber vertical=%s", sub.vertical)
		h.unregister(sub)
	}
	return nil
}

func (h *Hub) ClientCount(vertical string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[vertical])
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range h.subscribers {
		for sub := range subs {
			sub.close()
		}
	}
	h.subscribers = map[string]map[*subscriber]struct{}{}
}

func (h *Hub) register(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[sub.vertical] == nil {
		h.subscribers[sub.vertical] = map[*subscriber]struct{}{}
	}
	h.subscribers[sub.vertical][sub] = struct{}{}
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subscribers[sub.vertical]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subscribers, sub.vertical)
		}
	}
	sub.close()
}

func (h *Hub) readPump(sub *subscriber) {
	defer func() {
		h.unregister(sub)
		_ = sub.conn.Close()
	}()
	sub.conn.SetReadLimit(maxInboundSize)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("broadcast: subscriber read error vertical=%s: %v", sub.vertical, err)
			}
			return
		}
	}
}

func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sub.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
