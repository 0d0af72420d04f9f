// Package realtime carries server-push change notifications over a
// long-lived WebSocket per client. The gateway side is a hub of subscribers
// with a ring buffer for late joiners; the client side reconnects with
// exponential backoff and feeds received changes into the same conflict path
// as a bulk pull.
package realtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/monitoring"
	"github.com/driftsync/driftsync/internal/types"
)

// ringSize is how many committed changes the hub retains for late joiners.
const ringSize = 1000

// subscriber is one connected client.
type subscriber struct {
	id          string
	conn        *websocket.Conn
	send        chan types.StreamMessage
	collections map[string]bool
	mu          sync.RWMutex
}

func (s *subscriber) subscribedTo(collection string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.collections) == 0 {
		return true
	}
	return s.collections[collection]
}

// Hub tracks connected subscribers and fans committed changes out to them.
// One hub is owned per server instance and passed explicitly to the route
// handler.
type Hub struct {
	upgrader websocket.Upgrader
	metrics  *monitoring.Metrics
	logger   *zap.Logger

	register   chan *subscriber
	unregister chan *subscriber
	broadcast  chan types.ChangeItem
	done       chan struct{}

	mu      sync.RWMutex
	clients map[string]*subscriber
	ring    []types.ChangeItem
	closed  bool
}

// NewHub starts the hub loop.
func NewHub(metrics *monitoring.Metrics, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		metrics:    metrics,
		logger:     logger,
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		broadcast:  make(chan types.ChangeItem, 256),
		done:       make(chan struct{}),
		clients:    make(map[string]*subscriber),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.id] = sub
			count := len(h.clients)
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.ConnectedClients.Set(float64(count))
			}
			h.logger.Debug("realtime client connected", zap.String("client_id", sub.id))

		case sub := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[sub.id]; ok {
				delete(h.clients, sub.id)
				close(sub.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.ConnectedClients.Set(float64(count))
			}
			h.logger.Debug("realtime client disconnected", zap.String("client_id", sub.id))

		case item := <-h.broadcast:
			h.mu.Lock()
			h.ring = append(h.ring, item)
			if len(h.ring) > ringSize {
				h.ring = h.ring[len(h.ring)-ringSize:]
			}
			subs := make([]*subscriber, 0, len(h.clients))
			for _, s := range h.clients {
				subs = append(subs, s)
			}
			h.mu.Unlock()

			msg := types.StreamMessage{Type: types.MsgChange, Data: &item}
			for _, s := range subs {
				if !s.subscribedTo(item.Collection) {
					continue
				}
				select {
				case s.send <- msg:
				default:
					// a stalled subscriber never blocks the others
				}
			}
		}
	}
}

// BroadcastChange enqueues a committed change for fan-out. Implements the
// applier's notifier.
func (h *Hub) BroadcastChange(item types.ChangeItem) {
	select {
	case h.broadcast <- item:
	case <-h.done:
	}
}

// ConnectedClients reports the current subscriber count.
func (h *Hub) ConnectedClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Recent returns buffered changes with seq greater than since, for late
// joiners.
func (h *Hub) Recent(since uint64) []types.ChangeItem {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []types.ChangeItem
	for _, item := range h.ring {
		if item.Seq > since {
			out = append(out, item)
		}
	}
	return out
}

// HandleWebSocket upgrades the request and services the connection until it
// closes.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := &subscriber{
		id:          uuid.NewString(),
		conn:        conn,
		send:        make(chan types.StreamMessage, 256),
		collections: make(map[string]bool),
	}

	select {
	case h.register <- sub:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(sub)
	go h.readPump(sub)

	sub.send <- types.StreamMessage{Type: types.MsgConnected}
}

func (h *Hub) readPump(sub *subscriber) {
	defer func() {
		select {
		case h.unregister <- sub:
		case <-h.done:
		}
		sub.conn.Close()
	}()

	sub.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	for {
		var msg types.StreamMessage
		if err := sub.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("realtime read error", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case types.MsgSubscribe:
			sub.mu.Lock()
			sub.collections = make(map[string]bool, len(msg.Collections))
			for _, c := range msg.Collections {
				sub.collections[c] = true
			}
			sub.mu.Unlock()

			// replay the ring so a late joiner catches up before live pushes
			for _, item := range h.Recent(0) {
				if sub.subscribedTo(item.Collection) {
					replay := item
					select {
					case sub.send <- types.StreamMessage{Type: types.MsgChange, Data: &replay}:
					default:
					}
				}
			}
		default:
			select {
			case sub.send <- types.StreamMessage{Type: types.MsgError, Error: "unknown message type"}:
			default:
			}
		}
	}
}

func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				sub.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := sub.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every subscriber and stops the hub loop.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*subscriber, 0, len(h.clients))
	for _, s := range h.clients {
		subs = append(subs, s)
	}
	h.clients = make(map[string]*subscriber)
	h.mu.Unlock()

	close(h.done)
	for _, s := range subs {
		s.conn.Close()
	}
}
