package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/convsync/internal/messaging"
)

// clientSendBuffer is the number of frames queued per connection before
// the hub gives up on it as too slow.
const clientSendBuffer = 64

// client is one open push connection as seen by the hub.
type client struct {
	userID int64
	send   chan []byte

	// evicted closes when the hub drops the client; the connection
	// handler then closes the socket.
	evicted   chan struct{}
	evictOnce sync.Once
}

func newClient(userID int64) *client {
	return &client{
		userID:  userID,
		send:    make(chan []byte, clientSendBuffer),
		evicted: make(chan struct{}),
	}
}

func (c *client) evict() {
	c.evictOnce.Do(func() { close(c.evicted) })
}

// Hub tracks open push connections by user and fans frames out to them.
// A user may hold several connections at once.
type Hub struct {
	mu      sync.Mutex
	clients map[int64]map[*client]struct{}
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[int64]map[*client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.userID] = set
	}

	set[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.clients[c.userID]
	delete(set, c)

	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
}

// Online returns the number of open connections held by userID.
func (h *Hub) Online(userID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients[userID])
}

// Publish queues frame on every connection of every user in userIDs.
// Delivery is best effort: users without a connection are skipped and a
// connection whose queue is full is evicted.
func (h *Hub) Publish(userIDs []int64, frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, id := range userIDs {
		for c := range h.clients[id] {
			select {
			case c.send <- frame:
			default:
				h.logger.Warn("evicting slow push client", slog.Int64("user_id", id))
				c.evict()
			}
		}
	}
}

// encodeFrame builds a typed push frame around data.
func encodeFrame(typ string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return json.Marshal(messaging.Envelope{Type: typ, Data: raw})
}
