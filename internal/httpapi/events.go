package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hclivess/nado/internal/model"
	"github.com/hclivess/nado/pkg/nlog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// BlockEvent is broadcast to every connected client whenever the node
// incorporates a new block, letting explorers and wallets follow the
// chain tip without polling /get_latest_block.
type BlockEvent struct {
	Type      string      `json:"type"`
	Block     model.Block `json:"block"`
	Timestamp int64       `json:"timestamp"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// EventHub fans a stream of new-block notifications out to every
// connected websocket client. Grounded on the teacher's WSHub, trimmed
// from its generic multi-event-type subscription model down to the
// single block-tip event this node emits.
type EventHub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	stop       chan struct{}
	log        *nlog.Logger
	mu         sync.RWMutex
}

// NewEventHub builds an EventHub and starts its dispatch loop in the
// background; call Stop to shut it down.
func NewEventHub() *EventHub {
	h := &EventHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		stop:       make(chan struct{}),
		log:        nlog.GetDefault().Component("ws"),
	}
	go h.Run(h.stop)
	return h
}

// Stop shuts down the hub's dispatch loop.
func (h *EventHub) Stop() {
	close(h.stop)
}

// Run drains the hub's channels until stop is closed.
func (h *EventHub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case data := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

// BroadcastBlock notifies every connected client of a newly incorporated
// block.
func (h *EventHub) BroadcastBlock(block model.Block) {
	data, err := json.Marshal(BlockEvent{Type: "block", Block: block, Timestamp: time.Now().Unix()})
	if err != nil {
		h.log.Warnf("marshal block event: %v", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("block event channel full, dropping")
	}
}

func (h *EventHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("websocket upgrade: %v", err)
		return
	}
	c := &wsClient{id: uuid.New().String(), conn: conn, send: make(chan []byte, 16)}
	h.log.Debugf("client %s connected", c.id)
	h.register <- c
	go h.writePump(c)
}

func (h *EventHub) writePump(c *wsClient) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.unregister <- c
			return
		}
	}
}
