package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
)

// client is one WebSocket connection and its subscription filters.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	topics map[string]bool
	mints  map[string]bool // empty means every mint
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		topics: make(map[string]bool, len(topics)),
		mints:  make(map[string]bool),
	}
	for t := range topics {
		c.topics[t] = true
	}
	return c
}

// subscribeMsg changes a client's filters:
//
//	{"action":"subscribe","topics":["positions"],"mints":["<mint>"]}
type subscribeMsg struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
	Mints  []string `json:"mints"`
}

func (c *client) wants(topic, mint string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.topics[topic] {
		return false
	}
	return len(c.mints) == 0 || mint == "" || c.mints[mint]
}

// apply updates the filters. Unknown topics and malformed mints are ignored.
func (c *client) apply(msg subscribeMsg) {
	var on bool
	switch msg.Action {
	case "subscribe":
		on = true
	case "unsubscribe":
	default:
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range msg.Topics {
		if _, ok := topics[t]; ok {
			set(c.topics, t, on)
		}
	}
	for _, m := range msg.Mints {
		if _, err := solana.PublicKeyFromBase58(m); err == nil {
			set(c.mints, m, on)
		}
	}
}

func set(m map[string]bool, k string, on bool) {
	if on {
		m[k] = true
	} else {
		delete(m, k)
	}
}

// queue adds a frame before the client is registered. The queue is empty
// at that point, so this never blocks.
func (c *client) queue(env envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

// readPump applies subscription frames until the connection drops.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(data, &sub) == nil {
			c.apply(sub)
		}
	}
}

// writePump drains the queue and pings. A closed queue means the hub
// dropped the client.
func (c *client) writePump() {
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
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resume with ?after="))
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
