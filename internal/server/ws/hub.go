// Package ws streams settlement and position events to browser clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"

	"github.com/whiplashfi/whiplash/internal/domain"
	"github.com/whiplashfi/whiplash/internal/server/middleware"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096

	// sendBufferSize bounds each client's queue. A client that falls this far
	// behind is disconnected and expected to resume with ?after=.
	sendBufferSize = 256

	// replayLimit caps the stream entries sent on resume; the rest are
	// available from /api/feed.
	replayLimit = 128
)

// Topics a client can subscribe to, mapped to the bus channels behind them.
var topics = map[string]string{
	"settlements": domain.ChannelSettlements,
	"positions":   domain.ChannelPositions,
}

var streamIDPattern = regexp.MustCompile(`^\d+(-\d+)?$`)

// Stats reports live counts for the hello message.
type Stats func() (pools, openPositions int)

// Config captures runtime metadata sent to clients on connect.
type Config struct {
	Mode           string
	AllowedOrigins []string
	Stats          Stats
	StartedAt      time.Time
}

// Hub relays settlement and position events from the signal bus to every
// connected client subscribed to the event's topic and mint.
type Hub struct {
	bus      domain.SignalBus
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan broadcastMsg
	done       chan struct{}

	// clients is written only by Run; mu guards readers elsewhere.
	mu      sync.RWMutex
	clients map[*client]struct{}
}

type broadcastMsg struct {
	topic string
	mint  string
	data  []byte
}

// envelope is the frame written to clients. ID is the stream entry ID on
// replayed settlements.
type envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// NewHub creates a hub reading from bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	if cfg.Mode == "" {
		cfg.Mode = "engine"
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}
	allowed := middleware.OriginMatcher(cfg.AllowedOrigins)
	return &Hub{
		bus: bus,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed(origin)
			},
		},
		logger:     logger.With(slog.String("component", "ws")),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan broadcastMsg, sendBufferSize),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
}

// Run relays bus events until ctx is cancelled, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for topic, channel := range topics {
		go h.relay(ctx, topic, channel)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws: client connected", slog.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			h.dropLocked(c)
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws: client disconnected", slog.Int("clients", n))

		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

func (h *Hub) fanOut(msg broadcastMsg) {
	frame, err := json.Marshal(envelope{Type: msg.topic, Payload: msg.data})
	if err != nil {
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(msg.topic, msg.mint) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		h.dropLocked(c)
	}
	h.mu.Unlock()
	h.logger.Warn("ws: disconnected slow clients", slog.Int("count", len(slow)))
}

// dropLocked removes c and closes its queue, which makes writePump hang up.
func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// relay forwards one bus channel into the broadcast loop.
func (h *Hub) relay(ctx context.Context, topic, channel string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("ws: subscription closed", slog.String("channel", channel))
				return
			}
			mint, ok := eventMint(data)
			if !ok {
				continue
			}
			select {
			case h.broadcast <- broadcastMsg{topic: topic, mint: mint, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// eventMint extracts token_y_mint from an event. ok is false for payloads
// that are not JSON objects.
func eventMint(data []byte) (string, bool) {
	var head struct {
		TokenYMint string `json:"token_y_mint"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", false
	}
	return head.TokenYMint, true
}

// HandleWS upgrades the request and registers a client. mint narrows the
// stream to one pool; after replays settlements from that stream ID before
// going live.
// GET /ws?mint=&after=
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mint := q.Get("mint")
	if mint != "" {
		if _, err := solana.PublicKeyFromBase58(mint); err != nil {
			http.Error(w, "invalid mint", http.StatusBadRequest)
			return
		}
	}
	after := q.Get("after")
	if after != "" && !streamIDPattern.MatchString(after) {
		http.Error(w, "invalid after", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(h, conn)
	if mint != "" {
		c.mints[mint] = true
	}
	c.queue(h.hello())
	if after != "" {
		h.replay(r.Context(), c, after)
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (h *Hub) hello() envelope {
	payload := map[string]any{
		"mode":           h.cfg.Mode,
		"uptime_seconds": int64(time.Since(h.cfg.StartedAt).Seconds()),
	}
	if h.cfg.Stats != nil {
		pools, positions := h.cfg.Stats()
		payload["pools"] = pools
		payload["open_positions"] = positions
	}
	data, _ := json.Marshal(payload)
	return envelope{Type: "hello", Payload: data}
}

// replay queues settlements recorded after the given stream ID.
func (h *Hub) replay(ctx context.Context, c *client, after string) {
	msgs, err := h.bus.StreamRead(ctx, domain.StreamSettlements, after, replayLimit)
	if err != nil {
		h.logger.Warn("ws: replay failed", slog.String("after", after), slog.String("error", err.Error()))
		return
	}
	for _, m := range msgs {
		mint, ok := eventMint(m.Payload)
		if !ok || !c.wants("settlements", mint) {
			continue
		}
		c.queue(envelope{Type: "settlements", ID: m.ID, Payload: m.Payload})
	}
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
