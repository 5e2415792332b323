package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/orderbook-mirror/pkg/book"
	"github.com/uhyunpark/orderbook-mirror/pkg/util"
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
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// Hub tracks connected WebSocket clients
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	logger  *zap.SugaredLogger
}

// NewHub creates a new WebSocket hub
func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		logger:  logger,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Infow("ws_client_connected", "client", c.id, "total", n)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Infow("ws_client_disconnected", "client", c.id, "total", n)
	}
}

// Len returns the number of connected clients
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client; their pollers stop with them.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.conn.Close()
	}
}

// Client represents a WebSocket connection. Each subscription runs its own
// poller that pushes a full snapshot every tick.
type Client struct {
	srv  *Server
	conn *websocket.Conn
	send chan []byte
	id   string

	ctx    context.Context
	cancel context.CancelFunc

	// Subscribed channels and the cancel func of their pollers
	subscriptions map[string]context.CancelFunc
	subsMu        sync.Mutex
}

// IsSubscribed checks if client is subscribed to a channel
func (c *Client) IsSubscribed(channel string) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// Subscribe starts a poller for channel; subscribing twice is a no-op
func (c *Client) Subscribe(channel string) bool {
	if !validChannel(channel) {
		return false
	}
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if _, ok := c.subscriptions[channel]; ok {
		return true
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.subscriptions[channel] = cancel
	go c.poll(ctx, channel)
	c.srv.logger.Debugw("ws_subscribed", "client", c.id, "channel", channel)
	return true
}

// Unsubscribe stops the channel's poller
func (c *Client) Unsubscribe(channel string) {
	c.subsMu.Lock()
	cancel, ok := c.subscriptions[channel]
	delete(c.subscriptions, channel)
	c.subsMu.Unlock()
	if ok {
		cancel()
		c.srv.logger.Debugw("ws_unsubscribed", "client", c.id, "channel", channel)
	}
}

func validChannel(ch string) bool {
	switch ch {
	case ChannelBuyOrders, ChannelSellOrders, ChannelTrades:
		return true
	}
	return false
}

// poll sends a snapshot right away and then once per interval. The book lock
// is released before the message is queued.
func (c *Client) poll(ctx context.Context, channel string) {
	for {
		c.push(ctx, c.srv.snapshot(channel))
		if err := util.Sleep(ctx, c.srv.cfg.Clock, c.srv.cfg.PollInterval); err != nil {
			return
		}
	}
}

// push queues msg unless the client is gone; a full buffer drops this tick.
func (c *Client) push(ctx context.Context, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.srv.logger.Errorw("ws_marshal_failed", "err", err)
		return
	}
	select {
	case <-ctx.Done():
	case c.send <- data:
	default:
		c.srv.logger.Debugw("ws_tick_dropped", "client", c.id, "type", msg.Type)
	}
}

func (s *Server) snapshot(channel string) WSMessage {
	switch channel {
	case ChannelBuyOrders:
		return WSMessage{Type: "orders", Side: book.Buy.String(), Data: toOrderInfos(s.book.Active(book.Buy))}
	case ChannelSellOrders:
		return WSMessage{Type: "orders", Side: book.Sell.String(), Data: toOrderInfos(s.book.Active(book.Sell))}
	default:
		return WSMessage{Type: "trades", Data: toTradeInfos(s.book.Trades())}
	}
}

// readPump handles subscription requests until the connection closes
func (c *Client) readPump() {
	defer func() {
		c.cancel()
		c.srv.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.srv.logger.Debugw("ws_read_error", "client", c.id, "err", err)
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.push(c.ctx, WSMessage{Type: "error", Data: "invalid message"})
			continue
		}

		switch req.Op {
		case "subscribe":
			for _, channel := range req.Channels {
				if !c.Subscribe(channel) {
					c.push(c.ctx, WSMessage{Type: "error", Data: "unknown channel " + channel})
				}
			}
		case "unsubscribe":
			for _, channel := range req.Channels {
				c.Unsubscribe(channel)
			}
		default:
			c.push(c.ctx, WSMessage{Type: "error", Data: "unknown op " + req.Op})
		}
	}
}

// writePump writes queued messages and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.cancel()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// handleWebSocket handles WebSocket upgrade and client lifecycle
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("ws_upgrade_failed", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		srv:           s,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		id:            uuid.NewString(),
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: make(map[string]context.CancelFunc),
	}

	s.hub.register(client)

	// Start read and write pumps in separate goroutines
	go client.writePump()
	go client.readPump()
}
