// Package ws distributes engine events to WebSocket subscribers. The
// broadcaster is the event sink's consumer side: delivery is best-effort,
// slow clients are dropped rather than ever backpressuring the engine,
// and trade enrichment (party client ids) happens here, not in the
// engine.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/clearbook/exchange/internal/exchange/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

type frame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// enrichedTrade is a trade frame carrying both parties' client ids.
type enrichedTrade struct {
	*model.Trade
	BuyerID  string `json:"buyer_id"`
	SellerID string `json:"seller_id"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Broadcaster fans engine events out to connected WebSocket clients.
type Broadcaster struct {
	repo     model.Repository
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewBroadcaster creates a broadcaster. The repository is used only to
// enrich trade frames with the parties' client ids.
func NewBroadcaster(repo model.Repository, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		repo:   repo,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the client.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBufferSize)}

	b.mu.Lock()
	b.clients[c] = struct{}{}
	total := len(b.clients)
	b.mu.Unlock()
	b.logger.Info("websocket client connected", zap.Int("total_clients", total))

	b.sendTo(c, frame{Type: "connected", Data: map[string]string{
		"message":   "connected to exchange feed",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}})

	go b.writePump(c)
	go b.readPump(c)
}

func (b *Broadcaster) readPump(c *client) {
	defer b.drop(c)
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type     string   `json:"type"`
			Channels []string `json:"channels"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			b.logger.Debug("unparseable websocket message", zap.Error(err))
			continue
		}
		switch msg.Type {
		case "subscribe":
			channels := msg.Channels
			if len(channels) == 0 {
				channels = []string{"orderbook", "trades", "orders"}
			}
			b.sendTo(c, frame{Type: "subscribed", Data: channels})
		case "ping":
			b.sendTo(c, frame{Type: "pong", Data: time.Now().UTC().Format(time.RFC3339)})
		}
	}
}

func (b *Broadcaster) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

func (b *Broadcaster) drop(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	total := len(b.clients)
	b.mu.Unlock()
	c.conn.Close()
	b.logger.Info("websocket client disconnected", zap.Int("total_clients", total))
}

func (b *Broadcaster) sendTo(c *client, f frame) {
	msg, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// broadcast marshals once and offers the frame to every client. A client
// whose buffer is full misses the frame; the feed carries no delivery
// guarantee.
func (b *Broadcaster) broadcast(f frame) {
	msg, err := json.Marshal(f)
	if err != nil {
		b.logger.Error("marshal broadcast frame", zap.Error(err))
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// PublishOrderUpdate implements model.EventSink.
func (b *Broadcaster) PublishOrderUpdate(order *model.Order) {
	b.broadcast(frame{Type: "order_update", Data: order})
}

// PublishTrades implements model.EventSink. Enrichment runs off the
// caller's goroutine so a repository lookup can never stall the
// sequencer.
func (b *Broadcaster) PublishTrades(trades []*model.Trade) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, trade := range trades {
			b.broadcast(frame{Type: "trade", Data: b.enrich(ctx, trade)})
		}
	}()
}

// PublishBookDelta implements model.EventSink.
func (b *Broadcaster) PublishBookDelta(snapshot *model.BookSnapshot) {
	b.broadcast(frame{Type: "orderbook_delta", Data: snapshot})
}

func (b *Broadcaster) enrich(ctx context.Context, trade *model.Trade) enrichedTrade {
	out := enrichedTrade{Trade: trade, BuyerID: "unknown", SellerID: "unknown"}
	if buy, err := b.repo.GetOrderByID(ctx, trade.BuyOrderID); err == nil {
		out.BuyerID = buy.ClientID
	}
	if sell, err := b.repo.GetOrderByID(ctx, trade.SellOrderID); err == nil {
		out.SellerID = sell.ClientID
	}
	return out
}
