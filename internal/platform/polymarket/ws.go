package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// BookHandler is called for every full book message.
type BookHandler func(BookMessage)

// PriceChangeHandler is called for every price_change message.
type PriceChangeHandler func(PriceChangeMessage)

// TradeHandler is called for every user trade message.
type TradeHandler func(UserTradeMessage)

// OrderHandler is called for every user order message.
type OrderHandler func(UserOrderMessage)

// WSClient is a single WebSocket connection to the CLOB real-time feed. It
// does not reconnect on its own; callers run it in a loop and build a new
// client per connection.
type WSClient struct {
	wsURL            string
	handshakeTimeout time.Duration

	mu      sync.Mutex // guards conn writes
	conn    *websocket.Conn
	closeMu sync.Once

	handlerMu     sync.RWMutex
	bookHandlers  []BookHandler
	priceHandlers []PriceChangeHandler
	tradeHandlers []TradeHandler
	orderHandlers []OrderHandler
}

// NewWSClient creates a client for wsURL, e.g.
// "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewWSClient(wsURL string, handshakeTimeout time.Duration) *WSClient {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 15 * time.Second
	}
	return &WSClient{wsURL: wsURL, handshakeTimeout: handshakeTimeout}
}

// Connect dials the endpoint.
func (w *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: w.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	return nil
}

// Subscribe sends a subscription command on the open connection.
func (w *WSClient) Subscribe(cmd WSCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("polymarket/ws: marshal command: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("polymarket/ws: not connected")
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe %s: %w", cmd.Type, err)
	}
	return nil
}

// Run reads messages and dispatches them to handlers until the connection
// fails or ctx is cancelled. It always returns a non-nil error.
func (w *WSClient) Run(ctx context.Context) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("polymarket/ws: not connected")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = w.Close()
		case <-done:
		}
	}()
	go w.pingLoop(done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("polymarket/ws: read: %w: %v", domain.ErrWSDisconnect, err)
		}
		w.handleMessage(message)
	}
}

// Close sends a close frame and closes the connection.
func (w *WSClient) Close() error {
	var err error
	w.closeMu.Do(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.conn == nil {
			return
		}
		w.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		err = w.conn.Close()
	})
	return err
}

// OnBook registers a book handler.
func (w *WSClient) OnBook(h BookHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.bookHandlers = append(w.bookHandlers, h)
}

// OnPriceChange registers a price change handler.
func (w *WSClient) OnPriceChange(h PriceChangeHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.priceHandlers = append(w.priceHandlers, h)
}

// OnTrade registers a user trade handler.
func (w *WSClient) OnTrade(h TradeHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.tradeHandlers = append(w.tradeHandlers, h)
}

// OnOrder registers a user order handler.
func (w *WSClient) OnOrder(h OrderHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.orderHandlers = append(w.orderHandlers, h)
}

func (w *WSClient) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.conn == nil {
				w.mu.Unlock()
				return
			}
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := w.conn.WriteMessage(websocket.PingMessage, nil)
			w.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleMessage routes a raw frame. The server may batch several events in
// one JSON array.
func (w *WSClient) handleMessage(raw []byte) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(raw, &batch); err != nil {
			return
		}
		for _, m := range batch {
			w.handleOne(m)
		}
		return
	}
	w.handleOne(raw)
}

func (w *WSClient) handleOne(raw []byte) {
	var envelope struct {
		Event string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}

	w.handlerMu.RLock()
	defer w.handlerMu.RUnlock()

	switch envelope.Event {
	case "book":
		var m BookMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		for _, h := range w.bookHandlers {
			h(m)
		}
	case "price_change":
		var m PriceChangeMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		for _, h := range w.priceHandlers {
			h(m)
		}
	case "trade":
		var m UserTradeMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		for _, h := range w.tradeHandlers {
			h(m)
		}
	case "order":
		var m UserOrderMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		for _, h := range w.orderHandlers {
			h(m)
		}
	}
}
