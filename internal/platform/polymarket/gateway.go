package polymarket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

// GatewayConfig configures the live order gateway.
type GatewayConfig struct {
	UserWSURL        string
	Markets          []string // condition ids for the user channel subscription
	SubmitRateLimit  int      // per SubmitRateWindow; 0 disables throttling
	SubmitRateWindow time.Duration
	ReconnectBackoff time.Duration
	ReconnectMax     time.Duration
	FillBuffer       int
}

// Gateway submits and cancels orders over REST and reports fills from the
// authenticated user WebSocket channel, correlated by client order id.
type Gateway struct {
	clob    *ClobClient
	auth    *HMACAuth
	cfg     GatewayConfig
	limiter domain.RateLimiter
	logger  *slog.Logger

	mu         sync.Mutex
	byClient   map[string]string // client id -> exchange id
	byExchange map[string]string // exchange id -> client id
	orphans    map[string][]domain.FillEvent

	fills chan domain.FillEvent
}

// NewGateway creates a gateway. limiter may be nil.
func NewGateway(clob *ClobClient, auth *HMACAuth, cfg GatewayConfig, limiter domain.RateLimiter, logger *slog.Logger) *Gateway {
	if cfg.FillBuffer <= 0 {
		cfg.FillBuffer = 256
	}
	if cfg.SubmitRateWindow <= 0 {
		cfg.SubmitRateWindow = time.Second
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectBackoff {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Gateway{
		clob:       clob,
		auth:       auth,
		cfg:        cfg,
		limiter:    limiter,
		logger:     logger.With(slog.String("component", "polymarket_gateway")),
		byClient:   make(map[string]string),
		byExchange: make(map[string]string),
		orphans:    make(map[string][]domain.FillEvent),
		fills:      make(chan domain.FillEvent, cfg.FillBuffer),
	}
}

// Fills returns the fill/cancel stream.
func (g *Gateway) Fills() <-chan domain.FillEvent { return g.fills }

// Submit places one order. Fills that raced ahead of the REST response are
// released once the exchange id is known.
func (g *Gateway) Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	if g.limiter != nil && g.cfg.SubmitRateLimit > 0 {
		if err := g.limiter.Wait(ctx, "clob:submit", g.cfg.SubmitRateLimit, g.cfg.SubmitRateWindow); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return domain.OrderAck{ClientID: req.ClientID}, fmt.Errorf("polymarket/gateway: throttled: %w", domain.ErrSubmissionTimeout)
			}
			return domain.OrderAck{ClientID: req.ClientID}, fmt.Errorf("polymarket/gateway: throttle: %w", err)
		}
	}

	ack, err := g.clob.PostOrder(ctx, req)
	if err != nil {
		return ack, err
	}

	g.mu.Lock()
	g.byClient[req.ClientID] = ack.ExchangeID
	g.byExchange[ack.ExchangeID] = req.ClientID
	early := g.orphans[ack.ExchangeID]
	delete(g.orphans, ack.ExchangeID)
	g.mu.Unlock()

	for _, f := range early {
		f.ClientID = req.ClientID
		select {
		case g.fills <- f:
		case <-ctx.Done():
			return ack, nil
		}
	}
	return ack, nil
}

// Cancel cancels the order placed under clientID.
func (g *Gateway) Cancel(ctx context.Context, clientID string) error {
	g.mu.Lock()
	exchangeID, ok := g.byClient[clientID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("polymarket/gateway: cancel %s: %w", clientID, domain.ErrNotFound)
	}
	return g.clob.CancelOrder(ctx, exchangeID)
}

// Run keeps the user channel connected until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	backoff := g.cfg.ReconnectBackoff
	for {
		start := time.Now()
		err := g.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) > g.cfg.ReconnectMax {
			backoff = g.cfg.ReconnectBackoff
		}
		g.logger.WarnContext(ctx, "user channel disconnected",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", backoff),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > g.cfg.ReconnectMax {
			backoff = g.cfg.ReconnectMax
		}
	}
}

func (g *Gateway) runOnce(ctx context.Context) error {
	ws := NewWSClient(g.cfg.UserWSURL, 0)
	ws.OnTrade(func(m UserTradeMessage) { g.onTrade(ctx, m) })
	ws.OnOrder(func(m UserOrderMessage) { g.onOrder(ctx, m) })

	if err := ws.Connect(ctx); err != nil {
		return err
	}
	defer ws.Close()

	cmd := WSCommand{Type: "user", Markets: g.cfg.Markets}
	if g.auth != nil {
		cmd.Auth = &WSAuth{APIKey: g.auth.Key, Secret: g.auth.Secret, Passphrase: g.auth.Passphrase}
	}
	if err := ws.Subscribe(cmd); err != nil {
		return err
	}
	g.logger.InfoContext(ctx, "user channel subscribed", slog.Int("markets", len(g.cfg.Markets)))
	return ws.Run(ctx)
}

func (g *Gateway) onTrade(ctx context.Context, m UserTradeMessage) {
	// Only the first report of a match carries new size; later status
	// updates (MINED, CONFIRMED) repeat it.
	if m.Status != "" && !strings.EqualFold(m.Status, "MATCHED") {
		return
	}
	price, err := decimal.NewFromString(m.Price)
	if err != nil {
		g.logger.Warn("bad trade price", slog.String("trade_id", m.ID), slog.String("error", err.Error()))
		return
	}
	size, err := decimal.NewFromString(m.Size)
	if err != nil {
		g.logger.Warn("bad trade size", slog.String("trade_id", m.ID), slog.String("error", err.Error()))
		return
	}
	g.deliver(ctx, m.OrderID, domain.FillEvent{
		Kind:    domain.FillKindFill,
		TradeID: m.ID,
		Price:   price,
		Size:    size,
		At:      parseTimestamp(m.Timestamp),
	})
}

func (g *Gateway) onOrder(ctx context.Context, m UserOrderMessage) {
	if !strings.EqualFold(m.Type, "CANCELLATION") {
		return
	}
	g.deliver(ctx, m.ID, domain.FillEvent{
		Kind:    domain.FillKindCancel,
		TradeID: "cancel:" + m.ID,
		At:      parseTimestamp(m.Timestamp),
	})
}

func (g *Gateway) deliver(ctx context.Context, exchangeID string, f domain.FillEvent) {
	g.mu.Lock()
	clientID, ok := g.byExchange[exchangeID]
	if !ok {
		g.orphans[exchangeID] = append(g.orphans[exchangeID], f)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	f.ClientID = clientID
	select {
	case g.fills <- f:
	case <-ctx.Done():
	}
}
