package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/pairarb/internal/domain"
	"github.com/alanyoungcy/pairarb/internal/platform/polymarket"
)

// TransportConfig configures the market WebSocket transport.
type TransportConfig struct {
	WSURL            string
	HandshakeTimeout time.Duration
	ReconnectBackoff time.Duration
	ReconnectMax     time.Duration
	EventBuffer      int
}

// PolymarketTransport connects to the CLOB market channel, subscribes to the
// book and price_change streams of the given assets and converts every
// message into a typed FeedEvent. Reconnects are announced with
// Disconnected/Reconnected events.
type PolymarketTransport struct {
	cfg      TransportConfig
	assetIDs []string
	out      chan domain.FeedEvent
	logger   *slog.Logger
	now      func() time.Time
}

// NewPolymarketTransport creates a transport for assetIDs.
func NewPolymarketTransport(cfg TransportConfig, assetIDs []string, logger *slog.Logger) *PolymarketTransport {
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 500 * time.Millisecond
	}
	if cfg.ReconnectMax < cfg.ReconnectBackoff {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 4096
	}
	return &PolymarketTransport{
		cfg:      cfg,
		assetIDs: assetIDs,
		out:      make(chan domain.FeedEvent, cfg.EventBuffer),
		logger:   logger.With(slog.String("component", "polymarket_ws_feed")),
		now:      time.Now,
	}
}

// Events returns the typed event stream. It is closed when Run returns.
func (t *PolymarketTransport) Events() <-chan domain.FeedEvent { return t.out }

// Run connects and keeps the subscription alive until ctx is cancelled.
func (t *PolymarketTransport) Run(ctx context.Context) error {
	defer close(t.out)
	if len(t.assetIDs) == 0 {
		t.logger.Info("no asset IDs to subscribe, exiting")
		<-ctx.Done()
		return ctx.Err()
	}

	backoff := t.cfg.ReconnectBackoff
	connectedBefore := false
	for {
		subscribed := false
		err := t.runConnection(ctx, func() {
			subscribed = true
			if connectedBefore {
				t.emit(ctx, domain.FeedEvent{Kind: domain.FeedReconnected, ReceivedAt: t.now()})
			}
			connectedBefore = true
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if subscribed {
			t.emit(ctx, domain.FeedEvent{Kind: domain.FeedDisconnected, ReceivedAt: t.now()})
			backoff = t.cfg.ReconnectBackoff
		}
		t.logger.Warn("polymarket ws disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", backoff),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > t.cfg.ReconnectMax {
			backoff = t.cfg.ReconnectMax
		}
	}
}

func (t *PolymarketTransport) runConnection(ctx context.Context, onSubscribed func()) error {
	client := polymarket.NewWSClient(t.cfg.WSURL, t.cfg.HandshakeTimeout)
	defer client.Close()

	client.OnBook(func(m polymarket.BookMessage) {
		evt, err := polymarket.BookToFeedEvent(&m)
		if err != nil {
			t.logger.Warn("dropping malformed book", slog.String("asset_id", m.AssetID), slog.String("error", err.Error()))
			return
		}
		t.emit(ctx, evt)
	})
	client.OnPriceChange(func(m polymarket.PriceChangeMessage) {
		evts, err := polymarket.PriceChangesToFeedEvents(&m)
		if err != nil {
			t.logger.Warn("dropping malformed price change", slog.String("market", m.Market), slog.String("error", err.Error()))
			return
		}
		for _, evt := range evts {
			t.emit(ctx, evt)
		}
	})

	if err := client.Connect(ctx); err != nil {
		return err
	}
	if err := client.Subscribe(polymarket.WSCommand{Type: "market", Assets: t.assetIDs}); err != nil {
		return err
	}
	t.logger.Info("polymarket ws subscribed", slog.Int("assets", len(t.assetIDs)))
	onSubscribed()

	return client.Run(ctx)
}

func (t *PolymarketTransport) emit(ctx context.Context, evt domain.FeedEvent) {
	select {
	case t.out <- evt:
	case <-ctx.Done():
	}
}
