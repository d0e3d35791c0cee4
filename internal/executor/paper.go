package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

// ErrAlreadyFilled is returned when cancelling an order with nothing left.
var ErrAlreadyFilled = errors.New("executor: order already filled")

type paperOrder struct {
	req       domain.OrderRequest
	remaining decimal.Decimal
	cancelled bool
}

// PaperGateway simulates an exchange against the live order book. Orders
// that cross the book fill immediately against the best level; the rest
// rest and are re-checked by Run.
type PaperGateway struct {
	books  domain.BookReader
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	orders map[string]*paperOrder
	seq    int64
	fills  chan domain.FillEvent
}

// NewPaperGateway creates a paper gateway reading prices from books.
func NewPaperGateway(books domain.BookReader, logger *slog.Logger) *PaperGateway {
	return &PaperGateway{
		books:  books,
		logger: logger.With(slog.String("component", "paper_gateway")),
		now:    time.Now,
		orders: make(map[string]*paperOrder),
		fills:  make(chan domain.FillEvent, 1024),
	}
}

// Fills returns the simulated report stream.
func (p *PaperGateway) Fills() <-chan domain.FillEvent { return p.fills }

// Submit accepts any well-formed order and fills what crosses the book.
func (p *PaperGateway) Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	if !req.Price.IsPositive() || !req.Size.IsPositive() {
		return domain.OrderAck{ClientID: req.ClientID, Reason: "invalid price or size"}, nil
	}

	p.mu.Lock()
	if _, dup := p.orders[req.ClientID]; dup {
		p.mu.Unlock()
		return domain.OrderAck{ClientID: req.ClientID, Reason: "duplicate client id"}, nil
	}
	o := &paperOrder{req: req, remaining: req.Size}
	p.orders[req.ClientID] = o
	p.seq++
	ack := domain.OrderAck{ClientID: req.ClientID, ExchangeID: fmt.Sprintf("paper-%d", p.seq), Accepted: true}
	fill, ok := p.match(o)
	p.mu.Unlock()

	if ok {
		select {
		case p.fills <- fill:
		case <-ctx.Done():
			return ack, nil
		}
	}
	return ack, nil
}

// match fills as much of o as the opposite best level allows. Caller holds mu.
func (p *PaperGateway) match(o *paperOrder) (domain.FillEvent, bool) {
	if o.cancelled || !o.remaining.IsPositive() {
		return domain.FillEvent{}, false
	}
	top, ok := p.books.TopOfBook(o.req.InstrumentID)
	if !ok {
		return domain.FillEvent{}, false
	}

	var level domain.PriceLevel
	switch o.req.Side {
	case domain.OrderSideBuy:
		if !top.HasAsk || top.BestAsk.Price.GreaterThan(o.req.Price) {
			return domain.FillEvent{}, false
		}
		level = top.BestAsk
	default:
		if !top.HasBid || top.BestBid.Price.LessThan(o.req.Price) {
			return domain.FillEvent{}, false
		}
		level = top.BestBid
	}
	size := decimal.Min(o.remaining, level.Size)
	if !size.IsPositive() {
		return domain.FillEvent{}, false
	}
	o.remaining = o.remaining.Sub(size)
	p.seq++
	return domain.FillEvent{
		ClientID: o.req.ClientID,
		Kind:     domain.FillKindFill,
		TradeID:  fmt.Sprintf("paper-trade-%d", p.seq),
		Price:    level.Price,
		Size:     size,
		At:       p.now(),
	}, true
}

// Cancel cancels the unfilled remainder of an order.
func (p *PaperGateway) Cancel(ctx context.Context, clientID string) error {
	p.mu.Lock()
	o, ok := p.orders[clientID]
	switch {
	case !ok:
		p.mu.Unlock()
		return fmt.Errorf("executor: paper cancel %s: %w", clientID, domain.ErrNotFound)
	case !o.remaining.IsPositive():
		p.mu.Unlock()
		return fmt.Errorf("executor: paper cancel %s: %w", clientID, ErrAlreadyFilled)
	case o.cancelled:
		p.mu.Unlock()
		return nil
	}
	o.cancelled = true
	p.mu.Unlock()

	select {
	case p.fills <- domain.FillEvent{ClientID: clientID, Kind: domain.FillKindCancel, At: p.now()}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Sweep matches every resting order against the current book.
func (p *PaperGateway) Sweep(ctx context.Context) {
	p.mu.Lock()
	var fills []domain.FillEvent
	for id, o := range p.orders {
		if f, ok := p.match(o); ok {
			fills = append(fills, f)
		}
		if o.cancelled {
			delete(p.orders, id)
		}
	}
	p.mu.Unlock()

	for _, f := range fills {
		select {
		case p.fills <- f:
		case <-ctx.Done():
			return
		}
	}
}

// Run sweeps resting orders every interval until ctx is cancelled.
func (p *PaperGateway) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}
