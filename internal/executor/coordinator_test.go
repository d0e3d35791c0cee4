package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pairarb/internal/domain"
	"github.com/alanyoungcy/pairarb/internal/orderbook"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// --- fakes ---------------------------------------------------------------

type legBehavior struct {
	reject    bool
	hang      bool
	cancelErr error
}

type fakeGateway struct {
	mu         sync.Mutex
	legs       map[string]legBehavior // by instrument
	sellReject bool
	submits    []domain.OrderRequest
	cancels    []string
	byClient   map[string]string // client id -> instrument
	onSubmit   func(domain.OrderRequest)
	fills      chan domain.FillEvent
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		legs:     make(map[string]legBehavior),
		byClient: make(map[string]string),
		fills:    make(chan domain.FillEvent, 16),
	}
}

func (g *fakeGateway) Fills() <-chan domain.FillEvent { return g.fills }

func (g *fakeGateway) Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	g.mu.Lock()
	g.submits = append(g.submits, req)
	g.byClient[req.ClientID] = req.InstrumentID
	b := g.legs[req.InstrumentID]
	sellReject := g.sellReject
	hook := g.onSubmit
	g.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if req.Side == domain.OrderSideSell {
		if sellReject {
			return domain.OrderAck{ClientID: req.ClientID, Reason: "no liquidity"}, nil
		}
		return domain.OrderAck{ClientID: req.ClientID, ExchangeID: "x-" + req.ClientID, Accepted: true}, nil
	}
	switch {
	case b.hang:
		<-ctx.Done()
		return domain.OrderAck{ClientID: req.ClientID}, ctx.Err()
	case b.reject:
		return domain.OrderAck{ClientID: req.ClientID, Reason: "insufficient balance"}, nil
	}
	return domain.OrderAck{ClientID: req.ClientID, ExchangeID: "x-" + req.ClientID, Accepted: true}, nil
}

func (g *fakeGateway) Cancel(_ context.Context, clientID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, clientID)
	return g.legs[g.byClient[clientID]].cancelErr
}

func (g *fakeGateway) submitsFor(instrument string, side domain.OrderSide) []domain.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.OrderRequest
	for _, r := range g.submits {
		if r.InstrumentID == instrument && r.Side == side {
			out = append(out, r)
		}
	}
	return out
}

func (g *fakeGateway) cancelCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cancels)
}

type fakeGate struct {
	mu       sync.Mutex
	released []string
}

func (g *fakeGate) Release(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = append(g.released, id)
}

func (g *fakeGate) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.released)
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
	risks  []domain.RiskEvent
}

func (s *recordingSink) Emit(_ context.Context, e domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) Escalate(_ context.Context, r domain.RiskEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.risks = append(s.risks, r)
}

func (s *recordingSink) risksOf(kind string) []domain.RiskEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RiskEvent
	for _, r := range s.risks {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func (s *recordingSink) count(kind domain.EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// --- harness -------------------------------------------------------------

type harness struct {
	t     *testing.T
	gw    *fakeGateway
	gate  *fakeGate
	sink  *recordingSink
	books *orderbook.Store
	seq   map[string]uint64
	c     *Coordinator
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	books := orderbook.NewStore()
	books.Register(domain.Instrument{ID: "A", Role: domain.RoleUp, TickSize: d("0.01")})
	books.Register(domain.Instrument{ID: "B", Role: domain.RoleDown, TickSize: d("0.01")})
	h := &harness{
		t:     t,
		gw:    newFakeGateway(),
		gate:  &fakeGate{},
		sink:  &recordingSink{},
		books: books,
		seq:   make(map[string]uint64),
	}
	h.c = NewCoordinator(h.gw, books, h.gate, h.sink, cfg, discardLogger())
	h.setBook("A", "0.24", "0.25")
	h.setBook("B", "0.22", "0.23")
	return h
}

func (h *harness) setBook(id, bid, ask string) {
	h.t.Helper()
	h.seq[id]++
	_, err := h.books.Apply(id, domain.FeedEvent{
		Kind: domain.FeedSnapshot,
		Seq:  h.seq[id],
		Bids: []domain.PriceLevel{{Price: d(bid), Size: d("1000")}},
		Asks: []domain.PriceLevel{{Price: d(ask), Size: d("1000")}},
	})
	require.NoError(h.t, err)
}

func opportunity() domain.Opportunity {
	return domain.Opportunity{
		ID:       "opp-1",
		MarketID: "m1",
		Edge:     d("0.52"),
		Size:     d("10"),
		Cost:     d("4.80"),
		Legs: []domain.OpportunityLeg{
			{InstrumentID: "A", Price: d("0.25"), Size: d("10")},
			{InstrumentID: "B", Price: d("0.23"), Size: d("10")},
		},
		DetectedAt: time.Now(),
	}
}

func (h *harness) fill(clientID, tradeID, price, size string) {
	h.c.HandleFill(context.Background(), domain.FillEvent{
		ClientID: clientID, Kind: domain.FillKindFill, TradeID: tradeID, Price: d(price), Size: d(size), At: time.Now(),
	})
}

func (h *harness) openFilled() domain.Position {
	h.t.Helper()
	pos, err := h.c.Open(context.Background(), opportunity(), "res-1")
	require.NoError(h.t, err)
	require.Equal(h.t, domain.PositionSubmitted, pos.State)
	h.fill(pos.Legs[0].ClientID, "t-a", "0.25", "10")
	h.fill(pos.Legs[1].ClientID, "t-b", "0.23", "10")
	got, ok := h.c.Position(pos.ID)
	require.True(h.t, ok)
	require.Equal(h.t, domain.PositionFilled, got.State)
	return got
}

func baseConfig() Config {
	return Config{
		SubmitTimeout:   200 * time.Millisecond,
		TakeProfit:      d("0.10"),
		StopLoss:        d("0.20"),
		MaxExitAttempts: 3,
	}
}

// --- entry ---------------------------------------------------------------

func TestOpenFillsToOpenPosition(t *testing.T) {
	h := newHarness(t, baseConfig())
	pos, err := h.c.Open(context.Background(), opportunity(), "res-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionSubmitted, pos.State)
	assert.Equal(t, 2, h.sink.count(domain.EventOrderSubmitted))

	h.fill(pos.Legs[0].ClientID, "t-a1", "0.25", "4")
	got, _ := h.c.Position(pos.ID)
	assert.Equal(t, domain.PositionPartiallyFilled, got.State)
	assert.Equal(t, domain.LegPartiallyFilled, got.Legs[0].Status)

	h.fill(pos.Legs[0].ClientID, "t-a2", "0.25", "6")
	h.fill(pos.Legs[1].ClientID, "t-b1", "0.23", "10")
	got, _ = h.c.Position(pos.ID)
	assert.Equal(t, domain.PositionFilled, got.State)
	assert.True(t, got.EntryCost.Equal(d("4.80")), "entry cost %s", got.EntryCost)
	assert.Equal(t, 1, h.sink.count(domain.EventPositionOpened))
	assert.Equal(t, 3, h.sink.count(domain.EventLegFilled))
	assert.Len(t, h.c.Active(), 1)
	assert.Zero(t, h.gate.count())
}

func TestDuplicateFillIsIgnored(t *testing.T) {
	h := newHarness(t, baseConfig())
	pos, err := h.c.Open(context.Background(), opportunity(), "res-1")
	require.NoError(t, err)

	h.fill(pos.Legs[0].ClientID, "t-a", "0.25", "4")
	h.fill(pos.Legs[0].ClientID, "t-a", "0.25", "4")

	got, _ := h.c.Position(pos.ID)
	assert.True(t, got.Legs[0].FilledSize.Equal(d("4")))
}

func TestLegBRejectedCancelsLegA(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.gw.legs["B"] = legBehavior{reject: true}

	pos, err := h.c.Open(context.Background(), opportunity(), "res-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSubmissionRejected)
	assert.NotErrorIs(t, err, domain.ErrOneSidedExposure)

	assert.Equal(t, domain.PositionCancelled, pos.State)
	assert.Equal(t, []string{pos.Legs[0].ClientID}, h.gw.cancels)
	assert.Equal(t, domain.LegCancelled, pos.Legs[0].Status)
	assert.Equal(t, []string{"res-1"}, h.gate.released)
	assert.Empty(t, h.sink.risks)
	assert.Empty(t, h.c.Active())
}

func TestCancelFailureEscalatesExactlyOnce(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.gw.legs["A"] = legBehavior{cancelErr: errors.New("order already matched")}
	h.gw.legs["B"] = legBehavior{reject: true}

	pos, err := h.c.Open(context.Background(), opportunity(), "res-1")
	require.ErrorIs(t, err, domain.ErrOneSidedExposure)
	assert.Equal(t, domain.PositionFailed, pos.State)
	assert.True(t, pos.OneSided)
	require.Len(t, h.sink.risksOf("OneSidedExposure"), 1)
	assert.Zero(t, h.gate.count(), "one-sided reservation must be kept")

	// The fill behind the failed cancel arrives later; still one event.
	h.fill(pos.Legs[0].ClientID, "t-a", "0.25", "10")
	assert.Len(t, h.sink.risksOf("OneSidedExposure"), 1)
	assert.Len(t, h.c.Active(), 1)

	require.NoError(t, h.c.ResolveExposure(context.Background(), pos.ID))
	assert.Equal(t, []string{"res-1"}, h.gate.released)
	assert.Empty(t, h.c.Active())
	assert.ErrorIs(t, h.c.ResolveExposure(context.Background(), pos.ID), domain.ErrNotFound)
}

func TestAllLegsRejectedReleasesWithoutEscalation(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.gw.legs["A"] = legBehavior{reject: true}
	h.gw.legs["B"] = legBehavior{reject: true}

	pos, err := h.c.Open(context.Background(), opportunity(), "res-1")
	require.ErrorIs(t, err, domain.ErrSubmissionRejected)
	assert.Equal(t, domain.PositionFailed, pos.State)
	assert.Zero(t, h.gw.cancelCount())
	assert.Equal(t, []string{"res-1"}, h.gate.released)
	assert.Empty(t, h.sink.risks)
}

func TestTimeoutOnLegBAfterLegAFills(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.gw.legs["B"] = legBehavior{hang: true}

	aSubmitted := make(chan string, 1)
	h.gw.onSubmit = func(req domain.OrderRequest) {
		if req.InstrumentID == "A" {
			aSubmitted <- req.ClientID
		}
	}

	type result struct {
		pos domain.Position
		err error
	}
	done := make(chan result, 1)
	go func() {
		pos, err := h.c.Open(context.Background(), opportunity(), "res-1")
		done <- result{pos, err}
	}()

	clientA := <-aSubmitted
	h.fill(clientA, "t-a", "0.25", "10")

	var r result
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("open did not return")
	}

	require.ErrorIs(t, r.err, domain.ErrOneSidedExposure)
	assert.ErrorIs(t, r.err, domain.ErrSubmissionTimeout)
	assert.True(t, r.pos.OneSided)
	assert.Equal(t, domain.PositionFailed, r.pos.State)
	assert.Len(t, h.sink.risksOf("OneSidedExposure"), 1)
	assert.Len(t, h.gw.submitsFor("B", domain.OrderSideBuy), 1, "leg B must not be retried")
	assert.Zero(t, h.gate.count())
}

func TestTimedOutLegIsCancelledWithSibling(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.gw.legs["B"] = legBehavior{hang: true}

	pos, err := h.c.Open(context.Background(), opportunity(), "res-1")
	require.ErrorIs(t, err, domain.ErrSubmissionTimeout)
	assert.NotErrorIs(t, err, domain.ErrOneSidedExposure)

	assert.ElementsMatch(t, []string{pos.Legs[0].ClientID, pos.Legs[1].ClientID}, h.gw.cancels)
	assert.Equal(t, domain.PositionCancelled, pos.State)
	assert.Equal(t, domain.LegCancelled, pos.Legs[1].Status)
	assert.Equal(t, []string{"res-1"}, h.gate.released)
	assert.Empty(t, h.sink.risks)
}

func TestTimedOutLegCancelFailureKeepsReservation(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.gw.legs["B"] = legBehavior{hang: true, cancelErr: errors.New("unknown order")}

	pos, err := h.c.Open(context.Background(), opportunity(), "res-1")
	require.ErrorIs(t, err, domain.ErrOneSidedExposure)
	assert.ErrorIs(t, err, domain.ErrSubmissionTimeout)
	assert.Equal(t, domain.PositionFailed, pos.State)
	assert.True(t, pos.OneSided)
	assert.Contains(t, h.gw.cancels, pos.Legs[1].ClientID)
	require.Len(t, h.sink.risksOf("OneSidedExposure"), 1)
	assert.Zero(t, h.gate.count(), "reservation must cover the unconfirmed leg")

	// The order did reach the exchange and fills late.
	h.fill(pos.Legs[1].ClientID, "t-b", "0.23", "10")
	got, _ := h.c.Position(pos.ID)
	assert.True(t, got.Legs[1].FilledSize.Equal(d("10")))
	assert.Len(t, h.sink.risksOf("OneSidedExposure"), 1)
	assert.Len(t, h.c.Active(), 1)
	assert.Zero(t, h.gate.count())

	require.NoError(t, h.c.ResolveExposure(context.Background(), pos.ID))
	assert.Equal(t, []string{"res-1"}, h.gate.released)
}

func TestExternalCancelWithFilledSiblingEscalates(t *testing.T) {
	h := newHarness(t, baseConfig())
	pos, err := h.c.Open(context.Background(), opportunity(), "res-1")
	require.NoError(t, err)

	h.fill(pos.Legs[0].ClientID, "t-a", "0.25", "10")
	h.c.HandleFill(context.Background(), domain.FillEvent{ClientID: pos.Legs[1].ClientID, Kind: domain.FillKindCancel, TradeID: "c-b"})

	got, _ := h.c.Position(pos.ID)
	assert.Equal(t, domain.PositionFailed, got.State)
	assert.True(t, got.OneSided)
	assert.Len(t, h.sink.risksOf("OneSidedExposure"), 1)
	assert.Zero(t, h.gate.count())
}

func TestExternalCancelWithoutFillsCancelsPosition(t *testing.T) {
	h := newHarness(t, baseConfig())
	pos, err := h.c.Open(context.Background(), opportunity(), "res-1")
	require.NoError(t, err)

	h.c.HandleFill(context.Background(), domain.FillEvent{ClientID: pos.Legs[1].ClientID, Kind: domain.FillKindCancel, TradeID: "c-b"})

	got, _ := h.c.Position(pos.ID)
	assert.Equal(t, domain.PositionCancelled, got.State)
	assert.Equal(t, []string{"res-1"}, h.gate.released)
	assert.Eventually(t, func() bool { return h.gw.cancelCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.sink.risks)
}

// --- exit ----------------------------------------------------------------

func TestTakeProfitTriggersExitAndCloses(t *testing.T) {
	h := newHarness(t, baseConfig())
	var closed []domain.Position
	h.c.SetCloseHook(func(p domain.Position) { closed = append(closed, p) })
	pos := h.openFilled()

	// Mark 10*0.25 + 10*0.23 = 4.80: nothing happens.
	h.setBook("A", "0.25", "0.26")
	h.setBook("B", "0.23", "0.24")
	h.c.OnMark(context.Background(), "m1")
	got, _ := h.c.Position(pos.ID)
	assert.Equal(t, domain.PositionFilled, got.State)

	// Mark 4.90 = entry 4.80 + take-profit 0.10.
	h.setBook("B", "0.24", "0.25")
	h.c.OnMark(context.Background(), "m1")
	got, _ = h.c.Position(pos.ID)
	require.Equal(t, domain.PositionExiting, got.State)

	sellA := h.gw.submitsFor("A", domain.OrderSideSell)
	sellB := h.gw.submitsFor("B", domain.OrderSideSell)
	require.Len(t, sellA, 1)
	require.Len(t, sellB, 1)
	assert.True(t, sellA[0].Price.Equal(d("0.25")))
	assert.True(t, sellB[0].Price.Equal(d("0.24")))
	assert.True(t, sellA[0].Size.Equal(d("10")))

	h.fill(sellA[0].ClientID, "t-xa", "0.25", "10")
	got, _ = h.c.Position(pos.ID)
	assert.Equal(t, domain.PositionExiting, got.State, "one leg still open")

	h.fill(sellB[0].ClientID, "t-xb", "0.24", "10")
	got, _ = h.c.Position(pos.ID)
	assert.Equal(t, domain.PositionClosed, got.State)
	assert.True(t, got.RealizedPnL.Equal(d("0.10")), "pnl %s", got.RealizedPnL)
	assert.NotNil(t, got.ClosedAt)
	assert.Equal(t, []string{"res-1"}, h.gate.released)
	assert.Equal(t, 1, h.sink.count(domain.EventPositionClosed))
	require.Len(t, closed, 1)
	assert.Empty(t, h.c.Active())
}

func TestStopLossTriggersExit(t *testing.T) {
	h := newHarness(t, baseConfig())
	pos := h.openFilled()

	// 10*0.22 + 10*0.21 = 4.30, a loss of 0.50.
	h.setBook("A", "0.22", "0.23")
	h.setBook("B", "0.21", "0.22")
	h.c.OnMark(context.Background(), "m1")

	got, _ := h.c.Position(pos.ID)
	assert.Equal(t, domain.PositionExiting, got.State)
	assert.Len(t, h.gw.submitsFor("A", domain.OrderSideSell), 1)
}

func TestPartialExitFillKeepsPositionOpenUntilFlat(t *testing.T) {
	h := newHarness(t, baseConfig())
	pos := h.openFilled()
	// Mark 10*0.25 + 10*0.24 = 4.90 reaches take-profit.
	h.setBook("A", "0.25", "0.26")
	h.setBook("B", "0.24", "0.25")
	h.c.OnMark(context.Background(), "m1")

	sellA := h.gw.submitsFor("A", domain.OrderSideSell)[0]
	sellB := h.gw.submitsFor("B", domain.OrderSideSell)[0]
	h.fill(sellA.ClientID, "t-xa", "0.24", "10")
	h.fill(sellB.ClientID, "t-xb1", "0.24", "6")

	// The rest of B's exit is cancelled by the exchange and re-submitted.
	h.c.HandleFill(context.Background(), domain.FillEvent{ClientID: sellB.ClientID, Kind: domain.FillKindCancel, TradeID: "c-xb"})
	h.c.RetryExits(context.Background())

	retries := h.gw.submitsFor("B", domain.OrderSideSell)
	require.Len(t, retries, 2)
	assert.True(t, retries[1].Size.Equal(d("4")), "size %s", retries[1].Size)

	h.fill(retries[1].ClientID, "t-xb2", "0.24", "4")
	got, _ := h.c.Position(pos.ID)
	assert.Equal(t, domain.PositionClosed, got.State)
	// proceeds 2.40 + 2.40 - entry 4.80
	assert.True(t, got.RealizedPnL.IsZero(), "pnl %s", got.RealizedPnL)
}

func TestExitRetriesThenEscalatesOnce(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxExitAttempts = 3
	h := newHarness(t, cfg)
	pos := h.openFilled()
	h.gw.sellReject = true

	// Mark 10*0.25 + 10*0.24 = 4.90 reaches take-profit.
	h.setBook("A", "0.25", "0.26")
	h.setBook("B", "0.24", "0.25")
	h.c.OnMark(context.Background(), "m1")
	for i := 0; i < 5; i++ {
		h.c.RetryExits(context.Background())
	}

	assert.Len(t, h.gw.submitsFor("A", domain.OrderSideSell), 3)
	assert.Len(t, h.gw.submitsFor("B", domain.OrderSideSell), 3)
	require.Len(t, h.sink.risksOf("ExitFailure"), 1)

	got, _ := h.c.Position(pos.ID)
	assert.Equal(t, domain.PositionExiting, got.State)
	assert.Equal(t, 3, got.ExitAttempts)
	assert.Zero(t, h.gate.count())

	require.NoError(t, h.c.ResolveExposure(context.Background(), pos.ID))
	assert.Equal(t, 1, h.gate.count())
}

func TestRestingExitIsRepricedThenEscalates(t *testing.T) {
	cfg := baseConfig()
	cfg.ExitOrderTTL = time.Minute
	h := newHarness(t, cfg)
	clock := time.Now()
	h.c.now = func() time.Time { return clock }
	pos := h.openFilled()

	// Mark 10*0.25 + 10*0.24 = 4.90 reaches take-profit.
	h.setBook("A", "0.25", "0.26")
	h.setBook("B", "0.24", "0.25")
	h.c.OnMark(context.Background(), "m1")
	first := h.gw.submitsFor("A", domain.OrderSideSell)
	require.Len(t, first, 1)

	// Accepted but never filled; young orders are left alone.
	clock = clock.Add(30 * time.Second)
	h.c.RetryExits(context.Background())
	assert.Len(t, h.gw.submitsFor("A", domain.OrderSideSell), 1)
	assert.Zero(t, h.gw.cancelCount())

	// The bid moves away and the resting sell ages out.
	h.setBook("A", "0.20", "0.21")
	clock = clock.Add(time.Minute)
	h.c.RetryExits(context.Background())
	sells := h.gw.submitsFor("A", domain.OrderSideSell)
	require.Len(t, sells, 2)
	assert.True(t, sells[1].Price.Equal(d("0.20")), "price %s", sells[1].Price)
	assert.Contains(t, h.gw.cancels, first[0].ClientID)
	got, _ := h.c.Position(pos.ID)
	assert.Equal(t, 2, got.ExitAttempts)

	for i := 0; i < 4; i++ {
		clock = clock.Add(time.Minute)
		h.c.RetryExits(context.Background())
	}
	assert.Len(t, h.gw.submitsFor("A", domain.OrderSideSell), 3)
	assert.Len(t, h.gw.submitsFor("B", domain.OrderSideSell), 3)
	require.Len(t, h.sink.risksOf("ExitFailure"), 1)

	got, _ = h.c.Position(pos.ID)
	assert.Equal(t, domain.PositionExiting, got.State)
	assert.Equal(t, 3, got.ExitAttempts)
	assert.Zero(t, h.gate.count())

	// A late fill on the working sells still closes the position.
	h.fill(got.Legs[0].ExitClientID, "t-xa", "0.20", "10")
	h.fill(got.Legs[1].ExitClientID, "t-xb", "0.24", "10")
	got, _ = h.c.Position(pos.ID)
	assert.Equal(t, domain.PositionClosed, got.State)
	assert.Equal(t, 1, h.gate.count())
}

func TestMarkAllUsesBackstop(t *testing.T) {
	h := newHarness(t, baseConfig())
	pos := h.openFilled()
	h.setBook("A", "0.30", "0.31")

	h.c.MarkAll(context.Background())
	got, _ := h.c.Position(pos.ID)
	assert.Equal(t, domain.PositionExiting, got.State)
}

func TestRunConsumesGatewayFills(t *testing.T) {
	h := newHarness(t, baseConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.c.Run(ctx)

	pos, err := h.c.Open(ctx, opportunity(), "res-1")
	require.NoError(t, err)
	for i, leg := range pos.Legs {
		h.gw.fills <- domain.FillEvent{ClientID: leg.ClientID, Kind: domain.FillKindFill, TradeID: fmt.Sprintf("t-%d", i), Price: leg.TargetPrice, Size: leg.TargetSize}
	}
	assert.Eventually(t, func() bool {
		got, _ := h.c.Position(pos.ID)
		return got.State == domain.PositionFilled
	}, time.Second, 5*time.Millisecond)
}
