package strategy

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pairarb/internal/arbitrage"
	"github.com/alanyoungcy/pairarb/internal/domain"
	"github.com/alanyoungcy/pairarb/internal/orderbook"
	"github.com/alanyoungcy/pairarb/internal/risk"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type health struct {
	mu       sync.Mutex
	degraded map[string]bool
}

func (h *health) Degraded(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded[id]
}

func (h *health) set(id string, v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.degraded[id] = v
}

type fakeExec struct {
	mu     sync.Mutex
	marks  map[string]int
	opened []domain.Opportunity
	active []domain.Position
}

func (e *fakeExec) Open(_ context.Context, opp domain.Opportunity, reservationID string) (domain.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opened = append(e.opened, opp)
	return domain.Position{ID: "pos-" + reservationID, MarketID: opp.MarketID}, nil
}

func (e *fakeExec) OnMark(_ context.Context, marketID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marks[marketID]++
}

func (e *fakeExec) Active() []domain.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.Position(nil), e.active...)
}

func (e *fakeExec) setActive(p []domain.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = p
}

func (e *fakeExec) counts(marketID string) (marks, opened int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.marks[marketID], len(e.opened)
}

type fakeAdmitter struct {
	mu    sync.Mutex
	calls int
}

func (a *fakeAdmitter) Admit(_ context.Context, opp domain.Opportunity) (risk.Reservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return risk.Reservation{ID: "r1", MarketID: opp.MarketID, Exposure: opp.Cost}, nil
}

type fakeGate struct{ closed bool }

func (g *fakeGate) Close() { g.closed = true }

type sink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *sink) Emit(_ context.Context, e domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *sink) Escalate(context.Context, domain.RiskEvent) {}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type fakeLocks struct{ held map[string]bool }

func (f *fakeLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}

func (f *fakeLocks) Hold(_ context.Context, key string, _ time.Duration) (func(), <-chan struct{}, error) {
	if f.held[key] {
		return nil, nil, domain.ErrLockHeld
	}
	return func() {}, make(chan struct{}), nil
}

var market = domain.LinkedMarket{
	ID: "m1",
	Legs: []domain.Instrument{
		{ID: "A", Role: domain.RoleUp, TickSize: decimal.RequireFromString("0.01")},
		{ID: "B", Role: domain.RoleDown, TickSize: decimal.RequireFromString("0.01")},
	},
}

type fixture struct {
	books   *orderbook.Store
	health  *health
	exec    *fakeExec
	admit   *fakeAdmitter
	gate    *fakeGate
	sink    *sink
	loop    *Loop
	updates chan domain.BookUpdate
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	books := orderbook.NewStore()
	for _, leg := range market.Legs {
		books.Register(leg)
	}
	for _, id := range []string{"A", "B"} {
		ask := "0.55"
		if id == "B" {
			ask = "0.42"
		}
		_, err := books.Apply(id, domain.FeedEvent{Kind: domain.FeedSnapshot, Seq: 1,
			Bids: []domain.PriceLevel{{Price: d("0.40"), Size: d("100")}},
			Asks: []domain.PriceLevel{{Price: d(ask), Size: d("100")}},
		})
		require.NoError(t, err)
	}

	f := &fixture{
		books:   books,
		health:  &health{degraded: map[string]bool{}},
		exec:    &fakeExec{marks: map[string]int{}},
		admit:   &fakeAdmitter{},
		gate:    &fakeGate{},
		sink:    &sink{},
		updates: make(chan domain.BookUpdate, 16),
	}
	det := arbitrage.NewDetector(arbitrage.DetectorConfig{MinEdge: d("0.02"), OrderSize: d("10"), MinSize: d("1")})
	f.loop = NewLoop([]domain.LinkedMarket{market}, books, f.health, det, f.sink, NewStats([]string{"m1"}), cfg, discardLogger())
	f.loop.EnableExecution(f.admit, f.exec, f.gate)
	return f
}

func (f *fixture) start(t *testing.T) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	go f.loop.Run(ctx, f.updates)
	t.Cleanup(cancel)
	return cancel
}

func (f *fixture) push(id string) {
	f.updates <- domain.BookUpdate{InstrumentID: id, Changed: true}
}

func TestLoopDetectsAndOpens(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)

	f.push("A")
	assert.Eventually(t, func() bool {
		_, opened := f.exec.counts("m1")
		return opened == 1
	}, time.Second, 5*time.Millisecond)

	marks, _ := f.exec.counts("m1")
	assert.GreaterOrEqual(t, marks, 1)
	assert.Equal(t, 1, f.sink.count())
	snap := f.loop.Stats().Snapshot()
	assert.Equal(t, int64(1), snap.Total.Opportunities)
	assert.Equal(t, int64(1), snap.Total.Opened)
}

func TestLoopIgnoresUnchangedUpdates(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)

	f.updates <- domain.BookUpdate{InstrumentID: "A", Changed: false}
	f.updates <- domain.BookUpdate{InstrumentID: "unrelated", Changed: true}
	time.Sleep(50 * time.Millisecond)

	marks, opened := f.exec.counts("m1")
	assert.Zero(t, marks)
	assert.Zero(t, opened)
}

func TestLoopSuppressesDegradedMarket(t *testing.T) {
	f := newFixture(t, Config{})
	f.health.set("B", true)
	f.start(t)

	f.push("A")
	assert.Eventually(t, func() bool {
		marks, _ := f.exec.counts("m1")
		return marks == 1
	}, time.Second, 5*time.Millisecond)
	_, opened := f.exec.counts("m1")
	assert.Zero(t, opened)
	assert.Zero(t, f.sink.count())
}

func TestStopRefusesNewSubmissionsButKeepsMarking(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)
	f.loop.Stop()
	assert.True(t, f.gate.closed)

	f.push("A")
	assert.Eventually(t, func() bool {
		marks, _ := f.exec.counts("m1")
		return marks == 1
	}, time.Second, 5*time.Millisecond)
	_, opened := f.exec.counts("m1")
	assert.Zero(t, opened)
	assert.Zero(t, f.admit.calls)
}

func TestDrainWaitsForFlatPositions(t *testing.T) {
	f := newFixture(t, Config{ShutdownGrace: 2 * time.Second})
	f.exec.setActive([]domain.Position{{ID: "p1", MarketID: "m1", State: domain.PositionExiting}})

	go func() {
		time.Sleep(150 * time.Millisecond)
		f.exec.setActive(nil)
	}()
	require.NoError(t, f.loop.Drain(context.Background()))
	assert.True(t, f.loop.Stopping())
}

func TestDrainGraceExpires(t *testing.T) {
	f := newFixture(t, Config{ShutdownGrace: 100 * time.Millisecond})
	f.exec.setActive([]domain.Position{{ID: "p1", MarketID: "m1", State: domain.PositionFilled}})

	err := f.loop.Drain(context.Background())
	assert.ErrorIs(t, err, ErrGraceExpired)
}

func TestLockedMarketIsMonitoredOnly(t *testing.T) {
	f := newFixture(t, Config{LockTTL: time.Minute})
	f.loop.SetLockManager(&fakeLocks{held: map[string]bool{"market:m1": true}})
	f.start(t)

	f.push("A")
	assert.Eventually(t, func() bool { return f.sink.count() == 1 }, time.Second, 5*time.Millisecond)
	_, opened := f.exec.counts("m1")
	assert.Zero(t, opened)
}

func TestStatsTotals(t *testing.T) {
	s := NewStats([]string{"b", "a"})
	s.opportunity("a")
	s.opportunity("b")
	s.opened("a")
	s.PositionClosed(domain.Position{MarketID: "a", RealizedPnL: d("0.10")})
	s.PositionClosed(domain.Position{MarketID: "b", RealizedPnL: d("-0.04")})

	snap := s.Snapshot()
	require.Len(t, snap.Markets, 2)
	assert.Equal(t, "a", snap.Markets[0].MarketID)
	assert.Equal(t, int64(2), snap.Total.Opportunities)
	assert.Equal(t, int64(2), snap.Total.Closed)
	assert.True(t, snap.Total.RealizedPnL.Equal(d("0.06")))
}
