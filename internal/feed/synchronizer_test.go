package feed

import (
	"context"
	"errors"
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

type fakeSource struct {
	mu     sync.Mutex
	calls  map[string]int
	fail   int
	seq    uint64
	askPx  string
	served chan string
}

func newFakeSource(seq uint64, askPx string) *fakeSource {
	return &fakeSource{calls: map[string]int{}, seq: seq, askPx: askPx, served: make(chan string, 16)}
}

func (f *fakeSource) FetchSnapshot(_ context.Context, id string) (domain.FeedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	if f.fail > 0 {
		f.fail--
		return domain.FeedEvent{}, errors.New("boom")
	}
	f.served <- id
	return domain.FeedEvent{
		Kind: domain.FeedSnapshot,
		Asks: []domain.PriceLevel{{Price: d(f.askPx), Size: d("10")}},
		Bids: []domain.PriceLevel{{Price: d("0.30"), Size: d("10")}},
		Seq:  f.seq,
	}, nil
}

func (f *fakeSource) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type harness struct {
	store  *orderbook.Store
	sync   *Synchronizer
	src    *fakeSource
	events chan domain.FeedEvent
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, src *fakeSource, ids ...string) *harness {
	t.Helper()
	store := orderbook.NewStore()
	for _, id := range ids {
		store.Register(domain.Instrument{ID: id})
	}
	h := &harness{
		store:  store,
		src:    src,
		sync:   NewSynchronizer(store, src, SyncConfig{ResyncBackoff: time.Millisecond}, ids, discardLogger()),
		events: make(chan domain.FeedEvent),
		done:   make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.sync.Run(ctx, h.events) }()
	go func() {
		for range h.sync.Updates() {
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) send(evts ...domain.FeedEvent) {
	for _, e := range evts {
		h.events <- e
	}
}

func snap(id string, seq uint64, ask string) domain.FeedEvent {
	return domain.FeedEvent{
		Kind:         domain.FeedSnapshot,
		InstrumentID: id,
		Asks:         []domain.PriceLevel{{Price: d(ask), Size: d("10")}},
		Bids:         []domain.PriceLevel{{Price: d("0.30"), Size: d("10")}},
		Seq:          seq,
	}
}

func ask(id string, seq uint64, price, size string) domain.FeedEvent {
	return domain.FeedEvent{Kind: domain.FeedDelta, InstrumentID: id, Side: domain.SideAsk, Price: d(price), Size: d(size), Seq: seq}
}

func (h *harness) barrier(id string) {
	// An event for an untracked instrument round-trips through Run, so once
	// send returns every earlier event has been handled.
	h.send(domain.FeedEvent{Kind: domain.FeedDelta, InstrumentID: "barrier-" + id})
}

func TestSynchronizerAppliesInOrderAndDropsDuplicates(t *testing.T) {
	h := newHarness(t, newFakeSource(0, "0.9"), "A")
	h.send(snap("A", 10, "0.60"), ask("A", 11, "0.55", "5"), ask("A", 11, "0.50", "5"), ask("A", 9, "0.10", "5"))
	h.barrier("A")

	assert.False(t, h.sync.Degraded("A"))
	top, _ := h.store.TopOfBook("A")
	assert.True(t, top.BestAsk.Price.Equal(d("0.55")))
	seq, _ := h.store.Sequence("A")
	assert.Equal(t, uint64(11), seq)

	_, _, dups := h.sync.Stats()
	assert.Equal(t, int64(2), dups)
	assert.Equal(t, 0, h.src.count("A"))
}

func TestSynchronizerGapTriggersExactlyOneResync(t *testing.T) {
	src := newFakeSource(50, "0.45")
	src.mu.Lock() // hold the fetch until the gap deltas are all in
	h := newHarness(t, src, "A")

	h.send(snap("A", 10, "0.60"))
	h.send(ask("A", 12, "0.20", "5")) // gap: 11 missing
	h.send(ask("A", 13, "0.21", "5"), ask("A", 14, "0.22", "5"), ask("A", 20, "0.23", "5"))
	h.barrier("A")

	assert.True(t, h.sync.Degraded("A"))
	top, _ := h.store.TopOfBook("A")
	assert.True(t, top.BestAsk.Price.Equal(d("0.60")), "no delta may be applied past the gap")
	src.mu.Unlock()

	<-src.served
	require.Eventually(t, func() bool { return !h.sync.Degraded("A") }, time.Second, time.Millisecond)

	assert.Equal(t, 1, src.count("A"))
	resyncs, gaps, _ := h.sync.Stats()
	assert.Equal(t, int64(1), resyncs)
	assert.Equal(t, int64(1), gaps)

	top, _ = h.store.TopOfBook("A")
	assert.True(t, top.BestAsk.Price.Equal(d("0.45")))

	h.send(ask("A", 51, "0.44", "1"))
	h.barrier("A")
	top, _ = h.store.TopOfBook("A")
	assert.True(t, top.BestAsk.Price.Equal(d("0.44")), "deltas resume after resync")
}

func TestSynchronizerSnapshotDuringPendingFetch(t *testing.T) {
	src := newFakeSource(40, "0.45")
	src.mu.Lock()
	h := newHarness(t, src, "A")

	h.send(snap("A", 10, "0.60"))
	h.send(ask("A", 12, "0.20", "5")) // gap: fetch starts and blocks
	h.send(snap("A", 20, "0.50"))
	h.send(ask("A", 21, "0.25", "5"))
	h.barrier("A")

	assert.False(t, h.sync.Degraded("A"))
	seq, _ := h.store.Sequence("A")
	assert.Equal(t, uint64(21), seq, "deltas apply once a snapshot has healed the book")
	top, _ := h.store.TopOfBook("A")
	assert.True(t, top.BestAsk.Price.Equal(d("0.25")))

	src.mu.Unlock()
	<-src.served
	require.Eventually(t, func() bool {
		_, _, dups := h.sync.Stats()
		return dups == 1
	}, time.Second, time.Millisecond)

	top, _ = h.store.TopOfBook("A")
	assert.True(t, top.BestAsk.Price.Equal(d("0.25")), "late fetch result must not overwrite the healed book")

	h.send(ask("A", 22, "0.24", "5"))
	h.barrier("A")
	seq, _ = h.store.Sequence("A")
	assert.Equal(t, uint64(22), seq)

	resyncs, gaps, _ := h.sync.Stats()
	assert.Equal(t, int64(1), resyncs)
	assert.Equal(t, int64(1), gaps)
	assert.Equal(t, 1, src.count("A"))
}

func TestSynchronizerReconnectRequiresSnapshot(t *testing.T) {
	src := newFakeSource(100, "0.41")
	h := newHarness(t, src, "A", "B")
	h.send(snap("A", 1, "0.60"), snap("B", 1, "0.40"))
	h.barrier("A")
	require.False(t, h.sync.Degraded("A"))

	h.send(domain.FeedEvent{Kind: domain.FeedDisconnected})
	h.barrier("A")
	assert.True(t, h.sync.Degraded("A"))
	assert.True(t, h.sync.Degraded("B"))

	h.send(domain.FeedEvent{Kind: domain.FeedReconnected})
	h.send(snap("A", 7, "0.58"))
	h.send(ask("B", 2, "0.39", "1")) // delta first: B must resync
	h.barrier("A")

	assert.False(t, h.sync.Degraded("A"))
	top, _ := h.store.TopOfBook("A")
	assert.True(t, top.BestAsk.Price.Equal(d("0.58")))

	<-src.served
	require.Eventually(t, func() bool { return !h.sync.Degraded("B") }, time.Second, time.Millisecond)
	assert.Equal(t, 0, src.count("A"))
	assert.Equal(t, 1, src.count("B"))
}

func TestSynchronizerRetriesFailedFetch(t *testing.T) {
	src := newFakeSource(5, "0.47")
	src.fail = 2
	h := newHarness(t, src, "A")

	h.send(ask("A", 1, "0.50", "1"))
	<-src.served
	require.Eventually(t, func() bool { return !h.sync.Degraded("A") }, time.Second, time.Millisecond)
	assert.Equal(t, 3, src.count("A"))

	resyncs, _, _ := h.sync.Stats()
	assert.Equal(t, int64(1), resyncs, "retries belong to the same request")
}

func TestSynchronizerInitiallyDegraded(t *testing.T) {
	h := newHarness(t, newFakeSource(0, "0.5"), "A")
	assert.True(t, h.sync.Degraded("A"))
	assert.True(t, h.sync.Degraded("unknown"))
	assert.ElementsMatch(t, []string{"A"}, h.sync.DegradedInstruments())
}
