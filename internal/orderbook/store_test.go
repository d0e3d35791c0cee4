package orderbook

import (
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func lvl(p, s string) domain.PriceLevel { return domain.PriceLevel{Price: d(p), Size: d(s)} }

func newTestStore(t *testing.T, ids ...string) *Store {
	t.Helper()
	s := NewStore()
	for _, id := range ids {
		s.Register(domain.Instrument{ID: id, Role: domain.RoleUp, TickSize: d("0.01")})
	}
	return s
}

func snapshot(seq uint64, bids, asks []domain.PriceLevel) domain.FeedEvent {
	return domain.FeedEvent{Kind: domain.FeedSnapshot, Bids: bids, Asks: asks, Seq: seq, ReceivedAt: time.Unix(1, 0)}
}

func delta(seq uint64, side domain.BookSide, price, size string) domain.FeedEvent {
	return domain.FeedEvent{Kind: domain.FeedDelta, Side: side, Price: d(price), Size: d(size), Seq: seq, ReceivedAt: time.Unix(2, 0)}
}

func TestApplySnapshotSortsAndDedupes(t *testing.T) {
	s := newTestStore(t, "A")
	top, err := s.Apply("A", snapshot(10,
		[]domain.PriceLevel{lvl("0.40", "5"), lvl("0.45", "3"), lvl("0.40", "7"), lvl("0.30", "0")},
		[]domain.PriceLevel{lvl("0.60", "2"), lvl("0.55", "4")},
	))
	require.NoError(t, err)

	assert.True(t, top.HasBid)
	assert.True(t, top.BestBid.Price.Equal(d("0.45")))
	assert.True(t, top.BestAsk.Price.Equal(d("0.55")))
	assert.Equal(t, uint64(10), top.Seq)

	bids := s.DepthAt("A", domain.SideBid, 10)
	require.Len(t, bids, 2)
	assert.True(t, bids[1].Size.Equal(d("7")), "duplicate price keeps the last size")
}

func TestApplyDeltaInsertUpdateRemove(t *testing.T) {
	s := newTestStore(t, "A")
	_, err := s.Apply("A", snapshot(1, []domain.PriceLevel{lvl("0.40", "5")}, []domain.PriceLevel{lvl("0.60", "5")}))
	require.NoError(t, err)

	top, err := s.Apply("A", delta(2, domain.SideAsk, "0.58", "3"))
	require.NoError(t, err)
	assert.True(t, top.BestAsk.Price.Equal(d("0.58")))

	top, err = s.Apply("A", delta(3, domain.SideAsk, "0.58", "9"))
	require.NoError(t, err)
	assert.True(t, top.BestAsk.Size.Equal(d("9")))

	top, err = s.Apply("A", delta(4, domain.SideAsk, "0.58", "0"))
	require.NoError(t, err)
	assert.True(t, top.BestAsk.Price.Equal(d("0.60")))

	top, err = s.Apply("A", delta(5, domain.SideBid, "0.40", "0"))
	require.NoError(t, err)
	assert.False(t, top.HasBid)
}

func TestApplyDeltaStale(t *testing.T) {
	tests := []struct {
		name string
		seq  uint64
	}{
		{"gap", 7},
		{"duplicate", 5},
		{"old", 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore(t, "A")
			_, err := s.Apply("A", snapshot(5, []domain.PriceLevel{lvl("0.40", "5")}, []domain.PriceLevel{lvl("0.60", "5")}))
			require.NoError(t, err)

			top, err := s.Apply("A", delta(tc.seq, domain.SideAsk, "0.50", "1"))
			require.ErrorIs(t, err, ErrStale)
			require.ErrorIs(t, err, domain.ErrFeedGap)
			assert.True(t, top.BestAsk.Price.Equal(d("0.60")), "book must be unchanged")

			seq, _ := s.Sequence("A")
			assert.Equal(t, uint64(5), seq)
		})
	}
}

func TestApplyDeltaBeforeSnapshotIsStale(t *testing.T) {
	s := newTestStore(t, "A")
	_, err := s.Apply("A", delta(1, domain.SideBid, "0.40", "1"))
	require.ErrorIs(t, err, ErrStale)
	assert.False(t, s.Synced("A"))
}

func TestApplyRejectsInvalidLevels(t *testing.T) {
	s := newTestStore(t, "A")
	_, err := s.Apply("A", snapshot(1, []domain.PriceLevel{lvl("0", "5")}, nil))
	require.ErrorIs(t, err, ErrInvalidLevel)

	_, err = s.Apply("A", snapshot(1, nil, []domain.PriceLevel{lvl("0.6", "1")}))
	require.NoError(t, err)
	_, err = s.Apply("A", delta(2, domain.SideAsk, "0.5", "-1"))
	require.ErrorIs(t, err, ErrInvalidLevel)
	seq, _ := s.Sequence("A")
	assert.Equal(t, uint64(1), seq)
}

func TestApplyUnknownInstrument(t *testing.T) {
	s := NewStore()
	_, err := s.Apply("nope", snapshot(1, nil, nil))
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, ok := s.TopOfBook("nope")
	assert.False(t, ok)
}

// reference rebuilds the book from scratch with a plain map after every
// delta, the slow obviously-correct way.
type reference struct {
	bids, asks map[string]decimal.Decimal
}

func (r *reference) apply(side domain.BookSide, price, size decimal.Decimal) {
	m := r.asks
	if side == domain.SideBid {
		m = r.bids
	}
	if size.IsZero() {
		delete(m, price.String())
		return
	}
	m[price.String()] = size
}

func (r *reference) best(side domain.BookSide) (domain.PriceLevel, bool) {
	m := r.asks
	if side == domain.SideBid {
		m = r.bids
	}
	if len(m) == 0 {
		return domain.PriceLevel{}, false
	}
	prices := make([]decimal.Decimal, 0, len(m))
	for k := range m {
		prices = append(prices, decimal.RequireFromString(k))
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })
	p := prices[0]
	if side == domain.SideBid {
		p = prices[len(prices)-1]
	}
	return domain.PriceLevel{Price: p, Size: m[p.String()]}, true
}

func TestDeltaSequenceMatchesReferenceRebuild(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := newTestStore(t, "A")
	_, err := s.Apply("A", snapshot(0, nil, nil))
	require.NoError(t, err)

	ref := &reference{bids: map[string]decimal.Decimal{}, asks: map[string]decimal.Decimal{}}
	for seq := uint64(1); seq <= 2000; seq++ {
		side := domain.SideBid
		if rng.Intn(2) == 0 {
			side = domain.SideAsk
		}
		price := decimal.New(int64(1+rng.Intn(99)), -2)
		size := decimal.Zero
		if rng.Intn(4) != 0 {
			size = decimal.New(int64(rng.Intn(500)), -1)
		}

		top, err := s.Apply("A", domain.FeedEvent{Kind: domain.FeedDelta, Side: side, Price: price, Size: size, Seq: seq})
		require.NoError(t, err)
		ref.apply(side, price, size)

		wantBid, hasBid := ref.best(domain.SideBid)
		wantAsk, hasAsk := ref.best(domain.SideAsk)
		require.Equal(t, hasBid, top.HasBid, "seq %d", seq)
		require.Equal(t, hasAsk, top.HasAsk, "seq %d", seq)
		if hasBid {
			require.True(t, wantBid.Price.Equal(top.BestBid.Price) && wantBid.Size.Equal(top.BestBid.Size), "seq %d bid", seq)
		}
		if hasAsk {
			require.True(t, wantAsk.Price.Equal(top.BestAsk.Price) && wantAsk.Size.Equal(top.BestAsk.Size), "seq %d ask", seq)
		}
	}
}

func TestConcurrentReadersSeeWholeEvents(t *testing.T) {
	s := newTestStore(t, "A")
	// Every event keeps bid+ask summing to one, so any torn read would show
	// a different sum.
	_, err := s.Apply("A", snapshot(0, []domain.PriceLevel{lvl("0.50", "1")}, []domain.PriceLevel{lvl("0.50", "1")}))
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				v, _ := s.View("A")
				if len(v.Bids) == 1 && len(v.Asks) == 1 {
					sum := v.Bids[0].Price.Add(v.Asks[0].Price)
					if !sum.Equal(decimal.NewFromInt(1)) {
						t.Errorf("torn read at seq %d: %s", v.Seq, sum)
						return
					}
				}
			}
		}()
	}

	for seq := uint64(1); seq <= 500; seq++ {
		bid := decimal.New(int64(10+seq%80), -2)
		ask := decimal.NewFromInt(1).Sub(bid)
		_, err := s.Apply("A", domain.FeedEvent{
			Kind: domain.FeedSnapshot,
			Bids: []domain.PriceLevel{{Price: bid, Size: d("1")}},
			Asks: []domain.PriceLevel{{Price: ask, Size: d("1")}},
			Seq:  seq,
		})
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}

func TestTopOfBookMidAndSpread(t *testing.T) {
	s := newTestStore(t, "A")
	top, err := s.Apply("A", snapshot(1, []domain.PriceLevel{lvl("0.44", "1")}, []domain.PriceLevel{lvl("0.48", "1")}))
	require.NoError(t, err)

	mid, ok := top.Mid()
	require.True(t, ok)
	assert.True(t, mid.Equal(d("0.46")))
	spread, ok := top.Spread()
	require.True(t, ok)
	assert.True(t, spread.Equal(d("0.04")))
}
