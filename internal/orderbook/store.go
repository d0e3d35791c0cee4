// Package orderbook keeps the current order book of every tracked instrument
// and applies snapshot and delta feed events to it.
package orderbook

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

var (
	// ErrStale is returned when a delta does not directly follow the
	// current sequence. The caller must resynchronise from a snapshot.
	ErrStale = fmt.Errorf("orderbook: stale sequence: %w", domain.ErrFeedGap)

	// ErrInvalidLevel is returned for non-positive prices or negative sizes.
	ErrInvalidLevel = errors.New("orderbook: invalid price level")
)

// book holds one instrument. Writers serialise on mu and publish a fresh
// immutable view; readers only load the pointer.
type book struct {
	instrument domain.Instrument
	mu         sync.Mutex
	view       atomic.Pointer[domain.BookView]
}

// Store owns the books of all registered instruments.
type Store struct {
	mu    sync.RWMutex
	books map[string]*book
	now   func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		books: make(map[string]*book),
		now:   time.Now,
	}
}

// Register adds an instrument with an empty book. Registering an existing
// instrument is a no-op.
func (s *Store) Register(inst domain.Instrument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.books[inst.ID]; ok {
		return
	}
	b := &book{instrument: inst}
	b.view.Store(&domain.BookView{InstrumentID: inst.ID})
	s.books[inst.ID] = b
}

// Instruments returns the ids of every registered instrument.
func (s *Store) Instruments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.books))
	for id := range s.books {
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) get(instrumentID string) (*book, error) {
	s.mu.RLock()
	b, ok := s.books[instrumentID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("orderbook: instrument %s: %w", instrumentID, domain.ErrNotFound)
	}
	return b, nil
}

// Apply applies one snapshot or delta event and returns the resulting top of
// book. A delta whose sequence is not exactly one above the current sequence
// (or that arrives before any snapshot) returns ErrStale and changes nothing.
func (s *Store) Apply(instrumentID string, evt domain.FeedEvent) (domain.TopOfBook, error) {
	b, err := s.get(instrumentID)
	if err != nil {
		return domain.TopOfBook{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.view.Load()
	ts := evt.ReceivedAt
	if ts.IsZero() {
		ts = s.now()
	}

	var next *domain.BookView
	switch evt.Kind {
	case domain.FeedSnapshot:
		bids, err := normalizeSide(evt.Bids, domain.SideBid)
		if err != nil {
			return cur.Top(), err
		}
		asks, err := normalizeSide(evt.Asks, domain.SideAsk)
		if err != nil {
			return cur.Top(), err
		}
		next = &domain.BookView{
			InstrumentID: instrumentID,
			Bids:         bids,
			Asks:         asks,
			Seq:          evt.Seq,
			UpdatedAt:    ts,
		}

	case domain.FeedDelta:
		if cur.UpdatedAt.IsZero() || evt.Seq != cur.Seq+1 {
			return cur.Top(), ErrStale
		}
		if err := checkLevel(evt.Price, evt.Size); err != nil {
			return cur.Top(), err
		}
		next = &domain.BookView{
			InstrumentID: instrumentID,
			Bids:         cur.Bids,
			Asks:         cur.Asks,
			Seq:          evt.Seq,
			UpdatedAt:    ts,
		}
		switch evt.Side {
		case domain.SideBid:
			next.Bids = upsertLevel(cur.Bids, domain.SideBid, evt.Price, evt.Size)
		case domain.SideAsk:
			next.Asks = upsertLevel(cur.Asks, domain.SideAsk, evt.Price, evt.Size)
		default:
			return cur.Top(), fmt.Errorf("orderbook: unknown side %q", evt.Side)
		}

	default:
		return cur.Top(), fmt.Errorf("orderbook: cannot apply %s event", evt.Kind)
	}

	b.view.Store(next)
	return next.Top(), nil
}

// TopOfBook returns the best levels of an instrument. The second return value
// is false for unknown instruments.
func (s *Store) TopOfBook(instrumentID string) (domain.TopOfBook, bool) {
	b, err := s.get(instrumentID)
	if err != nil {
		return domain.TopOfBook{}, false
	}
	return b.view.Load().Top(), true
}

// DepthAt returns up to n levels of one side, best first.
func (s *Store) DepthAt(instrumentID string, side domain.BookSide, n int) []domain.PriceLevel {
	b, err := s.get(instrumentID)
	if err != nil || n <= 0 {
		return nil
	}
	v := b.view.Load()
	levels := v.Asks
	if side == domain.SideBid {
		levels = v.Bids
	}
	if n > len(levels) {
		n = len(levels)
	}
	return append([]domain.PriceLevel(nil), levels[:n]...)
}

// Sequence returns the last applied sequence number of an instrument.
func (s *Store) Sequence(instrumentID string) (uint64, bool) {
	b, err := s.get(instrumentID)
	if err != nil {
		return 0, false
	}
	return b.view.Load().Seq, true
}

// Synced reports whether at least one snapshot has been applied.
func (s *Store) Synced(instrumentID string) bool {
	b, err := s.get(instrumentID)
	if err != nil {
		return false
	}
	return !b.view.Load().UpdatedAt.IsZero()
}

// View returns the full current book. Views are immutable and may be shared.
func (s *Store) View(instrumentID string) (domain.BookView, bool) {
	b, err := s.get(instrumentID)
	if err != nil {
		return domain.BookView{}, false
	}
	return *b.view.Load(), true
}

var _ domain.BookReader = (*Store)(nil)
