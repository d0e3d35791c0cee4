// Package feed turns the raw market-data stream into an ordered, gap-free
// sequence of order book updates.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

// BookStore is the part of the order book store the synchronizer drives.
type BookStore interface {
	Apply(instrumentID string, evt domain.FeedEvent) (domain.TopOfBook, error)
	TopOfBook(instrumentID string) (domain.TopOfBook, bool)
	Sequence(instrumentID string) (uint64, bool)
	Synced(instrumentID string) bool
}

// SnapshotSource fetches a full book snapshot for one instrument.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context, instrumentID string) (domain.FeedEvent, error)
}

// SyncConfig tunes resynchronisation.
type SyncConfig struct {
	ResyncBackoff    time.Duration
	ResyncMaxBackoff time.Duration
	UpdateBuffer     int
}

func (c SyncConfig) withDefaults() SyncConfig {
	if c.ResyncBackoff <= 0 {
		c.ResyncBackoff = 250 * time.Millisecond
	}
	if c.ResyncMaxBackoff <= 0 {
		c.ResyncMaxBackoff = 10 * time.Second
	}
	if c.UpdateBuffer <= 0 {
		c.UpdateBuffer = 1024
	}
	return c
}

// instrumentState is owned by the Run goroutine. resyncPending latches while
// a fetch is in flight; superseded marks that fetch's result as older than
// a snapshot the transport has delivered since.
type instrumentState struct {
	needSnapshot  bool
	resyncPending bool
	superseded    bool
}

// Synchronizer applies transport events to the book store in sequence order,
// deduplicates them, and recovers from gaps and reconnects by refetching
// snapshots. Instruments waiting for a snapshot are reported as degraded.
type Synchronizer struct {
	store  BookStore
	source SnapshotSource
	mirror *Mirror
	cfg    SyncConfig
	logger *slog.Logger

	mu       sync.RWMutex
	degraded map[string]bool

	state    map[string]*instrumentState
	resynced chan domain.FeedEvent
	updates  chan domain.BookUpdate

	resyncRequests atomic.Int64
	gaps           atomic.Int64
	duplicates     atomic.Int64
}

// NewSynchronizer creates a Synchronizer for the given instruments. Every
// instrument starts degraded until its first snapshot is applied.
func NewSynchronizer(store BookStore, source SnapshotSource, cfg SyncConfig, instrumentIDs []string, logger *slog.Logger) *Synchronizer {
	cfg = cfg.withDefaults()
	s := &Synchronizer{
		store:    store,
		source:   source,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "feed_sync")),
		degraded: make(map[string]bool, len(instrumentIDs)),
		state:    make(map[string]*instrumentState, len(instrumentIDs)),
		resynced: make(chan domain.FeedEvent, len(instrumentIDs)+1),
		updates:  make(chan domain.BookUpdate, cfg.UpdateBuffer),
	}
	for _, id := range instrumentIDs {
		s.state[id] = &instrumentState{needSnapshot: true}
		s.degraded[id] = true
	}
	return s
}

// WithMirror forwards every applied top of book to m.
func (s *Synchronizer) WithMirror(m *Mirror) *Synchronizer {
	s.mirror = m
	return s
}

// Updates returns the stream of applied book updates.
func (s *Synchronizer) Updates() <-chan domain.BookUpdate {
	return s.updates
}

// Degraded reports whether the instrument's book is out of sync with the
// feed. Unknown instruments are degraded.
func (s *Synchronizer) Degraded(instrumentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.degraded[instrumentID]
	return !ok || d
}

// DegradedInstruments lists every instrument currently degraded.
func (s *Synchronizer) DegradedInstruments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, d := range s.degraded {
		if d {
			out = append(out, id)
		}
	}
	return out
}

// Stats returns counters for resync requests, gaps and dropped duplicates.
func (s *Synchronizer) Stats() (resyncs, gaps, duplicates int64) {
	return s.resyncRequests.Load(), s.gaps.Load(), s.duplicates.Load()
}

func (s *Synchronizer) setDegraded(instrumentID string, v bool) (was bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	was = s.degraded[instrumentID]
	s.degraded[instrumentID] = v
	return was
}

// Run consumes events until ctx is cancelled or the event channel closes.
// It is the only goroutine that mutates the book store.
func (s *Synchronizer) Run(ctx context.Context, events <-chan domain.FeedEvent) error {
	defer close(s.updates)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				s.logger.InfoContext(ctx, "feed stream closed")
				return nil
			}
			s.handle(ctx, evt, false)
		case snap := <-s.resynced:
			s.handle(ctx, snap, true)
		}
	}
}

func (s *Synchronizer) handle(ctx context.Context, evt domain.FeedEvent, fromResync bool) {
	switch evt.Kind {
	case domain.FeedDisconnected:
		s.logger.WarnContext(ctx, "transport disconnected, all instruments degraded")
		s.degradeAll()
		return
	case domain.FeedReconnected:
		s.logger.InfoContext(ctx, "transport reconnected, waiting for snapshots")
		s.degradeAll()
		return
	}

	st, ok := s.state[evt.InstrumentID]
	if !ok {
		s.logger.DebugContext(ctx, "event for untracked instrument dropped",
			slog.String("instrument", evt.InstrumentID),
		)
		return
	}
	if fromResync {
		st.resyncPending = false
		if st.superseded {
			st.superseded = false
			s.duplicates.Add(1)
			if s.Degraded(evt.InstrumentID) {
				s.requestResync(ctx, evt.InstrumentID, st, "superseded snapshot")
			}
			return
		}
	}

	switch evt.Kind {
	case domain.FeedSnapshot:
		s.applySnapshot(ctx, evt, st)
	case domain.FeedDelta:
		s.applyDelta(ctx, evt, st)
	default:
		s.logger.WarnContext(ctx, "unknown feed event kind",
			slog.String("kind", string(evt.Kind)),
			slog.String("instrument", evt.InstrumentID),
		)
	}
}

func (s *Synchronizer) applySnapshot(ctx context.Context, evt domain.FeedEvent, st *instrumentState) {
	id := evt.InstrumentID
	if !s.Degraded(id) && s.store.Synced(id) {
		if cur, _ := s.store.Sequence(id); evt.Seq <= cur {
			s.duplicates.Add(1)
			return
		}
	}

	prev, _ := s.store.TopOfBook(id)
	top, err := s.store.Apply(id, evt)
	if err != nil {
		s.logger.WarnContext(ctx, "snapshot rejected",
			slog.String("instrument", id),
			slog.Uint64("seq", evt.Seq),
			slog.String("error", err.Error()),
		)
		s.requestResync(ctx, id, st, "bad snapshot")
		return
	}

	st.needSnapshot = false
	if st.resyncPending {
		st.superseded = true
	}
	wasDegraded := s.setDegraded(id, false)
	if wasDegraded {
		s.logger.InfoContext(ctx, "instrument resynchronised",
			slog.String("instrument", id),
			slog.Uint64("seq", top.Seq),
		)
	}
	s.publish(ctx, domain.BookUpdate{
		InstrumentID: id,
		Top:          top,
		Changed:      wasDegraded || !prev.SamePrices(top),
	})
}

func (s *Synchronizer) applyDelta(ctx context.Context, evt domain.FeedEvent, st *instrumentState) {
	id := evt.InstrumentID
	if st.needSnapshot {
		s.requestResync(ctx, id, st, "delta before snapshot")
		return
	}
	if s.Degraded(id) {
		return
	}

	cur, _ := s.store.Sequence(id)
	switch {
	case evt.Seq <= cur:
		s.duplicates.Add(1)
		return
	case evt.Seq > cur+1:
		s.gaps.Add(1)
		s.logger.WarnContext(ctx, "sequence gap",
			slog.String("instrument", id),
			slog.Uint64("have", cur),
			slog.Uint64("got", evt.Seq),
		)
		s.requestResync(ctx, id, st, "gap")
		return
	}

	prev, _ := s.store.TopOfBook(id)
	top, err := s.store.Apply(id, evt)
	if err != nil {
		if errors.Is(err, domain.ErrFeedGap) {
			s.gaps.Add(1)
		}
		s.logger.WarnContext(ctx, "delta rejected",
			slog.String("instrument", id),
			slog.Uint64("seq", evt.Seq),
			slog.String("error", err.Error()),
		)
		s.requestResync(ctx, id, st, "rejected delta")
		return
	}
	s.publish(ctx, domain.BookUpdate{
		InstrumentID: id,
		Top:          top,
		Changed:      !prev.SamePrices(top),
	})
}

func (s *Synchronizer) degradeAll() {
	for id, st := range s.state {
		st.needSnapshot = true
		s.setDegraded(id, true)
	}
}

// requestResync degrades the instrument and starts at most one snapshot fetch
// for it. Further calls while a fetch is pending are no-ops.
func (s *Synchronizer) requestResync(ctx context.Context, instrumentID string, st *instrumentState, reason string) {
	s.setDegraded(instrumentID, true)
	if s.mirror != nil {
		if top, ok := s.store.TopOfBook(instrumentID); ok {
			s.mirror.Offer(top, true)
		}
	}
	if st.resyncPending {
		return
	}
	st.resyncPending = true
	s.resyncRequests.Add(1)

	s.logger.InfoContext(ctx, "requesting snapshot",
		slog.String("instrument", instrumentID),
		slog.String("reason", reason),
	)
	go s.fetch(ctx, instrumentID)
}

func (s *Synchronizer) fetch(ctx context.Context, instrumentID string) {
	delay := s.cfg.ResyncBackoff
	for {
		snap, err := s.source.FetchSnapshot(ctx, instrumentID)
		if err == nil {
			snap.Kind = domain.FeedSnapshot
			snap.InstrumentID = instrumentID
			select {
			case s.resynced <- snap:
			case <-ctx.Done():
			}
			return
		}

		s.logger.WarnContext(ctx, "snapshot fetch failed",
			slog.String("instrument", instrumentID),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay *= 2
		if delay > s.cfg.ResyncMaxBackoff {
			delay = s.cfg.ResyncMaxBackoff
		}
	}
}

func (s *Synchronizer) publish(ctx context.Context, u domain.BookUpdate) {
	if s.mirror != nil && u.Changed {
		s.mirror.Offer(u.Top, false)
	}
	select {
	case s.updates <- u:
	case <-ctx.Done():
	}
}
