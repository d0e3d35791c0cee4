package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

type mirrored struct {
	top      domain.TopOfBook
	degraded bool
}

// Mirror copies top-of-book changes to an external BookMirror. Offers never
// block; when the writer falls behind only the latest state per instrument is
// written.
type Mirror struct {
	target domain.BookMirror
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]mirrored
	notify  chan struct{}
}

// NewMirror creates a Mirror writing to target.
func NewMirror(target domain.BookMirror, logger *slog.Logger) *Mirror {
	return &Mirror{
		target:  target,
		logger:  logger.With(slog.String("component", "book_mirror")),
		pending: make(map[string]mirrored),
		notify:  make(chan struct{}, 1),
	}
}

// Offer queues the latest state of one instrument.
func (m *Mirror) Offer(top domain.TopOfBook, degraded bool) {
	m.mu.Lock()
	m.pending[top.InstrumentID] = mirrored{top: top, degraded: degraded}
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Run writes queued states until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.notify:
		}

		m.mu.Lock()
		batch := m.pending
		m.pending = make(map[string]mirrored, len(batch))
		m.mu.Unlock()

		for id, st := range batch {
			if err := m.target.SetTop(ctx, st.top, st.degraded); err != nil {
				m.logger.WarnContext(ctx, "mirror write failed",
					slog.String("instrument", id),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
