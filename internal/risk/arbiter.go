package risk

import (
	"context"
	"sort"
	"time"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

type admission struct {
	opp   domain.Opportunity
	reply chan admissionResult
}

type admissionResult struct {
	res Reservation
	err error
}

// Arbiter serialises admissions from every market pipeline through one
// goroutine. Each round takes every candidate currently queued and reserves
// in order of edge (largest first), then market id, so contention for the
// shared budget resolves the same way regardless of arrival order.
type Arbiter struct {
	gate  *Gate
	queue chan admission
	now   func() time.Time
}

// NewArbiter creates an arbiter in front of gate.
func NewArbiter(gate *Gate) *Arbiter {
	return &Arbiter{
		gate:  gate,
		queue: make(chan admission, 64),
		now:   time.Now,
	}
}

// Admit asks for a reservation and blocks until the arbiter decides.
func (a *Arbiter) Admit(ctx context.Context, opp domain.Opportunity) (Reservation, error) {
	req := admission{opp: opp, reply: make(chan admissionResult, 1)}
	select {
	case a.queue <- req:
	case <-ctx.Done():
		return Reservation{}, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.res, r.err
	case <-ctx.Done():
		// The decision may still land; give the reservation back.
		go func() {
			if r := <-req.reply; r.err == nil {
				a.gate.Release(r.res.ID)
			}
		}()
		return Reservation{}, ctx.Err()
	}
}

// Run processes admission rounds until ctx is cancelled.
func (a *Arbiter) Run(ctx context.Context) error {
	var batch []admission
	for {
		batch = batch[:0]
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-a.queue:
			batch = append(batch, req)
		}
	drain:
		for {
			select {
			case req := <-a.queue:
				batch = append(batch, req)
			default:
				break drain
			}
		}
		a.admit(batch)
	}
}

func (a *Arbiter) admit(batch []admission) {
	sortAdmissions(batch)
	now := a.now()
	for _, req := range batch {
		res, err := a.gate.Reserve(req.opp, now)
		req.reply <- admissionResult{res: res, err: err}
	}
}

func sortAdmissions(batch []admission) {
	sort.SliceStable(batch, func(i, j int) bool {
		if c := batch[i].opp.Edge.Cmp(batch[j].opp.Edge); c != 0 {
			return c > 0
		}
		return batch[i].opp.MarketID < batch[j].opp.MarketID
	})
}
