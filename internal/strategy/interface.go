package strategy

import (
	"context"

	"github.com/alanyoungcy/pairarb/internal/domain"
	"github.com/alanyoungcy/pairarb/internal/risk"
)

// Executor opens positions and watches them until they are flat.
type Executor interface {
	Open(ctx context.Context, opp domain.Opportunity, reservationID string) (domain.Position, error)
	OnMark(ctx context.Context, marketID string)
	Active() []domain.Position
}

// Admitter hands out risk reservations.
type Admitter interface {
	Admit(ctx context.Context, opp domain.Opportunity) (risk.Reservation, error)
}

// Closer refuses new reservations once closed.
type Closer interface {
	Close()
}
