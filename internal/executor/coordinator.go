// Package executor drives multi-leg positions from submission through exit.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

// ErrNoExposure is returned by ResolveExposure for a position that was never
// escalated.
var ErrNoExposure = errors.New("executor: position has no escalated exposure")

// OrderGateway places and cancels orders. Fill and cancel reports arrive
// asynchronously on Fills, correlated by client id.
type OrderGateway interface {
	Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error)
	Cancel(ctx context.Context, clientID string) error
	Fills() <-chan domain.FillEvent
}

// Reservations gives reserved exposure back to the risk gate.
type Reservations interface {
	Release(reservationID string)
}

// Archiver stores closed positions.
type Archiver interface {
	Archive(ctx context.Context, pos domain.Position) error
}

// Config tunes the coordinator.
type Config struct {
	SubmitTimeout   time.Duration
	TakeProfit      decimal.Decimal // absolute currency, zero disables
	StopLoss        decimal.Decimal // absolute currency, zero disables
	MaxExitAttempts int
	ExitRetryDelay  time.Duration
	ExitOrderTTL    time.Duration // a resting exit sell older than this is cancelled and repriced
	MarkInterval    time.Duration // backstop for marks and exit retries
	Retention       time.Duration // how long finished positions stay in memory
}

func (c Config) withDefaults() Config {
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 5 * time.Second
	}
	if c.MaxExitAttempts <= 0 {
		c.MaxExitAttempts = 3
	}
	if c.ExitOrderTTL <= 0 {
		c.ExitOrderTTL = 15 * time.Second
	}
	if c.MarkInterval <= 0 {
		c.MarkInterval = time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 10 * time.Minute
	}
	return c
}

// orderRef locates an order inside a position.
type orderRef struct {
	positionID string
	leg        int
	exit       bool
}

// Coordinator owns every position for its whole lifetime. Position state is
// guarded by mu; gateway calls, events and persistence happen outside it.
type Coordinator struct {
	gw      OrderGateway
	books   domain.BookReader
	gate    Reservations
	sink    domain.EventSink
	store   domain.PositionStore
	archive Archiver
	onClose func(domain.Position)
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	trades  *Dedup

	mu            sync.Mutex
	positions     map[string]*domain.Position
	orders        map[string]orderRef // client id -> order
	exitRetryAt   map[string]time.Time
	exitSentAt    map[string]time.Time // last accepted exit round per position
	exitEscalated map[string]bool
}

// NewCoordinator creates a coordinator.
func NewCoordinator(gw OrderGateway, books domain.BookReader, gate Reservations, sink domain.EventSink, cfg Config, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		gw:            gw,
		books:         books,
		gate:          gate,
		sink:          sink,
		cfg:           cfg.withDefaults(),
		logger:        logger.With(slog.String("component", "coordinator")),
		now:           time.Now,
		trades:        NewDedup(time.Hour),
		positions:     make(map[string]*domain.Position),
		orders:        make(map[string]orderRef),
		exitRetryAt:   make(map[string]time.Time),
		exitSentAt:    make(map[string]time.Time),
		exitEscalated: make(map[string]bool),
	}
}

// SetPersistence enables position persistence and archival of closed
// positions. Either may be nil.
func (c *Coordinator) SetPersistence(store domain.PositionStore, archive Archiver) {
	c.store = store
	c.archive = archive
}

// SetCloseHook registers fn to be called with every position that closes.
func (c *Coordinator) SetCloseHook(fn func(domain.Position)) {
	c.onClose = fn
}

type legResult struct {
	ack domain.OrderAck
	err error
}

// Open submits every leg of opp concurrently under the reservation and
// resolves the attempt. On a mixed outcome the accepted legs and any leg
// whose submission timed out are cancelled;
// if a cancel fails or anything already filled, one OneSidedExposure risk
// event is escalated and the reservation is kept until ResolveExposure.
func (c *Coordinator) Open(ctx context.Context, opp domain.Opportunity, reservationID string) (domain.Position, error) {
	now := c.now()
	pos := &domain.Position{
		ID:            uuid.NewString(),
		MarketID:      opp.MarketID,
		ReservationID: reservationID,
		State:         domain.PositionPendingSubmit,
		Edge:          opp.Edge,
		TakeProfit:    c.cfg.TakeProfit,
		StopLoss:      c.cfg.StopLoss,
		OpenedAt:      now,
		UpdatedAt:     now,
	}
	reqs := make([]domain.OrderRequest, len(opp.Legs))
	for i, leg := range opp.Legs {
		clientID := uuid.NewString()
		pos.Legs = append(pos.Legs, domain.PositionLeg{
			InstrumentID: leg.InstrumentID,
			ClientID:     clientID,
			TargetPrice:  leg.Price,
			TargetSize:   leg.Size,
			Status:       domain.LegUnfilled,
		})
		reqs[i] = domain.OrderRequest{
			ClientID:     clientID,
			InstrumentID: leg.InstrumentID,
			Side:         domain.OrderSideBuy,
			Price:        leg.Price,
			Size:         leg.Size,
		}
	}

	c.mu.Lock()
	c.positions[pos.ID] = pos
	for i, leg := range pos.Legs {
		c.orders[leg.ClientID] = orderRef{positionID: pos.ID, leg: i}
	}
	initial := pos.Clone()
	c.mu.Unlock()
	c.persist(ctx, initial)

	results := c.submitAll(ctx, reqs)

	var fx effects
	c.mu.Lock()
	var (
		accepted []string
		unwind   []string // accepted legs plus timed-out legs that may be live
		errs     []error
	)
	for i, r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
			if errors.Is(r.err, domain.ErrSubmissionTimeout) {
				unwind = append(unwind, pos.Legs[i].ClientID)
			}
			continue
		}
		pos.Legs[i].ExchangeID = r.ack.ExchangeID
		accepted = append(accepted, pos.Legs[i].ClientID)
		unwind = append(unwind, pos.Legs[i].ClientID)
	}

	if len(errs) == 0 {
		c.transition(pos, domain.PositionSubmitted, &fx)
		for _, leg := range pos.Legs {
			fx.emit(c.legEvent(domain.EventOrderSubmitted, pos, &leg, map[string]any{
				"client_id":   leg.ClientID,
				"exchange_id": leg.ExchangeID,
				"price":       leg.TargetPrice.String(),
				"size":        leg.TargetSize.String(),
			}))
		}
		c.advance(pos, &fx)
		fx.save(pos)
		out := pos.Clone()
		c.mu.Unlock()
		c.apply(ctx, &fx)
		return out, nil
	}
	c.mu.Unlock()

	submitErr := errors.Join(errs...)
	c.logger.WarnContext(ctx, "leg submission failed, unwinding",
		slog.String("position_id", pos.ID),
		slog.String("market_id", pos.MarketID),
		slog.Int("accepted", len(accepted)),
		slog.Int("unwinding", len(unwind)),
		slog.String("error", submitErr.Error()),
	)

	cancelErrs := c.cancelAll(ctx, unwind)

	c.mu.Lock()
	var cancelFailures []error
	for k, clientID := range unwind {
		leg := &pos.Legs[c.orders[clientID].leg]
		if cancelErrs[k] != nil {
			cancelFailures = append(cancelFailures, cancelErrs[k])
			continue
		}
		if leg.Status != domain.LegFilled {
			leg.Status = domain.LegCancelled
		}
	}

	var openErr error
	switch {
	case len(cancelFailures) > 0 || pos.AnyFilled():
		reason := "leg filled before unwind"
		if len(cancelFailures) > 0 {
			reason = "cancel failed: " + errors.Join(cancelFailures...).Error()
		}
		c.escalateOneSided(pos, reason, submitErr, &fx)
		c.transition(pos, domain.PositionFailed, &fx)
		openErr = fmt.Errorf("executor: open %s: %w: %w", pos.ID, domain.ErrOneSidedExposure, submitErr)
	case len(accepted) == 0:
		// Nothing was acknowledged and every timed-out leg is confirmed gone.
		c.transition(pos, domain.PositionFailed, &fx)
		fx.release = append(fx.release, pos.ReservationID)
		openErr = fmt.Errorf("executor: open %s: %w", pos.ID, submitErr)
	default:
		c.transition(pos, domain.PositionCancelled, &fx)
		fx.release = append(fx.release, pos.ReservationID)
		openErr = fmt.Errorf("executor: open %s: unwound: %w", pos.ID, submitErr)
	}
	fx.save(pos)
	out := pos.Clone()
	c.mu.Unlock()
	c.apply(ctx, &fx)
	return out, openErr
}

func (c *Coordinator) submitAll(ctx context.Context, reqs []domain.OrderRequest) []legResult {
	results := make([]legResult, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req domain.OrderRequest) {
			defer wg.Done()
			results[i] = c.submit(ctx, req)
		}(i, req)
	}
	wg.Wait()
	return results
}

// submit places one order bounded by SubmitTimeout. A missing confirmation
// is ErrSubmissionTimeout, a refusal ErrSubmissionRejected.
func (c *Coordinator) submit(ctx context.Context, req domain.OrderRequest) legResult {
	sctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	ack, err := c.gw.Submit(sctx, req)
	switch {
	case err == nil && !ack.Accepted:
		err = fmt.Errorf("%w: %s", domain.ErrSubmissionRejected, ack.Reason)
	case err != nil && errors.Is(sctx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrSubmissionTimeout):
		err = fmt.Errorf("%w: %w", domain.ErrSubmissionTimeout, err)
	}
	if err != nil {
		return legResult{ack: ack, err: fmt.Errorf("%s %s: %w", req.Side, req.InstrumentID, err)}
	}
	return legResult{ack: ack}
}

func (c *Coordinator) cancelAll(ctx context.Context, clientIDs []string) []error {
	errs := make([]error, len(clientIDs))
	var wg sync.WaitGroup
	for i, id := range clientIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
			defer cancel()
			if err := c.gw.Cancel(cctx, id); err != nil {
				errs[i] = fmt.Errorf("cancel %s: %w", id, err)
			}
		}(i, id)
	}
	wg.Wait()
	return errs
}

// HandleFill applies one fill or cancel report. Reports are deduplicated by
// trade id and applied in arrival order.
func (c *Coordinator) HandleFill(ctx context.Context, f domain.FillEvent) {
	if f.TradeID != "" && c.trades.IsDuplicate(f.ClientID+"/"+f.TradeID) {
		return
	}

	var fx effects
	c.mu.Lock()
	ref, ok := c.orders[f.ClientID]
	pos := c.positions[ref.positionID]
	if !ok || pos == nil {
		c.mu.Unlock()
		c.logger.DebugContext(ctx, "report for unknown order", slog.String("client_id", f.ClientID))
		return
	}
	leg := &pos.Legs[ref.leg]

	switch {
	case f.Kind == domain.FillKindCancel && ref.exit:
		c.exitCancelled(pos, leg, f.ClientID)
	case f.Kind == domain.FillKindCancel:
		c.entryCancelled(pos, leg, &fx)
	case ref.exit:
		c.exitFilled(pos, leg, f, &fx)
	default:
		c.entryFilled(pos, leg, f, &fx)
	}
	pos.UpdatedAt = c.now()
	fx.save(pos)
	c.mu.Unlock()
	c.apply(ctx, &fx)
}

func (c *Coordinator) entryFilled(pos *domain.Position, leg *domain.PositionLeg, f domain.FillEvent, fx *effects) {
	leg.FilledSize = leg.FilledSize.Add(f.Size)
	leg.FilledCost = leg.FilledCost.Add(f.Price.Mul(f.Size))
	switch {
	case leg.Status == domain.LegCancelled:
	case leg.FilledSize.GreaterThanOrEqual(leg.TargetSize):
		leg.Status = domain.LegFilled
	default:
		leg.Status = domain.LegPartiallyFilled
	}
	pos.EntryCost = decimal.Zero
	for _, l := range pos.Legs {
		pos.EntryCost = pos.EntryCost.Add(l.FilledCost)
	}
	fx.emit(c.legEvent(domain.EventLegFilled, pos, leg, map[string]any{
		"client_id":   leg.ClientID,
		"side":        string(domain.OrderSideBuy),
		"price":       f.Price.String(),
		"size":        f.Size.String(),
		"filled_size": leg.FilledSize.String(),
		"trade_id":    f.TradeID,
	}))

	if pos.State.Terminal() {
		c.escalateOneSided(pos, "fill after the position was abandoned", nil, fx)
		return
	}
	c.advance(pos, fx)
}

func (c *Coordinator) entryCancelled(pos *domain.Position, leg *domain.PositionLeg, fx *effects) {
	if leg.Status != domain.LegFilled {
		leg.Status = domain.LegCancelled
	}
	if pos.State != domain.PositionSubmitted && pos.State != domain.PositionPartiallyFilled {
		return
	}

	if pos.AnyFilled() {
		c.escalateOneSided(pos, "working leg cancelled by exchange", nil, fx)
		c.transition(pos, domain.PositionFailed, fx)
		return
	}
	for _, sibling := range pos.Legs {
		if sibling.Status == domain.LegUnfilled {
			fx.cancels = append(fx.cancels, sibling.ClientID)
		}
	}
	c.transition(pos, domain.PositionCancelled, fx)
	fx.release = append(fx.release, pos.ReservationID)
}

// advance moves a working position forward from its legs' fill state.
func (c *Coordinator) advance(pos *domain.Position, fx *effects) {
	if pos.State != domain.PositionSubmitted && pos.State != domain.PositionPartiallyFilled {
		return
	}
	switch {
	case pos.AllFilled():
		c.transition(pos, domain.PositionFilled, fx)
		fx.emit(domain.Event{
			Kind:       domain.EventPositionOpened,
			MarketID:   pos.MarketID,
			PositionID: pos.ID,
			Detail: map[string]any{
				"entry_cost":  pos.EntryCost.String(),
				"edge":        pos.Edge.String(),
				"take_profit": pos.TakeProfit.String(),
				"stop_loss":   pos.StopLoss.String(),
			},
			At: c.now(),
		})
	case pos.AnyFilled():
		c.transition(pos, domain.PositionPartiallyFilled, fx)
	}
}

func (c *Coordinator) escalateOneSided(pos *domain.Position, reason string, cause error, fx *effects) {
	if pos.OneSided {
		return
	}
	pos.OneSided = true

	legs := make([]map[string]any, 0, len(pos.Legs))
	for _, l := range pos.Legs {
		legs = append(legs, map[string]any{
			"instrument_id": l.InstrumentID,
			"client_id":     l.ClientID,
			"status":        string(l.Status),
			"filled_size":   l.FilledSize.String(),
		})
	}
	detail := map[string]any{"reason": reason, "legs": legs}
	if cause != nil {
		detail["cause"] = cause.Error()
	}
	fx.risks = append(fx.risks, domain.RiskEvent{
		ID:         uuid.NewString(),
		Kind:       domain.RiskKind(domain.ErrOneSidedExposure),
		MarketID:   pos.MarketID,
		PositionID: pos.ID,
		Detail:     detail,
		At:         c.now(),
	})
}

func (c *Coordinator) transition(pos *domain.Position, to domain.PositionState, fx *effects) {
	from := pos.State
	if err := pos.Transition(to, c.now()); err != nil {
		c.logger.Error("position transition rejected", slog.String("error", err.Error()))
		return
	}
	if from != to {
		c.logger.Info("position state",
			slog.String("position_id", pos.ID),
			slog.String("market_id", pos.MarketID),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
	}
}

func (c *Coordinator) legEvent(kind domain.EventKind, pos *domain.Position, leg *domain.PositionLeg, detail map[string]any) domain.Event {
	return domain.Event{
		Kind:         kind,
		MarketID:     pos.MarketID,
		PositionID:   pos.ID,
		InstrumentID: leg.InstrumentID,
		Detail:       detail,
		At:           c.now(),
	}
}

// ResolveExposure releases a position that was escalated for operator
// attention (one-sided entry or exhausted exit retries) and forgets it.
func (c *Coordinator) ResolveExposure(ctx context.Context, positionID string) error {
	c.mu.Lock()
	pos, ok := c.positions[positionID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("executor: resolve %s: %w", positionID, domain.ErrNotFound)
	}
	if !pos.OneSided && !c.exitEscalated[positionID] {
		c.mu.Unlock()
		return fmt.Errorf("executor: resolve %s: %w", positionID, ErrNoExposure)
	}
	pos.UpdatedAt = c.now()
	out := pos.Clone()
	c.forget(positionID)
	c.mu.Unlock()

	c.gate.Release(out.ReservationID)
	c.persist(ctx, out)
	c.logger.InfoContext(ctx, "exposure resolved by operator",
		slog.String("position_id", positionID),
		slog.String("market_id", out.MarketID),
	)
	return nil
}

// forget drops a position and its order references. Caller holds mu.
func (c *Coordinator) forget(positionID string) {
	delete(c.positions, positionID)
	delete(c.exitRetryAt, positionID)
	delete(c.exitSentAt, positionID)
	delete(c.exitEscalated, positionID)
	for id, ref := range c.orders {
		if ref.positionID == positionID {
			delete(c.orders, id)
		}
	}
}

// Active lists positions still holding risk: every non-terminal position
// plus one-sided positions awaiting ResolveExposure.
func (c *Coordinator) Active() []domain.Position {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.Position, 0, len(c.positions))
	for _, pos := range c.positions {
		if !pos.State.Terminal() || pos.OneSided {
			out = append(out, pos.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Position returns a copy of one tracked position.
func (c *Coordinator) Position(id string) (domain.Position, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.positions[id]
	if !ok {
		return domain.Position{}, false
	}
	return pos.Clone(), true
}

// Run consumes the gateway's report stream and drives the backstop timer
// until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fills := c.gw.Fills()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case f, ok := <-fills:
				if !ok {
					return nil
				}
				c.HandleFill(ctx, f)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(c.cfg.MarkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				c.MarkAll(ctx)
				c.RetryExits(ctx)
				c.prune()
				c.trades.Cleanup()
			}
		}
	})

	return g.Wait()
}

// prune forgets finished positions older than the retention window.
func (c *Coordinator) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.cfg.Retention)
	for id, pos := range c.positions {
		if pos.State.Terminal() && !pos.OneSided && pos.ClosedAt != nil && pos.ClosedAt.Before(cutoff) {
			c.forget(id)
		}
	}
}

func (c *Coordinator) persist(ctx context.Context, pos domain.Position) {
	if c.store == nil {
		return
	}
	if err := c.store.Upsert(ctx, pos); err != nil {
		c.logger.WarnContext(ctx, "persist position failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

// effects collects side effects produced under mu so they run after it is
// released.
type effects struct {
	events  []domain.Event
	risks   []domain.RiskEvent
	release []string
	cancels []string
	saves   map[string]domain.Position
	archive []domain.Position
	exits   []string
}

func (fx *effects) emit(e domain.Event) { fx.events = append(fx.events, e) }

func (fx *effects) save(pos *domain.Position) {
	if fx.saves == nil {
		fx.saves = make(map[string]domain.Position)
	}
	fx.saves[pos.ID] = pos.Clone()
}

func (c *Coordinator) apply(ctx context.Context, fx *effects) {
	for _, id := range fx.release {
		c.gate.Release(id)
	}
	for _, e := range fx.events {
		c.sink.Emit(ctx, e)
	}
	for _, r := range fx.risks {
		c.logger.ErrorContext(ctx, "risk event escalated",
			slog.String("kind", r.Kind),
			slog.String("market_id", r.MarketID),
			slog.String("position_id", r.PositionID),
		)
		c.sink.Escalate(ctx, r)
	}
	for _, pos := range fx.saves {
		c.persist(ctx, pos)
	}
	for _, pos := range fx.archive {
		if c.onClose != nil {
			c.onClose(pos)
		}
		if c.archive == nil {
			continue
		}
		if err := c.archive.Archive(ctx, pos); err != nil {
			c.logger.WarnContext(ctx, "archive position failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if len(fx.cancels) > 0 {
		ids := fx.cancels
		go func() {
			for k, err := range c.cancelAll(context.WithoutCancel(ctx), ids) {
				if err != nil {
					c.logger.Warn("sibling cancel failed",
						slog.String("client_id", ids[k]),
						slog.String("error", err.Error()),
					)
				}
			}
		}()
	}
	for _, id := range fx.exits {
		c.exitRound(ctx, id)
	}
}
