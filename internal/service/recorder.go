// Package service holds the engine's observability recorder.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

const (
	// EventChannel is the Redis pub/sub channel and stream for all events.
	EventChannel = "pairarb:events"
	// RiskChannel carries escalated risk events only.
	RiskChannel = "pairarb:risk"

	recentRiskCap = 100
)

// RiskNotifier alerts an operator.
type RiskNotifier interface {
	NotifyRisk(ctx context.Context, evt domain.RiskEvent) error
}

// RecorderConfig tunes the recorder queue.
type RecorderConfig struct {
	Buffer       int
	WriteTimeout time.Duration
}

// Recorder implements domain.EventSink. Every event is logged synchronously
// and then fanned out asynchronously to the configured outputs: the Redis
// bus, NATS, the audit log, and for risk events the risk table and the
// notifier. Outputs left nil are skipped.
//
// Ordinary events are dropped when the queue is full. Risk events are never
// dropped; Escalate blocks until they are queued or ctx ends.
type Recorder struct {
	logger *slog.Logger
	cfg    RecorderConfig

	bus      domain.SignalBus
	pub      domain.EventPublisher
	audit    domain.AuditStore
	riskRepo domain.RiskEventStore
	notifier RiskNotifier

	events  chan domain.Event
	risks   chan domain.RiskEvent
	dropped atomic.Int64

	mu     sync.Mutex
	recent []domain.RiskEvent
}

// NewRecorder creates a recorder that only logs until outputs are attached.
func NewRecorder(cfg RecorderConfig, logger *slog.Logger) *Recorder {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Recorder{
		logger: logger.With(slog.String("component", "recorder")),
		cfg:    cfg,
		events: make(chan domain.Event, cfg.Buffer),
		risks:  make(chan domain.RiskEvent, cfg.Buffer),
	}
}

// WithBus publishes events on the Redis bus.
func (r *Recorder) WithBus(bus domain.SignalBus) *Recorder { r.bus = bus; return r }

// WithPublisher publishes events to NATS.
func (r *Recorder) WithPublisher(pub domain.EventPublisher) *Recorder { r.pub = pub; return r }

// WithAudit writes events to the audit log.
func (r *Recorder) WithAudit(audit domain.AuditStore) *Recorder { r.audit = audit; return r }

// WithRiskStore persists risk events.
func (r *Recorder) WithRiskStore(s domain.RiskEventStore) *Recorder { r.riskRepo = s; return r }

// WithNotifier alerts on risk events.
func (r *Recorder) WithNotifier(n RiskNotifier) *Recorder { r.notifier = n; return r }

// Emit logs evt and queues it for fan-out.
func (r *Recorder) Emit(ctx context.Context, evt domain.Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	r.logger.LogAttrs(ctx, slog.LevelInfo, string(evt.Kind), eventAttrs(evt)...)

	select {
	case r.events <- evt:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.WarnContext(ctx, "event queue full, dropping", slog.Int64("dropped", n))
		}
	}
}

// Escalate logs evt at error level, remembers it and queues it for fan-out.
func (r *Recorder) Escalate(ctx context.Context, evt domain.RiskEvent) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	r.logger.LogAttrs(ctx, slog.LevelError, "risk escalated",
		slog.String("risk_id", evt.ID),
		slog.String("kind", evt.Kind),
		slog.String("market_id", evt.MarketID),
		slog.String("position_id", evt.PositionID),
		slog.Any("detail", evt.Detail),
	)

	r.mu.Lock()
	r.recent = append(r.recent, evt)
	if len(r.recent) > recentRiskCap {
		r.recent = r.recent[len(r.recent)-recentRiskCap:]
	}
	r.mu.Unlock()

	select {
	case r.risks <- evt:
	case <-ctx.Done():
		r.logger.Error("risk event not delivered to outputs", slog.String("risk_id", evt.ID))
	}
}

// RecentRisk returns the latest escalations, newest first.
func (r *Recorder) RecentRisk() []domain.RiskEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.RiskEvent, len(r.recent))
	for i, e := range r.recent {
		out[len(r.recent)-1-i] = e
	}
	return out
}

// Dropped returns how many ordinary events were dropped.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Run delivers queued events until ctx ends, then flushes what is left with
// a bounded background context.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return ctx.Err()
		case evt := <-r.risks:
			r.deliverRisk(ctx, evt)
		case evt := <-r.events:
			r.deliver(ctx, evt)
		}
	}
}

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()
	for {
		select {
		case evt := <-r.risks:
			r.deliverRisk(ctx, evt)
		case evt := <-r.events:
			r.deliver(ctx, evt)
		default:
			return
		}
	}
}

func (r *Recorder) deliver(ctx context.Context, evt domain.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		r.logger.Error("marshal event", slog.String("kind", string(evt.Kind)), slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()

	r.publish(ctx, EventChannel, string(evt.Kind), payload)
	if r.audit != nil {
		if err := r.audit.Log(ctx, string(evt.Kind), auditDetail(evt)); err != nil {
			r.warn("audit", err)
		}
	}
}

func (r *Recorder) deliverRisk(ctx context.Context, evt domain.RiskEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		r.logger.Error("marshal risk event", slog.String("risk_id", evt.ID), slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()

	r.publish(ctx, RiskChannel, "risk."+evt.Kind, payload)
	if r.riskRepo != nil {
		if err := r.riskRepo.Insert(ctx, evt); err != nil {
			r.warn("risk_store", err)
		}
	}
	if r.audit != nil {
		detail := map[string]any{
			"risk_id":     evt.ID,
			"kind":        evt.Kind,
			"market_id":   evt.MarketID,
			"position_id": evt.PositionID,
			"detail":      evt.Detail,
		}
		if err := r.audit.Log(ctx, string(domain.EventRiskEscalated), detail); err != nil {
			r.warn("audit", err)
		}
	}
	if r.notifier != nil {
		if err := r.notifier.NotifyRisk(ctx, evt); err != nil {
			r.warn("notifier", err)
		}
	}
}

// publish sends payload to the Redis channel, its stream, and NATS subject.
func (r *Recorder) publish(ctx context.Context, channel, subject string, payload []byte) {
	if r.bus != nil {
		if err := r.bus.Publish(ctx, channel, payload); err != nil {
			r.warn("bus_publish", err)
		}
		if err := r.bus.StreamAppend(ctx, channel, payload); err != nil {
			r.warn("bus_stream", err)
		}
	}
	if r.pub != nil {
		if err := r.pub.Publish(subject, payload); err != nil {
			r.warn("nats", err)
		}
	}
}

func (r *Recorder) warn(output string, err error) {
	r.logger.Warn("event output failed", slog.String("output", output), slog.String("error", err.Error()))
}

func eventAttrs(evt domain.Event) []slog.Attr {
	attrs := make([]slog.Attr, 0, 4)
	if evt.MarketID != "" {
		attrs = append(attrs, slog.String("market_id", evt.MarketID))
	}
	if evt.PositionID != "" {
		attrs = append(attrs, slog.String("position_id", evt.PositionID))
	}
	if evt.InstrumentID != "" {
		attrs = append(attrs, slog.String("instrument_id", evt.InstrumentID))
	}
	if len(evt.Detail) > 0 {
		attrs = append(attrs, slog.Any("detail", evt.Detail))
	}
	return attrs
}

func auditDetail(evt domain.Event) map[string]any {
	d := make(map[string]any, len(evt.Detail)+3)
	for k, v := range evt.Detail {
		d[k] = v
	}
	if evt.MarketID != "" {
		d["market_id"] = evt.MarketID
	}
	if evt.PositionID != "" {
		d["position_id"] = evt.PositionID
	}
	if evt.InstrumentID != "" {
		d["instrument_id"] = evt.InstrumentID
	}
	return d
}

// Compile-time interface check.
var _ domain.EventSink = (*Recorder)(nil)
