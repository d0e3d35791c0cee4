// Package nats publishes engine events to a NATS subject hierarchy.
package nats

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

// Config holds the NATS connection settings.
type Config struct {
	URL            string
	ClientName     string
	SubjectPrefix  string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
}

// Publisher implements domain.EventPublisher on a core NATS connection.
type Publisher struct {
	nc        *nats.Conn
	prefix    string
	logger    *slog.Logger
	connected atomic.Bool
}

// Connect dials NATS. The connection keeps retrying in the background after
// a failed first attempt.
func Connect(cfg Config, logger *slog.Logger) (*Publisher, error) {
	p := &Publisher{
		prefix: strings.TrimSuffix(cfg.SubjectPrefix, "."),
		logger: logger.With(slog.String("component", "nats_publisher")),
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.RetryOnFailedConnect(true),
		nats.ClosedHandler(func(*nats.Conn) {
			p.logger.Warn("nats connection closed")
			p.connected.Store(false)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			attrs := []any{}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}
			p.logger.Warn("nats disconnected, reconnecting", attrs...)
			p.connected.Store(false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			p.logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
			p.connected.Store(true)
		}),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", cfg.URL, err)
	}
	p.nc = nc
	p.connected.Store(nc.IsConnected())
	return p, nil
}

// Subject returns the full subject for a suffix.
func (p *Publisher) Subject(suffix string) string {
	return joinSubject(p.prefix, suffix)
}

// Publish sends payload on prefix.subject. Messages published while
// reconnecting are buffered by the client.
func (p *Publisher) Publish(subject string, payload []byte) error {
	full := p.Subject(subject)
	if err := p.nc.Publish(full, payload); err != nil {
		return fmt.Errorf("nats: publish %s: %w", full, err)
	}
	return nil
}

// Connected reports the last observed connection state.
func (p *Publisher) Connected() bool { return p.connected.Load() }

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.FlushTimeout(2 * time.Second); err != nil {
		p.logger.Warn("nats flush on close failed", slog.String("error", err.Error()))
	}
	p.nc.Close()
}

func joinSubject(prefix, suffix string) string {
	suffix = strings.TrimPrefix(suffix, ".")
	switch {
	case prefix == "":
		return suffix
	case suffix == "":
		return prefix
	}
	return prefix + "." + suffix
}

// Compile-time interface check.
var _ domain.EventPublisher = (*Publisher)(nil)
