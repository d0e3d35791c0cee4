package domain

import (
	"context"
	"time"
)

// BookMirror publishes top-of-book state for external readers.
type BookMirror interface {
	SetTop(ctx context.Context, top TopOfBook, degraded bool) error
	GetTop(ctx context.Context, instrumentID string) (TopOfBook, bool, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
	// Hold acquires key and keeps extending it until release is called or
	// ctx ends. lost is closed if the lock could not be extended.
	Hold(ctx context.Context, key string, ttl time.Duration) (release func(), lost <-chan struct{}, err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// EventPublisher pushes serialized events to an external broker subject.
type EventPublisher interface {
	Publish(subject string, payload []byte) error
}
