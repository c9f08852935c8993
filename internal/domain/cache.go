package domain

import (
	"context"
	"time"
)

// BookCache mirrors the latest published book snapshots so the control
// plane and restarts never block on the engine loop.
type BookCache interface {
	SetBook(ctx context.Context, book *OrderBook) error
	GetBook(ctx context.Context, key MarketKey) (*OrderBook, error)
	GetTop(ctx context.Context, key MarketKey) (yesAsk, noAsk BookLevel, err error)
}

// MarketCache provides fast market metadata lookups.
type MarketCache interface {
	Set(ctx context.Context, market Market) error
	Get(ctx context.Context, key MarketKey) (Market, error)
	GetByToken(ctx context.Context, tokenID string) (Market, error)
	Invalidate(ctx context.Context, key MarketKey) error
}

// BalanceCache mirrors the latest known free balance per venue so the
// control plane can report capital without touching venue APIs.
type BalanceCache interface {
	SetBalance(ctx context.Context, venue Venue, free Micros, at time.Time) error
	GetBalance(ctx context.Context, venue Venue) (free Micros, at time.Time, err error)
}

// RateLimiter provides distributed rate limiting for venue REST calls.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking. Live trading requires
// holding the leader lock so two instances never double-trade.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
	// Hold acquires the lock and keeps it refreshed until ctx ends or
	// the returned release function is called.
	Hold(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub fan-out and durable streams for signals,
// verdicts, and arb state changes.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
