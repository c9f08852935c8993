package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists market metadata.
type MarketStore interface {
	Upsert(ctx context.Context, market Market) error
	UpsertBatch(ctx context.Context, markets []Market) error
	Get(ctx context.Context, key MarketKey) (Market, error)
	GetByToken(ctx context.Context, tokenID string) (Market, error)
	ListActive(ctx context.Context, venue Venue, opts ListOpts) ([]Market, error)
	Count(ctx context.Context) (int64, error)
}

// SignalStore persists detected signals and their risk verdicts.
type SignalStore interface {
	Insert(ctx context.Context, sig SpreadSignal) error
	RecordVerdict(ctx context.Context, v RiskVerdict) error
	GetByID(ctx context.Context, id string) (SpreadSignal, *RiskVerdict, error)
	ListRecent(ctx context.Context, limit int) ([]SpreadSignal, error)
}

// ArbStore persists arbitrage attempts through their state machine.
type ArbStore interface {
	Create(ctx context.Context, arb Arb) error
	Update(ctx context.Context, arb Arb) error
	GetByID(ctx context.Context, id string) (Arb, error)
	ListInFlight(ctx context.Context) ([]Arb, error)
	ListRecent(ctx context.Context, limit int) ([]Arb, error)
	SumPnL(ctx context.Context, since time.Time) (Micros, error)
	Summary(ctx context.Context, since time.Time) (ProfitSummary, error)
}

// PositionStore persists outcome positions.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	Close(ctx context.Context, id string, exitPrice Micros, at time.Time) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	ListByMarket(ctx context.Context, key MarketKey, opts ListOpts) ([]Position, error)
}

// TradeLogStore persists the append-only trade log.
type TradeLogStore interface {
	Append(ctx context.Context, rec TradeRecord) error
	List(ctx context.Context, opts ListOpts) ([]TradeRecord, error)
	ListByArb(ctx context.Context, arbID string) ([]TradeRecord, error)
	GetLastTimestamp(ctx context.Context) (time.Time, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only operational audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
