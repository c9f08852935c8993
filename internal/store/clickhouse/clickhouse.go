// Package clickhouse records research observations: every published
// top-of-book and every evaluated signal, batched into MergeTree
// tables for offline edge analysis. Nothing in the trading path reads
// from here.
package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Config holds connection parameters for the native protocol.
type Config struct {
	Addr     string // host:port, native port 9000
	Database string
	User     string
	Password string
}

// Conn wraps the driver connection.
type Conn struct {
	conn driver.Conn
}

// NewConn opens a native-protocol connection and pings it.
func NewConn(ctx context.Context, cfg Config) (*Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Protocol: clickhouse.Native,
		Addr:     []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}
	return &Conn{conn: conn}, nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Schema. Money columns are micro-dollars like everywhere else; empty
// book sides store zero price and zero qty. The driver cannot run
// multi-statement scripts, so each table is its own Exec.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS book_tops (
		venue       LowCardinality(String),
		market_id   String,
		yes_bid     Int64,
		yes_bid_qty Int64,
		yes_ask     Int64,
		yes_ask_qty Int64,
		no_bid      Int64,
		no_bid_qty  Int64,
		no_ask      Int64,
		no_ask_qty  Int64,
		seq         UInt64,
		ts          DateTime64(3, 'UTC')
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(ts)
	ORDER BY (venue, market_id, ts)
	TTL toDateTime(ts) + INTERVAL 90 DAY`,

	`CREATE TABLE IF NOT EXISTS edge_observations (
		signal_id         String,
		pair_kind         LowCardinality(String),
		yes_venue         LowCardinality(String),
		yes_market_id     String,
		no_venue          LowCardinality(String),
		no_market_id      String,
		yes_ask           Int64,
		no_ask            Int64,
		qty               Int64,
		fee_per_contract  Int64,
		gas_per_contract  Int64,
		net_edge          Int64,
		threshold         Int64,
		approved          Bool,
		sized_qty         Int64,
		constraint_name   String,
		detected_at       DateTime64(3, 'UTC')
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(detected_at)
	ORDER BY (pair_kind, detected_at)`,
}

// Migrate creates the research tables if they do not exist.
func (c *Conn) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if err := c.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("clickhouse: migrate: %w", err)
		}
	}
	return nil
}

// insertBooks sends one batch of top-of-book rows.
func (c *Conn) insertBooks(ctx context.Context, rows []bookRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := c.conn.PrepareBatch(ctx, `INSERT INTO book_tops (
		venue, market_id,
		yes_bid, yes_bid_qty, yes_ask, yes_ask_qty,
		no_bid, no_bid_qty, no_ask, no_ask_qty,
		seq, ts
	)`)
	if err != nil {
		return fmt.Errorf("clickhouse: prepare book batch: %w", err)
	}
	for _, r := range rows {
		err := batch.Append(
			r.Venue, r.MarketID,
			r.YesBid, r.YesBidQty, r.YesAsk, r.YesAskQty,
			r.NoBid, r.NoBidQty, r.NoAsk, r.NoAskQty,
			r.Seq, r.TS,
		)
		if err != nil {
			return fmt.Errorf("clickhouse: append book row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send book batch: %w", err)
	}
	return nil
}

// insertEdges sends one batch of evaluated-signal rows.
func (c *Conn) insertEdges(ctx context.Context, rows []edgeRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := c.conn.PrepareBatch(ctx, `INSERT INTO edge_observations (
		signal_id, pair_kind,
		yes_venue, yes_market_id, no_venue, no_market_id,
		yes_ask, no_ask, qty,
		fee_per_contract, gas_per_contract, net_edge, threshold,
		approved, sized_qty, constraint_name, detected_at
	)`)
	if err != nil {
		return fmt.Errorf("clickhouse: prepare edge batch: %w", err)
	}
	for _, r := range rows {
		err := batch.Append(
			r.SignalID, r.PairKind,
			r.YesVenue, r.YesMarketID, r.NoVenue, r.NoMarketID,
			r.YesAsk, r.NoAsk, r.Qty,
			r.FeePerContract, r.GasPerContract, r.NetEdge, r.Threshold,
			r.Approved, r.SizedQty, r.ConstraintName, r.DetectedAt,
		)
		if err != nil {
			return fmt.Errorf("clickhouse: append edge row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send edge batch: %w", err)
	}
	return nil
}
