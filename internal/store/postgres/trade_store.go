package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// TradeStore implements domain.TradeLogStore using PostgreSQL. The
// trade log is append-only: one row per order submitted, hedge step,
// or merge settlement.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given
// connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeCols = `id, arb_id, signal_id, order_id, venue, market_id, outcome,
	side, order_type, limit_price, fill_price, req_qty, fill_qty,
	fee, gas, role, live, ts`

func scanTradeRows(rows pgx.Rows) ([]domain.TradeRecord, error) {
	var trades []domain.TradeRecord
	for rows.Next() {
		var t domain.TradeRecord
		var venue, outcome, side, orderType string
		var limitPrice, fillPrice, fee, gas int64

		if err := rows.Scan(
			&t.ID, &t.ArbID, &t.SignalID, &t.OrderID, &venue, &t.MarketID, &outcome,
			&side, &orderType, &limitPrice, &fillPrice, &t.ReqQty, &t.FillQty,
			&fee, &gas, &t.Role, &t.Live, &t.Timestamp,
		); err != nil {
			return nil, err
		}
		t.Venue = domain.Venue(venue)
		t.Outcome = domain.Outcome(outcome)
		t.Side = domain.OrderSide(side)
		t.Type = domain.OrderType(orderType)
		t.LimitPrice = domain.Micros(limitPrice)
		t.FillPrice = domain.Micros(fillPrice)
		t.Fee = domain.Micros(fee)
		t.Gas = domain.Micros(gas)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Append writes one trade log row.
func (s *TradeStore) Append(ctx context.Context, rec domain.TradeRecord) error {
	const query = `
		INSERT INTO trade_log (
			arb_id, signal_id, order_id, venue, market_id, outcome,
			side, order_type, limit_price, fill_price, req_qty, fill_qty,
			fee, gas, role, live, ts
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17
		)`

	_, err := s.pool.Exec(ctx, query,
		rec.ArbID, rec.SignalID, rec.OrderID, string(rec.Venue), rec.MarketID,
		string(rec.Outcome), string(rec.Side), string(rec.Type),
		int64(rec.LimitPrice), int64(rec.FillPrice), rec.ReqQty, rec.FillQty,
		int64(rec.Fee), int64(rec.Gas), rec.Role, rec.Live, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: append trade: %w", err)
	}
	return nil
}

// List returns trade log rows with pagination and optional time
// filtering, newest first.
func (s *TradeStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	query := `SELECT ` + tradeCols + ` FROM trade_log`
	var args []any
	argIdx := 1
	where := ""

	if opts.Since != nil {
		where += fmt.Sprintf(" WHERE ts >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		if where == "" {
			where += fmt.Sprintf(" WHERE ts <= $%d", argIdx)
		} else {
			where += fmt.Sprintf(" AND ts <= $%d", argIdx)
		}
		args = append(args, *opts.Until)
		argIdx++
	}

	query += where + " ORDER BY ts DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return trades, nil
}

// ListByArb returns every trade log row belonging to one arb attempt,
// in submission order.
func (s *TradeStore) ListByArb(ctx context.Context, arbID string) ([]domain.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeCols+` FROM trade_log WHERE arb_id = $1 ORDER BY ts ASC, id ASC`, arbID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades for arb %s: %w", arbID, err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades for arb %s: %w", arbID, err)
	}
	return trades, nil
}

// GetLastTimestamp returns the most recent trade log timestamp, or the
// zero time if the log is empty.
func (s *TradeStore) GetLastTimestamp(ctx context.Context) (time.Time, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx,
		"SELECT MAX(ts) FROM trade_log").Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres: get last trade timestamp: %w", err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}

// ListBefore returns all trade log rows strictly before the given
// time, oldest first, for archiving.
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeCols+` FROM trade_log WHERE ts < $1 ORDER BY ts ASC, id ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before: %w", err)
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

// DeleteBefore deletes trade log rows with ts before the given time.
// Returns the number deleted. Called only after the archiver has
// durably written the same rows to cold storage.
func (s *TradeStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trade_log WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.TradeLogStore = (*TradeStore)(nil)
