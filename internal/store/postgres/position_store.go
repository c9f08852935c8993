package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given
// connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionCols = `id, arb_id, venue, market_id, token_id, outcome,
	qty, entry_price, exit_price, status, opened_at, closed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var venue, outcome, status string
	var entryPrice int64
	var exitPrice *int64

	err := row.Scan(
		&p.ID, &p.ArbID, &venue, &p.MarketID, &p.TokenID, &outcome,
		&p.Qty, &entryPrice, &exitPrice, &status, &p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Venue = domain.Venue(venue)
	p.Outcome = domain.Outcome(outcome)
	p.EntryPrice = domain.Micros(entryPrice)
	if exitPrice != nil {
		ep := domain.Micros(*exitPrice)
		p.ExitPrice = &ep
	}
	p.Status = domain.PositionStatus(status)
	return p, nil
}

// Upsert inserts a position or replaces its mutable fields. Replays
// after crash recovery write the same row again, so conflicts update
// rather than fail.
func (s *PositionStore) Upsert(ctx context.Context, pos domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, arb_id, venue, market_id, token_id, outcome,
			qty, entry_price, exit_price, status, opened_at, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			qty         = EXCLUDED.qty,
			entry_price = EXCLUDED.entry_price,
			exit_price  = EXCLUDED.exit_price,
			status      = EXCLUDED.status,
			closed_at   = EXCLUDED.closed_at`

	var exitPrice *int64
	if pos.ExitPrice != nil {
		ep := int64(*pos.ExitPrice)
		exitPrice = &ep
	}

	_, err := s.pool.Exec(ctx, query,
		pos.ID, pos.ArbID, string(pos.Venue), pos.MarketID, pos.TokenID,
		string(pos.Outcome), pos.Qty, int64(pos.EntryPrice), exitPrice,
		string(pos.Status), pos.OpenedAt, pos.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", pos.ID, err)
	}
	return nil
}

// Close marks an open position closed at the given exit price.
func (s *PositionStore) Close(ctx context.Context, id string, exitPrice domain.Micros, at time.Time) error {
	const query = `
		UPDATE positions SET
			status     = $2,
			exit_price = $3,
			closed_at  = $4
		WHERE id = $1 AND status = $5`

	tag, err := s.pool.Exec(ctx, query,
		id, string(domain.PositionStatusClosed), int64(exitPrice), at,
		string(domain.PositionStatusOpen),
	)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListOpen returns every open position across venues, oldest first,
// for startup reconciliation.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE status = $1
		 ORDER BY opened_at ASC`, string(domain.PositionStatusOpen))
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

// ListByMarket returns positions in one market with pagination and
// optional time filtering.
func (s *PositionStore) ListByMarket(ctx context.Context, key domain.MarketKey, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions WHERE venue = $1 AND market_id = $2`
	args := []any{string(key.Venue), key.MarketID}
	argIdx := 3

	if opts.Since != nil {
		query += fmt.Sprintf(" AND opened_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND opened_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY opened_at DESC"

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
		return nil, fmt.Errorf("postgres: list positions for %s: %w", key, err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: position rows: %w", err)
	}
	return positions, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
