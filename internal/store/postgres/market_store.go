package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given
// connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketUpsertQuery = `
	INSERT INTO markets (
		venue, id, title, tags, duration, tick_size,
		yes_token_id, no_token_id, condition_id, neg_risk,
		fee_rate_bps, status, close_time, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9, $10,
		$11, $12, $13, NOW()
	)
	ON CONFLICT (venue, id) DO UPDATE SET
		title        = EXCLUDED.title,
		tags         = EXCLUDED.tags,
		duration     = EXCLUDED.duration,
		tick_size    = EXCLUDED.tick_size,
		yes_token_id = EXCLUDED.yes_token_id,
		no_token_id  = EXCLUDED.no_token_id,
		condition_id = EXCLUDED.condition_id,
		neg_risk     = EXCLUDED.neg_risk,
		fee_rate_bps = EXCLUDED.fee_rate_bps,
		status       = EXCLUDED.status,
		close_time   = EXCLUDED.close_time,
		updated_at   = NOW()`

func marketUpsertArgs(m domain.Market) []any {
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	return []any{
		string(m.Venue), m.ID, m.Title, tags, string(m.Duration), int64(m.TickSize),
		m.YesTokenID, m.NoTokenID, m.ConditionID, m.NegRisk,
		m.FeeRateBps, string(m.Status), m.CloseTime,
	}
}

// Upsert inserts or updates a single market.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	if _, err := s.pool.Exec(ctx, marketUpsertQuery, marketUpsertArgs(m)...); err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", m.Key(), err)
	}
	return nil
}

// UpsertBatch inserts or updates multiple markets in a single batch
// round trip. Registry refreshes push a few hundred rows at a time.
func (s *MarketStore) UpsertBatch(ctx context.Context, markets []domain.Market) error {
	if len(markets) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range markets {
		batch.Queue(marketUpsertQuery, marketUpsertArgs(m)...)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range markets {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert market batch item %d (%s): %w", i, markets[i].Key(), err)
		}
	}
	return nil
}

const marketCols = `venue, id, title, tags, duration, tick_size,
	yes_token_id, no_token_id, condition_id, neg_risk,
	fee_rate_bps, status, close_time, updated_at`

// scanMarket scans a single market row into a domain.Market.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var venue, duration, status string
	var tickSize int64
	err := row.Scan(
		&venue, &m.ID, &m.Title, &m.Tags, &duration, &tickSize,
		&m.YesTokenID, &m.NoTokenID, &m.ConditionID, &m.NegRisk,
		&m.FeeRateBps, &status, &m.CloseTime, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Venue = domain.Venue(venue)
	m.Duration = domain.DurationClass(duration)
	m.TickSize = domain.Micros(tickSize)
	m.Status = domain.MarketStatus(status)
	return m, nil
}

// Get retrieves a market by its venue-scoped key.
func (s *MarketStore) Get(ctx context.Context, key domain.MarketKey) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE venue = $1 AND id = $2`,
		string(key.Venue), key.MarketID)
	m, err := scanMarket(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", key, err)
	}
	return m, nil
}

// GetByToken retrieves a market by either of its ERC-1155 token IDs.
func (s *MarketStore) GetByToken(ctx context.Context, tokenID string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE yes_token_id = $1 OR no_token_id = $1`,
		tokenID)
	m, err := scanMarket(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market by token %s: %w", tokenID, err)
	}
	return m, nil
}

// ListActive returns active markets, optionally restricted to one
// venue, with pagination and close-time filtering.
func (s *MarketStore) ListActive(ctx context.Context, venue domain.Venue, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets WHERE status = 'active'`
	args := []any{}
	argIdx := 1

	if venue != "" {
		query += fmt.Sprintf(" AND venue = $%d", argIdx)
		args = append(args, string(venue))
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND close_time >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND close_time <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY close_time ASC"

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
		return nil, fmt.Errorf("postgres: list active markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan active market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list active markets rows: %w", err)
	}
	return markets, nil
}

// Count returns the total number of markets in the database.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM markets").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return count, nil
}

// Compile-time interface check.
var _ domain.MarketStore = (*MarketStore)(nil)
