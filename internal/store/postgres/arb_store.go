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

// Leg roles in the arb_legs table.
const (
	legRoleYes   = "yes"
	legRoleNo    = "no"
	legRoleHedge = "hedge"
)

// ArbStore implements domain.ArbStore using PostgreSQL. Each arb row
// carries the state machine; its legs live in a child table keyed by
// (arb_id, role) so updates re-upsert legs as fills arrive.
type ArbStore struct {
	pool *pgxpool.Pool
}

// NewArbStore creates a new ArbStore backed by the given connection
// pool.
func NewArbStore(pool *pgxpool.Pool) *ArbStore {
	return &ArbStore{pool: pool}
}

const arbUpsertQuery = `
	INSERT INTO arbs (
		id, signal_id, pair_kind, state, qty, reserved, gas_spent,
		merge_tx, condition_id, pnl, live, started_at, finished_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (id) DO UPDATE SET
		state        = EXCLUDED.state,
		qty          = EXCLUDED.qty,
		reserved     = EXCLUDED.reserved,
		gas_spent    = EXCLUDED.gas_spent,
		merge_tx     = EXCLUDED.merge_tx,
		condition_id = EXCLUDED.condition_id,
		pnl          = EXCLUDED.pnl,
		live         = EXCLUDED.live,
		finished_at  = EXCLUDED.finished_at`

const legUpsertQuery = `
	INSERT INTO arb_legs (
		arb_id, role, venue, market_id, token_id, outcome, order_id,
		limit_price, requested_qty, filled_qty, filled_price, fee,
		submitted_at, resolved_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (arb_id, role) DO UPDATE SET
		order_id      = EXCLUDED.order_id,
		limit_price   = EXCLUDED.limit_price,
		requested_qty = EXCLUDED.requested_qty,
		filled_qty    = EXCLUDED.filled_qty,
		filled_price  = EXCLUDED.filled_price,
		fee           = EXCLUDED.fee,
		submitted_at  = EXCLUDED.submitted_at,
		resolved_at   = EXCLUDED.resolved_at`

func legUpsertArgs(arbID, role string, leg domain.LegRecord) []any {
	return []any{
		arbID, role, string(leg.Venue), leg.MarketID, leg.TokenID,
		string(leg.Outcome), leg.OrderID,
		int64(leg.LimitPrice), leg.RequestedQty, leg.FilledQty,
		int64(leg.FilledPrice), int64(leg.Fee),
		leg.SubmittedAt, leg.ResolvedAt,
	}
}

// Create persists a new arb attempt and both outcome legs.
func (s *ArbStore) Create(ctx context.Context, arb domain.Arb) error {
	return s.save(ctx, arb, "create")
}

// Update re-persists an arb after a state transition, upserting legs
// so fills and the optional hedge leg land atomically with the state.
func (s *ArbStore) Update(ctx context.Context, arb domain.Arb) error {
	return s.save(ctx, arb, "update")
}

func (s *ArbStore) save(ctx context.Context, arb domain.Arb, op string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: %s arb %s: begin: %w", op, arb.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, arbUpsertQuery,
		arb.ID, arb.SignalID, string(arb.PairKind), string(arb.State), arb.Qty,
		int64(arb.Reserved), int64(arb.GasSpent), arb.MergeTx, arb.ConditionID,
		int64(arb.PnL), arb.Live, arb.StartedAt, arb.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: %s arb %s: %w", op, arb.ID, err)
	}

	if _, err := tx.Exec(ctx, legUpsertQuery, legUpsertArgs(arb.ID, legRoleYes, arb.YesLeg)...); err != nil {
		return fmt.Errorf("postgres: %s arb %s yes leg: %w", op, arb.ID, err)
	}
	if _, err := tx.Exec(ctx, legUpsertQuery, legUpsertArgs(arb.ID, legRoleNo, arb.NoLeg)...); err != nil {
		return fmt.Errorf("postgres: %s arb %s no leg: %w", op, arb.ID, err)
	}
	if arb.HedgeLeg != nil {
		if _, err := tx.Exec(ctx, legUpsertQuery, legUpsertArgs(arb.ID, legRoleHedge, *arb.HedgeLeg)...); err != nil {
			return fmt.Errorf("postgres: %s arb %s hedge leg: %w", op, arb.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: %s arb %s: commit: %w", op, arb.ID, err)
	}
	return nil
}

const arbCols = `id, signal_id, pair_kind, state, qty, reserved, gas_spent,
	merge_tx, condition_id, pnl, live, started_at, finished_at`

func scanArb(row pgx.Row) (domain.Arb, error) {
	var arb domain.Arb
	var pairKind, state string
	var reserved, gasSpent, pnl int64
	err := row.Scan(
		&arb.ID, &arb.SignalID, &pairKind, &state, &arb.Qty,
		&reserved, &gasSpent, &arb.MergeTx, &arb.ConditionID,
		&pnl, &arb.Live, &arb.StartedAt, &arb.FinishedAt,
	)
	if err != nil {
		return domain.Arb{}, err
	}
	arb.PairKind = domain.PairKind(pairKind)
	arb.State = domain.LegState(state)
	arb.Reserved = domain.Micros(reserved)
	arb.GasSpent = domain.Micros(gasSpent)
	arb.PnL = domain.Micros(pnl)
	return arb, nil
}

// loadLegs attaches the persisted legs to each arb in the map.
func (s *ArbStore) loadLegs(ctx context.Context, arbs map[string]*domain.Arb) error {
	if len(arbs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(arbs))
	for id := range arbs {
		ids = append(ids, id)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT arb_id, role, venue, market_id, token_id, outcome, order_id,
			limit_price, requested_qty, filled_qty, filled_price, fee,
			submitted_at, resolved_at
		FROM arb_legs WHERE arb_id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("postgres: load arb legs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var arbID, role, venue, outcome string
		var leg domain.LegRecord
		var limitPrice, filledPrice, fee int64
		if err := rows.Scan(
			&arbID, &role, &venue, &leg.MarketID, &leg.TokenID, &outcome, &leg.OrderID,
			&limitPrice, &leg.RequestedQty, &leg.FilledQty, &filledPrice, &fee,
			&leg.SubmittedAt, &leg.ResolvedAt,
		); err != nil {
			return fmt.Errorf("postgres: scan arb leg: %w", err)
		}
		leg.Venue = domain.Venue(venue)
		leg.Outcome = domain.Outcome(outcome)
		leg.LimitPrice = domain.Micros(limitPrice)
		leg.FilledPrice = domain.Micros(filledPrice)
		leg.Fee = domain.Micros(fee)

		arb, ok := arbs[arbID]
		if !ok {
			continue
		}
		switch role {
		case legRoleYes:
			arb.YesLeg = leg
		case legRoleNo:
			arb.NoLeg = leg
		case legRoleHedge:
			hedge := leg
			arb.HedgeLeg = &hedge
		}
	}
	return rows.Err()
}

// GetByID returns an arb with its legs.
func (s *ArbStore) GetByID(ctx context.Context, id string) (domain.Arb, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+arbCols+` FROM arbs WHERE id = $1`, id)
	arb, err := scanArb(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Arb{}, domain.ErrNotFound
		}
		return domain.Arb{}, fmt.Errorf("postgres: get arb %s: %w", id, err)
	}

	arbs := map[string]*domain.Arb{arb.ID: &arb}
	if err := s.loadLegs(ctx, arbs); err != nil {
		return domain.Arb{}, err
	}
	return arb, nil
}

// ListInFlight returns arbs whose state machine has not finished. On
// startup these are reconciled against venue fills before trading
// resumes.
func (s *ArbStore) ListInFlight(ctx context.Context) ([]domain.Arb, error) {
	return s.list(ctx, `SELECT `+arbCols+` FROM arbs WHERE finished_at IS NULL ORDER BY started_at ASC`)
}

// ListRecent returns the most recently started arbs.
func (s *ArbStore) ListRecent(ctx context.Context, limit int) ([]domain.Arb, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.list(ctx, `SELECT `+arbCols+` FROM arbs ORDER BY started_at DESC LIMIT $1`, limit)
}

func (s *ArbStore) list(ctx context.Context, query string, args ...any) ([]domain.Arb, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list arbs: %w", err)
	}
	defer rows.Close()

	var order []string
	byID := make(map[string]*domain.Arb)
	for rows.Next() {
		arb, err := scanArb(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan arb: %w", err)
		}
		a := arb
		byID[a.ID] = &a
		order = append(order, a.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list arbs rows: %w", err)
	}

	if err := s.loadLegs(ctx, byID); err != nil {
		return nil, err
	}

	out := make([]domain.Arb, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

// SumPnL returns realized profit over arbs finished since the given
// time.
func (s *ArbStore) SumPnL(ctx context.Context, since time.Time) (domain.Micros, error) {
	var sum int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(pnl), 0) FROM arbs
		WHERE finished_at IS NOT NULL AND finished_at >= $1`, since).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum arb pnl: %w", err)
	}
	return domain.Micros(sum), nil
}

// Summary aggregates outcomes and realized PnL over arbs finished
// since the given time.
func (s *ArbStore) Summary(ctx context.Context, since time.Time) (domain.ProfitSummary, error) {
	sum := domain.ProfitSummary{Since: since, Until: time.Now().UTC()}

	var pnl, gas int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE state = $2),
			COUNT(*) FILTER (WHERE state = $3),
			COUNT(*) FILTER (WHERE state = $4),
			COALESCE(SUM(pnl), 0),
			COALESCE(SUM(gas_spent), 0)
		FROM arbs
		WHERE finished_at IS NOT NULL AND finished_at >= $1`,
		since,
		string(domain.LegStateMerged),
		string(domain.LegStateClosedAtLoss),
		string(domain.LegStateAborted),
	).Scan(&sum.Attempts, &sum.Merged, &sum.ClosedAtLoss, &sum.Aborted, &pnl, &gas)
	if err != nil {
		return domain.ProfitSummary{}, fmt.Errorf("postgres: arb summary: %w", err)
	}

	var fees int64
	err = s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(l.fee), 0)
		FROM arb_legs l
		JOIN arbs a ON a.id = l.arb_id
		WHERE a.finished_at IS NOT NULL AND a.finished_at >= $1`, since).Scan(&fees)
	if err != nil {
		return domain.ProfitSummary{}, fmt.Errorf("postgres: arb summary fees: %w", err)
	}

	sum.NetPnL = domain.Micros(pnl)
	sum.Gas = domain.Micros(gas)
	sum.Fees = domain.Micros(fees)
	// Net already has fees and gas deducted; gross backs them out.
	sum.GrossPnL = sum.NetPnL + sum.Fees + sum.Gas
	return sum, nil
}

// ListFinishedBefore returns terminal arbs finished strictly before the
// given time, oldest first, for archiving. In-flight attempts are never
// included.
func (s *ArbStore) ListFinishedBefore(ctx context.Context, before time.Time) ([]domain.Arb, error) {
	return s.list(ctx, `SELECT `+arbCols+` FROM arbs
		WHERE finished_at IS NOT NULL AND finished_at < $1
		ORDER BY finished_at ASC`, before)
}

// DeleteFinishedBefore deletes terminal arbs finished before the given
// time; their legs go with them via the FK cascade. Returns the number
// of arbs deleted. Called only after the archiver has durably written
// the same rows to cold storage.
func (s *ArbStore) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM arbs WHERE finished_at IS NOT NULL AND finished_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete arbs before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.ArbStore = (*ArbStore)(nil)
