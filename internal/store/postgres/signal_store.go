package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// SignalStore implements domain.SignalStore using PostgreSQL. Signals
// are insert-only; verdicts attach to them one-to-one once the risk
// gates have run.
type SignalStore struct {
	pool *pgxpool.Pool
}

// NewSignalStore creates a new SignalStore backed by the given
// connection pool.
func NewSignalStore(pool *pgxpool.Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

// Insert persists a detected signal.
func (s *SignalStore) Insert(ctx context.Context, sig domain.SpreadSignal) error {
	const query = `
		INSERT INTO signals (
			id, pair_kind,
			yes_venue, yes_market_id, yes_token_id, yes_ask,
			no_venue, no_market_id, no_token_id, no_ask,
			qty, yes_fee, no_fee, fee_per_contract, gas_per_contract,
			net_edge, threshold, condition_id, neg_risk,
			detected_at, expires_at
		) VALUES (
			$1, $2,
			$3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19,
			$20, $21
		)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		sig.ID, string(sig.PairKind),
		string(sig.YesVenue), sig.YesMarketID, sig.YesTokenID, int64(sig.YesAsk),
		string(sig.NoVenue), sig.NoMarketID, sig.NoTokenID, int64(sig.NoAsk),
		sig.Qty, int64(sig.YesFeePerContract), int64(sig.NoFeePerContract),
		int64(sig.FeePerContract), int64(sig.GasPerContract),
		int64(sig.NetEdge), int64(sig.Threshold), sig.ConditionID, sig.NegRisk,
		sig.DetectedAt, sig.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert signal %s: %w", sig.ID, err)
	}
	return nil
}

// RecordVerdict persists the risk decision for a signal. Re-recording
// overwrites: the risk manager decides once, but a replay after crash
// recovery must not fail on the conflict.
func (s *SignalStore) RecordVerdict(ctx context.Context, v domain.RiskVerdict) error {
	const query = `
		INSERT INTO signal_verdicts (signal_id, approved, qty, constraint_name, reason, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (signal_id) DO UPDATE SET
			approved        = EXCLUDED.approved,
			qty             = EXCLUDED.qty,
			constraint_name = EXCLUDED.constraint_name,
			reason          = EXCLUDED.reason,
			decided_at      = EXCLUDED.decided_at`

	_, err := s.pool.Exec(ctx, query,
		v.SignalID, v.Approved, v.Qty, v.Constraint, v.Reason, v.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: record verdict %s: %w", v.SignalID, err)
	}
	return nil
}

const signalCols = `id, pair_kind,
	yes_venue, yes_market_id, yes_token_id, yes_ask,
	no_venue, no_market_id, no_token_id, no_ask,
	qty, yes_fee, no_fee, fee_per_contract, gas_per_contract,
	net_edge, threshold, condition_id, neg_risk,
	detected_at, expires_at`

func scanSignal(row pgx.Row) (domain.SpreadSignal, error) {
	var sig domain.SpreadSignal
	var pairKind, yesVenue, noVenue string
	var yesAsk, noAsk, yesFee, noFee, feePer, gasPer, netEdge, threshold int64
	err := row.Scan(
		&sig.ID, &pairKind,
		&yesVenue, &sig.YesMarketID, &sig.YesTokenID, &yesAsk,
		&noVenue, &sig.NoMarketID, &sig.NoTokenID, &noAsk,
		&sig.Qty, &yesFee, &noFee, &feePer, &gasPer,
		&netEdge, &threshold, &sig.ConditionID, &sig.NegRisk,
		&sig.DetectedAt, &sig.ExpiresAt,
	)
	if err != nil {
		return domain.SpreadSignal{}, err
	}
	sig.PairKind = domain.PairKind(pairKind)
	sig.YesVenue = domain.Venue(yesVenue)
	sig.NoVenue = domain.Venue(noVenue)
	sig.YesAsk = domain.Micros(yesAsk)
	sig.NoAsk = domain.Micros(noAsk)
	sig.YesFeePerContract = domain.Micros(yesFee)
	sig.NoFeePerContract = domain.Micros(noFee)
	sig.FeePerContract = domain.Micros(feePer)
	sig.GasPerContract = domain.Micros(gasPer)
	sig.NetEdge = domain.Micros(netEdge)
	sig.Threshold = domain.Micros(threshold)
	return sig, nil
}

// GetByID returns a signal and, when the risk gates already ran, its
// verdict. The verdict is nil for signals still waiting on risk.
func (s *SignalStore) GetByID(ctx context.Context, id string) (domain.SpreadSignal, *domain.RiskVerdict, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+signalCols+` FROM signals WHERE id = $1`, id)
	sig, err := scanSignal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SpreadSignal{}, nil, domain.ErrNotFound
		}
		return domain.SpreadSignal{}, nil, fmt.Errorf("postgres: get signal %s: %w", id, err)
	}

	var v domain.RiskVerdict
	err = s.pool.QueryRow(ctx, `
		SELECT signal_id, approved, qty, constraint_name, reason, decided_at
		FROM signal_verdicts WHERE signal_id = $1`, id,
	).Scan(&v.SignalID, &v.Approved, &v.Qty, &v.Constraint, &v.Reason, &v.DecidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return sig, nil, nil
		}
		return domain.SpreadSignal{}, nil, fmt.Errorf("postgres: get verdict %s: %w", id, err)
	}
	return sig, &v, nil
}

// ListRecent returns the most recently detected signals.
func (s *SignalStore) ListRecent(ctx context.Context, limit int) ([]domain.SpreadSignal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+signalCols+` FROM signals ORDER BY detected_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list signals: %w", err)
	}
	defer rows.Close()

	var signals []domain.SpreadSignal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan signal: %w", err)
		}
		signals = append(signals, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list signals rows: %w", err)
	}
	return signals, nil
}

// Compile-time interface check.
var _ domain.SignalStore = (*SignalStore)(nil)
