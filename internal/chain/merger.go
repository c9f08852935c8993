package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/neutralmarkets/spreadbot/internal/domain"
	"github.com/neutralmarkets/spreadbot/internal/executor"
)

// completedTTL bounds how long a finished merge suppresses repeats of
// the same (condition, qty) request.
const completedTTL = 10 * time.Minute

// approvalGasLimit is the fallback when setApprovalForAll estimation
// fails; the call itself needs well under half of this.
const approvalGasLimit = 80_000

// MergeConfig tunes the retry and confirmation behavior of the merge
// path.
type MergeConfig struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// RetryBackoff is the first retry delay; each retry doubles it.
	RetryBackoff time.Duration
	// Confirmations is how many blocks deep a receipt must be before
	// the merge counts as settled.
	Confirmations uint64
	// AttemptTimeout caps how long one attempt waits for its receipt
	// before the transaction is considered stuck and its gas bumped.
	AttemptTimeout time.Duration
	// GasHeadroomPct widens the node's gas estimate to absorb state
	// drift between estimation and inclusion.
	GasHeadroomPct int64
}

// DefaultMergeConfig returns the production defaults: five attempts
// total, 2s initial backoff, three-block confirmation depth.
func DefaultMergeConfig() MergeConfig {
	return MergeConfig{
		MaxRetries:     4,
		RetryBackoff:   2 * time.Second,
		Confirmations:  3,
		AttemptTimeout: 90 * time.Second,
		GasHeadroomPct: 25,
	}
}

// Merger settles matched Yes+No pairs for collateral. Standard
// conditions call mergePositions on the CTF directly; neg-risk
// conditions go through the adapter, which needs a one-time ERC-1155
// approval first. Each merge retries with backoff and fresh gas until
// it confirms or the budget runs out; a receipt orphaned by a reorg
// retriggers the merge on a fresh nonce.
type Merger struct {
	client *Client
	txmgr  *TxManager
	oracle *GasOracle
	cfg    MergeConfig
	logger *slog.Logger

	workMu   chan struct{} // serializes merges; buffered size 1
	done     map[string]doneMerge
	approved map[common.Address]bool
}

type doneMerge struct {
	receipt executor.MergeReceipt
	at      time.Time
}

// NewMerger wires a merger over an existing client, transaction
// manager, and gas oracle.
func NewMerger(client *Client, txmgr *TxManager, oracle *GasOracle, cfg MergeConfig, logger *slog.Logger) *Merger {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultMergeConfig().RetryBackoff
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultMergeConfig().AttemptTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Merger{
		client:   client,
		txmgr:    txmgr,
		oracle:   oracle,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "merger")),
		workMu:   make(chan struct{}, 1),
		done:     make(map[string]doneMerge),
		approved: make(map[common.Address]bool),
	}
	m.workMu <- struct{}{}
	return m
}

// Merge burns qty Yes+No pairs of the condition and credits the wallet
// qty dollars of USDC. Repeats of a recently completed (condition,
// qty) return the original receipt instead of merging twice.
func (m *Merger) Merge(ctx context.Context, conditionID string, qty int64, negRisk bool) (executor.MergeReceipt, error) {
	if qty <= 0 {
		return executor.MergeReceipt{}, fmt.Errorf("%w: non-positive qty %d", domain.ErrMergeFailed, qty)
	}

	// One merge at a time: concurrent merges would race on the
	// idempotence ledger and interleave nonce bumps.
	select {
	case <-m.workMu:
		defer func() { m.workMu <- struct{}{} }()
	case <-ctx.Done():
		return executor.MergeReceipt{}, fmt.Errorf("chain: merge %s: %w", conditionID, ctx.Err())
	}

	key := fmt.Sprintf("%s/%d", conditionID, qty)
	if prev, ok := m.recall(key); ok {
		m.logger.Info("merge already settled, returning prior receipt",
			slog.String("condition", conditionID), slog.Int64("qty", qty))
		return prev, nil
	}

	cond := common.HexToHash(conditionID)
	amount := new(big.Int).Mul(big.NewInt(qty), big.NewInt(int64(domain.Dollar)))

	to := m.client.ctf
	data := packMergeCTF(m.client.usdc, cond, amount)
	if negRisk {
		// The adapter moves the wallet's tokens, so it must be an
		// approved operator; direct CTF merges burn the caller's own
		// balance and need no approval.
		if err := m.ensureApproved(ctx, m.client.negRisk); err != nil {
			return executor.MergeReceipt{}, err
		}
		to = m.client.negRisk
		data = packMergeNegRisk(cond, amount)
	}

	before := m.positionSnapshot(ctx, cond, negRisk)

	var (
		pending *types.Transaction
		lastErr error
		backoff = m.cfg.RetryBackoff
	)
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			m.logger.Warn("merge attempt failed, backing off",
				slog.String("condition", conditionID),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
				slog.String("error", lastErr.Error()))
			select {
			case <-ctx.Done():
				return executor.MergeReceipt{}, fmt.Errorf("chain: merge %s: %w", conditionID, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		tx, err := m.submit(ctx, pending, to, data)
		if err != nil {
			pending, lastErr = nil, err
			continue
		}

		rcpt, err := m.settle(ctx, tx)
		switch {
		case err == nil && rcpt.Status == types.ReceiptStatusSuccessful:
			m.verifyBurn(ctx, cond, before, qty, negRisk)
			receipt := executor.MergeReceipt{
				TxHash:   rcpt.TxHash.Hex(),
				GasSpent: m.oracle.ToUSDC(weiSpent(tx, rcpt)),
			}
			m.remember(key, receipt)
			m.logger.Info("merge confirmed",
				slog.String("condition", conditionID),
				slog.Int64("qty", qty),
				slog.String("tx", receipt.TxHash),
				slog.String("gas_usdc", receipt.GasSpent.String()))
			return receipt, nil
		case err == nil:
			// Reverted. The usual cause is outcome tokens that have
			// not settled into the wallet yet, so the retry has a
			// real chance.
			pending = nil
			lastErr = fmt.Errorf("chain: merge reverted in block %s", rcpt.BlockNumber)
		case errors.Is(err, errOrphaned):
			pending = nil // fresh nonce and gas
			lastErr = err
		case errors.Is(err, context.DeadlineExceeded):
			// Stuck in the pool: keep the transaction and bump its
			// gas next attempt.
			pending = tx
			lastErr = fmt.Errorf("chain: tx %s unmined after %s", tx.Hash().Hex(), m.cfg.AttemptTimeout)
		default:
			if ctx.Err() != nil {
				return executor.MergeReceipt{}, fmt.Errorf("chain: merge %s: %w", conditionID, ctx.Err())
			}
			pending, lastErr = nil, err
		}
	}
	return executor.MergeReceipt{}, fmt.Errorf("%w: %s x%d after %d attempts: %v",
		domain.ErrMergeFailed, conditionID, qty, m.cfg.MaxRetries+1, lastErr)
}

// submit sends the merge call, or bumps the gas of a still-pending
// transaction from the previous attempt.
func (m *Merger) submit(ctx context.Context, pending *types.Transaction, to common.Address, data []byte) (*types.Transaction, error) {
	if pending != nil {
		return m.txmgr.Bump(ctx, pending)
	}
	gasLimit, err := m.estimateGas(ctx, to, data)
	if err != nil {
		// Estimation reverts while tokens are in flight to the
		// wallet; surface it as retryable rather than guessing a
		// limit and burning gas on a doomed call.
		return nil, fmt.Errorf("chain: estimating merge gas: %w", err)
	}
	return m.txmgr.Send(ctx, to, data, gasLimit)
}

// settle waits for the receipt under the per-attempt deadline, then
// holds for the confirmation depth and re-reads it.
func (m *Merger) settle(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
	defer cancel()
	rcpt, err := m.txmgr.WaitMined(waitCtx, tx.Hash())
	if err != nil {
		return nil, err
	}
	return m.txmgr.Confirm(ctx, rcpt, m.cfg.Confirmations)
}

func (m *Merger) estimateGas(ctx context.Context, to common.Address, data []byte) (uint64, error) {
	est, err := m.client.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: m.txmgr.signer.Address(),
		To:   &to,
		Data: data,
	})
	if err != nil {
		return 0, err
	}
	headroom := m.cfg.GasHeadroomPct
	if headroom <= 0 {
		headroom = DefaultMergeConfig().GasHeadroomPct
	}
	return est + est*uint64(headroom)/100, nil
}

// ensureApproved grants the operator ERC-1155 approval once per
// process, skipping the transaction when the chain already has it.
func (m *Merger) ensureApproved(ctx context.Context, operator common.Address) error {
	if m.approved[operator] {
		return nil
	}
	ok, err := m.client.IsApprovedForAll(ctx, m.txmgr.signer.Address(), operator)
	if err != nil {
		return err
	}
	if !ok {
		m.logger.Info("granting ERC-1155 approval", slog.String("operator", operator.Hex()))
		data := packSetApprovalForAll(operator, true)
		gasLimit, err := m.estimateGas(ctx, m.client.ctf, data)
		if err != nil {
			gasLimit = approvalGasLimit
		}
		tx, err := m.txmgr.Send(ctx, m.client.ctf, data, gasLimit)
		if err != nil {
			return err
		}
		rcpt, err := m.txmgr.WaitMined(ctx, tx.Hash())
		if err != nil {
			return err
		}
		if rcpt.Status != types.ReceiptStatusSuccessful {
			return fmt.Errorf("%w: approval of %s reverted", domain.ErrMergeFailed, operator.Hex())
		}
	}
	m.approved[operator] = true
	return nil
}

// positionSnapshot records the wallet's Yes and No balances before the
// merge so the post-confirmation burn can be verified. Neg-risk token
// ids derive from wrapped collateral inside the adapter, so that path
// trusts the confirmed receipt alone.
func (m *Merger) positionSnapshot(ctx context.Context, cond common.Hash, negRisk bool) *[2]int64 {
	if negRisk {
		return nil
	}
	var bal [2]int64
	for slot := int64(1); slot <= 2; slot++ {
		tokenID, err := m.client.PositionTokenID(ctx, cond, slot)
		if err != nil {
			m.logger.Debug("position snapshot unavailable", slog.String("error", err.Error()))
			return nil
		}
		b, err := m.client.PositionBalance(ctx, m.txmgr.signer.Address(), tokenID)
		if err != nil {
			m.logger.Debug("position snapshot unavailable", slog.String("error", err.Error()))
			return nil
		}
		bal[slot-1] = b
	}
	return &bal
}

// verifyBurn re-reads both outcome balances after confirmation. The
// receipt stays authoritative; a missing delta is logged because it
// means the RPC served a forked view and the books need a manual look.
func (m *Merger) verifyBurn(ctx context.Context, cond common.Hash, before *[2]int64, qty int64, negRisk bool) {
	if negRisk || before == nil {
		return
	}
	after := m.positionSnapshot(ctx, cond, negRisk)
	if after == nil {
		return
	}
	for i := range after {
		if before[i]-after[i] < qty {
			m.logger.Warn("merge confirmed but position delta short",
				slog.String("condition", cond.Hex()),
				slog.Int("slot", i+1),
				slog.Int64("before", before[i]),
				slog.Int64("after", after[i]),
				slog.Int64("qty", qty))
			return
		}
	}
}

func (m *Merger) recall(key string) (executor.MergeReceipt, bool) {
	entry, ok := m.done[key]
	if !ok || time.Since(entry.at) > completedTTL {
		return executor.MergeReceipt{}, false
	}
	return entry.receipt, true
}

func (m *Merger) remember(key string, r executor.MergeReceipt) {
	for k, entry := range m.done {
		if time.Since(entry.at) > completedTTL {
			delete(m.done, k)
		}
	}
	m.done[key] = doneMerge{receipt: r, at: time.Now()}
}

// weiSpent is the POL actually paid: units burned times the effective
// price, falling back to the signed price on pre-London receipts.
func weiSpent(tx *types.Transaction, rcpt *types.Receipt) *big.Int {
	price := rcpt.EffectiveGasPrice
	if price == nil {
		price = tx.GasPrice()
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(rcpt.GasUsed), price)
}
