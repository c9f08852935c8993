package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/neutralmarkets/spreadbot/internal/crypto"
)

// errOrphaned marks a transaction that was confirmed and then dropped
// by a reorg: the receipt vanished before reaching the confirmation
// depth. Callers treat it as retryable.
var errOrphaned = errors.New("chain: transaction orphaned by reorg")

const (
	receiptPollEvery = 2 * time.Second

	// gasBumpNum/gasBumpDen raise a replacement's gas price 12.5%,
	// clearing the 10% minimum most Polygon nodes enforce.
	gasBumpNum = 9
	gasBumpDen = 8
)

// TxManager serializes transaction submission for one wallet. Nonces
// are allocated in strict submission order under a single lock; a
// submission the pool rejects does not consume its nonce. After any
// rejection the manager re-primes from the node, which also recovers
// when an ambiguous failure (timeout after the pool accepted) did
// consume the nonce.
type TxManager struct {
	eth    backend
	signer *crypto.Signer
	logger *slog.Logger

	mu     sync.Mutex
	next   uint64
	primed bool
}

// NewTxManager builds a transaction manager over an existing client
// connection. The signer's wallet pays for every transaction.
func NewTxManager(c *Client, signer *crypto.Signer, logger *slog.Logger) *TxManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TxManager{
		eth:    c.eth,
		signer: signer,
		logger: logger.With(slog.String("component", "txmgr")),
	}
}

// Send signs and submits a transaction at the next nonce, at the
// node's suggested gas price. On success the nonce advances; on
// failure it stays free and the manager re-primes before the next
// send.
func (m *TxManager) Send(ctx context.Context, to common.Address, data []byte, gasLimit uint64) (*types.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.primed {
		n, err := m.eth.PendingNonceAt(ctx, m.signer.Address())
		if err != nil {
			return nil, fmt.Errorf("chain: reading pending nonce: %w", err)
		}
		m.next = n
		m.primed = true
	}
	gasPrice, err := m.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: suggesting gas price: %w", err)
	}
	return m.submitLocked(ctx, m.next, to, data, gasLimit, gasPrice)
}

// Bump resubmits prev's call at the same nonce with a higher gas
// price: the fresher of the node's current suggestion and a 12.5%
// raise over the stuck transaction. Either transaction may ultimately
// mine; the caller must wait on the returned one.
func (m *TxManager) Bump(ctx context.Context, prev *types.Transaction) (*types.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gasPrice, err := m.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: suggesting gas price: %w", err)
	}
	floor := new(big.Int).Mul(prev.GasPrice(), big.NewInt(gasBumpNum))
	floor.Quo(floor, big.NewInt(gasBumpDen))
	if gasPrice.Cmp(floor) < 0 {
		gasPrice = floor
	}
	return m.submitLocked(ctx, prev.Nonce(), *prev.To(), prev.Data(), prev.Gas(), gasPrice)
}

func (m *TxManager) submitLocked(ctx context.Context, nonce uint64, to common.Address, data []byte, gasLimit uint64, gasPrice *big.Int) (*types.Transaction, error) {
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := m.signer.SignTransaction(tx)
	if err != nil {
		return nil, err
	}
	if err := m.eth.SendTransaction(ctx, signed); err != nil {
		m.primed = false
		return nil, fmt.Errorf("chain: submitting tx nonce %d: %w", nonce, err)
	}
	if nonce == m.next {
		m.next++
	}
	m.logger.Info("transaction submitted",
		slog.String("tx", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce),
		slog.String("gas_price", gasPrice.String()))
	return signed, nil
}

// WaitMined polls until the transaction has a receipt or the context
// expires. RPC hiccups are retried silently; only context expiry ends
// the wait.
func (m *TxManager) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollEvery)
	defer ticker.Stop()
	for {
		rcpt, err := m.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return rcpt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			m.logger.Debug("receipt poll failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("chain: waiting for tx %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Confirm waits until the mined block is `confirmations` deep and
// re-reads the receipt. A receipt that has vanished means the block
// was reorged out and the transaction is back in limbo; that returns
// errOrphaned so the caller can retrigger.
func (m *TxManager) Confirm(ctx context.Context, rcpt *types.Receipt, confirmations uint64) (*types.Receipt, error) {
	hash := rcpt.TxHash
	target := rcpt.BlockNumber.Uint64() + confirmations
	ticker := time.NewTicker(receiptPollEvery)
	defer ticker.Stop()
	for {
		head, err := m.eth.BlockNumber(ctx)
		if err != nil {
			m.logger.Debug("head poll failed", slog.String("error", err.Error()))
		} else if head >= target {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("chain: confirming tx %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}

	again, err := m.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: %s", errOrphaned, hash.Hex())
		}
		return nil, fmt.Errorf("chain: re-reading receipt %s: %w", hash.Hex(), err)
	}
	return again, nil
}
