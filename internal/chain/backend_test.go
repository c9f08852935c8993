package chain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeBackend scripts the node-side behavior the package depends on:
// contract reads dispatch on selector, sends auto-mine into a receipt
// map, and receipts can be made to vanish to simulate reorgs.
type fakeBackend struct {
	mu sync.Mutex

	chainID  *big.Int
	head     uint64
	nonce    uint64
	gasPrice *big.Int

	estimate    uint64
	estimateErr error

	gasPriceCalls int
	nonceCalls    int

	// handlers maps a 4-byte selector (hex, no 0x) to a scripted read.
	handlers map[string]func(msg ethereum.CallMsg) ([]byte, error)

	sent     []*types.Transaction
	sendErrs []error // consumed one per SendTransaction call

	// mineFromSend mines sends with index >= this value; earlier sends
	// stay pending forever.
	mineFromSend int
	// revertSends marks send indexes whose receipts come back with a
	// failed status.
	revertSends map[int]bool
	// orphanSends marks send indexes whose receipts vanish after the
	// first successful read.
	orphanSends map[int]bool

	receipts     map[common.Hash]*types.Receipt
	receiptReads map[common.Hash]int
	orphanHashes map[common.Hash]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:      big.NewInt(137),
		head:         100,
		gasPrice:     big.NewInt(100_000_000_000), // 100 gwei
		estimate:     100_000,
		handlers:     make(map[string]func(ethereum.CallMsg) ([]byte, error)),
		revertSends:  make(map[int]bool),
		orphanSends:  make(map[int]bool),
		receipts:     make(map[common.Hash]*types.Receipt),
		receiptReads: make(map[common.Hash]int),
		orphanHashes: make(map[common.Hash]bool),
	}
}

func (f *fakeBackend) handle(sel []byte, fn func(ethereum.CallMsg) ([]byte, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[common.Bytes2Hex(sel)] = fn
}

// answer registers a fixed 32-byte response for a selector.
func (f *fakeBackend) answer(sel []byte, value *big.Int) {
	word := common.LeftPadBytes(value.Bytes(), 32)
	f.handle(sel, func(ethereum.CallMsg) ([]byte, error) {
		return word, nil
	})
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return f.chainID, nil
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	fn, ok := f.handlers[common.Bytes2Hex(msg.Data[:4])]
	f.mu.Unlock()
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return fn(msg)
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, _ common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceCalls++
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gasPriceCalls++
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return f.estimate, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.sent)
	f.sent = append(f.sent, tx)
	if idx < len(f.sendErrs) && f.sendErrs[idx] != nil {
		return f.sendErrs[idx]
	}
	f.nonce = tx.Nonce() + 1
	if idx < f.mineFromSend {
		return nil // stays pending
	}
	status := types.ReceiptStatusSuccessful
	if f.revertSends[idx] {
		status = types.ReceiptStatusFailed
	}
	// Mine a few blocks behind head so confirmation-depth waits pass
	// without advancing the chain.
	mined := int64(f.head) - 10
	if mined < 1 {
		mined = 1
	}
	f.receipts[tx.Hash()] = &types.Receipt{
		TxHash:            tx.Hash(),
		Status:            status,
		BlockNumber:       big.NewInt(mined),
		GasUsed:           f.estimate,
		EffectiveGasPrice: new(big.Int).Set(f.gasPrice),
	}
	if f.orphanSends[idx] {
		f.orphanHashes[tx.Hash()] = true
	}
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rcpt, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	f.receiptReads[hash]++
	if f.orphanHashes[hash] && f.receiptReads[hash] > 1 {
		return nil, ethereum.NotFound
	}
	return rcpt, nil
}

func (f *fakeBackend) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeBackend) sentTx(i int) *types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[i]
}

// dataHasSelector reports whether calldata starts with the selector.
func dataHasSelector(data, sel []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], sel)
}
