package chain

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neutralmarkets/spreadbot/internal/crypto"
	"github.com/neutralmarkets/spreadbot/internal/domain"
)

const testCondition = "0x8e2a9162b98ed21b775b20fc9b60efd90ecb04e233cb3b4bbbbd1a7b65ac5bc4"

func newTestMerger(t *testing.T, f *fakeBackend) *Merger {
	t.Helper()
	client := newTestClient(f)
	signer, err := crypto.NewSigner(testPrivateKey, crypto.PolygonChainID)
	require.NoError(t, err)
	txmgr := NewTxManager(client, signer, slog.Default())
	oracle := NewGasOracle(client, DefaultMergeGasUnits, domain.MicrosFromFloat(0.50), slog.Default())
	cfg := MergeConfig{
		MaxRetries:     3,
		RetryBackoff:   time.Millisecond,
		Confirmations:  3,
		AttemptTimeout: 50 * time.Millisecond,
		GasHeadroomPct: 25,
	}
	return NewMerger(client, txmgr, oracle, cfg, slog.Default())
}

func TestMergeSendsCTFCall(t *testing.T) {
	f := newFakeBackend()
	m := newTestMerger(t, f)

	receipt, err := m.Merge(context.Background(), testCondition, 25, false)
	require.NoError(t, err)

	require.Equal(t, 1, f.sentCount())
	tx := f.sentTx(0)
	assert.Equal(t, common.HexToAddress(CTFAddress), *tx.To())
	require.True(t, dataHasSelector(tx.Data(), selMergeCTF))

	// amount = qty scaled to raw token units
	amount := new(big.Int).SetBytes(tx.Data()[4+32*4 : 4+32*5])
	assert.Equal(t, big.NewInt(25_000_000), amount)

	// 100k units estimated + 25% headroom
	assert.Equal(t, uint64(125_000), tx.Gas())

	assert.Equal(t, tx.Hash().Hex(), receipt.TxHash)
	// 100k gas at 100 gwei is 1e16 wei; at $0.50/POL that is $0.005.
	assert.Equal(t, domain.MicrosFromFloat(0.005), receipt.GasSpent)
}

func TestMergeNegRiskUsesAdapterAndApproves(t *testing.T) {
	f := newFakeBackend()
	f.answer(selIsApproved, big.NewInt(0))
	m := newTestMerger(t, f)

	_, err := m.Merge(context.Background(), testCondition, 10, true)
	require.NoError(t, err)

	// First the approval on the CTF, then the merge on the adapter.
	require.Equal(t, 2, f.sentCount())
	approval := f.sentTx(0)
	assert.Equal(t, common.HexToAddress(CTFAddress), *approval.To())
	assert.True(t, dataHasSelector(approval.Data(), selSetApproval))

	merge := f.sentTx(1)
	assert.Equal(t, common.HexToAddress(NegRiskAdapterAddress), *merge.To())
	require.True(t, dataHasSelector(merge.Data(), selMergeNegRisk))
	assert.Equal(t, big.NewInt(10_000_000), new(big.Int).SetBytes(merge.Data()[36:68]))

	// A second neg-risk merge must not re-approve.
	_, err = m.Merge(context.Background(), testCondition, 7, true)
	require.NoError(t, err)
	assert.Equal(t, 3, f.sentCount())
}

func TestMergeSkipsApprovalWhenAlreadyGranted(t *testing.T) {
	f := newFakeBackend()
	f.answer(selIsApproved, big.NewInt(1))
	m := newTestMerger(t, f)

	_, err := m.Merge(context.Background(), testCondition, 10, true)
	require.NoError(t, err)
	assert.Equal(t, 1, f.sentCount())
}

func TestMergeIsIdempotentPerConditionAndQty(t *testing.T) {
	f := newFakeBackend()
	m := newTestMerger(t, f)
	ctx := context.Background()

	first, err := m.Merge(ctx, testCondition, 25, false)
	require.NoError(t, err)
	again, err := m.Merge(ctx, testCondition, 25, false)
	require.NoError(t, err)

	assert.Equal(t, first, again)
	assert.Equal(t, 1, f.sentCount(), "repeat must not hit the chain")

	// A different qty is a different merge.
	_, err = m.Merge(ctx, testCondition, 26, false)
	require.NoError(t, err)
	assert.Equal(t, 2, f.sentCount())
}

func TestMergeRetriesAfterRevert(t *testing.T) {
	f := newFakeBackend()
	f.revertSends[0] = true // tokens not settled yet
	m := newTestMerger(t, f)

	receipt, err := m.Merge(context.Background(), testCondition, 5, false)
	require.NoError(t, err)
	assert.Equal(t, 2, f.sentCount())
	assert.Equal(t, f.sentTx(1).Hash().Hex(), receipt.TxHash)
}

func TestMergeRetriesAfterPoolRejection(t *testing.T) {
	f := newFakeBackend()
	f.sendErrs = []error{errors.New("txpool full")}
	m := newTestMerger(t, f)

	_, err := m.Merge(context.Background(), testCondition, 5, false)
	require.NoError(t, err)
	assert.Equal(t, 2, f.sentCount())
	assert.Equal(t, f.sentTx(0).Nonce(), f.sentTx(1).Nonce(), "rejected nonce is reused")
}

func TestMergeBumpsStuckTransaction(t *testing.T) {
	f := newFakeBackend()
	f.mineFromSend = 1 // first send never mines
	m := newTestMerger(t, f)

	receipt, err := m.Merge(context.Background(), testCondition, 5, false)
	require.NoError(t, err)

	require.Equal(t, 2, f.sentCount())
	stuck, replacement := f.sentTx(0), f.sentTx(1)
	assert.Equal(t, stuck.Nonce(), replacement.Nonce())
	assert.True(t, replacement.GasPrice().Cmp(stuck.GasPrice()) > 0, "replacement pays more")
	assert.Equal(t, replacement.Hash().Hex(), receipt.TxHash)
}

func TestMergeRetriggersAfterReorg(t *testing.T) {
	f := newFakeBackend()
	f.orphanSends[0] = true
	m := newTestMerger(t, f)

	receipt, err := m.Merge(context.Background(), testCondition, 5, false)
	require.NoError(t, err)

	// The orphaned attempt is abandoned; the retry runs on a fresh
	// nonce (the fake advanced pending past the orphan).
	require.Equal(t, 2, f.sentCount())
	assert.Equal(t, f.sentTx(1).Hash().Hex(), receipt.TxHash)
}

func TestMergeGivesUpAfterRetryBudget(t *testing.T) {
	f := newFakeBackend()
	for i := 0; i < 10; i++ {
		f.revertSends[i] = true
	}
	m := newTestMerger(t, f)

	_, err := m.Merge(context.Background(), testCondition, 5, false)
	require.ErrorIs(t, err, domain.ErrMergeFailed)
	assert.Equal(t, 4, f.sentCount(), "one initial attempt plus three retries")
}

func TestMergeRejectsNonPositiveQty(t *testing.T) {
	m := newTestMerger(t, newFakeBackend())
	_, err := m.Merge(context.Background(), testCondition, 0, false)
	require.ErrorIs(t, err, domain.ErrMergeFailed)
	_, err = m.Merge(context.Background(), testCondition, -3, false)
	require.ErrorIs(t, err, domain.ErrMergeFailed)
}

func TestMergeFailsWhenEstimationKeepsReverting(t *testing.T) {
	f := newFakeBackend()
	f.estimateErr = errors.New("execution reverted: insufficient balance")
	m := newTestMerger(t, f)

	_, err := m.Merge(context.Background(), testCondition, 5, false)
	require.ErrorIs(t, err, domain.ErrMergeFailed)
	assert.Zero(t, f.sentCount(), "nothing submitted while estimation reverts")
}
