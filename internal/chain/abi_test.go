package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectorsMatchCanonicalValues(t *testing.T) {
	// The ERC-20/1155 selectors are fixed by the standards; a mismatch
	// here means the signature strings drifted.
	assert.Equal(t, "70a08231", common.Bytes2Hex(selBalanceOf20))
	assert.Equal(t, "00fdd58e", common.Bytes2Hex(selBalanceOf1155))
	assert.Equal(t, "e985e9c5", common.Bytes2Hex(selIsApproved))
	assert.Equal(t, "a22cb465", common.Bytes2Hex(selSetApproval))
}

func TestPackBalanceOf(t *testing.T) {
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	data := packBalanceOf(owner)
	require.Len(t, data, 4+32)
	assert.True(t, dataHasSelector(data, selBalanceOf20))
	assert.Equal(t, common.LeftPadBytes(owner.Bytes(), 32), data[4:36])
}

func TestPackMergeCTFLayout(t *testing.T) {
	collateral := common.HexToAddress(USDCAddress)
	cond := common.HexToHash("0xc0ffee")
	amount := new(big.Int).Mul(big.NewInt(25), big.NewInt(1_000_000))

	data := packMergeCTF(collateral, cond, amount)
	require.Len(t, data, 4+8*32)
	require.True(t, dataHasSelector(data, selMergeCTF))

	word := func(i int) []byte { return data[4+32*i : 4+32*(i+1)] }
	assert.Equal(t, common.LeftPadBytes(collateral.Bytes(), 32), word(0))
	assert.Equal(t, make([]byte, 32), word(1), "parent collection must be the root")
	assert.Equal(t, cond.Bytes(), word(2))
	assert.Equal(t, big.NewInt(0xa0), new(big.Int).SetBytes(word(3)), "partition offset")
	assert.Equal(t, amount, new(big.Int).SetBytes(word(4)))
	assert.Equal(t, big.NewInt(2), new(big.Int).SetBytes(word(5)), "partition length")
	assert.Equal(t, big.NewInt(1), new(big.Int).SetBytes(word(6)))
	assert.Equal(t, big.NewInt(2), new(big.Int).SetBytes(word(7)))
}

func TestPackMergeNegRisk(t *testing.T) {
	cond := common.HexToHash("0xbeef")
	data := packMergeNegRisk(cond, big.NewInt(5_000_000))
	require.Len(t, data, 4+2*32)
	assert.True(t, dataHasSelector(data, selMergeNegRisk))
	assert.Equal(t, cond.Bytes(), data[4:36])
	assert.Equal(t, big.NewInt(5_000_000), new(big.Int).SetBytes(data[36:68]))
}

func TestPackSetApprovalForAll(t *testing.T) {
	op := common.HexToAddress(NegRiskAdapterAddress)
	data := packSetApprovalForAll(op, true)
	require.Len(t, data, 4+2*32)
	assert.Equal(t, byte(1), data[len(data)-1])

	data = packSetApprovalForAll(op, false)
	assert.Equal(t, byte(0), data[len(data)-1])
}

func TestPackGetCollectionID(t *testing.T) {
	cond := common.HexToHash("0xabcd")
	data := packGetCollectionID(common.Hash{}, cond, 2)
	require.Len(t, data, 4+3*32)
	assert.True(t, dataHasSelector(data, selGetCollectionID))
	assert.Equal(t, make([]byte, 32), data[4:36])
	assert.Equal(t, cond.Bytes(), data[36:68])
	assert.Equal(t, big.NewInt(2), new(big.Int).SetBytes(data[68:100]))
}
