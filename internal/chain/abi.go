package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Four-byte selectors for every contract call the bot makes, derived
// from the canonical signatures at init so they cannot drift from the
// packing code below.
var (
	selBalanceOf20   = selector("balanceOf(address)")
	selBalanceOf1155 = selector("balanceOf(address,uint256)")
	selIsApproved    = selector("isApprovedForAll(address,address)")
	selSetApproval   = selector("setApprovalForAll(address,bool)")

	// CTF merge: mergePositions(collateral, parentCollectionId,
	// conditionId, partition, amount).
	selMergeCTF = selector("mergePositions(address,bytes32,bytes32,uint256[],uint256)")
	// Neg-risk adapter merge: mergePositions(conditionId, amount); the
	// adapter supplies collateral and partition itself.
	selMergeNegRisk = selector("mergePositions(bytes32,uint256)")

	// CTF views that derive an outcome token's ERC-1155 id. Collection
	// ids involve curve math, so they are resolved on chain rather
	// than recomputed here.
	selGetCollectionID = selector("getCollectionId(bytes32,bytes32,uint256)")
	selGetPositionID   = selector("getPositionId(address,bytes32)")
)

func selector(signature string) []byte {
	return ethcrypto.Keccak256([]byte(signature))[:4]
}

func word(b []byte) []byte {
	return common.LeftPadBytes(b, 32)
}

func packBalanceOf(owner common.Address) []byte {
	data := make([]byte, 0, 4+32)
	data = append(data, selBalanceOf20...)
	return append(data, word(owner.Bytes())...)
}

func packBalanceOf1155(owner common.Address, tokenID *big.Int) []byte {
	data := make([]byte, 0, 4+64)
	data = append(data, selBalanceOf1155...)
	data = append(data, word(owner.Bytes())...)
	return append(data, word(tokenID.Bytes())...)
}

func packIsApprovedForAll(owner, operator common.Address) []byte {
	data := make([]byte, 0, 4+64)
	data = append(data, selIsApproved...)
	data = append(data, word(owner.Bytes())...)
	return append(data, word(operator.Bytes())...)
}

func packSetApprovalForAll(operator common.Address, approved bool) []byte {
	data := make([]byte, 0, 4+64)
	data = append(data, selSetApproval...)
	data = append(data, word(operator.Bytes())...)
	flag := []byte{0}
	if approved {
		flag[0] = 1
	}
	return append(data, word(flag)...)
}

// packMergeCTF builds the direct CTF call that burns equal Yes and No
// balances for collateral. The partition is always the binary
// index sets {1} and {2}, and the parent collection is the root
// (bytes32 zero), so only the condition and amount vary.
//
// Layout: five head words (address, bytes32, bytes32, array offset,
// uint256) followed by the partition tail (length, 1, 2). The offset
// points at the tail: 5 words = 0xa0.
func packMergeCTF(collateral common.Address, conditionID common.Hash, amount *big.Int) []byte {
	data := make([]byte, 0, 4+8*32)
	data = append(data, selMergeCTF...)
	data = append(data, word(collateral.Bytes())...)
	data = append(data, make([]byte, 32)...) // parentCollectionId = root
	data = append(data, conditionID.Bytes()...)
	data = append(data, word(big.NewInt(5 * 32).Bytes())...)
	data = append(data, word(amount.Bytes())...)
	data = append(data, word(big.NewInt(2).Bytes())...) // partition length
	data = append(data, word(big.NewInt(1).Bytes())...)
	return append(data, word(big.NewInt(2).Bytes())...)
}

func packMergeNegRisk(conditionID common.Hash, amount *big.Int) []byte {
	data := make([]byte, 0, 4+2*32)
	data = append(data, selMergeNegRisk...)
	data = append(data, conditionID.Bytes()...)
	return append(data, word(amount.Bytes())...)
}

func packGetCollectionID(parent, conditionID common.Hash, indexSet int64) []byte {
	data := make([]byte, 0, 4+3*32)
	data = append(data, selGetCollectionID...)
	data = append(data, parent.Bytes()...)
	data = append(data, conditionID.Bytes()...)
	return append(data, word(big.NewInt(indexSet).Bytes())...)
}

func packGetPositionID(collateral common.Address, collectionID common.Hash) []byte {
	data := make([]byte, 0, 4+2*32)
	data = append(data, selGetPositionID...)
	data = append(data, word(collateral.Bytes())...)
	return append(data, collectionID.Bytes()...)
}
