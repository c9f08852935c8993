package chain

import (
	"context"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

var testOwner = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

func newTestClient(f *fakeBackend) *Client {
	return newClient(f, 137, Config{}, slog.Default())
}

func TestUSDCBalanceMapsToMicros(t *testing.T) {
	f := newFakeBackend()
	f.handle(selBalanceOf20, func(msg ethereum.CallMsg) ([]byte, error) {
		assert.Equal(t, common.HexToAddress(USDCAddress), *msg.To)
		assert.Equal(t, common.LeftPadBytes(testOwner.Bytes(), 32), msg.Data[4:])
		return common.LeftPadBytes(big.NewInt(123_456_789).Bytes(), 32), nil
	})

	bal, err := newTestClient(f).USDCBalance(context.Background(), testOwner)
	require.NoError(t, err)
	assert.Equal(t, domain.Micros(123_456_789), bal)
}

func TestPositionBalanceFloorsToWholeContracts(t *testing.T) {
	f := newFakeBackend()
	f.answer(selBalanceOf1155, big.NewInt(7_999_999)) // 7.999999 tokens

	got, err := newTestClient(f).PositionBalance(context.Background(), testOwner, big.NewInt(42))
	require.NoError(t, err)
	assert.Equal(t, int64(7), got)
}

func TestIsApprovedForAll(t *testing.T) {
	f := newFakeBackend()
	f.answer(selIsApproved, big.NewInt(1))
	c := newTestClient(f)

	ok, err := c.IsApprovedForAll(context.Background(), testOwner, common.HexToAddress(NegRiskAdapterAddress))
	require.NoError(t, err)
	assert.True(t, ok)

	f.answer(selIsApproved, big.NewInt(0))
	ok, err = c.IsApprovedForAll(context.Background(), testOwner, common.HexToAddress(NegRiskAdapterAddress))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPositionTokenIDChainsViewCalls(t *testing.T) {
	cond := common.HexToHash("0xc0ffee")
	collection := common.HexToHash("0x1234")
	f := newFakeBackend()
	f.handle(selGetCollectionID, func(msg ethereum.CallMsg) ([]byte, error) {
		assert.Equal(t, cond.Bytes(), msg.Data[36:68])
		return collection.Bytes(), nil
	})
	f.handle(selGetPositionID, func(msg ethereum.CallMsg) ([]byte, error) {
		assert.Equal(t, common.LeftPadBytes(common.HexToAddress(USDCAddress).Bytes(), 32), msg.Data[4:36])
		assert.Equal(t, collection.Bytes(), msg.Data[36:68])
		return common.LeftPadBytes(big.NewInt(777).Bytes(), 32), nil
	})

	id, err := newTestClient(f).PositionTokenID(context.Background(), cond, 1)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(777), id)
}

func TestConfigOverridesAddresses(t *testing.T) {
	f := newFakeBackend()
	c := newClient(f, 137, Config{USDCAddress: "0x0000000000000000000000000000000000000001"}, nil)
	f.handle(selBalanceOf20, func(msg ethereum.CallMsg) ([]byte, error) {
		assert.Equal(t, common.HexToAddress("0x1"), *msg.To)
		return make([]byte, 32), nil
	})
	_, err := c.USDCBalance(context.Background(), testOwner)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(CTFAddress), c.ctf, "unset addresses keep defaults")
}
