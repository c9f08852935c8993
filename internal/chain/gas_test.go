package chain

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

func newTestOracle(f *fakeBackend, polUSD domain.Micros) *GasOracle {
	return NewGasOracle(newTestClient(f), DefaultMergeGasUnits, polUSD, nil)
}

func TestMergeGasEstimate(t *testing.T) {
	f := newFakeBackend() // 100 gwei
	o := newTestOracle(f, domain.MicrosFromFloat(0.50))

	// 150k units at 100 gwei is 1.5e16 wei; at $0.50/POL that is
	// $0.0075.
	est, err := o.MergeGasEstimate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.MicrosFromFloat(0.0075), est)
}

func TestMergeGasEstimateCachesPrice(t *testing.T) {
	f := newFakeBackend()
	o := newTestOracle(f, domain.MicrosFromFloat(0.50))
	ctx := context.Background()

	_, err := o.MergeGasEstimate(ctx)
	require.NoError(t, err)
	_, err = o.MergeGasEstimate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.gasPriceCalls)
}

func TestToUSDCRoundsUp(t *testing.T) {
	o := newTestOracle(newFakeBackend(), domain.Dollar) // $1.00/POL

	// One wei of POL still costs at least one micro of USDC.
	assert.Equal(t, domain.Micros(1), o.ToUSDC(big.NewInt(1)))
	assert.Equal(t, domain.Micros(0), o.ToUSDC(big.NewInt(0)))
	assert.Equal(t, domain.Micros(0), o.ToUSDC(nil))

	// A whole POL converts exactly.
	assert.Equal(t, domain.Dollar, o.ToUSDC(new(big.Int).Set(weiPerPOL)))
}

func TestSetPOLPriceTakesEffect(t *testing.T) {
	o := newTestOracle(newFakeBackend(), domain.MicrosFromFloat(0.50))
	wei := new(big.Int).Set(weiPerPOL)
	assert.Equal(t, domain.MicrosFromFloat(0.50), o.ToUSDC(wei))

	o.SetPOLPrice(domain.MicrosFromFloat(0.25))
	assert.Equal(t, domain.MicrosFromFloat(0.25), o.ToUSDC(wei))
}
