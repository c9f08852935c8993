package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// DefaultMergeGasUnits is the calibrated cost of one binary
// mergePositions call, headroom included. Observed usage sits around
// 110k; the estimate errs high so edges shrink rather than inflate.
const DefaultMergeGasUnits = 150_000

// gasPriceTTL is how long one SuggestGasPrice answer is reused before
// the oracle asks the node again.
const gasPriceTTL = 15 * time.Second

var weiPerPOL = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// GasOracle prices a merge in USDC: Polygon gas price times calibrated
// merge gas units times the configured POL/USDC rate. The rate is a
// config knob refreshed by the operator, not a price feed; it only
// needs to be right within tens of percent because gas is cents
// against edges of dollars.
type GasOracle struct {
	eth      backend
	units    uint64
	polPrice atomic.Int64 // Micros of USDC per whole POL
	logger   *slog.Logger

	mu      sync.Mutex
	cached  *big.Int
	fetched time.Time
}

// NewGasOracle builds an oracle over an existing client connection.
// units of zero takes the calibrated default; polUSD is the USDC value
// of one POL.
func NewGasOracle(c *Client, units uint64, polUSD domain.Micros, logger *slog.Logger) *GasOracle {
	if units == 0 {
		units = DefaultMergeGasUnits
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &GasOracle{
		eth:    c.eth,
		units:  units,
		logger: logger.With(slog.String("component", "gas_oracle")),
	}
	o.polPrice.Store(int64(polUSD))
	return o
}

// SetPOLPrice updates the POL/USDC conversion rate.
func (o *GasOracle) SetPOLPrice(polUSD domain.Micros) {
	o.polPrice.Store(int64(polUSD))
}

// MergeGasEstimate returns the expected USDC cost of one merge
// transaction at the current Polygon gas price.
func (o *GasOracle) MergeGasEstimate(ctx context.Context) (domain.Micros, error) {
	price, err := o.gasPrice(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: gas price: %w", err)
	}
	wei := new(big.Int).Mul(price, new(big.Int).SetUint64(o.units))
	return o.ToUSDC(wei), nil
}

// ToUSDC converts an amount of POL wei into USDC Micros at the
// configured rate, rounding up so costs are never understated.
func (o *GasOracle) ToUSDC(wei *big.Int) domain.Micros {
	if wei == nil || wei.Sign() <= 0 {
		return 0
	}
	usdc := new(big.Int).Mul(wei, big.NewInt(o.polPrice.Load()))
	usdc.Add(usdc, new(big.Int).Sub(weiPerPOL, big.NewInt(1)))
	usdc.Quo(usdc, weiPerPOL)
	if !usdc.IsInt64() {
		// A conversion this large means a garbage rate; saturate so
		// the edge math rejects the trade.
		return domain.Micros(1 << 62)
	}
	return domain.Micros(usdc.Int64())
}

func (o *GasOracle) gasPrice(ctx context.Context) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cached != nil && time.Since(o.fetched) < gasPriceTTL {
		return o.cached, nil
	}
	price, err := o.eth.SuggestGasPrice(ctx)
	if err != nil {
		if o.cached != nil {
			o.logger.Warn("gas price refresh failed, reusing cached",
				slog.String("error", err.Error()))
			return o.cached, nil
		}
		return nil, err
	}
	o.cached, o.fetched = price, time.Now()
	return price, nil
}
