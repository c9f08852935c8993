package strategy

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// DetectorConfig sets the spread thresholds and sizing bounds.
type DetectorConfig struct {
	MinSpread            domain.Micros // baseline required edge per contract
	CryptoShortMinSpread domain.Micros // elevated edge for crypto 15m/1h markets
	CrossMinSpread       domain.Micros // elevated edge for cross-platform pairs
	CapacityCap          int64         // hard per-signal contract cap
	DynamicFeeBps        int64         // Polymarket dynamic taker-fee rate
	SignalTTL            time.Duration
}

// Detector finds negative spreads: book states where buying the top
// Yes ask plus the top No ask, with all fees and gas, costs strictly
// less than the $1.00 pair payout by at least the market's threshold.
// Evaluation is synchronous and never blocks; callers pass every input
// it needs, including the current gas snapshot.
type Detector struct {
	cfg    DetectorConfig
	logger *slog.Logger
}

// NewDetector creates a Detector.
func NewDetector(cfg DetectorConfig, logger *slog.Logger) *Detector {
	if cfg.CapacityCap <= 0 {
		cfg.CapacityCap = 1_000
	}
	if cfg.SignalTTL <= 0 {
		cfg.SignalTTL = 2 * time.Second
	}
	return &Detector{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "spread_detector")),
	}
}

// leg is one side of a candidate pairing.
type leg struct {
	venue    domain.Venue
	marketID string
	tokenID  string
	market   domain.Market
	asks     []domain.BookLevel
}

// EvaluateIntra checks a single market's own Yes and No ask ladders.
// gasPerMergeTx is the current oracle estimate for one mergePositions
// call; it only applies when the pair can merge (Polymarket).
func (d *Detector) EvaluateIntra(book *domain.OrderBook, meta domain.Market, gasPerMergeTx domain.Micros) *domain.SpreadSignal {
	kind := domain.PairIntraKalshi
	conditionID := ""
	if book.Venue == domain.VenuePolymarket {
		kind = domain.PairIntraPolymarket
		conditionID = meta.ConditionID
	} else {
		gasPerMergeTx = 0
	}
	yes := leg{venue: book.Venue, marketID: book.MarketID, tokenID: meta.YesTokenID, market: meta, asks: book.YesAsks}
	no := leg{venue: book.Venue, marketID: book.MarketID, tokenID: meta.NoTokenID, market: meta, asks: book.NoAsks}
	return d.evaluate(yes, no, kind, conditionID, gasPerMergeTx)
}

// EvaluateCross checks both pairings of a whitelisted Kalshi/Polymarket
// pair: Kalshi Yes with Polymarket No, and Polymarket Yes with Kalshi
// No. Cross-platform fills are held to resolution, so no merge gas
// applies.
func (d *Detector) EvaluateCross(kalshi, poly *domain.OrderBook, kalshiMeta, polyMeta domain.Market) []domain.SpreadSignal {
	kYes := leg{venue: domain.VenueKalshi, marketID: kalshi.MarketID, market: kalshiMeta, asks: kalshi.YesAsks}
	kNo := leg{venue: domain.VenueKalshi, marketID: kalshi.MarketID, market: kalshiMeta, asks: kalshi.NoAsks}
	pYes := leg{venue: domain.VenuePolymarket, marketID: poly.MarketID, tokenID: polyMeta.YesTokenID, market: polyMeta, asks: poly.YesAsks}
	pNo := leg{venue: domain.VenuePolymarket, marketID: poly.MarketID, tokenID: polyMeta.NoTokenID, market: polyMeta, asks: poly.NoAsks}

	var out []domain.SpreadSignal
	if sig := d.evaluate(kYes, pNo, domain.PairCrossPlatform, "", 0); sig != nil {
		out = append(out, *sig)
	}
	if sig := d.evaluate(pYes, kNo, domain.PairCrossPlatform, "", 0); sig != nil {
		out = append(out, *sig)
	}
	return out
}

func (d *Detector) evaluate(yes, no leg, kind domain.PairKind, conditionID string, gasPerTx domain.Micros) *domain.SpreadSignal {
	yesTop := top(yes.asks)
	noTop := top(no.asks)
	// An empty side quotes at infinity: nothing to buy, nothing to emit.
	if yesTop.Price.IsNoLiquidity() || noTop.Price.IsNoLiquidity() {
		return nil
	}
	if yesTop.Qty <= 0 || noTop.Qty <= 0 {
		return nil
	}

	qty := min3(yesTop.Qty, noTop.Qty, d.cfg.CapacityCap)
	yesFeePC := domain.AmortizePerContract(legFee(yes, yesTop.Price, qty, d.cfg.DynamicFeeBps), qty)
	noFeePC := domain.AmortizePerContract(legFee(no, noTop.Price, qty, d.cfg.DynamicFeeBps), qty)
	feesPC := yesFeePC + noFeePC
	var gasPC domain.Micros
	if gasPerTx > 0 {
		gasPC = domain.AmortizePerContract(gasPerTx, qty)
	}

	netEdge := domain.Dollar - yesTop.Price - noTop.Price - feesPC - gasPC
	threshold := d.threshold(kind, yes.market, no.market)
	if netEdge < threshold {
		return nil
	}

	maxQty := d.walkDepth(yes, no, qty, gasPC)
	now := time.Now()
	return &domain.SpreadSignal{
		ID:                uuid.NewString(),
		PairKind:          kind,
		YesVenue:          yes.venue,
		YesMarketID:       yes.marketID,
		YesTokenID:        yes.tokenID,
		YesAsk:            yesTop.Price,
		NoVenue:           no.venue,
		NoMarketID:        no.marketID,
		NoTokenID:         no.tokenID,
		NoAsk:             noTop.Price,
		Qty:               maxQty,
		YesFeePerContract: yesFeePC,
		NoFeePerContract:  noFeePC,
		FeePerContract:    feesPC,
		GasPerContract:    gasPC,
		NetEdge:           netEdge,
		Threshold:         threshold,
		ConditionID:       conditionID,
		NegRisk:           yes.market.NegRisk,
		DetectedAt:        now,
		ExpiresAt:         now.Add(d.cfg.SignalTTL),
	}
}

// walkDepth extends the executable quantity past the top levels while
// every marginal contract pair stays profitable on its own. A level
// that would turn the marginal edge non-positive is never crossed
// into; fee estimates at depth use the marginal level's price.
func (d *Detector) walkDepth(yes, no leg, taken int64, gasPC domain.Micros) int64 {
	total := taken
	yc := newCursor(yes.asks)
	yc.consume(taken)
	nc := newCursor(no.asks)
	nc.consume(taken)

	for total < d.cfg.CapacityCap && !yc.done() && !nc.done() {
		yp := yc.price()
		np := nc.price()
		feePC := legFee(yes, yp, 1, d.cfg.DynamicFeeBps) + legFee(no, np, 1, d.cfg.DynamicFeeBps)
		marginal := domain.Dollar - yp - np - feePC - gasPC
		if marginal <= 0 {
			break
		}
		step := yc.rem
		if nc.rem < step {
			step = nc.rem
		}
		if room := d.cfg.CapacityCap - total; room < step {
			step = room
		}
		total += step
		yc.consume(step)
		nc.consume(step)
	}
	return total
}

// ladderCursor steps through an ask ladder tracking a partially
// consumed level.
type ladderCursor struct {
	asks []domain.BookLevel
	i    int
	rem  int64
}

func newCursor(asks []domain.BookLevel) *ladderCursor {
	c := &ladderCursor{asks: asks}
	if len(asks) > 0 {
		c.rem = asks[0].Qty
	}
	return c
}

func (c *ladderCursor) done() bool { return c.i >= len(c.asks) }

func (c *ladderCursor) price() domain.Micros { return c.asks[c.i].Price }

func (c *ladderCursor) consume(qty int64) {
	for qty > 0 && !c.done() {
		if c.rem > qty {
			c.rem -= qty
			return
		}
		qty -= c.rem
		c.i++
		if c.done() {
			c.rem = 0
			return
		}
		c.rem = c.asks[c.i].Qty
	}
}

func (d *Detector) threshold(kind domain.PairKind, yesMkt, noMkt domain.Market) domain.Micros {
	th := d.cfg.MinSpread
	if kind == domain.PairCrossPlatform && d.cfg.CrossMinSpread > th {
		th = d.cfg.CrossMinSpread
	}
	if (yesMkt.IsCryptoShortDuration() || noMkt.IsCryptoShortDuration()) && d.cfg.CryptoShortMinSpread > th {
		th = d.cfg.CryptoShortMinSpread
	}
	return th
}

// legFee returns the total venue fee for qty contracts of one leg at
// the given price.
func legFee(l leg, price domain.Micros, qty int64, dynamicBps int64) domain.Micros {
	switch l.venue {
	case domain.VenueKalshi:
		return domain.KalshiTakerFee(qty, price)
	case domain.VenuePolymarket:
		if l.market.IsCryptoShortDuration() {
			return domain.PolyDynamicFeePerContract(price, dynamicBps).MulQty(qty)
		}
	}
	return 0
}

func top(asks []domain.BookLevel) domain.BookLevel {
	if len(asks) == 0 {
		return domain.BookLevel{Price: domain.NoLiquidity}
	}
	return asks[0]
}

func min3(a, b, c int64) int64 {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
