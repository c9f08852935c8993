package risk

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// PairPolicy answers whether two markets may be traded against each
// other across venues. Implemented by the strategy whitelist.
type PairPolicy interface {
	Allowed(a, b domain.MarketKey) bool
}

// LegTracker exposes the executor's in-flight arb registry. A market
// with an open leg must not receive a second arb until the first
// reaches a terminal state.
type LegTracker interface {
	Busy(keys []domain.MarketKey) (domain.MarketKey, bool)
	Count() int
}

// Config bounds the risk engine's approvals.
type Config struct {
	Sizer SizerConfig
	// MaxConcurrentArbs caps in-flight state machines across all
	// markets. Zero disables the cap.
	MaxConcurrentArbs int
}

// Engine runs every detected signal through the risk gates in a fixed
// order and, on approval, reserves capital on the touched venues. It
// is called synchronously from the strategy loop, so a verdict is
// final by the time the next book update is processed.
type Engine struct {
	cfg    Config
	ledger *Ledger
	policy PairPolicy
	legs   LegTracker
	logger *slog.Logger

	mu   sync.Mutex
	live map[domain.Venue]bool

	draining atomic.Bool
	approved atomic.Int64
	rejected atomic.Int64
}

// NewEngine builds a risk engine. Venues start dead and are marked
// live by the feed supervisor once their streams deliver data.
func NewEngine(cfg Config, ledger *Ledger, policy PairPolicy, legs LegTracker, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		ledger: ledger,
		policy: policy,
		legs:   legs,
		logger: logger.With(slog.String("component", "risk")),
		live:   make(map[domain.Venue]bool),
	}
}

// Ledger returns the capital ledger shared with the executor.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// SetVenueLive flips a venue's liveness. Called by the feed supervisor
// on connect, disconnect, and staleness detection.
func (e *Engine) SetVenueLive(venue domain.Venue, up bool) {
	e.mu.Lock()
	was := e.live[venue]
	e.live[venue] = up
	e.mu.Unlock()
	if was != up {
		e.logger.Info("venue liveness changed",
			slog.String("venue", string(venue)),
			slog.Bool("up", up))
	}
}

// VenueLive reports whether a venue's market data is current.
func (e *Engine) VenueLive(venue domain.Venue) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live[venue]
}

// SetDraining stops all further approvals when true. In-flight arbs
// are unaffected.
func (e *Engine) SetDraining(v bool) {
	e.draining.Store(v)
}

// Counts returns the approved and rejected totals for the status page.
func (e *Engine) Counts() (approved, rejected int64) {
	return e.approved.Load(), e.rejected.Load()
}

// Approve runs the gates in order and returns a verdict. Approval has
// the side effect of reserving capital; the coordinator owns releasing
// it when the arb terminates.
func (e *Engine) Approve(sig domain.SpreadSignal) domain.RiskVerdict {
	// Check 1: drain state.
	if e.draining.Load() {
		return e.reject(sig, ConstraintDraining, "engine is draining")
	}

	// Check 2: price sanity. The detector should never emit a pair at
	// or above 1.00, but the gate holds regardless of upstream bugs.
	if err := ValidatePairPrices(sig.YesAsk, sig.NoAsk); err != nil {
		return e.reject(sig, ConstraintInvalidPrice, err.Error())
	}

	// Check 3: both venues must have live market data.
	for _, venue := range signalVenues(sig) {
		if !e.VenueLive(venue) {
			return e.reject(sig, ConstraintVenueDown, "no live data from "+string(venue))
		}
	}

	// Check 4: one arb per market at a time.
	if key, busy := e.legs.Busy(sig.Markets()); busy {
		return e.reject(sig, ConstraintOpenLeg, "open leg on "+key.String())
	}

	// Check 5: global concurrency cap.
	if e.cfg.MaxConcurrentArbs > 0 && e.legs.Count() >= e.cfg.MaxConcurrentArbs {
		return e.reject(sig, ConstraintMaxConcurrent, "in-flight arb limit reached")
	}

	// Check 6: cross-platform pairs must be explicitly whitelisted.
	// The detector applies the same policy; rechecking here keeps a
	// detector bug from routing an unvetted pair to the executor.
	if sig.PairKind == domain.PairCrossPlatform {
		keys := sig.Markets()
		if len(keys) != 2 || e.policy == nil || !e.policy.Allowed(keys[0], keys[1]) {
			return e.reject(sig, ConstraintWhitelist, "pair not whitelisted for cross-venue execution")
		}
	}

	// Check 7: capital sizing against the tighter venue's free balance.
	res := ComputeSize(sig.CostPerPair(), e.bindingFree(sig), e.cfg.Sizer)
	if res.Qty < 1 {
		return e.reject(sig, res.Constraint, "free balance cannot fund one pair")
	}

	// Check 8: final quantity is the tightest of book depth, capital,
	// and the cross-venue reduction.
	qty, constraint := sig.Qty, ConstraintDepth
	if res.Qty < qty {
		qty, constraint = res.Qty, res.Constraint
	}
	if sig.PairKind == domain.PairCrossPlatform {
		if scaled := scaleBps(qty, e.cfg.Sizer.CrossSizeFactorBps); scaled < qty {
			qty, constraint = scaled, ConstraintCrossFactor
		}
	}
	if qty < 1 {
		return e.reject(sig, ConstraintInsufficient, "sized to zero contracts")
	}

	// Check 9: reserve the full outlay, fees and gas included, on
	// every touched venue. All-or-nothing.
	if err := e.ledger.Reserve(ReservationAmounts(sig, qty)); err != nil {
		return e.reject(sig, ConstraintInsufficient, err.Error())
	}

	e.approved.Add(1)
	e.logger.Info("signal approved",
		slog.String("signal_id", sig.ID),
		slog.Int64("qty", qty),
		slog.String("constraint", constraint),
		slog.String("net_edge", sig.NetEdge.String()))
	return domain.RiskVerdict{
		SignalID:   sig.ID,
		Approved:   true,
		Qty:        qty,
		Constraint: constraint,
		DecidedAt:  time.Now().UTC(),
	}
}

func (e *Engine) reject(sig domain.SpreadSignal, constraint, reason string) domain.RiskVerdict {
	e.rejected.Add(1)
	e.logger.Warn("signal rejected",
		slog.String("signal_id", sig.ID),
		slog.String("constraint", constraint),
		slog.String("reason", reason))
	return domain.RiskVerdict{
		SignalID:   sig.ID,
		Approved:   false,
		Constraint: constraint,
		Reason:     reason,
		DecidedAt:  time.Now().UTC(),
	}
}

// bindingFree returns the smallest free balance among the venues the
// signal touches. Sizing a cross-venue pair against the poorer venue
// is conservative but can never approve a leg the venue cannot fund.
func (e *Engine) bindingFree(sig domain.SpreadSignal) domain.Micros {
	venues := signalVenues(sig)
	free, _ := e.ledger.Balance(venues[0])
	for _, v := range venues[1:] {
		if f, _ := e.ledger.Balance(v); f < free {
			free = f
		}
	}
	return free
}

// ReservationAmounts computes the per-venue capital a quantity commits:
// each leg's ask plus its fee on the leg's venue, plus the amortized
// merge gas on Polymarket when the pair merges on chain. The executor
// calls this with the approved quantity to release or settle the exact
// reservation.
func ReservationAmounts(sig domain.SpreadSignal, qty int64) map[domain.Venue]domain.Micros {
	amounts := make(map[domain.Venue]domain.Micros, 2)
	amounts[sig.YesVenue] += (sig.YesAsk + sig.YesFeePerContract).MulQty(qty)
	amounts[sig.NoVenue] += (sig.NoAsk + sig.NoFeePerContract).MulQty(qty)
	if sig.Mergeable() {
		amounts[domain.VenuePolymarket] += sig.GasPerContract.MulQty(qty)
	}
	return amounts
}

func signalVenues(sig domain.SpreadSignal) []domain.Venue {
	if sig.YesVenue == sig.NoVenue {
		return []domain.Venue{sig.YesVenue}
	}
	return []domain.Venue{sig.YesVenue, sig.NoVenue}
}

func scaleBps(qty, bps int64) int64 {
	if bps <= 0 || bps >= 10_000 {
		return qty
	}
	return qty * bps / 10_000
}
