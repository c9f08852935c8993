package polymarket

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/neutralmarkets/spreadbot/internal/crypto"
	"github.com/neutralmarkets/spreadbot/internal/domain"
)

const (
	// submitAttempts bounds placement retries. Only a 429 is retried:
	// it is the one rejection that guarantees the venue never saw the
	// order, and a fill-or-kill resubmitted after any other failure
	// could double-fill.
	submitAttempts = 3
	submitBackoff  = 100 * time.Millisecond
)

// TokenMeta resolves per-token market metadata the signing path needs:
// the neg-risk flag selects the EIP-712 domain and the fee ceiling is
// signed into the order.
type TokenMeta interface {
	TokenMarket(tokenID string) (domain.Market, bool)
}

// Adapter translates unified orders into signed CLOB submissions.
// Fill-or-kill legs resolve synchronously in the placement response;
// good-till-cancelled hedge orders come back resting and are tracked
// through Status.
type Adapter struct {
	clob    *ClobClient
	signer  *crypto.Signer
	meta    TokenMeta
	maker   string // funds source; the signer address unless a proxy wallet is set
	sigType int
	logger  *slog.Logger
}

// NewAdapter creates the order adapter. meta may be nil, in which case
// every order signs against the standard exchange with a zero fee
// ceiling.
func NewAdapter(clob *ClobClient, signer *crypto.Signer, meta TokenMeta, logger *slog.Logger) *Adapter {
	return &Adapter{
		clob:    clob,
		signer:  signer,
		meta:    meta,
		maker:   signer.Address().Hex(),
		sigType: 0, // EOA
		logger:  logger.With(slog.String("component", "polymarket_orders")),
	}
}

// SetFunder routes order funds through a proxy wallet. sigType is 1
// for Polymarket proxy wallets and 2 for Gnosis safes.
func (a *Adapter) SetFunder(address string, sigType int) {
	a.maker = common.HexToAddress(address).Hex()
	a.sigType = sigType
}

// Submit signs and places one order and reports the synchronous
// outcome.
func (a *Adapter) Submit(ctx context.Context, o domain.Order) (domain.OrderResult, error) {
	payload, orderType, negRisk, feeBps, err := a.buildPayload(o)
	if err != nil {
		return domain.OrderResult{}, err
	}
	sig, err := a.signer.SignOrder(payload, negRisk)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket: %w: %v", domain.ErrSigningFailed, err)
	}

	a.logger.InfoContext(ctx, "submitting order",
		slog.String("market", o.MarketID),
		slog.String("token", o.TokenID),
		slog.String("side", string(o.Side)),
		slog.String("type", orderType),
		slog.String("price", o.Price.String()),
		slog.Int64("qty", o.Qty),
		slog.Bool("neg_risk", negRisk),
	)

	backoff := submitBackoff
	for attempt := 1; ; attempt++ {
		ack, err := a.clob.PostOrder(ctx, payload, sig, orderType)
		if err == nil {
			res := a.resultFrom(ack, o, feeBps)
			a.logger.InfoContext(ctx, "order result",
				slog.String("order_id", res.OrderID),
				slog.String("status", string(res.Status)),
				slog.Int64("filled_qty", res.FilledQty),
			)
			return res, nil
		}
		if attempt >= submitAttempts || !errors.Is(err, domain.ErrRateLimited) {
			return domain.OrderResult{}, err
		}
		a.logger.WarnContext(ctx, "order submit retry",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return domain.OrderResult{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// Cancel removes the resting remainder of an order. An order the venue
// no longer knows is treated as already cancelled.
func (a *Adapter) Cancel(ctx context.Context, marketID, orderID string) error {
	err := a.clob.CancelOrder(ctx, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		a.logger.DebugContext(ctx, "cancel: order already gone",
			slog.String("market", marketID),
			slog.String("order_id", orderID),
		)
		return nil
	}
	return err
}

// Status returns the cumulative fill state of a resting order.
func (a *Adapter) Status(ctx context.Context, orderID string) (domain.OrderResult, error) {
	ord, err := a.clob.GetOrder(ctx, orderID)
	if err != nil {
		return domain.OrderResult{}, err
	}
	return a.restingResult(ord)
}

// buildPayload validates one unified order and assembles the payload
// to sign. For buys the maker amount is collateral and the taker
// amount is tokens; sells invert that.
func (a *Adapter) buildPayload(o domain.Order) (crypto.OrderPayload, string, bool, int64, error) {
	if o.Venue != domain.VenuePolymarket {
		return crypto.OrderPayload{}, "", false, 0, fmt.Errorf("polymarket: %w: order for venue %q", domain.ErrInvalidOrder, o.Venue)
	}
	if o.TokenID == "" {
		return crypto.OrderPayload{}, "", false, 0, fmt.Errorf("polymarket: %w: missing token id", domain.ErrInvalidOrder)
	}
	if o.Qty <= 0 {
		return crypto.OrderPayload{}, "", false, 0, fmt.Errorf("polymarket: %w: qty %d", domain.ErrInvalidOrder, o.Qty)
	}
	if o.Price <= 0 || o.Price >= domain.Dollar {
		return crypto.OrderPayload{}, "", false, 0, fmt.Errorf("polymarket: %w: %s outside (0, 1)", domain.ErrInvalidPrice, o.Price)
	}

	var orderType string
	switch o.Type {
	case domain.OrderTypeFOK:
		orderType = "FOK"
	case domain.OrderTypeGTC:
		orderType = "GTC"
	case domain.OrderTypeIOC:
		// The venue spells immediate-or-cancel as fill-and-kill.
		orderType = "FAK"
	default:
		return crypto.OrderPayload{}, "", false, 0, fmt.Errorf("polymarket: %w: order type %q", domain.ErrInvalidOrder, o.Type)
	}

	negRisk := false
	var feeBps int64
	if a.meta != nil {
		if mkt, ok := a.meta.TokenMarket(o.TokenID); ok {
			negRisk = mkt.NegRisk
			feeBps = mkt.FeeRateBps
			if mkt.TickSize > 0 && o.Price%mkt.TickSize != 0 {
				return crypto.OrderPayload{}, "", false, 0, fmt.Errorf("polymarket: %w: %s off the %s tick", domain.ErrInvalidPrice, o.Price, mkt.TickSize)
			}
		} else {
			a.logger.Warn("no metadata for token, signing with defaults",
				slog.String("token", o.TokenID),
			)
		}
	}

	collateral := o.Price.MulQty(o.Qty).USDC()
	tokens := new(big.Int).Mul(big.NewInt(o.Qty), big.NewInt(int64(domain.Dollar)))

	payload := crypto.OrderPayload{
		Salt:          strconv.FormatUint(randomSalt(), 10),
		Maker:         a.maker,
		Signer:        a.signer.Address().Hex(),
		Taker:         common.Address{}.Hex(), // open order, any counterparty
		TokenID:       o.TokenID,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    strconv.FormatInt(feeBps, 10),
		SignatureType: a.sigType,
	}
	switch o.Side {
	case domain.OrderSideBuy:
		payload.Side = 0
		payload.MakerAmount = collateral.String()
		payload.TakerAmount = tokens.String()
	case domain.OrderSideSell:
		payload.Side = 1
		payload.MakerAmount = tokens.String()
		payload.TakerAmount = collateral.String()
	default:
		return crypto.OrderPayload{}, "", false, 0, fmt.Errorf("polymarket: %w: side %q", domain.ErrInvalidOrder, o.Side)
	}
	return payload, orderType, negRisk, feeBps, nil
}

// resultFrom maps a placement ack onto the unified result. A matched
// immediate order reports its volume-weighted fill price from the
// matched totals; the venue omits them for resting orders.
func (a *Adapter) resultFrom(ack OrderAck, o domain.Order, feeBps int64) domain.OrderResult {
	res := domain.OrderResult{
		OrderID: ack.OrderID,
		Message: ack.ErrorMsg,
	}
	if !ack.Success {
		res.Status = domain.OrderStatusRejected
		return res
	}

	switch strings.ToLower(ack.Status) {
	case "matched":
		res.Status = domain.OrderStatusFilled
		res.FilledQty = o.Qty
		res.FilledPrice = o.Price
		if price, qty, ok := matchedFill(ack, o.Side); ok {
			res.FilledPrice = price
			res.FilledQty = qty
			if qty < o.Qty {
				res.Status = domain.OrderStatusPartial
			}
		}
		res.Fee = domain.PolyDynamicFeePerContract(res.FilledPrice, feeBps).MulQty(res.FilledQty)
	case "live":
		res.Status = domain.OrderStatusOpen
	case "delayed":
		// Orders on delayed markets queue venue-side before matching.
		res.Status = domain.OrderStatusPending
	case "unmatched":
		res.Status = domain.OrderStatusCancelled
	default:
		res.Status = domain.OrderStatusPending
	}
	return res
}

// matchedFill derives the average price and filled contracts from the
// matched making/taking totals.
func matchedFill(ack OrderAck, side domain.OrderSide) (domain.Micros, int64, bool) {
	making, err1 := microsFromDecimal(ack.MakingAmount)
	taking, err2 := microsFromDecimal(ack.TakingAmount)
	if err1 != nil || err2 != nil || making <= 0 || taking <= 0 {
		return 0, 0, false
	}
	// Buy: made collateral, took tokens. Sell: the reverse.
	collateral, tokens := making, taking
	if side == domain.OrderSideSell {
		collateral, tokens = taking, making
	}
	price := domain.Micros(int64(collateral) * int64(domain.Dollar) / int64(tokens))
	return price, int64(tokens) / int64(domain.Dollar), true
}

// restingResult maps the GET order object onto the unified result.
func (a *Adapter) restingResult(ord ClobOrder) (domain.OrderResult, error) {
	matched, err := microsFromDecimal(ord.SizeMatched)
	if err != nil {
		matched = 0
	}
	original, err := microsFromDecimal(ord.OriginalSize)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket: order %s: bad size %q", ord.ID, ord.OriginalSize)
	}
	price, err := microsFromDecimal(ord.Price)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket: order %s: bad price %q", ord.ID, ord.Price)
	}

	res := domain.OrderResult{
		OrderID:   ord.ID,
		FilledQty: int64(matched) / int64(domain.Dollar),
	}
	if res.FilledQty > 0 {
		res.FilledPrice = price
	}
	switch strings.ToUpper(ord.Status) {
	case "MATCHED":
		res.Status = domain.OrderStatusFilled
	case "LIVE":
		if res.FilledQty > 0 {
			res.Status = domain.OrderStatusPartial
		} else {
			res.Status = domain.OrderStatusOpen
		}
	case "CANCELED", "CANCELLED":
		res.Status = domain.OrderStatusCancelled
	default:
		if matched >= original && original > 0 {
			res.Status = domain.OrderStatusFilled
		} else {
			res.Status = domain.OrderStatusPending
		}
	}
	return res, nil
}

// randomSalt returns a uniformly random uint32-range salt. The venue
// only needs uniqueness per (maker, payload), and small salts keep the
// signed struct canonical across client implementations.
func randomSalt() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano()) & 0xFFFFFFFF
	}
	return binary.BigEndian.Uint64(b[:]) & 0xFFFFFFFF
}
