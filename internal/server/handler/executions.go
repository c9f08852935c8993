package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// ExecutionHandler serves arbitrage attempt records and profit
// aggregates.
type ExecutionHandler struct {
	store  domain.ArbStore
	logger *slog.Logger
}

// NewExecutionHandler creates an ExecutionHandler over the arb store.
func NewExecutionHandler(store domain.ArbStore, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{store: store, logger: logger}
}

type legDTO struct {
	Venue        string     `json:"venue"`
	MarketID     string     `json:"market_id"`
	Outcome      string     `json:"outcome"`
	OrderID      string     `json:"order_id,omitempty"`
	LimitUSD     float64    `json:"limit_usd"`
	RequestedQty int64      `json:"requested_qty"`
	FilledQty    int64      `json:"filled_qty"`
	FillUSD      float64    `json:"fill_usd"`
	FeeUSD       float64    `json:"fee_usd"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

type executionDTO struct {
	ID         string     `json:"id"`
	SignalID   string     `json:"signal_id"`
	PairKind   string     `json:"pair_kind"`
	State      string     `json:"state"`
	Qty        int64      `json:"qty"`
	YesLeg     legDTO     `json:"yes_leg"`
	NoLeg      legDTO     `json:"no_leg"`
	HedgeLeg   *legDTO    `json:"hedge_leg,omitempty"`
	MergeTx    string     `json:"merge_tx,omitempty"`
	GasUSD     float64    `json:"gas_usd"`
	PnLUSD     float64    `json:"pnl_usd"`
	Live       bool       `json:"live"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func toLegDTO(l domain.LegRecord) legDTO {
	dto := legDTO{
		Venue:        string(l.Venue),
		MarketID:     l.MarketID,
		Outcome:      string(l.Outcome),
		OrderID:      l.OrderID,
		LimitUSD:     l.LimitPrice.Float(),
		RequestedQty: l.RequestedQty,
		FilledQty:    l.FilledQty,
		FillUSD:      l.FilledPrice.Float(),
		FeeUSD:       l.Fee.Float(),
		SubmittedAt:  l.SubmittedAt,
	}
	if !l.ResolvedAt.IsZero() {
		resolved := l.ResolvedAt
		dto.ResolvedAt = &resolved
	}
	return dto
}

func toExecutionDTO(a domain.Arb) executionDTO {
	dto := executionDTO{
		ID:         a.ID,
		SignalID:   a.SignalID,
		PairKind:   string(a.PairKind),
		State:      string(a.State),
		Qty:        a.Qty,
		YesLeg:     toLegDTO(a.YesLeg),
		NoLeg:      toLegDTO(a.NoLeg),
		MergeTx:    a.MergeTx,
		GasUSD:     a.GasSpent.Float(),
		PnLUSD:     a.PnL.Float(),
		Live:       a.Live,
		StartedAt:  a.StartedAt,
		FinishedAt: a.FinishedAt,
	}
	if a.HedgeLeg != nil {
		hedge := toLegDTO(*a.HedgeLeg)
		dto.HedgeLeg = &hedge
	}
	return dto
}

// List returns the most recent attempts, newest first.
// GET /api/executions?limit=50
func (h *ExecutionHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50, 200)

	arbs, err := h.store.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list executions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	out := make([]executionDTO, 0, len(arbs))
	for _, a := range arbs {
		out = append(out, toExecutionDTO(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": out})
}

// Get returns a single attempt with its legs.
// GET /api/executions/{id}
func (h *ExecutionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing execution id")
		return
	}

	arb, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get execution failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}
	writeJSON(w, http.StatusOK, toExecutionDTO(arb))
}

// Profit returns the realized PnL summary for a window.
// GET /api/profit?since=2026-08-01 (default: last 24h)
func (h *ExecutionHandler) Profit(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	if t, ok := parseTime(r.URL.Query().Get("since")); ok {
		since = t
	}

	sum, err := h.store.Summary(r.Context(), since)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "profit summary failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to compute profit")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"since":          sum.Since.Format(time.RFC3339),
		"until":          sum.Until.Format(time.RFC3339),
		"attempts":       sum.Attempts,
		"merged":         sum.Merged,
		"closed_at_loss": sum.ClosedAtLoss,
		"aborted":        sum.Aborted,
		"gross_pnl_usd":  sum.GrossPnL.Float(),
		"fees_usd":       sum.Fees.Float(),
		"gas_usd":        sum.Gas.Float(),
		"net_pnl_usd":    sum.NetPnL.Float(),
	})
}
