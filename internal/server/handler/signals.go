package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// SignalHandler serves the detected-signal history.
type SignalHandler struct {
	store  domain.SignalStore
	logger *slog.Logger
}

// NewSignalHandler creates a SignalHandler over the signal store.
func NewSignalHandler(store domain.SignalStore, logger *slog.Logger) *SignalHandler {
	return &SignalHandler{store: store, logger: logger}
}

type signalDTO struct {
	ID          string    `json:"id"`
	PairKind    string    `json:"pair_kind"`
	YesVenue    string    `json:"yes_venue"`
	YesMarketID string    `json:"yes_market_id"`
	YesAskUSD   float64   `json:"yes_ask_usd"`
	NoVenue     string    `json:"no_venue"`
	NoMarketID  string    `json:"no_market_id"`
	NoAskUSD    float64   `json:"no_ask_usd"`
	Qty         int64     `json:"qty"`
	FeeUSD      float64   `json:"fee_per_contract_usd"`
	GasUSD      float64   `json:"gas_per_contract_usd"`
	NetEdgeUSD  float64   `json:"net_edge_usd"`
	DetectedAt  time.Time `json:"detected_at"`
}

func toSignalDTO(s domain.SpreadSignal) signalDTO {
	return signalDTO{
		ID:          s.ID,
		PairKind:    string(s.PairKind),
		YesVenue:    string(s.YesVenue),
		YesMarketID: s.YesMarketID,
		YesAskUSD:   s.YesAsk.Float(),
		NoVenue:     string(s.NoVenue),
		NoMarketID:  s.NoMarketID,
		NoAskUSD:    s.NoAsk.Float(),
		Qty:         s.Qty,
		FeeUSD:      s.FeePerContract.Float(),
		GasUSD:      s.GasPerContract.Float(),
		NetEdgeUSD:  s.NetEdge.Float(),
		DetectedAt:  s.DetectedAt,
	}
}

// ListRecent returns the newest detected signals.
// GET /api/signals/recent?limit=50
func (h *SignalHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50, 200)

	signals, err := h.store.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list signals failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list signals")
		return
	}

	out := make([]signalDTO, 0, len(signals))
	for _, s := range signals {
		out = append(out, toSignalDTO(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"signals": out})
}
