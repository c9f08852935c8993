package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// PositionHandler serves the held-position endpoint.
type PositionHandler struct {
	store  domain.PositionStore
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler over the position store.
func NewPositionHandler(store domain.PositionStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{store: store, logger: logger}
}

type positionDTO struct {
	ID           string     `json:"id"`
	ArbID        string     `json:"arb_id"`
	Venue        string     `json:"venue"`
	MarketID     string     `json:"market_id"`
	Outcome      string     `json:"outcome"`
	Qty          int64      `json:"qty"`
	EntryUSD     float64    `json:"entry_usd"`
	ExitUSD      *float64   `json:"exit_usd,omitempty"`
	CostBasisUSD float64    `json:"cost_basis_usd"`
	Status       string     `json:"status"`
	OpenedAt     time.Time  `json:"opened_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

func toPositionDTO(p domain.Position) positionDTO {
	dto := positionDTO{
		ID:           p.ID,
		ArbID:        p.ArbID,
		Venue:        string(p.Venue),
		MarketID:     p.MarketID,
		Outcome:      string(p.Outcome),
		Qty:          p.Qty,
		EntryUSD:     p.EntryPrice.Float(),
		CostBasisUSD: p.CostBasis().Float(),
		Status:       string(p.Status),
		OpenedAt:     p.OpenedAt,
		ClosedAt:     p.ClosedAt,
	}
	if p.ExitPrice != nil {
		exit := p.ExitPrice.Float()
		dto.ExitUSD = &exit
	}
	return dto
}

// List returns open positions, optionally narrowed to one market.
// GET /api/positions[?venue=kalshi&market=KXBTCD-...]
func (h *PositionHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	venue, market := q.Get("venue"), q.Get("market")

	var (
		positions []domain.Position
		err       error
	)
	switch {
	case venue != "" && market != "":
		key := domain.MarketKey{Venue: domain.Venue(venue), MarketID: market}
		positions, err = h.store.ListByMarket(r.Context(), key, parseListOpts(r))
	case venue != "" || market != "":
		writeError(w, http.StatusBadRequest, "venue and market must be given together")
		return
	default:
		positions, err = h.store.ListOpen(r.Context())
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list positions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	out := make([]positionDTO, 0, len(positions))
	for _, p := range positions {
		out = append(out, toPositionDTO(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}
