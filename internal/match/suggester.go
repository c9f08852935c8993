// Package match proposes resolution-equivalent Kalshi/Polymarket pairs
// as whitelist candidates. An LLM judges whether two markets must settle
// identically; every endorsement is review input for an operator editing
// the whitelist, never a trading decision.
package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

const systemPrompt = "You are a strict resolution-equivalence judge for binary prediction markets. Two markets are equivalent only when every possible real-world outcome settles both of them the same way. Reject when timing, thresholds, data sources, or tiebreakers differ. Respond only with JSON."

const (
	defaultSearchLimit   = 10
	defaultMaxCandidates = 3
	defaultMinConfidence = 0.6
)

// Completer produces one chat completion per system+user prompt pair.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// MarketSource lists the markets currently tracked for a venue.
type MarketSource interface {
	VenueMarkets(venue domain.Venue) []domain.Market
}

// MarketSearcher finds counterpart candidates by free-text query.
type MarketSearcher interface {
	SearchMarkets(ctx context.Context, query string, limit int) ([]domain.Market, error)
}

// PairPolicy reports which markets the whitelist already covers.
type PairPolicy interface {
	Listed(key domain.MarketKey) bool
}

// Suggestion is one endorsed pairing awaiting operator review.
type Suggestion struct {
	Kalshi     domain.Market
	Polymarket domain.Market
	Confidence float64
	Reason     string
}

// SuggesterConfig wires a Suggester.
type SuggesterConfig struct {
	LLM      Completer
	Source   MarketSource
	Searcher MarketSearcher
	Policy   PairPolicy
	Audit    domain.AuditStore // optional, records endorsements for review
	Logger   *slog.Logger
}

// Suggester scans tracked Kalshi markets that have no whitelisted
// counterpart, searches Polymarket for lookalikes, and asks the judge
// about each candidate.
type Suggester struct {
	llm      Completer
	source   MarketSource
	searcher MarketSearcher
	policy   PairPolicy
	audit    domain.AuditStore
	logger   *slog.Logger

	searchLimit   int
	maxCandidates int
	minConfidence float64
}

// NewSuggester creates a Suggester with default candidate caps.
func NewSuggester(cfg SuggesterConfig) *Suggester {
	return &Suggester{
		llm:           cfg.LLM,
		source:        cfg.Source,
		searcher:      cfg.Searcher,
		policy:        cfg.Policy,
		audit:         cfg.Audit,
		logger:        cfg.Logger.With(slog.String("component", "pair_suggester")),
		searchLimit:   defaultSearchLimit,
		maxCandidates: defaultMaxCandidates,
		minConfidence: defaultMinConfidence,
	}
}

// SuggestPairs runs one scan and returns every endorsed pairing. Search
// and judge failures skip the market or candidate involved; the scan
// keeps going so one bad title cannot starve the rest of the universe.
// Suggestions collected before a context cancellation are returned
// alongside the context error.
func (s *Suggester) SuggestPairs(ctx context.Context) ([]Suggestion, error) {
	var out []Suggestion
	for _, km := range s.source.VenueMarkets(domain.VenueKalshi) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if s.policy.Listed(km.Key()) {
			continue
		}
		title := strings.TrimSpace(km.Title)
		if title == "" {
			continue
		}
		candidates, err := s.searcher.SearchMarkets(ctx, title, s.searchLimit)
		if err != nil {
			s.logger.WarnContext(ctx, "candidate search failed",
				slog.String("market_id", km.ID),
				slog.String("error", err.Error()))
			continue
		}
		judged := 0
		for _, pm := range candidates {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			if judged >= s.maxCandidates {
				break
			}
			if s.policy.Listed(pm.Key()) {
				continue
			}
			judged++
			v, err := s.judge(ctx, km, pm)
			if err != nil {
				s.logger.WarnContext(ctx, "pair judgement failed",
					slog.String("kalshi", km.ID),
					slog.String("polymarket", pm.ID),
					slog.String("error", err.Error()))
				continue
			}
			if !v.Equivalent || v.Confidence < s.minConfidence {
				continue
			}
			sug := Suggestion{Kalshi: km, Polymarket: pm, Confidence: v.Confidence, Reason: v.Reason}
			s.record(ctx, sug)
			out = append(out, sug)
		}
	}
	return out, nil
}

type verdict struct {
	Equivalent bool    `json:"equivalent"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

type promptMarket struct {
	Venue  string   `json:"venue"`
	ID     string   `json:"id"`
	Title  string   `json:"title"`
	Closes string   `json:"closes_utc,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

func promptMarketFrom(m domain.Market) promptMarket {
	p := promptMarket{
		Venue: string(m.Venue),
		ID:    m.ID,
		Title: m.Title,
		Tags:  m.Tags,
	}
	if !m.CloseTime.IsZero() {
		p.Closes = m.CloseTime.UTC().Format(time.RFC3339)
	}
	return p
}

func (s *Suggester) judge(ctx context.Context, kalshi, poly domain.Market) (verdict, error) {
	input := struct {
		Kalshi     promptMarket `json:"kalshi"`
		Polymarket promptMarket `json:"polymarket"`
	}{promptMarketFrom(kalshi), promptMarketFrom(poly)}
	inputJSON, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return verdict{}, fmt.Errorf("match: marshal prompt input: %w", err)
	}

	user := strings.Join([]string{
		"Decide whether these two binary prediction markets must settle identically.",
		"They are equivalent only when every possible real-world outcome resolves both markets the same way.",
		"Different cutoff times, thresholds, data sources, tiebreakers, or cancellation clauses make them not equivalent.",
		"If unsure, answer false.",
		"Return EXACTLY this JSON format:\n{\n  \"equivalent\": true|false,\n  \"confidence\": 0.0-1.0,\n  \"reason\": \"short explanation\"\n}\n\nMarkets:\n" + string(inputJSON),
	}, "\n")

	raw, err := s.llm.Complete(ctx, systemPrompt, user)
	if err != nil {
		return verdict{}, fmt.Errorf("match: judge pair: %w", err)
	}
	v, err := parseVerdict(raw)
	if err != nil {
		return verdict{}, fmt.Errorf("match: parse verdict: %w", err)
	}
	return v, nil
}

// parseVerdict tolerates prose or code fences around the JSON object;
// models wrap their answers even when told not to.
func parseVerdict(raw string) (verdict, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return verdict{}, errors.New("empty response")
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		raw = raw[start : end+1]
	}
	var v verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return verdict{}, err
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	return v, nil
}

func (s *Suggester) record(ctx context.Context, sug Suggestion) {
	s.logger.InfoContext(ctx, "pair suggested",
		slog.String("kalshi", sug.Kalshi.ID),
		slog.String("polymarket", sug.Polymarket.ID),
		slog.Float64("confidence", sug.Confidence))
	if s.audit == nil {
		return
	}
	err := s.audit.Log(ctx, "pair_suggestion", map[string]any{
		"kalshi_market":    sug.Kalshi.ID,
		"kalshi_title":     sug.Kalshi.Title,
		"polymarket_id":    sug.Polymarket.ID,
		"polymarket_title": sug.Polymarket.Title,
		"confidence":       sug.Confidence,
		"reason":           sug.Reason,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}
}
