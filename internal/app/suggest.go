package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neutralmarkets/spreadbot/internal/config"
	"github.com/neutralmarkets/spreadbot/internal/domain"
	"github.com/neutralmarkets/spreadbot/internal/match"
	"github.com/neutralmarkets/spreadbot/internal/platform/kalshi"
	"github.com/neutralmarkets/spreadbot/internal/platform/polymarket"
	"github.com/neutralmarkets/spreadbot/internal/service"
	"github.com/neutralmarkets/spreadbot/internal/strategy"
)

// SuggestPairs runs one offline pair-discovery scan: tracked Kalshi
// markets without a whitelisted counterpart are matched against
// Polymarket search results and judged by the language model. Endorsed
// pairings are logged and recorded in the audit trail for operator
// review; nothing is whitelisted automatically.
func SuggestPairs(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.OpenAI.APIKey == "" {
		return fmt.Errorf("suggest: openai api key is not configured")
	}

	deps, cleanup, err := Wire(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("suggest: wire dependencies: %w", err)
	}
	defer cleanup()

	a := New(cfg, logger)
	defer a.Close()

	kalshiBase := cfg.Kalshi.BaseURL
	if kalshiBase == "" && !cfg.Kalshi.UseDemo {
		kalshiBase = kalshi.ProdBaseURL
	}
	kc := kalshi.NewClient(kalshiBase, nil)
	kc.SetRateLimiter(deps.RateLimiter)

	registry := service.NewRegistry(service.RegistryConfig{
		Store:  deps.MarketStore,
		Cache:  deps.MarketCache,
		Logger: logger,
	})
	registry.AddFetcher(domain.VenueKalshi, marketFetcherFunc(
		func(ctx context.Context, marketID string) (domain.Market, error) {
			m, err := kc.GetMarket(ctx, marketID)
			if err != nil {
				return domain.Market{}, err
			}
			return m.Domain(), nil
		}))

	tickers, _, err := a.marketUniverse(ctx, kc)
	if err != nil {
		return err
	}
	keys := make([]domain.MarketKey, 0, len(tickers))
	for _, t := range tickers {
		keys = append(keys, domain.MarketKey{Venue: domain.VenueKalshi, MarketID: t})
	}
	registry.Track(keys...)
	if err := registry.Warm(ctx); err != nil {
		return fmt.Errorf("suggest: warm market registry: %w", err)
	}

	llm, err := match.NewClient(match.ClientConfig{
		APIKey: cfg.OpenAI.APIKey,
		Model:  cfg.OpenAI.Model,
	})
	if err != nil {
		return fmt.Errorf("suggest: llm client: %w", err)
	}

	suggester := match.NewSuggester(match.SuggesterConfig{
		LLM:      llm,
		Source:   registry,
		Searcher: polymarket.NewGammaClient(cfg.Polymarket.GammaURL),
		Policy:   strategy.NewWhitelist(a.whitelistPairs()),
		Audit:    deps.AuditStore,
		Logger:   logger,
	})

	suggestions, err := suggester.SuggestPairs(ctx)
	if err != nil {
		return fmt.Errorf("suggest: %w", err)
	}
	for _, s := range suggestions {
		logger.Info("pair candidate",
			slog.String("kalshi", s.Kalshi.ID),
			slog.String("kalshi_title", s.Kalshi.Title),
			slog.String("polymarket", s.Polymarket.ID),
			slog.String("polymarket_title", s.Polymarket.Title),
			slog.Float64("confidence", s.Confidence),
			slog.String("reason", s.Reason),
		)
	}
	logger.Info("pair scan finished", slog.Int("suggestions", len(suggestions)))
	return nil
}
