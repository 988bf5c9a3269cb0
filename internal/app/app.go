package app

import (
	"context"
	"fmt"
	"time"

	"tapesim/internal/config"
	"tapesim/internal/data"
	"tapesim/internal/logger"
	"tapesim/internal/market"
	"tapesim/internal/replay"
	"tapesim/internal/results"
	"tapesim/internal/strategy"
)

// App owns the wired components of one backtest invocation.
type App struct {
	cfg   *config.Config
	cache *data.Cache
	store *results.Store
}

func NewApp(cfg *config.Config) (*App, error) {
	source, err := buildSource(cfg.Provider)
	if err != nil {
		return nil, err
	}
	cache, err := data.NewCache(data.CacheConfig{
		Root:        cfg.Cache.Root,
		Source:      source,
		Disabled:    cfg.Cache.Disabled,
		PageSize:    cfg.Cache.PageSize,
		MaxAttempts: cfg.Cache.MaxAttempts,
		RetryBase:   time.Duration(cfg.Cache.RetryBaseMs) * time.Millisecond,
		RatePerMin:  cfg.Cache.RatePerMin,
	})
	if err != nil {
		return nil, fmt.Errorf("building cache: %w", err)
	}
	store, err := results.NewStore(cfg.Results.Path)
	if err != nil {
		return nil, fmt.Errorf("opening results store: %w", err)
	}
	return &App{cfg: cfg, cache: cache, store: store}, nil
}

func buildSource(p config.ProviderConfig) (data.Source, error) {
	switch p.Name {
	case "polygon":
		return data.NewPolygonSource(p.BaseURL, p.APIKey), nil
	case "binance":
		return data.NewBinanceSource(p.BaseURL, 0), nil
	}
	return nil, fmt.Errorf("unknown provider %q", p.Name)
}

func (a *App) Close() error { return a.store.Close() }

// Run executes the configured backtest once and logs the outcome.
func (a *App) Run(ctx context.Context) error {
	from, to, err := a.cfg.Range.Times()
	if err != nil {
		return err
	}
	calendar, err := a.loadCalendar(ctx, from, to)
	if err != nil {
		return fmt.Errorf("loading session calendar: %w", err)
	}
	handler, err := strategy.New(a.cfg.Strategy.Name, a.cfg.Strategy.Params)
	if err != nil {
		return err
	}
	feeds := make([]replay.FeedSpec, 0, len(a.cfg.Feeds))
	for _, f := range a.cfg.Feeds {
		kind, span, err := f.Parse()
		if err != nil {
			return err
		}
		feeds = append(feeds, replay.FeedSpec{Symbol: f.Symbol, Kind: kind, Span: span})
	}
	runner, err := replay.NewRunner(replay.RunConfig{
		Cache:                 a.cache,
		Calendar:              calendar,
		Feeds:                 feeds,
		From:                  from,
		To:                    to,
		Handler:               handler,
		Recorder:              a.store,
		StartingEquity:        a.cfg.Account.StartingEquity,
		BuyingPowerMultiplier: a.cfg.Account.BuyingPowerMultiplier,
		CommissionPerFill:     a.cfg.Account.CommissionPerFill,
		WarmParallel:          a.cfg.Cache.WarmParallel,
		SkipGaps:              a.cfg.Results.SkipGaps,
	})
	if err != nil {
		return err
	}
	logger.Infof("[app] starting run %s: %d feeds over %s .. %s",
		runner.RunID(), len(feeds), from.Format("2006-01-02"), to.Format("2006-01-02"))
	result, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	logger.Infof("[app] run %s: equity %.2f, cash %.2f, %d open positions",
		result.RunID, result.Final.Equity, result.Final.Cash, len(result.Final.Positions))
	a.report(ctx, result.RunID)
	return nil
}

// loadCalendar prefers the static calendar file; without one it asks the
// provider for session hours over the run range.
func (a *App) loadCalendar(ctx context.Context, from, to time.Time) (market.Calendar, error) {
	if a.cfg.Calendar.File != "" {
		spec, err := market.LoadCalendarSpec(a.cfg.Calendar.File)
		if err != nil {
			return nil, err
		}
		return spec.Sessions(from, to)
	}
	source, err := buildSource(a.cfg.Provider)
	if err != nil {
		return nil, err
	}
	return source.Calendar(ctx, from, to)
}
