package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"tapesim/internal/market"
)

// Config is the whole run configuration, loaded from one YAML file.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Range    RangeConfig    `mapstructure:"range"`
	Feeds    []FeedConfig   `mapstructure:"feeds"`
	Provider ProviderConfig `mapstructure:"provider"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Calendar CalendarConfig `mapstructure:"calendar"`
	Account  AccountConfig  `mapstructure:"account"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Results  ResultsConfig  `mapstructure:"results"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// RangeConfig bounds the replay window as civil dates, [from, to).
type RangeConfig struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
}

func (r RangeConfig) Times() (time.Time, time.Time, error) {
	from, err := time.Parse("2006-01-02", r.From)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("bad range.from %q: %w", r.From, err)
	}
	to, err := time.Parse("2006-01-02", r.To)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("bad range.to %q: %w", r.To, err)
	}
	return from.UTC(), to.UTC(), nil
}

// FeedConfig names one stream to replay: a symbol plus what to pull for it.
type FeedConfig struct {
	Symbol string `mapstructure:"symbol"`
	Kind   string `mapstructure:"kind"` // trades | quotes | aggregates
	Span   string `mapstructure:"span"` // bars only: minute, hour, day, ...
}

func (f FeedConfig) Parse() (market.RecordKind, market.Span, error) {
	kind, err := market.ParseRecordKind(f.Kind)
	if err != nil {
		return 0, 0, err
	}
	span := market.SpanDay
	if kind == market.KindBar {
		if span, err = market.ParseSpan(f.Span); err != nil {
			return 0, 0, err
		}
	}
	return kind, span, nil
}

type ProviderConfig struct {
	Name    string `mapstructure:"name"` // polygon | binance
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

type CacheConfig struct {
	Root         string `mapstructure:"root"`
	Disabled     bool   `mapstructure:"disabled"`
	PageSize     int    `mapstructure:"page_size"`
	MaxAttempts  int    `mapstructure:"max_attempts"`
	RetryBaseMs  int    `mapstructure:"retry_base_ms"`
	RatePerMin   int    `mapstructure:"rate_per_min"`
	WarmParallel int    `mapstructure:"warm_parallel"`
}

// CalendarConfig selects session hours: a static YAML file, or the
// provider's calendar endpoint when no file is given.
type CalendarConfig struct {
	File string `mapstructure:"file"`
}

type AccountConfig struct {
	StartingEquity        float64 `mapstructure:"starting_equity"`
	BuyingPowerMultiplier float64 `mapstructure:"buying_power_multiplier"`
	CommissionPerFill     float64 `mapstructure:"commission_per_fill"`
}

type StrategyConfig struct {
	Name   string         `mapstructure:"name"`
	Params map[string]any `mapstructure:"params"`
}

type ResultsConfig struct {
	Path     string `mapstructure:"path"`
	SkipGaps bool   `mapstructure:"skip_gaps"`
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Provider.Name == "" {
		c.Provider.Name = "polygon"
	}
	if c.Cache.Root == "" && !c.Cache.Disabled {
		c.Cache.Root = "data/cache"
	}
	if c.Cache.WarmParallel == 0 {
		c.Cache.WarmParallel = 2
	}
	if c.Account.StartingEquity == 0 {
		c.Account.StartingEquity = 100_000
	}
	if c.Account.BuyingPowerMultiplier == 0 {
		c.Account.BuyingPowerMultiplier = 1
	}
	if c.Results.Path == "" {
		c.Results.Path = "data/results"
	}
}

func (c *Config) validate() error {
	if _, _, err := c.Range.Times(); err != nil {
		return err
	}
	if len(c.Feeds) == 0 {
		return fmt.Errorf("config needs at least one feed")
	}
	for i, f := range c.Feeds {
		if f.Symbol == "" {
			return fmt.Errorf("feeds[%d]: symbol cannot be empty", i)
		}
		if _, _, err := f.Parse(); err != nil {
			return fmt.Errorf("feeds[%d]: %w", i, err)
		}
	}
	switch c.Provider.Name {
	case "polygon", "binance":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider.Name)
	}
	if c.Account.StartingEquity < 0 {
		return fmt.Errorf("account.starting_equity cannot be negative")
	}
	return nil
}
