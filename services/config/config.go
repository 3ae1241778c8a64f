// Package config exposes the typed strategy configuration for credit-spread
// backtests, with defaults matching the NIFTY weekly bull-put setup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config collects every recognized strategy knob. Unknown fields in a YAML
// file are rejected at load time rather than silently ignored.
type Config struct {
	Underlying string `yaml:"underlying"`
	Timeframe  string `yaml:"timeframe"`

	// Indicator window lengths.
	EMA5   int `yaml:"ema5"`
	EMA9   int `yaml:"ema9"`
	EMA13  int `yaml:"ema13"`
	EMA21  int `yaml:"ema21"`
	EMA34  int `yaml:"ema34"`
	SMA40  int `yaml:"sma40"`
	EMA40  int `yaml:"ema40"`
	SMA45  int `yaml:"sma45"`
	SMA50  int `yaml:"sma50"`
	SMA100 int `yaml:"sma100"`
	SMA200 int `yaml:"sma200"`
	SMA300 int `yaml:"sma300"`
	RSI14  int `yaml:"rsi14"`

	RSIThreshold float64 `yaml:"rsi_threshold"`
	BodyRatio    float64 `yaml:"body_ratio"`

	// Leg construction.
	SellOTM    int `yaml:"sell_otm"`
	Spread     int `yaml:"spread"`
	StrikeStep int `yaml:"strike_step"`

	// Sizing and exits.
	LotSize         int     `yaml:"lot_size"`
	MaxProfitPerLot float64 `yaml:"max_profit_per_lot"`
	SpotSLPct       float64 `yaml:"spot_sl_pct"`
	MaxHold         int     `yaml:"max_hold"`
	MinPremium      float64 `yaml:"min_premium"`

	// Session cutoffs as HH:MM wall-clock times. No new trades at or after
	// EntryCutoff; exit evaluation skips candles at or after SessionEnd.
	EntryCutoff string `yaml:"entry_cutoff"`
	SessionEnd  string `yaml:"session_end"`
}

var validTimeframes = map[string]bool{
	"minute":   true,
	"5minute":  true,
	"15minute": true,
	"day":      true,
}

// Default returns the baseline configuration used by the strategy runners.
func Default() Config {
	return Config{
		Underlying:      "NIFTY",
		Timeframe:       "15minute",
		EMA5:            5,
		EMA9:            9,
		EMA13:           13,
		EMA21:           21,
		EMA34:           34,
		SMA40:           40,
		EMA40:           40,
		SMA45:           45,
		SMA50:           50,
		SMA100:          100,
		SMA200:          200,
		SMA300:          300,
		RSI14:           14,
		RSIThreshold:    50,
		BodyRatio:       0.6,
		SellOTM:         0,
		Spread:          200,
		StrikeStep:      50,
		LotSize:         50,
		MaxProfitPerLot: 100,
		SpotSLPct:       0.003,
		MaxHold:         210,
		MinPremium:      30,
		EntryCutoff:     "15:00",
		SessionEnd:      "15:30",
	}
}

// Load reads a YAML file and merges it over the defaults. Unknown keys are an
// error, as is any out-of-range value.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Underlying == "" {
		return fmt.Errorf("config: underlying is required")
	}
	if !validTimeframes[c.Timeframe] {
		return fmt.Errorf("config: unsupported timeframe %q", c.Timeframe)
	}
	windows := map[string]int{
		"ema5": c.EMA5, "ema9": c.EMA9, "ema13": c.EMA13, "ema21": c.EMA21,
		"ema34": c.EMA34, "sma40": c.SMA40, "ema40": c.EMA40, "sma45": c.SMA45,
		"sma50": c.SMA50, "sma100": c.SMA100, "sma200": c.SMA200,
		"sma300": c.SMA300, "rsi14": c.RSI14,
	}
	for name, w := range windows {
		if w <= 0 {
			return fmt.Errorf("config: %s must be positive (got %d)", name, w)
		}
	}
	if c.RSIThreshold < 0 || c.RSIThreshold > 100 {
		return fmt.Errorf("config: rsi_threshold must be within [0, 100] (got %g)", c.RSIThreshold)
	}
	if c.BodyRatio < 0 || c.BodyRatio > 1 {
		return fmt.Errorf("config: body_ratio must be within [0, 1] (got %g)", c.BodyRatio)
	}
	if c.SellOTM < 0 {
		return fmt.Errorf("config: sell_otm must be >= 0 (got %d)", c.SellOTM)
	}
	if c.Spread <= 0 {
		return fmt.Errorf("config: spread must be positive (got %d)", c.Spread)
	}
	if c.StrikeStep <= 0 {
		return fmt.Errorf("config: strike_step must be positive (got %d)", c.StrikeStep)
	}
	if c.LotSize <= 0 {
		return fmt.Errorf("config: lot_size must be positive (got %d)", c.LotSize)
	}
	if c.MaxProfitPerLot <= 0 {
		return fmt.Errorf("config: max_profit_per_lot must be positive (got %g)", c.MaxProfitPerLot)
	}
	if c.SpotSLPct <= 0 || c.SpotSLPct >= 1 {
		return fmt.Errorf("config: spot_sl_pct must be within (0, 1) (got %g)", c.SpotSLPct)
	}
	if c.MaxHold <= 0 {
		return fmt.Errorf("config: max_hold must be positive (got %d)", c.MaxHold)
	}
	if c.MinPremium < 0 {
		return fmt.Errorf("config: min_premium must be >= 0 (got %g)", c.MinPremium)
	}
	if _, err := ParseClock(c.EntryCutoff); err != nil {
		return fmt.Errorf("config: entry_cutoff: %w", err)
	}
	if _, err := ParseClock(c.SessionEnd); err != nil {
		return fmt.Errorf("config: session_end: %w", err)
	}
	return nil
}

// WarmupBars is the number of leading bars dropped before signals can be
// produced: the longest configured indicator window.
func (c Config) WarmupBars() int {
	max := 0
	for _, w := range []int{
		c.EMA5, c.EMA9, c.EMA13, c.EMA21, c.EMA34, c.SMA40, c.EMA40,
		c.SMA45, c.SMA50, c.SMA100, c.SMA200, c.SMA300, c.RSI14,
	} {
		if w > max {
			max = w
		}
	}
	return max
}

// BarInterval maps the configured timeframe to a bar duration.
func (c Config) BarInterval() time.Duration {
	switch c.Timeframe {
	case "minute":
		return time.Minute
	case "5minute":
		return 5 * time.Minute
	case "15minute":
		return 15 * time.Minute
	case "day":
		return 24 * time.Hour
	}
	return time.Minute
}

// ParseClock parses an HH:MM wall-clock string into a duration since midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Template pairs a preset configuration with a human-readable description.
type Template struct {
	Name        string
	Description string
	Config      Config
}

// Templates returns the predefined strategy presets.
func Templates() []Template {
	conservative := Default()
	conservative.RSIThreshold = 55
	conservative.BodyRatio = 0.7
	conservative.SellOTM = 50
	conservative.Spread = 150
	conservative.LotSize = 25
	conservative.MaxProfitPerLot = 75
	conservative.SpotSLPct = 0.002
	conservative.MaxHold = 120
	conservative.MinPremium = 25

	aggressive := Default()
	aggressive.RSIThreshold = 45
	aggressive.BodyRatio = 0.5
	aggressive.Spread = 250
	aggressive.LotSize = 75
	aggressive.MaxProfitPerLot = 150
	aggressive.SpotSLPct = 0.005
	aggressive.MaxHold = 300
	aggressive.MinPremium = 35

	scalping := Default()
	scalping.Timeframe = "5minute"
	scalping.EMA9 = 5
	scalping.EMA21 = 13
	scalping.SMA200 = 100
	scalping.RSIThreshold = 60
	scalping.BodyRatio = 0.8
	scalping.SellOTM = 25
	scalping.Spread = 100
	scalping.MaxProfitPerLot = 50
	scalping.SpotSLPct = 0.001
	scalping.MaxHold = 60
	scalping.MinPremium = 20

	return []Template{
		{Name: "Conservative Bull Credit Spread", Description: "Tight stop, nearer strikes, smaller size", Config: conservative},
		{Name: "Aggressive Bull Credit Spread", Description: "Wider spread and stop, larger size", Config: aggressive},
		{Name: "Intraday Scalping", Description: "Quick trades on a finer timeframe", Config: scalping},
	}
}
