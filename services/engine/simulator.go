package engine

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"creditspread-backtest/services/config"
	"creditspread-backtest/services/marketdata"
	"creditspread-backtest/services/tickstore"
)

// Exit reasons. Exactly one is set per finalized trade.
const (
	ExitTargetHit = "target_hit"
	ExitStopLoss  = "stop_loss"
	ExitTimeExit  = "time_exit"
	ExitNone      = "none"
)

// slippageTick is the index of the fill tick within the post-entry series:
// the 4th available print, modeling order routing delay rather than an
// instant fill at the first tick.
const slippageTick = 3

// Trade is one finalized credit-spread round trip. Price fields that could
// not be observed (missing tick data at exit) are NaN; ExitTime is the zero
// time when no exit condition fired before data ran out.
type Trade struct {
	SignalTime time.Time
	EntryTime  time.Time
	EntryPrice float64
	StopPrice  float64
	TargetPNL  float64

	Expiry  time.Time
	BuyLeg  tickstore.Leg
	SellLeg tickstore.Leg

	BuyEntryPrice  float64
	SellEntryPrice float64
	BuyExitPrice   float64
	SellExitPrice  float64

	ExitTime   time.Time
	ExitPrice  float64
	ExitReason string

	NetOptionPNL float64
	SpotPNL      float64

	// Post-entry excursion per leg, from the tick series.
	BuyMaxProfit  float64
	BuyMaxLoss    float64
	SellMaxProfit float64
	SellMaxLoss   float64
}

// Skip records a trigger that produced no trade, with the reason.
type Skip struct {
	SignalTime    time.Time
	ExecutionTime time.Time
	Reason        string
	Err           error
}

// Skip reasons.
const (
	SkipOverlap       = "overlapping_trade"
	SkipEntryCutoff   = "entry_cutoff"
	SkipNoExpiry      = "no_expiry"
	SkipTickData      = "tick_data_missing"
	SkipThinTicks     = "insufficient_ticks"
	SkipNoMinuteBars  = "no_minute_bars"
	SkipInvalidSeries = "invalid_tick_series"
)

// TickSource is the simulator's view of the tick cache.
type TickSource interface {
	Series(date time.Time, symbol string) (tickstore.TickSeries, error)
}

// Simulator runs the per-trigger state machine: leg selection with expiry
// rollover, slippage-delayed entry fills, then the bar-by-bar exit loop.
// Triggers are processed strictly in time order and trades never overlap.
type Simulator struct {
	cfg   config.Config
	ticks TickSource
	log   *zap.Logger

	entryCutoff time.Duration
	sessionEnd  time.Duration
}

// NewSimulator builds a simulator for one run. The configuration must have
// been validated beforehand.
func NewSimulator(cfg config.Config, ticks TickSource, log *zap.Logger) *Simulator {
	if log == nil {
		log = zap.NewNop()
	}
	entryCutoff, _ := config.ParseClock(cfg.EntryCutoff)
	sessionEnd, _ := config.ParseClock(cfg.SessionEnd)
	return &Simulator{
		cfg:         cfg,
		ticks:       ticks,
		log:         log,
		entryCutoff: entryCutoff,
		sessionEnd:  sessionEnd,
	}
}

// Run simulates every trigger against the 1-minute spot series and the
// expiry schedule. Failed triggers are skipped, never fatal.
func (s *Simulator) Run(triggers []EntryTrigger, minutes []marketdata.Candle, expiries []time.Time) ([]Trade, []Skip) {
	var (
		trades []Trade
		skips  []Skip
		// Earliest permissible execution time for the next trade, one
		// minute past the previous exit.
		nextStart time.Time
	)

	for _, trig := range triggers {
		if !nextStart.IsZero() && !trig.ExecutionTime.After(nextStart) {
			skips = append(skips, Skip{SignalTime: trig.SignalTime, ExecutionTime: trig.ExecutionTime, Reason: SkipOverlap})
			continue
		}
		if tickstore.TimeOfDay(trig.ExecutionTime) >= s.entryCutoff {
			skips = append(skips, Skip{SignalTime: trig.SignalTime, ExecutionTime: trig.ExecutionTime, Reason: SkipEntryCutoff})
			continue
		}

		trade, reason, err := s.simulate(trig, minutes, expiries)
		if err != nil {
			s.log.Debug("trigger skipped",
				zap.Time("signal_time", trig.SignalTime),
				zap.String("reason", reason),
				zap.Error(err),
			)
			skips = append(skips, Skip{SignalTime: trig.SignalTime, ExecutionTime: trig.ExecutionTime, Reason: reason, Err: err})
			continue
		}

		trades = append(trades, trade)
		if !trade.ExitTime.IsZero() {
			nextStart = trade.ExitTime.Add(time.Minute)
		}
	}
	return trades, skips
}

// simulate runs one trigger through leg selection, entry, and exit.
func (s *Simulator) simulate(trig EntryTrigger, minutes []marketdata.Candle, expiries []time.Time) (Trade, string, error) {
	entryTime := trig.ExecutionTime
	entryPrice := trig.ExecutionOpen
	entryTOD := tickstore.TimeOfDay(entryTime)

	stopPrice := entryPrice * (1 - s.cfg.SpotSLPct)
	targetPNL := s.cfg.MaxProfitPerLot * float64(s.cfg.LotSize)
	lot := float64(s.cfg.LotSize)

	atm := int(math.Round(entryPrice/float64(s.cfg.StrikeStep))) * s.cfg.StrikeStep
	sellStrike := atm - s.cfg.SellOTM
	buyStrike := sellStrike - s.cfg.Spread

	expiry, reason, err := s.resolveExpiry(entryTime, entryTOD, sellStrike, expiries)
	if err != nil {
		return Trade{}, reason, err
	}

	buyLeg := tickstore.Leg{Underlying: s.cfg.Underlying, Expiry: expiry, Strike: buyStrike, Type: tickstore.Put, Side: tickstore.Buy}
	sellLeg := tickstore.Leg{Underlying: s.cfg.Underlying, Expiry: expiry, Strike: sellStrike, Type: tickstore.Put, Side: tickstore.Sell}

	buySeries, err := s.ticks.Series(entryTime, buyLeg.Symbol())
	if err != nil {
		return Trade{}, SkipTickData, fmt.Errorf("buy leg %s: %w", buyLeg.Symbol(), err)
	}
	sellSeries, err := s.ticks.Series(entryTime, sellLeg.Symbol())
	if err != nil {
		return Trade{}, SkipTickData, fmt.Errorf("sell leg %s: %w", sellLeg.Symbol(), err)
	}

	buyAfter := buySeries.After(entryTOD)
	sellAfter := sellSeries.After(entryTOD)
	if len(buyAfter) <= slippageTick || len(sellAfter) <= slippageTick {
		return Trade{}, SkipThinTicks, fmt.Errorf("fewer than %d ticks after entry for %s/%s", slippageTick+1, buyLeg.Symbol(), sellLeg.Symbol())
	}
	buyEntry := buyAfter[slippageTick].LTP
	sellEntry := sellAfter[slippageTick].LTP

	trade := Trade{
		SignalTime:     trig.SignalTime,
		EntryTime:      entryTime,
		EntryPrice:     entryPrice,
		StopPrice:      stopPrice,
		TargetPNL:      targetPNL,
		Expiry:         expiry,
		BuyLeg:         buyLeg,
		SellLeg:        sellLeg,
		BuyEntryPrice:  buyEntry,
		SellEntryPrice: sellEntry,
		BuyExitPrice:   math.NaN(),
		SellExitPrice:  math.NaN(),
		ExitPrice:      math.NaN(),
		ExitReason:     ExitNone,
		NetOptionPNL:   math.NaN(),
		SpotPNL:        math.NaN(),
	}
	trade.BuyMaxProfit, trade.BuyMaxLoss = legExcursion(buyAfter, buyEntry, lot, tickstore.Buy)
	trade.SellMaxProfit, trade.SellMaxLoss = legExcursion(sellAfter, sellEntry, lot, tickstore.Sell)

	start := sort.Search(len(minutes), func(i int) bool { return !minutes[i].Timestamp.Before(entryTime) })
	if start == len(minutes) {
		return Trade{}, SkipNoMinuteBars, fmt.Errorf("no minute candles at or after %s", entryTime)
	}

	held := 0
	for _, candle := range minutes[start:] {
		if tickstore.TimeOfDay(candle.Timestamp) >= s.sessionEnd {
			continue
		}
		candleTOD := tickstore.TimeOfDay(candle.Timestamp)

		// Leg prices for this candle only. When a candle has no tick on
		// either leg, the target cannot be evaluated and no stale price is
		// carried forward; stop and max-hold still apply below.
		buyTick, buyOK := buyAfter.FirstAtOrAfter(candleTOD)
		sellTick, sellOK := sellAfter.FirstAtOrAfter(candleTOD)
		haveTicks := buyOK && sellOK

		if haveTicks {
			pnl := ((sellEntry - sellTick.LTP) - (buyEntry - buyTick.LTP)) * lot
			if pnl >= targetPNL {
				trade.ExitTime = candle.Timestamp
				trade.ExitPrice = candle.Close
				trade.ExitReason = ExitTargetHit
				trade.BuyExitPrice = buyTick.LTP
				trade.SellExitPrice = sellTick.LTP
				break
			}
		}

		// Stop is checked on every candle even when the target was just
		// evaluated, so a whip down inside the same bar is still caught.
		if candle.Low <= stopPrice {
			trade.ExitTime = candle.Timestamp
			trade.ExitPrice = stopPrice
			trade.ExitReason = ExitStopLoss
			if haveTicks {
				trade.BuyExitPrice = buyTick.LTP
				trade.SellExitPrice = sellTick.LTP
			}
			break
		}

		held++
		if held >= s.cfg.MaxHold {
			trade.ExitTime = candle.Timestamp
			trade.ExitPrice = candle.Close
			trade.ExitReason = ExitTimeExit
			if haveTicks {
				trade.BuyExitPrice = buyTick.LTP
				trade.SellExitPrice = sellTick.LTP
			}
			break
		}
	}

	if !math.IsNaN(trade.BuyExitPrice) && !math.IsNaN(trade.SellExitPrice) {
		trade.NetOptionPNL = ((sellEntry - trade.SellExitPrice) - (buyEntry - trade.BuyExitPrice)) * lot
	}
	if !math.IsNaN(trade.ExitPrice) {
		trade.SpotPNL = (trade.ExitPrice - entryPrice) * lot
	}
	return trade, "", nil
}

// resolveExpiry picks the nearest expiry on or after the trade date, rolling
// to the next schedule entry when the sell leg's premium at the fill tick is
// below the configured floor. With no later expiry, the near one is kept.
func (s *Simulator) resolveExpiry(entryTime time.Time, entryTOD time.Duration, sellStrike int, expiries []time.Time) (time.Time, string, error) {
	tradeDate := entryTime.Truncate(24 * time.Hour)
	idx := sort.Search(len(expiries), func(i int) bool {
		return !expiries[i].Truncate(24 * time.Hour).Before(tradeDate)
	})
	if idx == len(expiries) {
		return time.Time{}, SkipNoExpiry, fmt.Errorf("no expiry on or after %s", entryTime.Format("2006-01-02"))
	}
	base := expiries[idx]
	next := base
	if idx+1 < len(expiries) {
		next = expiries[idx+1]
	}

	probe := tickstore.Leg{Underlying: s.cfg.Underlying, Expiry: base, Strike: sellStrike, Type: tickstore.Put, Side: tickstore.Sell}
	series, err := s.ticks.Series(entryTime, probe.Symbol())
	if err != nil {
		return time.Time{}, SkipTickData, fmt.Errorf("premium probe %s: %w", probe.Symbol(), err)
	}
	after := series.After(entryTOD)
	if len(after) <= slippageTick {
		return time.Time{}, SkipThinTicks, fmt.Errorf("premium probe %s: fewer than %d ticks after entry", probe.Symbol(), slippageTick+1)
	}

	if after[slippageTick].LTP < s.cfg.MinPremium {
		s.log.Debug("rolling to next expiry",
			zap.String("symbol", probe.Symbol()),
			zap.Float64("premium", after[slippageTick].LTP),
			zap.Float64("min_premium", s.cfg.MinPremium),
		)
		return next, "", nil
	}
	return base, "", nil
}

// legExcursion reports the best and worst P&L a single leg saw over the
// post-entry tick series.
func legExcursion(after tickstore.TickSeries, entry, lot float64, side tickstore.Side) (maxProfit, maxLoss float64) {
	if len(after) == 0 {
		return 0, 0
	}
	min, max := after[0].LTP, after[0].LTP
	for _, p := range after[1:] {
		if p.LTP < min {
			min = p.LTP
		}
		if p.LTP > max {
			max = p.LTP
		}
	}
	if side == tickstore.Buy {
		return (max - entry) * lot, (entry - min) * lot
	}
	return (entry - min) * lot, (max - entry) * lot
}
