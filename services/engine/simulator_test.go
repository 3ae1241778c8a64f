package engine

import (
	"math"
	"testing"
	"time"

	"creditspread-backtest/services/config"
	"creditspread-backtest/services/marketdata"
	"creditspread-backtest/services/tickstore"
)

// fakeTicks serves tick series keyed by option symbol, ignoring the date.
type fakeTicks struct {
	series map[string]tickstore.TickSeries
}

func (f fakeTicks) Series(date time.Time, symbol string) (tickstore.TickSeries, error) {
	s, ok := f.series[symbol]
	if !ok {
		return nil, tickstore.ErrNotFound
	}
	return s, nil
}

func tod(h, m, s int) time.Duration {
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
}

// ticksFrom builds one tick per second starting at the given time of day.
func ticksFrom(start time.Duration, ltps ...float64) tickstore.TickSeries {
	out := make(tickstore.TickSeries, len(ltps))
	for i, p := range ltps {
		out[i] = tickstore.TickPoint{Time: start + time.Duration(i)*time.Second, LTP: p}
	}
	return out
}

func minuteCandle(day time.Time, h, m int, o, hi, lo, c float64) marketdata.Candle {
	return marketdata.Candle{
		Timestamp: day.Add(tod(h, m, 0)),
		Open:      o, High: hi, Low: lo, Close: c,
	}
}

var (
	tradeDay = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	febExp   = time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
	marExp   = time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)
)

func simCfg() config.Config {
	cfg := config.Default()
	cfg.MaxHold = 10
	return cfg
}

// spreadLegs returns the symbols the simulator derives for a spot entry at
// 100 with sell_otm=0, spread=200, strike step 50: atm 100, sell strike 100,
// buy strike -100.
func spreadLegs(expiry time.Time) (sell, buy string) {
	s := tickstore.Leg{Underlying: "NIFTY", Expiry: expiry, Strike: 100, Type: tickstore.Put}
	b := tickstore.Leg{Underlying: "NIFTY", Expiry: expiry, Strike: -100, Type: tickstore.Put}
	return s.Symbol(), b.Symbol()
}

func trigAt(h, m int, open float64) EntryTrigger {
	return EntryTrigger{
		SignalTime:    tradeDay.Add(tod(h, m, 0) - 15*time.Minute),
		ExecutionTime: tradeDay.Add(tod(h, m, 0)),
		ExecutionOpen: open,
	}
}

func TestSimulatorStrikeDerivationAndFill(t *testing.T) {
	cfg := simCfg()
	cfg.MaxHold = 1

	sellSym, buySym := spreadLegs(febExp)
	if sellSym != "NIFTY29FEB24100PE" {
		t.Fatalf("sell symbol = %s", sellSym)
	}
	ticks := fakeTicks{series: map[string]tickstore.TickSeries{
		sellSym: ticksFrom(tod(9, 30, 1), 210, 208, 206, 150, 150),
		buySym:  ticksFrom(tod(9, 30, 1), 60, 59, 58, 40, 40),
	}}
	minutes := []marketdata.Candle{
		minuteCandle(tradeDay, 9, 30, 100, 101, 99.9, 100.5),
	}

	sim := NewSimulator(cfg, ticks, nil)
	trades, skips := sim.Run([]EntryTrigger{trigAt(9, 30, 100)}, minutes, []time.Time{febExp})
	if len(skips) != 0 {
		t.Fatalf("unexpected skips: %+v", skips)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	tr := trades[0]

	if tr.SellLeg.Strike != 100 || tr.BuyLeg.Strike != -100 {
		t.Fatalf("strikes sell=%d buy=%d, want 100/-100", tr.SellLeg.Strike, tr.BuyLeg.Strike)
	}
	if tr.SellLeg.Type != tickstore.Put || tr.BuyLeg.Type != tickstore.Put {
		t.Fatal("both legs must be puts")
	}
	// Fill is the 4th print after entry, not the first.
	if tr.SellEntryPrice != 150 || tr.BuyEntryPrice != 40 {
		t.Fatalf("fills sell=%v buy=%v, want 150/40", tr.SellEntryPrice, tr.BuyEntryPrice)
	}
	if tr.StopPrice != 100*(1-cfg.SpotSLPct) {
		t.Fatalf("stop = %v", tr.StopPrice)
	}

	if tr.ExitReason != ExitTimeExit {
		t.Fatalf("exit reason = %s, want %s", tr.ExitReason, ExitTimeExit)
	}
	if tr.ExitPrice != 100.5 {
		t.Fatalf("time exit must fill at candle close, got %v", tr.ExitPrice)
	}
	// Exit leg prices come from the first ticks at or after the exit candle.
	if tr.SellExitPrice != 210 || tr.BuyExitPrice != 60 {
		t.Fatalf("exit leg prices sell=%v buy=%v", tr.SellExitPrice, tr.BuyExitPrice)
	}
	wantNet := ((150.0 - 210.0) - (40.0 - 60.0)) * 50
	if math.Abs(tr.NetOptionPNL-wantNet) > 1e-9 {
		t.Fatalf("net option pnl = %v, want %v", tr.NetOptionPNL, wantNet)
	}
	if math.Abs(tr.SpotPNL-25) > 1e-9 {
		t.Fatalf("spot pnl = %v, want 25", tr.SpotPNL)
	}
}

func TestSimulatorTargetBeatsStopSameBar(t *testing.T) {
	cfg := simCfg()
	sellSym, buySym := spreadLegs(febExp)
	ticks := fakeTicks{series: map[string]tickstore.TickSeries{
		sellSym: append(ticksFrom(tod(9, 30, 1), 210, 208, 206, 150),
			tickstore.TickPoint{Time: tod(9, 31, 0), LTP: 45}),
		buySym: append(ticksFrom(tod(9, 30, 1), 60, 59, 58, 40),
			tickstore.TickPoint{Time: tod(9, 31, 0), LTP: 40}),
	}}
	minutes := []marketdata.Candle{
		minuteCandle(tradeDay, 9, 30, 100, 101, 99.9, 100.2),
		// Low breaches the stop while the spread P&L also clears the target.
		minuteCandle(tradeDay, 9, 31, 100.2, 100.4, 99, 99.5),
	}

	sim := NewSimulator(cfg, ticks, nil)
	trades, _ := sim.Run([]EntryTrigger{trigAt(9, 30, 100)}, minutes, []time.Time{febExp})
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	tr := trades[0]
	// ((150-45)-(40-40))*50 = 5250 >= 5000, so the target wins the bar.
	if tr.ExitReason != ExitTargetHit {
		t.Fatalf("exit reason = %s, want %s", tr.ExitReason, ExitTargetHit)
	}
	if tr.ExitPrice != 99.5 {
		t.Fatalf("target exit fills at candle close, got %v", tr.ExitPrice)
	}
	if tr.SellExitPrice != 45 || tr.BuyExitPrice != 40 {
		t.Fatalf("exit leg prices sell=%v buy=%v", tr.SellExitPrice, tr.BuyExitPrice)
	}
	if math.Abs(tr.NetOptionPNL-5250) > 1e-9 {
		t.Fatalf("net option pnl = %v, want 5250", tr.NetOptionPNL)
	}
}

func TestSimulatorStopExitsAtStopPrice(t *testing.T) {
	cfg := simCfg()
	sellSym, buySym := spreadLegs(febExp)
	ticks := fakeTicks{series: map[string]tickstore.TickSeries{
		sellSym: append(ticksFrom(tod(9, 30, 1), 150, 150, 150, 150),
			tickstore.TickPoint{Time: tod(9, 31, 0), LTP: 160}),
		buySym: append(ticksFrom(tod(9, 30, 1), 40, 40, 40, 40),
			tickstore.TickPoint{Time: tod(9, 31, 0), LTP: 45}),
	}}
	minutes := []marketdata.Candle{
		minuteCandle(tradeDay, 9, 30, 100, 101, 99.9, 100.2),
		minuteCandle(tradeDay, 9, 31, 100.2, 100.4, 99, 99.2),
	}

	sim := NewSimulator(cfg, ticks, nil)
	trades, _ := sim.Run([]EntryTrigger{trigAt(9, 30, 100)}, minutes, []time.Time{febExp})
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	tr := trades[0]
	if tr.ExitReason != ExitStopLoss {
		t.Fatalf("exit reason = %s, want %s", tr.ExitReason, ExitStopLoss)
	}
	// Stop fills at the stop price itself, not the candle low or close.
	if tr.ExitPrice != 99.7 {
		t.Fatalf("exit price = %v, want 99.7", tr.ExitPrice)
	}
	if tr.SellExitPrice != 160 || tr.BuyExitPrice != 45 {
		t.Fatalf("exit leg prices sell=%v buy=%v", tr.SellExitPrice, tr.BuyExitPrice)
	}
	if math.Abs(tr.SpotPNL-(99.7-100)*50) > 1e-9 {
		t.Fatalf("spot pnl = %v", tr.SpotPNL)
	}
}

func TestSimulatorStopOnTicklessCandle(t *testing.T) {
	cfg := simCfg()
	sellSym, buySym := spreadLegs(febExp)
	// Tick data ends right after the fills; a later candle still stops out.
	ticks := fakeTicks{series: map[string]tickstore.TickSeries{
		sellSym: ticksFrom(tod(9, 30, 1), 150, 150, 150, 150),
		buySym:  ticksFrom(tod(9, 30, 1), 40, 40, 40, 40),
	}}
	minutes := []marketdata.Candle{
		minuteCandle(tradeDay, 9, 30, 100, 101, 99.9, 100.2),
		minuteCandle(tradeDay, 9, 31, 100.2, 100.4, 99, 99.2),
	}

	sim := NewSimulator(cfg, ticks, nil)
	trades, _ := sim.Run([]EntryTrigger{trigAt(9, 30, 100)}, minutes, []time.Time{febExp})
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	tr := trades[0]
	if tr.ExitReason != ExitStopLoss || tr.ExitPrice != 99.7 {
		t.Fatalf("reason=%s price=%v", tr.ExitReason, tr.ExitPrice)
	}
	if !math.IsNaN(tr.SellExitPrice) || !math.IsNaN(tr.BuyExitPrice) {
		t.Fatal("leg exit prices must stay unset without exit-candle ticks")
	}
	if !math.IsNaN(tr.NetOptionPNL) {
		t.Fatal("option pnl is unknown without leg exits")
	}
	if math.IsNaN(tr.SpotPNL) {
		t.Fatal("spot pnl is still defined by the stop fill")
	}
}

func TestSimulatorExpiryRollover(t *testing.T) {
	cfg := simCfg() // min_premium 30
	febSell, _ := spreadLegs(febExp)
	marSell, marBuy := spreadLegs(marExp)

	ticks := fakeTicks{series: map[string]tickstore.TickSeries{
		// Near-expiry premium at the fill tick is 20, below the floor.
		febSell: ticksFrom(tod(9, 30, 1), 25, 24, 23, 20, 20),
		marSell: ticksFrom(tod(9, 30, 1), 210, 208, 206, 150, 150),
		marBuy:  ticksFrom(tod(9, 30, 1), 60, 59, 58, 40, 40),
	}}
	minutes := []marketdata.Candle{
		minuteCandle(tradeDay, 9, 30, 100, 101, 99.9, 100.2),
	}

	cfg.MaxHold = 1
	sim := NewSimulator(cfg, ticks, nil)
	trades, skips := sim.Run([]EntryTrigger{trigAt(9, 30, 100)}, minutes, []time.Time{febExp, marExp})
	if len(skips) != 0 {
		t.Fatalf("unexpected skips: %+v", skips)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	tr := trades[0]
	if !tr.Expiry.Equal(marExp) {
		t.Fatalf("expiry = %v, want rollover to %v", tr.Expiry, marExp)
	}
	if tr.SellLeg.Symbol() != marSell {
		t.Fatalf("sell leg = %s, want %s", tr.SellLeg.Symbol(), marSell)
	}
	if tr.SellEntryPrice != 150 {
		t.Fatalf("sell fill = %v", tr.SellEntryPrice)
	}
}

func TestSimulatorSingleExpiryKept(t *testing.T) {
	cfg := simCfg()
	cfg.MaxHold = 1
	febSell, febBuy := spreadLegs(febExp)

	// Premium is thin but there is no later expiry to roll into.
	ticks := fakeTicks{series: map[string]tickstore.TickSeries{
		febSell: ticksFrom(tod(9, 30, 1), 25, 24, 23, 20, 20),
		febBuy:  ticksFrom(tod(9, 30, 1), 8, 8, 7, 5, 5),
	}}
	minutes := []marketdata.Candle{
		minuteCandle(tradeDay, 9, 30, 100, 101, 99.9, 100.2),
	}

	sim := NewSimulator(cfg, ticks, nil)
	trades, skips := sim.Run([]EntryTrigger{trigAt(9, 30, 100)}, minutes, []time.Time{febExp})
	if len(skips) != 0 {
		t.Fatalf("unexpected skips: %+v", skips)
	}
	if len(trades) != 1 || !trades[0].Expiry.Equal(febExp) {
		t.Fatalf("trades=%d, expiry=%v, want %v kept", len(trades), trades[0].Expiry, febExp)
	}
	if trades[0].SellEntryPrice != 20 || trades[0].BuyEntryPrice != 5 {
		t.Fatalf("fills sell=%v buy=%v", trades[0].SellEntryPrice, trades[0].BuyEntryPrice)
	}
}

func TestSimulatorExitNoneOnDataExhaustion(t *testing.T) {
	cfg := simCfg()
	cfg.MaxHold = 100
	sellSym, buySym := spreadLegs(febExp)
	ticks := fakeTicks{series: map[string]tickstore.TickSeries{
		sellSym: ticksFrom(tod(9, 30, 1), 150, 150, 150, 150, 150),
		buySym:  ticksFrom(tod(9, 30, 1), 40, 40, 40, 40, 40),
	}}
	minutes := []marketdata.Candle{
		minuteCandle(tradeDay, 9, 30, 100, 101, 99.9, 100.2),
		minuteCandle(tradeDay, 9, 31, 100.2, 100.4, 100, 100.3),
	}

	sim := NewSimulator(cfg, ticks, nil)
	trades, _ := sim.Run([]EntryTrigger{trigAt(9, 30, 100)}, minutes, []time.Time{febExp})
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	tr := trades[0]
	if tr.ExitReason != ExitNone {
		t.Fatalf("exit reason = %s, want %s", tr.ExitReason, ExitNone)
	}
	if !tr.ExitTime.IsZero() {
		t.Fatalf("exit time must be unset, got %v", tr.ExitTime)
	}
	if !math.IsNaN(tr.ExitPrice) || !math.IsNaN(tr.NetOptionPNL) || !math.IsNaN(tr.SpotPNL) {
		t.Fatal("prices and pnl must stay unset without an exit")
	}
}

func TestSimulatorNonOverlapGate(t *testing.T) {
	cfg := simCfg()
	cfg.MaxHold = 1 // first trade time-exits on its entry candle at 09:30
	sellSym, buySym := spreadLegs(febExp)
	ticks := fakeTicks{series: map[string]tickstore.TickSeries{
		sellSym: append(ticksFrom(tod(9, 30, 1), 150, 150, 150, 150, 150),
			ticksFrom(tod(9, 32, 1), 150, 150, 150, 150, 150)...),
		buySym: append(ticksFrom(tod(9, 30, 1), 40, 40, 40, 40, 40),
			ticksFrom(tod(9, 32, 1), 40, 40, 40, 40, 40)...),
	}}
	minutes := []marketdata.Candle{
		minuteCandle(tradeDay, 9, 30, 100, 101, 99.9, 100.2),
		minuteCandle(tradeDay, 9, 31, 100.2, 100.4, 100, 100.3),
		minuteCandle(tradeDay, 9, 32, 100.3, 100.5, 100.1, 100.4),
	}

	triggers := []EntryTrigger{
		trigAt(9, 30, 100),
		trigAt(9, 31, 100), // exactly exit+1min, still blocked
		trigAt(9, 32, 100), // first permissible re-entry
	}
	sim := NewSimulator(cfg, ticks, nil)
	trades, skips := sim.Run(triggers, minutes, []time.Time{febExp})
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if len(skips) != 1 || skips[0].Reason != SkipOverlap {
		t.Fatalf("expected one overlap skip, got %+v", skips)
	}
	if !trades[1].EntryTime.Equal(tradeDay.Add(tod(9, 32, 0))) {
		t.Fatalf("second entry at %v", trades[1].EntryTime)
	}
}

func TestSimulatorOpenTradeDoesNotGate(t *testing.T) {
	cfg := simCfg()
	cfg.MaxHold = 100
	sellSym, buySym := spreadLegs(febExp)
	ticks := fakeTicks{series: map[string]tickstore.TickSeries{
		sellSym: append(ticksFrom(tod(9, 30, 1), 150, 150, 150, 150, 150),
			ticksFrom(tod(9, 45, 1), 150, 150, 150, 150, 150)...),
		buySym: append(ticksFrom(tod(9, 30, 1), 40, 40, 40, 40, 40),
			ticksFrom(tod(9, 45, 1), 40, 40, 40, 40, 40)...),
	}}
	// Benign candles only: neither trade reaches an exit.
	minutes := []marketdata.Candle{
		minuteCandle(tradeDay, 9, 30, 100, 101, 99.9, 100.2),
		minuteCandle(tradeDay, 9, 45, 100.2, 100.6, 100, 100.4),
	}

	triggers := []EntryTrigger{trigAt(9, 30, 100), trigAt(9, 45, 100)}
	sim := NewSimulator(cfg, ticks, nil)
	trades, _ := sim.Run(triggers, minutes, []time.Time{febExp})
	if len(trades) != 2 {
		t.Fatalf("an unresolved exit must not gate later triggers, got %d trades", len(trades))
	}
}

func TestSimulatorEntryCutoff(t *testing.T) {
	cfg := simCfg()
	sim := NewSimulator(cfg, fakeTicks{}, nil)
	trades, skips := sim.Run([]EntryTrigger{trigAt(15, 0, 100)}, nil, []time.Time{febExp})
	if len(trades) != 0 {
		t.Fatalf("trigger at the cutoff must not trade")
	}
	if len(skips) != 1 || skips[0].Reason != SkipEntryCutoff {
		t.Fatalf("skips = %+v", skips)
	}
}

func TestSimulatorSessionEndSkipsNotBreaks(t *testing.T) {
	cfg := simCfg()
	cfg.MaxHold = 100
	cfg.EntryCutoff = "15:31" // allow a late entry for this scenario
	sellSym, buySym := spreadLegs(febExp)
	ticks := fakeTicks{series: map[string]tickstore.TickSeries{
		sellSym: ticksFrom(tod(15, 28, 1), 150, 150, 150, 150, 150),
		buySym:  ticksFrom(tod(15, 28, 1), 40, 40, 40, 40, 40),
	}}
	nextDay := tradeDay.Add(24 * time.Hour)
	minutes := []marketdata.Candle{
		minuteCandle(tradeDay, 15, 28, 100, 101, 99.9, 100.2),
		// Breaches the stop but sits past session end, so it is ignored.
		minuteCandle(tradeDay, 15, 30, 100, 100, 98, 98.5),
		minuteCandle(nextDay, 9, 15, 100, 100.2, 99, 99.3),
	}

	sim := NewSimulator(cfg, ticks, nil)
	trades, _ := sim.Run([]EntryTrigger{trigAt(15, 28, 100)}, minutes, []time.Time{febExp})
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	tr := trades[0]
	if tr.ExitReason != ExitStopLoss {
		t.Fatalf("exit reason = %s", tr.ExitReason)
	}
	if !tr.ExitTime.Equal(nextDay.Add(tod(9, 15, 0))) {
		t.Fatalf("stop must fire on the next session candle, got %v", tr.ExitTime)
	}
}

func TestSimulatorSkipsMissingTickData(t *testing.T) {
	cfg := simCfg()
	febSell, _ := spreadLegs(febExp)
	// Sell leg present for the premium probe, buy leg missing entirely.
	ticks := fakeTicks{series: map[string]tickstore.TickSeries{
		febSell: ticksFrom(tod(9, 30, 1), 150, 150, 150, 150, 150),
	}}
	minutes := []marketdata.Candle{minuteCandle(tradeDay, 9, 30, 100, 101, 99.9, 100.2)}

	sim := NewSimulator(cfg, ticks, nil)
	trades, skips := sim.Run([]EntryTrigger{trigAt(9, 30, 100)}, minutes, []time.Time{febExp})
	if len(trades) != 0 {
		t.Fatal("missing leg data must not produce a trade")
	}
	if len(skips) != 1 || skips[0].Reason != SkipTickData {
		t.Fatalf("skips = %+v", skips)
	}
}

func TestSimulatorSkipsThinTickSeries(t *testing.T) {
	cfg := simCfg()
	febSell, febBuy := spreadLegs(febExp)
	ticks := fakeTicks{series: map[string]tickstore.TickSeries{
		// Only three prints after entry; the 4th-tick fill never exists.
		febSell: ticksFrom(tod(9, 30, 1), 150, 150, 150),
		febBuy:  ticksFrom(tod(9, 30, 1), 40, 40, 40),
	}}
	minutes := []marketdata.Candle{minuteCandle(tradeDay, 9, 30, 100, 101, 99.9, 100.2)}

	sim := NewSimulator(cfg, ticks, nil)
	trades, skips := sim.Run([]EntryTrigger{trigAt(9, 30, 100)}, minutes, []time.Time{febExp})
	if len(trades) != 0 {
		t.Fatal("thin tick series must not produce a trade")
	}
	if len(skips) != 1 || skips[0].Reason != SkipThinTicks {
		t.Fatalf("skips = %+v", skips)
	}
}

func TestSimulatorLegExcursions(t *testing.T) {
	cfg := simCfg()
	cfg.MaxHold = 1
	sellSym, buySym := spreadLegs(febExp)
	ticks := fakeTicks{series: map[string]tickstore.TickSeries{
		// Sell leg ranges 120..160 around a 150 fill; buy leg 30..55 around 40.
		sellSym: ticksFrom(tod(9, 30, 1), 150, 150, 150, 150, 160, 120),
		buySym:  ticksFrom(tod(9, 30, 1), 40, 40, 40, 40, 55, 30),
	}}
	minutes := []marketdata.Candle{minuteCandle(tradeDay, 9, 30, 100, 101, 99.9, 100.2)}

	sim := NewSimulator(cfg, ticks, nil)
	trades, _ := sim.Run([]EntryTrigger{trigAt(9, 30, 100)}, minutes, []time.Time{febExp})
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	tr := trades[0]
	if tr.SellMaxProfit != (150-120)*50 || tr.SellMaxLoss != (160-150)*50 {
		t.Fatalf("sell excursion profit=%v loss=%v", tr.SellMaxProfit, tr.SellMaxLoss)
	}
	if tr.BuyMaxProfit != (55-40)*50 || tr.BuyMaxLoss != (40-30)*50 {
		t.Fatalf("buy excursion profit=%v loss=%v", tr.BuyMaxProfit, tr.BuyMaxLoss)
	}
}
